package nmt

// State is an NMT lifecycle state.
type State uint8

const (
	// StateInit is the state before the first Reset-Node.
	StateInit State = iota

	// StateResetApplication resets the application profile area.
	StateResetApplication

	// StateResetCommunication resets the communication profile area.
	StateResetCommunication

	// StateBootup announces the node on the bus.
	StateBootup

	// StatePreOperational allows SDO, SYNC and EMCY but no PDO traffic.
	StatePreOperational

	// StateOperational is full operation including PDO traffic.
	StateOperational

	// StateStopped allows only NMT and error-control traffic.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateResetApplication:
		return "RESET_APPLICATION"
	case StateResetCommunication:
		return "RESET_COMMUNICATION"
	case StateBootup:
		return "BOOTUP"
	case StatePreOperational:
		return "PRE_OPERATIONAL"
	case StateOperational:
		return "OPERATIONAL"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Error-control status bytes (CiA 301).
const (
	StatusBootup         uint8 = 0x00
	StatusStopped        uint8 = 0x04
	StatusOperational    uint8 = 0x05
	StatusPreOperational uint8 = 0x7F
)

// statusByte returns the error-control status byte for a state. The reset
// states and Init have no on-bus representation and map to the boot-up
// value.
func (s State) statusByte() uint8 {
	switch s {
	case StateStopped:
		return StatusStopped
	case StateOperational:
		return StatusOperational
	case StatePreOperational:
		return StatusPreOperational
	default:
		return StatusBootup
	}
}

// StateFromStatus maps an error-control status byte (toggle bit ignored)
// to a lifecycle state.
func StateFromStatus(status uint8) (State, bool) {
	switch status & 0x7F {
	case StatusBootup:
		return StateBootup, true
	case StatusStopped:
		return StateStopped, true
	case StatusOperational:
		return StateOperational, true
	case StatusPreOperational:
		return StatePreOperational, true
	default:
		return 0, false
	}
}

// Command is an NMT command specifier.
type Command uint8

const (
	CommandStart               Command = 0x01
	CommandStop                Command = 0x02
	CommandEnterPreOperational Command = 0x80
	CommandResetNode           Command = 0x81
	CommandResetCommunication  Command = 0x82
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandStart:
		return "START"
	case CommandStop:
		return "STOP"
	case CommandEnterPreOperational:
		return "ENTER_PRE_OPERATIONAL"
	case CommandResetNode:
		return "RESET_NODE"
	case CommandResetCommunication:
		return "RESET_COMMUNICATION"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether c is one of the five CiA 301 command specifiers.
func (c Command) Valid() bool {
	switch c {
	case CommandStart, CommandStop, CommandEnterPreOperational,
		CommandResetNode, CommandResetCommunication:
		return true
	}
	return false
}
