package dict

// Object indices from CiA 301 and CiA 302 used by the NMT services.
const (
	// CiA 301 device objects.
	IdxDeviceType        uint16 = 0x1000
	IdxGuardTime         uint16 = 0x100C
	IdxLifeTimeFactor    uint16 = 0x100D
	IdxConsumerHeartbeat uint16 = 0x1016
	IdxProducerHeartbeat uint16 = 0x1017
	IdxIdentity          uint16 = 0x1018
	IdxVerifyConfig      uint16 = 0x1020
	IdxErrorBehavior     uint16 = 0x1029
	IdxNMTInhibitTime    uint16 = 0x102A

	// CiA 302 program control objects (on the slave).
	IdxProgramData    uint16 = 0x1F50
	IdxProgramControl uint16 = 0x1F51
	IdxSoftwareID     uint16 = 0x1F56
	IdxFlashStatus    uint16 = 0x1F57

	// CiA 302 master configuration objects.
	IdxExpectedConfigDate uint16 = 0x1F26
	IdxExpectedConfigTime uint16 = 0x1F27
	IdxExpectedSoftwareID uint16 = 0x1F55
	IdxProgramImage       uint16 = 0x1F58
	IdxNMTStartup         uint16 = 0x1F80
	IdxSlaveAssignment    uint16 = 0x1F81
	IdxRequestNMT         uint16 = 0x1F82
	IdxExpectedDeviceType uint16 = 0x1F84
	IdxExpectedVendorID   uint16 = 0x1F85
	IdxExpectedProduct    uint16 = 0x1F86
	IdxExpectedRevision   uint16 = 0x1F87
	IdxExpectedSerial     uint16 = 0x1F88
)

// Identity sub-indices of object 1018.
const (
	SubVendorID uint8 = 0x01
	SubProduct  uint8 = 0x02
	SubRevision uint8 = 0x03
	SubSerial   uint8 = 0x04
)

// NMT startup bits (object 1F80).
const (
	StartupMaster         uint32 = 1 << 0 // device is the NMT master
	StartupStartAll       uint32 = 1 << 1 // start all nodes with one broadcast
	StartupNoAutoOper     uint32 = 1 << 2 // application switches to Operational itself
	StartupNoStartSlaves  uint32 = 1 << 3 // application starts the slaves
	StartupResetAllOnErr  uint32 = 1 << 4 // reset all nodes on mandatory slave failure
	StartupFlyingMaster   uint32 = 1 << 5 // flying master (not supported)
	StartupStopAllOnErr   uint32 = 1 << 6 // stop all nodes on mandatory slave failure
)

// Slave assignment bits (object 1F81, bits 0..7). Bits 8..15 carry the
// node guarding retry factor, bits 16..31 the guard time in milliseconds.
const (
	AssignInNetwork     uint32 = 1 << 0
	AssignBoot          uint32 = 1 << 2
	AssignMandatory     uint32 = 1 << 3
	AssignKeepAlive     uint32 = 1 << 4
	AssignVerifySW      uint32 = 1 << 5
	AssignUpdateSW      uint32 = 1 << 6
	AssignNodeGuarding  uint32 = 1 << 7
)

// GuardParams extracts the node guarding retry factor and guard time
// encoded in a 1F81 assignment value.
func GuardParams(assignment uint32) (retryFactor uint8, guardTimeMs uint16) {
	return uint8(assignment >> 8), uint16(assignment >> 16)
}
