package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID uniquely identifies the service run (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Node is the CANopen node-ID the event concerns (0 for broadcast).
	Node uint8 `cbor:"4,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame        *FrameEvent       `cbor:"5,keyasint,omitempty"` // Raw CAN frame
	Command      *CommandEvent     `cbor:"6,keyasint,omitempty"` // NMT command
	StateChange  *StateChangeEvent `cbor:"7,keyasint,omitempty"` // Local lifecycle
	Boot         *BootEvent        `cbor:"8,keyasint,omitempty"` // Slave boot result
	ErrorControl *ErrCtrlEvent     `cbor:"9,keyasint,omitempty"` // Supervision edge
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
	// DirectionLocal indicates an event with no bus traffic of its own.
	DirectionLocal Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	case DirectionLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a raw CAN frame.
type FrameEvent struct {
	// ID is the 11-bit CAN identifier.
	ID uint32 `cbor:"1,keyasint"`

	// Data is the frame payload (up to 8 bytes).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// RTR marks a remote transmission request.
	RTR bool `cbor:"3,keyasint,omitempty"`
}

// CommandEvent captures an NMT command sent or received.
type CommandEvent struct {
	// Command is the command specifier byte.
	Command uint8 `cbor:"1,keyasint"`

	// Target is the addressed node-ID (0 for all nodes).
	Target uint8 `cbor:"2,keyasint"`
}

// StateChangeEvent captures a local NMT lifecycle transition.
type StateChangeEvent struct {
	// Old is the previous state.
	Old uint8 `cbor:"1,keyasint"`

	// New is the entered state.
	New uint8 `cbor:"2,keyasint"`
}

// BootEvent captures the outcome of a slave boot process.
type BootEvent struct {
	// Status is the boot status code ('A'..'O', 0 for success).
	Status byte `cbor:"1,keyasint"`

	// Text is the human-readable status description.
	Text string `cbor:"2,keyasint,omitempty"`

	// State is the slave's last observed NMT status byte.
	State uint8 `cbor:"3,keyasint,omitempty"`
}

// ErrCtrlEvent captures a heartbeat or node guarding supervision edge.
type ErrCtrlEvent struct {
	// Occurred is true when supervision declared the peer lost, false
	// when the peer came back.
	Occurred bool `cbor:"1,keyasint"`
}
