package nmt

import "github.com/notnil/canbus"

// CAN identifiers of the NMT services.
const (
	// CommandCOBID is the fixed identifier of NMT command frames.
	CommandCOBID uint32 = 0x000

	// ErrCtrlBase is the COB-ID base of error-control frames; the node-ID
	// is added.
	ErrCtrlBase uint32 = 0x700
)

// toggleBit marks alternating node-guarding replies in the status byte.
const toggleBit uint8 = 0x80

// commandFrame builds an NMT command frame. Node 0 addresses all nodes.
func commandFrame(cs Command, node uint8) canbus.Frame {
	var f canbus.Frame
	f.ID = CommandCOBID
	f.Len = 2
	f.Data[0] = byte(cs)
	f.Data[1] = node
	return f
}

// errCtrlFrame builds an error-control frame (heartbeat, boot-up message
// or node-guarding reply) carrying the given status byte.
func errCtrlFrame(node uint8, status uint8) canbus.Frame {
	var f canbus.Frame
	f.ID = ErrCtrlBase + uint32(node)
	f.Len = 1
	f.Data[0] = status
	return f
}

// guardRequestFrame builds the RTR frame a master uses to poll a slave's
// state.
func guardRequestFrame(node uint8) canbus.Frame {
	var f canbus.Frame
	f.ID = ErrCtrlBase + uint32(node)
	f.RTR = true
	f.Len = 1
	return f
}

// parseCommand extracts the command specifier and target from an NMT
// command frame.
func parseCommand(f canbus.Frame) (Command, uint8, bool) {
	if f.ID != CommandCOBID || f.RTR || f.Len < 2 {
		return 0, 0, false
	}
	return Command(f.Data[0]), f.Data[1], true
}

// errCtrlNode returns the source node of an error-control frame, or 0 if
// the frame is not one.
func errCtrlNode(f canbus.Frame) uint8 {
	if f.ID < ErrCtrlBase+1 || f.ID > ErrCtrlBase+127 {
		return 0
	}
	return uint8(f.ID - ErrCtrlBase)
}
