package nmt

// BootStatus is the outcome of a boot-slave process: 0 for success, or one
// of the single-letter error statuses of CiA 302-2.
type BootStatus byte

// Boot error statuses.
const (
	BootOK               BootStatus = 0
	BootNotInNetwork     BootStatus = 'A' // node not in the network list (1F81)
	BootNoDeviceType     BootStatus = 'B' // no response reading device type (1000)
	BootDeviceTypeDiff   BootStatus = 'C' // device type did not match 1F84
	BootVendorIDDiff     BootStatus = 'D' // vendor id (1018:01) did not match 1F85
	BootNoStateResponse  BootStatus = 'E' // node did not report its state after reset
	BootGuardTimeout     BootStatus = 'F' // node guarding probe went unanswered
	BootConfigMissing    BootStatus = 'G' // expected version/configuration objects missing
	BootUpdateForbidden  BootStatus = 'H' // software update required but not allowed
	BootUpdateFailed     BootStatus = 'I' // program download or start failed
	BootConfigFailed     BootStatus = 'J' // configuration download failed
	BootErrCtrlTimeout   BootStatus = 'K' // no heartbeat after error-control start
	BootWasOperational   BootStatus = 'L' // node was already operational (keep-alive)
	BootProductCodeDiff  BootStatus = 'M' // product code (1018:02) did not match 1F86
	BootRevisionDiff     BootStatus = 'N' // revision number (1018:03) did not match 1F87
	BootSerialNumberDiff BootStatus = 'O' // serial number (1018:04) did not match 1F88
)

// Benign reports whether the status allows the slave to be treated as
// successfully booted. 'L' only means the node was already running.
func (s BootStatus) Benign() bool {
	return s == BootOK || s == BootWasOperational
}

// String returns the status letter, or "OK" for success.
func (s BootStatus) String() string {
	if s == BootOK {
		return "OK"
	}
	return string(byte(s))
}

// Description returns the human-readable description of a boot status for
// diagnostics and logging.
func (s BootStatus) Description() string {
	switch s {
	case BootOK:
		return "boot successful"
	case BootNotInNetwork:
		return "the slave is not listed in the network list"
	case BootNoDeviceType:
		return "no response while reading the device type"
	case BootDeviceTypeDiff:
		return "the device type did not match the expected value"
	case BootVendorIDDiff:
		return "the vendor id did not match the expected value"
	case BootNoStateResponse:
		return "the slave did not report its state after reset"
	case BootGuardTimeout:
		return "the node guarding probe went unanswered"
	case BootConfigMissing:
		return "expected version or configuration objects are missing or inconsistent"
	case BootUpdateForbidden:
		return "a software update is required but not allowed"
	case BootUpdateFailed:
		return "the program download or start failed"
	case BootConfigFailed:
		return "the configuration download failed"
	case BootErrCtrlTimeout:
		return "no heartbeat was received after starting error control"
	case BootWasOperational:
		return "the slave was already operational"
	case BootProductCodeDiff:
		return "the product code did not match the expected value"
	case BootRevisionDiff:
		return "the revision number did not match the expected value"
	case BootSerialNumberDiff:
		return "the serial number did not match the expected value"
	default:
		return "unknown boot status"
	}
}
