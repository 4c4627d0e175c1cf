package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// SDO errors.
var (
	// ErrTimeout indicates the transfer did not complete within its timeout.
	ErrTimeout = errors.New("sdo: transfer timed out")

	// ErrBlockNotSupported indicates the server does not implement block
	// transfer. Callers fall back to segmented download.
	ErrBlockNotSupported = errors.New("sdo: block transfer not supported")
)

// CiA 301 abort codes used by this stack.
const (
	AbortToggle      uint32 = 0x05030000 // toggle bit not alternated
	AbortTimeout     uint32 = 0x05040000 // SDO protocol timed out
	AbortInvalidCS   uint32 = 0x05040001 // command specifier not valid or unknown
	AbortNoObject    uint32 = 0x06020000 // object does not exist
	AbortNoSubIndex  uint32 = 0x06090011 // sub-index does not exist
	AbortDataType    uint32 = 0x06070010 // data type does not match
	AbortGeneral     uint32 = 0x08000000 // general error
	AbortNoTransfer  uint32 = 0x08000020 // data cannot be transferred or stored
	AbortDeviceState uint32 = 0x08000022 // invalid device state for transfer
)

// AbortError is a transfer aborted by the remote server.
type AbortError struct {
	Code uint32
}

// Error implements error.
func (e *AbortError) Error() string {
	return fmt.Sprintf("sdo: abort 0x%08X", e.Code)
}

// Is classifies well-known abort codes so callers can use errors.Is. A
// server that aborts a block-download initiation with "command specifier
// not valid" does not speak block transfer.
func (e *AbortError) Is(target error) bool {
	switch target {
	case ErrBlockNotSupported:
		return e.Code == AbortInvalidCS
	case ErrTimeout:
		return e.Code == AbortTimeout
	}
	return false
}

// Client issues SDO transfers against remote nodes. Implementations invoke
// each done callback exactly once.
type Client interface {
	// Upload reads object (index, sub) from node.
	Upload(node uint8, index uint16, sub uint8, timeout time.Duration, done func(data []byte, err error))

	// Download writes object (index, sub) on node using expedited or
	// segmented transfer as the payload size demands.
	Download(node uint8, index uint16, sub uint8, data []byte, timeout time.Duration, done func(err error))

	// BlockDownload writes object (index, sub) on node using block
	// transfer. Servers without block support abort with a code that
	// classifies as ErrBlockNotSupported.
	BlockDownload(node uint8, index uint16, sub uint8, data []byte, timeout time.Duration, done func(err error))
}

// U32 decodes a little-endian unsigned 32-bit SDO payload. Shorter
// payloads are accepted and zero-extended, as CANopen servers may answer
// with the object's actual width.
func U32(data []byte) uint32 {
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:])
}

// U32Bytes encodes v as a little-endian 32-bit payload.
func U32Bytes(v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:]
}
