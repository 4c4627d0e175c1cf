package sdo_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/canopen-protocol/canopen-go/pkg/sdo"
)

func TestAbortErrorClassification(t *testing.T) {
	blockAbort := &sdo.AbortError{Code: sdo.AbortInvalidCS}
	assert.True(t, errors.Is(blockAbort, sdo.ErrBlockNotSupported))
	assert.False(t, errors.Is(blockAbort, sdo.ErrTimeout))

	timeoutAbort := &sdo.AbortError{Code: sdo.AbortTimeout}
	assert.True(t, errors.Is(timeoutAbort, sdo.ErrTimeout))
	assert.False(t, errors.Is(timeoutAbort, sdo.ErrBlockNotSupported))

	other := &sdo.AbortError{Code: sdo.AbortNoObject}
	assert.False(t, errors.Is(other, sdo.ErrTimeout))
}

func TestAbortErrorWrapped(t *testing.T) {
	err := fmt.Errorf("program download: %w", &sdo.AbortError{Code: sdo.AbortInvalidCS})
	assert.True(t, errors.Is(err, sdo.ErrBlockNotSupported))
}

func TestU32ShortPayload(t *testing.T) {
	// A server answering a u16 object with two bytes must still decode.
	assert.Equal(t, uint32(0x0191), sdo.U32([]byte{0x91, 0x01}))
	assert.Equal(t, uint32(0), sdo.U32(nil))
}

func TestU32RoundTrip(t *testing.T) {
	assert.Equal(t, uint32(0x12345678), sdo.U32(sdo.U32Bytes(0x12345678)))
}
