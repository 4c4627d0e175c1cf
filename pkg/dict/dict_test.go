package dict_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopen-protocol/canopen-go/pkg/dict"
)

func TestReadAbsentEntry(t *testing.T) {
	d := dict.New(1)

	_, ok := d.U32(dict.IdxNMTStartup, 0)
	assert.False(t, ok, "absent entry must read as not-ok")
}

func TestRoundTripWidths(t *testing.T) {
	d := dict.New(1)

	d.SetU8(dict.IdxLifeTimeFactor, 0, 3)
	d.SetU16(dict.IdxGuardTime, 0, 200)
	d.SetU32(dict.IdxNMTStartup, 0, 0x0D)

	v8, ok := d.U8(dict.IdxLifeTimeFactor, 0)
	require.True(t, ok)
	assert.Equal(t, uint8(3), v8)

	v16, ok := d.U16(dict.IdxGuardTime, 0)
	require.True(t, ok)
	assert.Equal(t, uint16(200), v16)

	v32, ok := d.U32(dict.IdxNMTStartup, 0)
	require.True(t, ok)
	assert.Equal(t, uint32(0x0D), v32)
}

func TestConfiguredZeroIsPresent(t *testing.T) {
	d := dict.New(1)
	d.SetU32(dict.IdxExpectedVendorID, 2, 0)

	v, ok := d.U32(dict.IdxExpectedVendorID, 2)
	require.True(t, ok, "configured-as-zero must be distinguishable from absent")
	assert.Equal(t, uint32(0), v)
}

func TestNodeIDRelativeValue(t *testing.T) {
	d := dict.New(5)
	d.SetU32NodeID(0x1800, 1, 0x180)

	v, ok := d.U32(0x1800, 1)
	require.True(t, ok)
	assert.Equal(t, uint32(0x185), v)

	require.NoError(t, d.SetNodeID(9))
	v, _ = d.U32(0x1800, 1)
	assert.Equal(t, uint32(0x189), v, "relative entry must track SetNodeID")

	// Plain entries are unaffected.
	d.SetU32(0x1801, 1, 0x280)
	require.NoError(t, d.SetNodeID(3))
	v, _ = d.U32(0x1801, 1)
	assert.Equal(t, uint32(0x280), v)
}

func TestSetNodeIDValidation(t *testing.T) {
	d := dict.New(1)
	assert.ErrorIs(t, d.SetNodeID(0), dict.ErrInvalidNodeID)
	assert.ErrorIs(t, d.SetNodeID(128), dict.ErrInvalidNodeID)
	assert.NoError(t, d.SetNodeID(dict.NodeIDUnconfigured))
	assert.NoError(t, d.SetNodeID(127))
}

func TestSubIndicesSorted(t *testing.T) {
	d := dict.New(1)
	d.SetU32(dict.IdxSlaveAssignment, 9, 1)
	d.SetU32(dict.IdxSlaveAssignment, 2, 1)
	d.SetU32(dict.IdxSlaveAssignment, 5, 1)
	d.SetU32(dict.IdxConsumerHeartbeat, 1, 1)

	assert.Equal(t, []uint8{2, 5, 9}, d.SubIndices(dict.IdxSlaveAssignment))
}

func TestOnWriteHook(t *testing.T) {
	d := dict.New(1)

	type write struct {
		index uint16
		sub   uint8
	}
	var got []write
	d.OnWrite(func(index uint16, sub uint8) {
		got = append(got, write{index, sub})
	})

	d.SetU16(dict.IdxProducerHeartbeat, 0, 500)
	d.SetU32(dict.IdxConsumerHeartbeat, 1, 0x0500_0064)

	require.Len(t, got, 2)
	assert.Equal(t, write{dict.IdxProducerHeartbeat, 0}, got[0])
	assert.Equal(t, write{dict.IdxConsumerHeartbeat, 1}, got[1])

	d.OnWrite(nil)
	d.SetU16(dict.IdxProducerHeartbeat, 0, 0)
	assert.Len(t, got, 2, "removed hook must not fire")
}

func TestGuardParams(t *testing.T) {
	retry, guard := dict.GuardParams(0x00C8_0309)
	assert.Equal(t, uint8(3), retry)
	assert.Equal(t, uint16(200), guard)
}

func TestBytesEntry(t *testing.T) {
	d := dict.New(1)
	img := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	d.SetBytes(dict.IdxProgramImage, 2, img)

	b, ok := d.Bytes(dict.IdxProgramImage, 2)
	require.True(t, ok)
	assert.Equal(t, img, b)

	_, ok = d.U32(dict.IdxProgramImage, 2)
	assert.False(t, ok, "byte entry must not read as integer")
}
