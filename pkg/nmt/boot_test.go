package nmt_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopen-protocol/canopen-go/pkg/dict"
	"github.com/canopen-protocol/canopen-go/pkg/nmt"
	"github.com/canopen-protocol/canopen-go/pkg/sdo"
	"github.com/canopen-protocol/canopen-go/pkg/sdo/sdotest"
)

type bootResult struct {
	node uint8
	st   uint8
	es   nmt.BootStatus
}

func captureBoots(svc *nmt.Service) *[]bootResult {
	results := &[]bootResult{}
	svc.OnBoot(func(node uint8, st uint8, es nmt.BootStatus) {
		*results = append(*results, bootResult{node: node, st: st, es: es})
	})
	return results
}

func TestBootSlaveValidation(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	assert.ErrorIs(t, r.svc.BootSlave(0, 0, t0), nmt.ErrInvalidNodeID)
	assert.ErrorIs(t, r.svc.BootSlave(1, 0, t0), nmt.ErrInvalidNodeID)

	// The startup procedure already owns node 2.
	assert.ErrorIs(t, r.svc.BootSlave(2, 0, t0), nmt.ErrInProgress)
}

func TestBootMandatorySlaveSuccess(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x0D) // in network, boot, mandatory
		d.SetU32(dict.IdxConsumerHeartbeat, 1, 2<<16|100)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	// The mandatory slave gates the master in Pre-Operational; its reset
	// command is already on the bus.
	assert.Equal(t, nmt.StatePreOperational, r.svc.State())
	assert.Contains(t, r.bus.commands(), [2]uint8{0x82, 2})

	// The slave reboots and reports Pre-Operational.
	t1 := t0.Add(200 * time.Millisecond)
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t1)
	t2 := t1.Add(10 * time.Millisecond)
	r.svc.OnFrame(heartbeatFrame(2, 0x7F), t2)

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootOK, (*boots)[0].es)
	assert.Equal(t, uint8(2), (*boots)[0].node)

	es, booted := r.svc.SlaveBooted(2)
	assert.True(t, booted)
	assert.Equal(t, nmt.BootOK, es)

	// The slave is started individually and the master proceeds.
	assert.Contains(t, r.bus.commands(), [2]uint8{0x01, 2})
	assert.Equal(t, nmt.StateOperational, r.svc.State())
	assert.False(t, r.svc.StartupHalted())
}

func TestBootDeviceTypeMismatch(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x0D)
		d.SetU32(dict.IdxExpectedDeviceType, 2, 0x00020192)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x000F0191)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootDeviceTypeDiff, (*boots)[0].es)
	assert.True(t, r.svc.StartupHalted())
	assert.Equal(t, nmt.StatePreOperational, r.svc.State())
	assert.NotContains(t, r.bus.commands(), [2]uint8{0x01, 2})
}

func TestBootVendorMismatch(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x0D)
		d.SetU32(dict.IdxExpectedVendorID, 2, 0x0000_0456)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.SetU32(2, dict.IdxIdentity, dict.SubVendorID, 0x0000_0999)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootVendorIDDiff, (*boots)[0].es)
	assert.True(t, r.svc.StartupHalted())
}

func TestBootIdentityChecked(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
		d.SetU32(dict.IdxExpectedVendorID, 2, 0x456)
		d.SetU32(dict.IdxExpectedProduct, 2, 0x777)
		d.SetU32(dict.IdxExpectedRevision, 2, 0x10002)
		d.SetU32(dict.IdxExpectedSerial, 2, 0xDEAD)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.SetU32(2, dict.IdxIdentity, dict.SubVendorID, 0x456)
	r.sdo.SetU32(2, dict.IdxIdentity, dict.SubProduct, 0x777)
	r.sdo.SetU32(2, dict.IdxIdentity, dict.SubRevision, 0x10002)
	r.sdo.SetU32(2, dict.IdxIdentity, dict.SubSerial, 0xBEEF)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootSerialNumberDiff, (*boots)[0].es)
	assert.Equal(t, 1, r.sdo.UploadCount(2, dict.IdxIdentity, dict.SubSerial))
}

func TestBootNoResponseRetries(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
	})
	r.sdo.ScriptUpload(2, dict.IdxDeviceType, 0, sdotest.Response{Err: sdo.ErrTimeout})
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootNoDeviceType, (*boots)[0].es)
	// The device type read follows the node's reset, so its first attempt
	// is charged as an elapsed retry: two uploads, not three.
	assert.Equal(t, 2, r.sdo.UploadCount(2, dict.IdxDeviceType, 0))
}

func TestBootIdentityRetriesFullCount(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
		d.SetU32(dict.IdxExpectedVendorID, 2, 0x456)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.ScriptUpload(2, dict.IdxIdentity, dict.SubVendorID,
		sdotest.Response{Err: sdo.ErrTimeout},
		sdotest.Response{Err: sdo.ErrTimeout},
		sdotest.Response{Data: sdo.U32Bytes(0x456)},
	)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	// Identity reads are not pre-charged; the full retry count applies
	// and the third attempt carries the check.
	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootOK, (*boots)[0].es)
	assert.Equal(t, 3, r.sdo.UploadCount(2, dict.IdxIdentity, dict.SubVendorID))
}

func TestBootExpectedDeviceTypeZeroSkipsRead(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
		d.SetU32(dict.IdxExpectedDeviceType, 2, 0)
	})
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	// A zero expectation waives the check; no 1000 upload goes out even
	// against a node with no SDO server at all.
	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootOK, (*boots)[0].es)
	assert.Zero(t, r.sdo.UploadCount(2, dict.IdxDeviceType, 0))
}

func TestBootNotInNetwork(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x04) // boot flag without network membership
	})
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	require.NoError(t, r.svc.BootSlave(2, 0, t0))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootNotInNetwork, (*boots)[0].es)
	assert.Zero(t, r.sdo.UploadCount(2, dict.IdxDeviceType, 0))
}

func TestBootNoStateAfterReset(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x05) // optional slave
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	// An optional slave does not gate the master.
	assert.Equal(t, nmt.StateOperational, r.svc.State())
	assert.Empty(t, *boots)

	r.svc.OnTime(t0.Add(5 * time.Second))
	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootNoStateResponse, (*boots)[0].es)
	_, booted := r.svc.SlaveBooted(2)
	assert.False(t, booted)
}

func TestBootErrorControlTimeout(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x0D)
		d.SetU32(dict.IdxConsumerHeartbeat, 1, 2<<16|100)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	t1 := t0.Add(100 * time.Millisecond)
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t1)
	assert.Empty(t, *boots)

	// No heartbeat after the boot-up message.
	r.svc.OnTime(t1.Add(200 * time.Millisecond))
	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootErrCtrlTimeout, (*boots)[0].es)
	assert.True(t, r.svc.StartupHalted())
}

func TestBootKeepAliveOperational(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x11) // in network, keep alive
		d.SetU32(dict.IdxConsumerHeartbeat, 1, 2<<16|100)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	require.Equal(t, nmt.StateOperational, r.svc.State())

	// The node is known to be Operational before the boot request.
	r.svc.OnFrame(heartbeatFrame(2, 0x05), t0.Add(10*time.Millisecond))
	r.bus.reset()

	t1 := t0.Add(20 * time.Millisecond)
	require.NoError(t, r.svc.BootSlave(2, 0, t1))
	r.svc.OnFrame(heartbeatFrame(2, 0x05), t1.Add(30*time.Millisecond))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootWasOperational, (*boots)[0].es)
	es, booted := r.svc.SlaveBooted(2)
	assert.True(t, booted)
	assert.Equal(t, nmt.BootWasOperational, es)

	// No reset and no start command for a running node.
	assert.Empty(t, r.bus.commands())
}

func TestBootKeepAliveProbesUnknownState(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x15) // in network, boot, keep alive
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	// The boot process polls the node state instead of resetting it.
	var probes int
	for _, f := range r.bus.frames {
		if f.RTR && f.ID == 0x702 {
			probes++
		}
	}
	assert.Equal(t, 1, probes)
	assert.NotContains(t, r.bus.commands(), [2]uint8{0x82, 2})

	// No reply within the probe window.
	r.svc.OnTime(t0.Add(time.Second))
	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootGuardTimeout, (*boots)[0].es)
}

func TestBootSoftwareVersionMatch(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x25) // in network, boot, verify software
		d.SetU32(dict.IdxExpectedSoftwareID, 2, 0x0102)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.SetU32(2, dict.IdxSoftwareID, 1, 0x0102)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootOK, (*boots)[0].es)
}

func TestBootSoftwareUpdateForbidden(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x25)
		d.SetU32(dict.IdxExpectedSoftwareID, 2, 0x0102)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.SetU32(2, dict.IdxSoftwareID, 1, 0x0101)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootUpdateForbidden, (*boots)[0].es)
}

func TestBootSoftwareExpectationMissing(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x25)
		// No expected software identification for node 2.
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootConfigMissing, (*boots)[0].es)
}

func TestBootSoftwareUpdate(t *testing.T) {
	image := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x65) // verify and update software
		d.SetU32(dict.IdxExpectedSoftwareID, 2, 0x0200)
		d.SetBytes(dict.IdxProgramImage, 2, image)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.ScriptUpload(2, dict.IdxSoftwareID, 1,
		sdotest.Response{Data: sdo.U32Bytes(0x0100)}, // stale program
		sdotest.Response{Data: sdo.U32Bytes(0x0200)}, // after flashing
	)
	r.sdo.ScriptUpload(2, dict.IdxFlashStatus, 1,
		sdotest.Response{Data: sdo.U32Bytes(1)}, // flashing in progress
		sdotest.Response{Data: sdo.U32Bytes(0)}, // done, no error
	)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))

	// First boot-up after the reset starts the update.
	t1 := t0.Add(50 * time.Millisecond)
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t1)

	// Stop, clear, then flash.
	assert.Equal(t, [][]byte{{0x00}, {0x03}}, r.sdo.Downloads(2, dict.IdxProgramControl, 1))
	assert.Equal(t, [][]byte{image}, r.sdo.Downloads(2, dict.IdxProgramData, 1))

	// The first flash status poll is busy; the next one completes the
	// update and the program is started.
	r.svc.OnTime(t1.Add(100 * time.Millisecond))
	assert.Equal(t, [][]byte{{0x00}, {0x03}, {0x01}}, r.sdo.Downloads(2, dict.IdxProgramControl, 1))
	assert.Empty(t, *boots)

	// The restarted program announces itself; the process re-verifies the
	// node from the top, including a communication reset.
	t2 := t1.Add(700 * time.Millisecond)
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t2)
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t2.Add(50*time.Millisecond))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootOK, (*boots)[0].es)
	assert.Equal(t, 3, r.sdo.UploadCount(2, dict.IdxSoftwareID, 1))
}

func TestBootSoftwareUpdateBlockFallback(t *testing.T) {
	image := []byte{0x01, 0x02, 0x03}
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x65)
		d.SetU32(dict.IdxExpectedSoftwareID, 2, 0x0200)
		d.SetBytes(dict.IdxProgramImage, 2, image)
	})
	r.sdo.BlockSupported = false
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.ScriptUpload(2, dict.IdxSoftwareID, 1,
		sdotest.Response{Data: sdo.U32Bytes(0x0100)},
		sdotest.Response{Data: sdo.U32Bytes(0x0200)},
	)
	r.sdo.SetU32(2, dict.IdxFlashStatus, 1, 0)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	// Block transfer was attempted, then segmented transfer carried the
	// image.
	var block, segmented int
	for _, req := range r.sdo.Requests {
		if req.Index == dict.IdxProgramData && req.Download {
			if req.Block {
				block++
			} else {
				segmented++
			}
		}
	}
	assert.Equal(t, 1, block)
	assert.Equal(t, 1, segmented)
	assert.Equal(t, [][]byte{image, image}, r.sdo.Downloads(2, dict.IdxProgramData, 1))
}

func TestBootConfigurationVerified(t *testing.T) {
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
		d.SetU32(dict.IdxExpectedConfigDate, 2, 0x0000_AAAA)
		d.SetU32(dict.IdxExpectedConfigTime, 2, 0x0000_BBBB)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	r.sdo.SetU32(2, dict.IdxVerifyConfig, 1, 0x0000_AAAA)
	r.sdo.SetU32(2, dict.IdxVerifyConfig, 2, 0x0000_BBBB)
	boots := captureBoots(r.svc)

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	// Stamps match: no configuration push, boot succeeds.
	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootOK, (*boots)[0].es)
	assert.Equal(t, 1, r.sdo.UploadCount(2, dict.IdxVerifyConfig, 1))
	assert.Equal(t, 1, r.sdo.UploadCount(2, dict.IdxVerifyConfig, 2))
}

func TestBootConfigurationUpdate(t *testing.T) {
	requested := 0
	req := configRequesterFunc(func(node uint8, done func(error)) {
		requested++
		done(nil)
	})
	d := dict.New(1)
	d.SetU32(dict.IdxNMTStartup, 0, 0x01)
	d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
	d.SetU32(dict.IdxExpectedConfigDate, 2, 0x0000_AAAA)
	d.SetU32(dict.IdxExpectedConfigTime, 2, 0x0000_BBBB)
	bus := &frameSink{}
	srv := sdotest.New()
	srv.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	srv.SetU32(2, dict.IdxVerifyConfig, 1, 0x0000_1111) // stale stamp
	svc, err := nmt.New(nmt.Config{Sender: bus, Dict: d, SDO: srv, ConfigRequester: req})
	require.NoError(t, err)
	boots := captureBoots(svc)

	require.NoError(t, svc.ApplyCommand(nmt.CommandResetNode, t0))
	svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootOK, (*boots)[0].es)
	assert.Equal(t, 1, requested)
}

func TestBootConfigurationUpdateFails(t *testing.T) {
	req := configRequesterFunc(func(node uint8, done func(error)) {
		done(errors.New("sdo write rejected"))
	})
	d := dict.New(1)
	d.SetU32(dict.IdxNMTStartup, 0, 0x01)
	d.SetU32(dict.IdxSlaveAssignment, 2, 0x05)
	bus := &frameSink{}
	srv := sdotest.New()
	srv.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	svc, err := nmt.New(nmt.Config{Sender: bus, Dict: d, SDO: srv, ConfigRequester: req})
	require.NoError(t, err)
	boots := captureBoots(svc)

	require.NoError(t, svc.ApplyCommand(nmt.CommandResetNode, t0))
	svc.OnFrame(heartbeatFrame(2, 0x00), t0.Add(50*time.Millisecond))

	require.Len(t, *boots, 1)
	assert.Equal(t, nmt.BootConfigFailed, (*boots)[0].es)
}

func TestBootStartsNodeGuarding(t *testing.T) {
	assignment := uint32(0x85) | 2<<8 | 50<<16 // guarding, retry 2, 50ms
	r := newRig(t, 1, func(d *dict.Dictionary) {
		d.SetU32(dict.IdxNMTStartup, 0, 0x01)
		d.SetU32(dict.IdxSlaveAssignment, 2, assignment|0x04)
	})
	r.sdo.SetU32(2, dict.IdxDeviceType, 0, 0x00020192)
	boots := captureBoots(r.svc)

	var guardEvents []nmt.GuardEvent
	r.svc.OnGuard(func(node uint8, ev nmt.GuardEvent) {
		assert.Equal(t, uint8(2), node)
		guardEvents = append(guardEvents, ev)
	})

	require.NoError(t, r.svc.ApplyCommand(nmt.CommandResetNode, t0))
	t1 := t0.Add(50 * time.Millisecond)
	r.svc.OnFrame(heartbeatFrame(2, 0x00), t1)
	require.Len(t, *boots, 1)
	require.Equal(t, nmt.BootOK, (*boots)[0].es)
	r.bus.reset()

	// Guarding polls the node with RTR frames.
	r.svc.OnTime(t1.Add(time.Millisecond))
	require.Len(t, r.bus.frames, 1)
	assert.True(t, r.bus.frames[0].RTR)
	assert.Equal(t, uint32(0x702), r.bus.frames[0].ID)

	// Reply with toggle 0, then silence until the retry factor runs out.
	r.svc.OnFrame(heartbeatFrame(2, 0x7F), t1.Add(2*time.Millisecond))
	r.svc.OnTime(t1.Add(52 * time.Millisecond))
	r.svc.OnTime(t1.Add(103 * time.Millisecond))
	assert.Empty(t, guardEvents)
	r.svc.OnTime(t1.Add(154 * time.Millisecond))
	assert.Equal(t, []nmt.GuardEvent{nmt.GuardTimeoutOccurred}, guardEvents)

	// The failure policy resets the node.
	assert.Contains(t, r.bus.commands(), [2]uint8{0x81, 2})

	// A reply with the expected toggle resolves the loss.
	r.svc.OnFrame(heartbeatFrame(2, 0x7F|0x80), t1.Add(160*time.Millisecond))
	assert.Equal(t, []nmt.GuardEvent{nmt.GuardTimeoutOccurred, nmt.GuardTimeoutResolved}, guardEvents)
}
