package nmt

import (
	"errors"
	"time"

	"github.com/notnil/canbus"

	"github.com/canopen-protocol/canopen-go/pkg/dict"
	"github.com/canopen-protocol/canopen-go/pkg/sdo"
)

// Boot process tuning. SDO transfer timeouts come from the caller; these
// bound the non-SDO waits of the procedure.
const (
	bootSDORetries    = 3
	bootProbeWait     = 100 * time.Millisecond
	bootBootupWait    = 5 * time.Second
	bootFlashWait     = 60 * time.Second
	bootFlashPoll     = 100 * time.Millisecond
	bootRestartWait   = 500 * time.Millisecond
	bootErrCtrlMargin = 50 * time.Millisecond
)

type bootStep uint8

const (
	stepIdle bootStep = iota
	stepDeviceType
	stepIdentity
	stepProbeState
	stepWaitBootup
	stepSoftwareID
	stepStopProgram
	stepClearProgram
	stepDownloadProgram
	stepFlashStatus
	stepVerifySoftware
	stepStartProgram
	stepWaitRestart
	stepConfigDate
	stepConfigTime
	stepUpdateConfig
	stepErrorControl
	stepDone
)

// bootProcess runs the CiA 302 boot-slave procedure for one node. It is
// driven by SDO completion callbacks, by error-control frames handed in
// through onFrame and by deadlines checked in onTime; it never blocks.
type bootProcess struct {
	svc     *Service
	node    uint8
	timeout time.Duration

	step     bootStep
	attempts int
	deadline time.Time // non-SDO wait of the current step
	pollAt   time.Time // next flash status poll

	identitySub uint8 // 1018 sub-index currently being checked
	restarted   bool  // second pass after a software update

	lastSt  uint8
	stValid bool
	finalES BootStatus
}

func newBootProcess(s *Service, node uint8, timeout time.Duration) *bootProcess {
	return &bootProcess{svc: s, node: node, timeout: timeout}
}

func (b *bootProcess) start(now time.Time) {
	assignment := b.svc.slaves[b.node].assignment
	if assignment&dict.AssignInNetwork == 0 {
		b.finish(BootNotInNetwork, now)
		return
	}
	if st, ok := b.knownState(); ok {
		b.lastSt = st
		b.stValid = true
	}
	b.enter(stepDeviceType, now)
}

// knownState returns the node's last observed status byte, toggle
// stripped.
func (b *bootProcess) knownState() (uint8, bool) {
	r := &b.svc.slaves[b.node]
	if !r.stValid {
		return 0, false
	}
	return r.lastSt &^ toggleBit, true
}

func (b *bootProcess) finish(es BootStatus, now time.Time) {
	if b.step == stepDone {
		return
	}
	b.step = stepDone
	b.svc.bootConfirm(b.node, b.lastSt, b.stValid, es, now)
}

// assumeTimedOut marks the steps whose first SDO attempt is charged as
// an elapsed retry. These steps read from a node right after a state
// transition, when a missing first answer is expected rather than a
// fault.
func assumeTimedOut(step bootStep) bool {
	return step == stepDeviceType || step == stepSoftwareID
}

// enter starts a step and fires its first action.
func (b *bootProcess) enter(step bootStep, now time.Time) {
	b.step = step
	b.attempts = bootSDORetries
	if assumeTimedOut(step) {
		b.attempts--
	}
	switch step {
	case stepDeviceType:
		b.readDeviceType(now)
	case stepIdentity:
		b.identitySub = dict.SubVendorID
		b.readIdentity(now)
	case stepProbeState:
		b.deadline = now.Add(bootProbeWait)
		_ = b.svc.sender.Send(guardRequestFrame(b.node))
	case stepWaitBootup:
		b.deadline = now.Add(bootBootupWait)
		_ = b.svc.SendCommand(CommandResetCommunication, b.node, now)
	case stepSoftwareID:
		b.readSoftwareID(now, b.verifyExpectedSoftware)
	case stepStopProgram:
		b.writeProgramControl(0x00, now, func(now time.Time) { b.enter(stepClearProgram, now) })
	case stepClearProgram:
		b.writeProgramControl(0x03, now, func(now time.Time) { b.enter(stepDownloadProgram, now) })
	case stepDownloadProgram:
		b.downloadProgram(now)
	case stepFlashStatus:
		b.deadline = now.Add(bootFlashWait)
		b.pollAt = now
		b.pollFlashStatus(now)
	case stepVerifySoftware:
		b.readSoftwareID(now, b.verifyFlashedSoftware)
	case stepStartProgram:
		b.writeProgramControl(0x01, now, func(now time.Time) { b.enter(stepWaitRestart, now) })
	case stepWaitRestart:
		b.deadline = now.Add(bootRestartWait)
	case stepConfigDate:
		b.readVerifyConfig(0x01, now)
	case stepConfigTime:
		b.readVerifyConfig(0x02, now)
	case stepUpdateConfig:
		b.updateConfig(now)
	case stepErrorControl:
		b.startErrorControl(now)
	}
}

// onFrame consumes error-control frames from the node while the process
// owns it. Returns true when the frame was meaningful to the process.
func (b *bootProcess) onFrame(f canbus.Frame, now time.Time) bool {
	if f.RTR || f.Len < 1 {
		return false
	}
	status := f.Data[0] &^ toggleBit
	b.lastSt = status
	b.stValid = true

	switch b.step {
	case stepProbeState:
		b.stateKnown(status, now)
		return true
	case stepWaitBootup:
		if status != StatusBootup {
			return false
		}
		// After boot-up the node is in Pre-Operational.
		b.lastSt = StatusPreOperational
		b.afterReset(now)
		return true
	case stepWaitRestart:
		if status != StatusBootup {
			return false
		}
		b.lastSt = StatusPreOperational
		b.enter(stepDeviceType, now)
		return true
	case stepErrorControl:
		b.finish(b.finalES, now)
		return true
	}
	return false
}

// onTime checks the wait deadline of the current step.
func (b *bootProcess) onTime(now time.Time) {
	switch b.step {
	case stepProbeState:
		if !now.Before(b.deadline) {
			b.finish(BootGuardTimeout, now)
		}
	case stepWaitBootup:
		if !now.Before(b.deadline) {
			b.finish(BootNoStateResponse, now)
		}
	case stepFlashStatus:
		if !b.pollAt.IsZero() && !now.Before(b.pollAt) {
			b.pollAt = time.Time{}
			b.pollFlashStatus(now)
		}
	case stepWaitRestart:
		if !now.Before(b.deadline) {
			b.enter(stepDeviceType, now)
		}
	case stepErrorControl:
		if !b.deadline.IsZero() && !now.Before(b.deadline) {
			b.finish(BootErrCtrlTimeout, now)
		}
	}
}

func (b *bootProcess) assignment() uint32 {
	return b.svc.slaves[b.node].assignment
}

// retryable reports whether a failed SDO transfer should be retried, and
// burns one attempt.
func (b *bootProcess) retryable(err error) bool {
	if !errors.Is(err, sdo.ErrTimeout) {
		return false
	}
	b.attempts--
	return b.attempts > 0
}

func (b *bootProcess) upload(index uint16, sub uint8, done func(data []byte, err error)) {
	if b.svc.onSDOProgress != nil {
		b.svc.onSDOProgress(b.node, index, sub, false)
	}
	b.svc.sdoc.Upload(b.node, index, sub, b.timeout, done)
}

func (b *bootProcess) download(index uint16, sub uint8, data []byte, done func(err error)) {
	if b.svc.onSDOProgress != nil {
		b.svc.onSDOProgress(b.node, index, sub, true)
	}
	b.svc.sdoc.Download(b.node, index, sub, data, b.timeout, done)
}

// readDeviceType checks object 1000 against the expected device type
// (1F84). An expected value configured as zero waives the check without
// touching the node; otherwise a node that does not answer at all is
// considered absent.
func (b *bootProcess) readDeviceType(now time.Time) {
	if expected, ok := b.svc.dict.U32(dict.IdxExpectedDeviceType, b.node); ok && expected == 0 {
		b.enter(stepIdentity, now)
		return
	}
	b.upload(dict.IdxDeviceType, 0, func(data []byte, err error) {
		now := b.svc.now
		if err != nil {
			if b.retryable(err) {
				b.readDeviceType(now)
				return
			}
			b.finish(BootNoDeviceType, now)
			return
		}
		if expected, ok := b.svc.dict.U32(dict.IdxExpectedDeviceType, b.node); ok && expected != 0 {
			if sdo.U32(data) != expected {
				b.finish(BootDeviceTypeDiff, now)
				return
			}
		}
		b.enter(stepIdentity, now)
	})
}

// readIdentity walks the four identity sub-objects (1018:01..04) and
// compares each against its expected value where one is configured.
func (b *bootProcess) readIdentity(now time.Time) {
	var expIdx uint16
	var mismatch BootStatus
	switch b.identitySub {
	case dict.SubVendorID:
		expIdx, mismatch = dict.IdxExpectedVendorID, BootVendorIDDiff
	case dict.SubProduct:
		expIdx, mismatch = dict.IdxExpectedProduct, BootProductCodeDiff
	case dict.SubRevision:
		expIdx, mismatch = dict.IdxExpectedRevision, BootRevisionDiff
	case dict.SubSerial:
		expIdx, mismatch = dict.IdxExpectedSerial, BootSerialNumberDiff
	default:
		b.checkNodeState(now)
		return
	}

	expected, ok := b.svc.dict.U32(expIdx, b.node)
	if !ok || expected == 0 {
		b.identitySub++
		b.attempts = bootSDORetries
		b.readIdentity(now)
		return
	}

	sub := b.identitySub
	b.upload(dict.IdxIdentity, sub, func(data []byte, err error) {
		now := b.svc.now
		if err != nil {
			if b.retryable(err) {
				b.readIdentity(now)
				return
			}
			b.finish(mismatch, now)
			return
		}
		if sdo.U32(data) != expected {
			b.finish(mismatch, now)
			return
		}
		b.identitySub++
		b.attempts = bootSDORetries
		b.readIdentity(now)
	})
}

// checkNodeState decides whether the node must be reset. A keep-alive
// node keeps its state; its current state is probed if unknown.
func (b *bootProcess) checkNodeState(now time.Time) {
	if b.assignment()&dict.AssignKeepAlive != 0 {
		if st, ok := b.knownState(); ok {
			b.stateKnown(st, now)
			return
		}
		b.enter(stepProbeState, now)
		return
	}
	b.enter(stepWaitBootup, now)
}

// stateKnown continues the keep-alive path once the node's state is
// known. An Operational node is left entirely alone.
func (b *bootProcess) stateKnown(status uint8, now time.Time) {
	if status == StatusOperational {
		b.finalES = BootWasOperational
		b.enter(stepErrorControl, now)
		return
	}
	b.afterReset(now)
}

// afterReset continues with the software version check, or skips ahead
// when the assignment does not ask for one.
func (b *bootProcess) afterReset(now time.Time) {
	if b.assignment()&dict.AssignVerifySW == 0 {
		b.enter(stepConfigDate, now)
		return
	}
	if _, ok := b.svc.dict.U32(dict.IdxExpectedSoftwareID, b.node); !ok {
		b.finish(BootConfigMissing, now)
		return
	}
	b.enter(stepSoftwareID, now)
}

// readSoftwareID reads the node's software identification (1F56:01). The
// node may still be coming up after a reset, so timeouts here are
// expected and retried.
func (b *bootProcess) readSoftwareID(now time.Time, verify func(id uint32, now time.Time)) {
	b.upload(dict.IdxSoftwareID, 0x01, func(data []byte, err error) {
		now := b.svc.now
		if err != nil {
			if b.retryable(err) {
				b.readSoftwareID(now, verify)
				return
			}
			b.finish(BootUpdateFailed, now)
			return
		}
		verify(sdo.U32(data), now)
	})
}

func (b *bootProcess) verifyExpectedSoftware(id uint32, now time.Time) {
	expected, _ := b.svc.dict.U32(dict.IdxExpectedSoftwareID, b.node)
	if id == expected {
		b.enter(stepConfigDate, now)
		return
	}
	if b.restarted {
		// The freshly flashed program still reports the wrong version.
		b.finish(BootUpdateFailed, now)
		return
	}
	if b.assignment()&dict.AssignUpdateSW == 0 {
		b.finish(BootUpdateForbidden, now)
		return
	}
	b.enter(stepStopProgram, now)
}

func (b *bootProcess) verifyFlashedSoftware(id uint32, now time.Time) {
	expected, _ := b.svc.dict.U32(dict.IdxExpectedSoftwareID, b.node)
	if id != expected {
		b.finish(BootUpdateFailed, now)
		return
	}
	b.restarted = true
	b.enter(stepStartProgram, now)
}

// writeProgramControl writes a program control command (1F51:01).
func (b *bootProcess) writeProgramControl(cmd uint8, now time.Time, next func(now time.Time)) {
	b.download(dict.IdxProgramControl, 0x01, []byte{cmd}, func(err error) {
		now := b.svc.now
		if err != nil {
			if b.retryable(err) {
				b.writeProgramControl(cmd, now, next)
				return
			}
			b.finish(BootUpdateFailed, now)
			return
		}
		next(now)
	})
}

// downloadProgram pushes the program image (local 1F58) into the node's
// program data object (1F50:01), preferring block transfer.
func (b *bootProcess) downloadProgram(now time.Time) {
	image, ok := b.svc.dict.Bytes(dict.IdxProgramImage, b.node)
	if !ok || len(image) == 0 {
		b.finish(BootConfigMissing, now)
		return
	}
	if b.svc.onSDOProgress != nil {
		b.svc.onSDOProgress(b.node, dict.IdxProgramData, 0x01, true)
	}
	b.svc.sdoc.BlockDownload(b.node, dict.IdxProgramData, 0x01, image, b.timeout, func(err error) {
		now := b.svc.now
		if errors.Is(err, sdo.ErrBlockNotSupported) {
			b.download(dict.IdxProgramData, 0x01, image, func(err error) {
				now := b.svc.now
				if err != nil {
					b.finish(BootUpdateFailed, now)
					return
				}
				b.enter(stepFlashStatus, now)
			})
			return
		}
		if err != nil {
			b.finish(BootUpdateFailed, now)
			return
		}
		b.enter(stepFlashStatus, now)
	})
}

// pollFlashStatus polls 1F57:01 until the in-progress bit clears. Any
// error code in the upper bits fails the update.
func (b *bootProcess) pollFlashStatus(now time.Time) {
	b.upload(dict.IdxFlashStatus, 0x01, func(data []byte, err error) {
		now := b.svc.now
		if err != nil {
			b.finish(BootUpdateFailed, now)
			return
		}
		status := sdo.U32(data)
		if status&0x01 != 0 {
			if !now.Before(b.deadline) {
				b.finish(BootUpdateFailed, now)
				return
			}
			b.pollAt = now.Add(bootFlashPoll)
			return
		}
		if status>>1 != 0 {
			b.finish(BootUpdateFailed, now)
			return
		}
		b.enter(stepVerifySoftware, now)
	})
}

// readVerifyConfig compares the node's configuration stamp (1020:01/:02)
// against the expected values. A node without stamps, or with stale
// ones, gets its configuration pushed.
func (b *bootProcess) readVerifyConfig(sub uint8, now time.Time) {
	var expIdx uint16
	if sub == 0x01 {
		expIdx = dict.IdxExpectedConfigDate
	} else {
		expIdx = dict.IdxExpectedConfigTime
	}
	expected, ok := b.svc.dict.U32(expIdx, b.node)
	if !ok {
		b.enter(stepUpdateConfig, now)
		return
	}
	b.upload(dict.IdxVerifyConfig, sub, func(data []byte, err error) {
		now := b.svc.now
		if err != nil {
			if b.retryable(err) {
				b.readVerifyConfig(sub, now)
				return
			}
			b.enter(stepUpdateConfig, now)
			return
		}
		if sdo.U32(data) != expected {
			b.enter(stepUpdateConfig, now)
			return
		}
		if sub == 0x01 {
			b.enter(stepConfigTime, now)
			return
		}
		b.enter(stepErrorControl, now)
	})
}

// updateConfig delegates the configuration push to the application's
// requester. Without one the node is accepted as-is.
func (b *bootProcess) updateConfig(now time.Time) {
	if b.svc.cfgReq == nil {
		b.enter(stepErrorControl, now)
		return
	}
	b.svc.cfgReq.Request(b.node, func(err error) {
		now := b.svc.now
		if err != nil {
			b.finish(BootConfigFailed, now)
			return
		}
		b.enter(stepErrorControl, now)
	})
}

// startErrorControl waits for the first error-control frame from the
// node. Without heartbeat or guarding configured there is nothing to
// wait for.
func (b *bootProcess) startErrorControl(now time.Time) {
	if period := b.svc.consumerPeriod(b.node); period > 0 {
		b.deadline = now.Add(period + bootErrCtrlMargin)
		return
	}
	b.finish(b.finalES, now)
}
