package nmt

import (
	"time"

	"github.com/notnil/canbus"

	"github.com/canopen-protocol/canopen-go/pkg/dict"
)

// GuardEvent distinguishes the edges of node and life guarding
// supervision.
type GuardEvent uint8

const (
	// GuardTimeoutOccurred is fired when guarding declares the peer lost.
	GuardTimeoutOccurred GuardEvent = iota

	// GuardTimeoutResolved is fired when the peer answers again.
	GuardTimeoutResolved
)

// String returns the event name.
func (e GuardEvent) String() string {
	switch e {
	case GuardTimeoutOccurred:
		return "GUARD_TIMEOUT_OCCURRED"
	case GuardTimeoutResolved:
		return "GUARD_TIMEOUT_RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// slaveRecord is the master's bookkeeping for one node-ID. Its storage
// lifetime equals the service's; only the boot process reference comes and
// goes.
type slaveRecord struct {
	assignment uint32
	expectedSt uint8
	lastSt     uint8 // raw status byte including toggle
	stValid    bool

	booting bool
	booted  bool
	es      BootStatus
	boot    *bootProcess

	cfgActive bool

	// Master-side node guarding.
	guarding      bool
	guardTime     time.Duration
	retryFactor   uint8
	countdown     uint8
	guardDeadline time.Time
	awaitingReply bool
	expectToggle  uint8
	guardLatched  bool
}

func (r *slaveRecord) resetComm() {
	r.expectedSt = StatusBootup
	r.stValid = false
	r.booting = false
	r.booted = false
	r.es = BootOK
	r.boot = nil
	r.cfgActive = false
	r.guarding = false
}

// startGuarding arms master-side node guarding for a slave from its 1F81
// parameters. A zero guard time or retry factor leaves guarding off.
func (s *Service) startGuarding(node uint8, now time.Time) {
	r := &s.slaves[node]
	retry, guardMs := dict.GuardParams(r.assignment)
	if retry == 0 || guardMs == 0 {
		return
	}
	r.guarding = true
	r.guardTime = time.Duration(guardMs) * time.Millisecond
	r.retryFactor = retry
	r.countdown = retry
	r.awaitingReply = false
	r.expectToggle = 0
	r.guardLatched = false
	r.guardDeadline = now // first RTR goes out on the next tick
}

func (s *Service) stopGuarding(node uint8) {
	s.slaves[node].guarding = false
}

// guardOnTime sends due guard RTRs and accounts for missed replies.
func (s *Service) guardOnTime(now time.Time) {
	for node := 1; node <= 127; node++ {
		r := &s.slaves[node]
		if !r.guarding || now.Before(r.guardDeadline) {
			continue
		}
		if r.awaitingReply {
			// The previous RTR went unanswered.
			if r.countdown > 0 {
				r.countdown--
			}
			if r.countdown == 0 && !r.guardLatched {
				r.guardLatched = true
				s.emitGuard(uint8(node), GuardTimeoutOccurred)
				s.nodeError(uint8(node), now)
			}
		}
		if err := s.sender.Send(guardRequestFrame(uint8(node))); err == nil {
			r.awaitingReply = true
		}
		r.guardDeadline = now.Add(r.guardTime)
	}
}

// guardOnFrame consumes a node-guarding reply. Returns true if the frame
// belonged to an active guarding exchange.
func (s *Service) guardOnFrame(node uint8, f canbus.Frame, now time.Time) bool {
	r := &s.slaves[node]
	if !r.guarding || f.RTR || f.Len < 1 {
		return false
	}
	status := f.Data[0]
	if status&toggleBit != r.expectToggle {
		// Stale or duplicated reply; it does not count as liveness.
		return false
	}
	r.expectToggle ^= toggleBit
	r.countdown = r.retryFactor
	r.awaitingReply = false
	r.lastSt = status
	r.stValid = true
	if r.guardLatched {
		r.guardLatched = false
		s.emitGuard(node, GuardTimeoutResolved)
	}
	return true
}

func (s *Service) emitGuard(node uint8, ev GuardEvent) {
	if s.onGuard != nil {
		s.onGuard(node, ev)
	}
}
