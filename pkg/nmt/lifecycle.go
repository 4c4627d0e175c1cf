package nmt

import (
	"time"

	"github.com/canopen-protocol/canopen-go/pkg/dict"
	"github.com/canopen-protocol/canopen-go/pkg/log"
)

// transition returns the state a command leads to from the current state.
// A command that keeps the current state (e.g. Start while Operational) is
// accepted; ok is false only for commands the state table rejects.
func (s *Service) transition(cs Command) (State, bool) {
	switch cs {
	case CommandResetNode:
		return StateResetApplication, true
	case CommandResetCommunication:
		return StateResetCommunication, true
	}
	switch s.state {
	case StatePreOperational:
		switch cs {
		case CommandStart:
			return StateOperational, true
		case CommandStop:
			return StateStopped, true
		case CommandEnterPreOperational:
			return StatePreOperational, true
		}
	case StateOperational:
		switch cs {
		case CommandStart:
			return StateOperational, true
		case CommandStop:
			return StateStopped, true
		case CommandEnterPreOperational:
			return StatePreOperational, true
		}
	case StateStopped:
		switch cs {
		case CommandStart:
			return StateOperational, true
		case CommandStop:
			return StateStopped, true
		case CommandEnterPreOperational:
			return StatePreOperational, true
		}
	}
	// Init and the transient states accept only the resets handled above.
	return 0, false
}

// gotoState drives the lifecycle to a new state and keeps resolving
// automatic transitions until a stable state is reached. Re-entrant
// requests (a callback asking for a state change while a chain resolves)
// are deferred and picked up by the running loop, so the chain never
// recurses.
func (s *Service) gotoState(next State, now time.Time) {
	if s.inEnter {
		s.pending = next
		s.hasPending = true
		return
	}
	s.inEnter = true
	for {
		old := s.state
		s.state = next
		s.logEvent(log.DirectionLocal, log.Event{
			Node:        s.id,
			StateChange: &log.StateChangeEvent{Old: uint8(old), New: uint8(next)},
		})
		if s.onStateChange != nil {
			s.onStateChange(old, next)
		}
		auto, hasAuto := s.enterState(next, now)
		if hasAuto {
			next = auto
			continue
		}
		if s.hasPending {
			s.hasPending = false
			if s.pending != s.state {
				next = s.pending
				continue
			}
		}
		break
	}
	s.inEnter = false
}

// enterState runs a state's entry action and reports the automatic
// follow-up transition, if any.
func (s *Service) enterState(st State, now time.Time) (State, bool) {
	switch st {
	case StateResetApplication:
		// Restore the application parameter area; $NODEID-relative
		// entries are re-evaluated.
		_ = s.dict.SetNodeID(s.id)
		return StateResetCommunication, true

	case StateResetCommunication:
		s.resetCommunication(now)
		return StateBootup, true

	case StateBootup:
		if s.id >= 1 && s.id <= 127 {
			_ = s.sender.Send(errCtrlFrame(s.id, StatusBootup))
		}
		if s.hbPeriod > 0 {
			s.hbDeadline = now.Add(s.hbPeriod)
		}
		s.fromBootup = true
		return StatePreOperational, true

	case StatePreOperational:
		fromBootup := s.fromBootup
		s.fromBootup = false
		if s.master && fromBootup {
			return s.startBootProcedure(now)
		}
		if !s.master && fromBootup && s.startup&dict.StartupNoAutoOper == 0 {
			return StateOperational, true
		}
		return 0, false

	default:
		return 0, false
	}
}

// resetCommunication re-reads the communication configuration and resets
// every communication-facing part of the service.
func (s *Service) resetCommunication(now time.Time) {
	s.startup, _ = s.dict.U32(dict.IdxNMTStartup, 0)
	s.master = s.startup&dict.StartupMaster != 0

	hbMs, _ := s.dict.U16(dict.IdxProducerHeartbeat, 0)
	s.hbPeriod = time.Duration(hbMs) * time.Millisecond
	s.hbDeadline = time.Time{}

	guardMs, _ := s.dict.U16(dict.IdxGuardTime, 0)
	s.guardTime = time.Duration(guardMs) * time.Millisecond
	s.lifeFactor, _ = s.dict.U8(dict.IdxLifeTimeFactor, 0)
	s.lifeActive = false
	s.lifeLatched = false
	s.toggle = 0

	inhibit, _ := s.dict.U16(dict.IdxNMTInhibitTime, 0)
	s.inhibit = time.Duration(inhibit) * 100 * time.Microsecond
	s.queue.reset()

	s.startupInProgress = false
	s.startupHalted = false
	s.pendingMandatory = 0

	for node := 1; node <= 127; node++ {
		s.slaves[node].resetComm()
		if assignment, ok := s.dict.U32(dict.IdxSlaveAssignment, uint8(node)); ok {
			s.slaves[node].assignment = assignment
		} else {
			s.slaves[node].assignment = 0
		}
	}

	s.rebuildConsumers(now)
}

// startBootProcedure boots every slave flagged for it in the assignment
// table. The master may only proceed to Operational once all mandatory
// slaves have booted; with none pending it proceeds immediately unless
// the startup word keeps it in Pre-Operational.
func (s *Service) startBootProcedure(now time.Time) (State, bool) {
	s.startupInProgress = true
	s.startupHalted = false
	s.pendingMandatory = 0

	const wanted = dict.AssignInNetwork | dict.AssignBoot
	for node := 1; node <= 127; node++ {
		if uint8(node) == s.id {
			continue
		}
		assignment := s.slaves[node].assignment
		if assignment&wanted != wanted {
			continue
		}
		if assignment&dict.AssignMandatory != 0 {
			s.pendingMandatory++
		}
		if err := s.BootSlave(uint8(node), s.bootTimeout, now); err != nil {
			// A slave that cannot even be booted counts as failed.
			if assignment&dict.AssignMandatory != 0 {
				s.pendingMandatory--
				s.startupHalted = true
			}
		}
	}

	if s.startupHalted {
		s.startupInProgress = false
		return 0, false
	}
	if s.pendingMandatory > 0 {
		return 0, false
	}
	return s.finishStartup(now)
}

// finishStartup completes the master startup procedure once no mandatory
// slave is outstanding.
func (s *Service) finishStartup(now time.Time) (State, bool) {
	s.startupInProgress = false
	if s.startup&dict.StartupStartAll != 0 && s.startup&dict.StartupNoStartSlaves == 0 {
		_ = s.SendCommand(CommandStart, 0, now)
	}
	if s.startup&dict.StartupNoAutoOper == 0 {
		return StateOperational, true
	}
	return 0, false
}

// bootConfirm is the completion callback of a boot process. It updates
// the slave record, restores error control, optionally starts the slave,
// notifies the application and feeds the startup procedure.
func (s *Service) bootConfirm(node uint8, st uint8, stValid bool, es BootStatus, now time.Time) {
	r := &s.slaves[node]
	if assignment, ok := s.dict.U32(dict.IdxSlaveAssignment, node); ok {
		r.assignment = assignment
	}
	r.booting = false
	r.boot = nil
	r.es = es
	r.booted = es.Benign()
	if stValid {
		r.lastSt = st
		r.stValid = true
	}

	if es.Benign() {
		if c := s.consumerForNode(node); c != nil && c.Period() > 0 {
			c.Enable(now)
			if stValid {
				c.SetState(st, now)
			}
		} else if r.assignment&dict.AssignNodeGuarding != 0 {
			s.startGuarding(node, now)
		}

		if es != BootWasOperational &&
			s.startup&dict.StartupNoStartSlaves == 0 &&
			s.startup&dict.StartupStartAll == 0 &&
			r.assignment&dict.AssignInNetwork != 0 {
			_ = s.SendCommand(CommandStart, node, now)
		}
	}

	s.logEvent(log.DirectionLocal, log.Event{
		Node: node,
		Boot: &log.BootEvent{Status: byte(es), Text: es.Description(), State: st},
	})
	if s.onBoot != nil {
		s.onBoot(node, st, es)
	}

	// Feed the lifecycle: outside the startup procedure boot completion
	// has no lifecycle effect.
	if !s.startupInProgress || s.state != StatePreOperational {
		return
	}
	if r.assignment&dict.AssignMandatory == 0 {
		return
	}
	if !es.Benign() {
		s.startupHalted = true
		s.startupInProgress = false
		return
	}
	s.pendingMandatory--
	if s.pendingMandatory > 0 {
		return
	}
	if next, auto := s.finishStartup(now); auto {
		s.gotoState(next, now)
	}
}
