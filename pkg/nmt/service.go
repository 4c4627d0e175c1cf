package nmt

import (
	"time"

	"github.com/notnil/canbus"

	"github.com/canopen-protocol/canopen-go/pkg/dict"
	"github.com/canopen-protocol/canopen-go/pkg/heartbeat"
	"github.com/canopen-protocol/canopen-go/pkg/log"
	"github.com/canopen-protocol/canopen-go/pkg/sdo"
)

// DefaultBootTimeout is the per-SDO-transfer timeout used for boot
// processes started automatically on a boot-up message.
const DefaultBootTimeout = time.Second

// Sender transmits CAN frames. The NMT service never blocks on it; a send
// failure leaves the affected message queued for a later attempt where the
// protocol allows.
type Sender interface {
	Send(f canbus.Frame) error
}

// ConfigRequester pushes stored configuration to a slave on behalf of the
// NMT service (the CiA 302 configuration manager). done must be invoked
// exactly once, from the reactor.
type ConfigRequester interface {
	Request(node uint8, done func(err error))
}

// Config assembles a Service's collaborators.
type Config struct {
	// Sender transmits frames. Required.
	Sender Sender

	// Dict is the local object dictionary. Required; the service's
	// node-ID is taken from it.
	Dict *dict.Dictionary

	// SDO is the client used by boot processes. Optional for pure slaves.
	SDO sdo.Client

	// ConfigRequester pushes stored configuration to slaves. Optional.
	ConfigRequester ConfigRequester

	// Logger receives protocol trace events. Optional.
	Logger log.Logger

	// BootTimeout is the per-SDO timeout for automatically started boot
	// processes. Defaults to DefaultBootTimeout.
	BootTimeout time.Duration
}

// Service is the NMT lifecycle state machine of one node.
type Service struct {
	sender Sender
	dict   *dict.Dictionary
	sdoc   sdo.Client
	cfgReq ConfigRequester
	logger log.Logger

	id      uint8
	session string

	state   State
	startup uint32
	master  bool

	inEnter    bool
	pending    State
	hasPending bool

	// Error control, own node.
	hbPeriod     time.Duration
	hbDeadline   time.Time
	guardTime    time.Duration
	lifeFactor   uint8
	lifeActive   bool
	lifeDeadline time.Time
	lifeLatched  bool
	toggle       uint8

	// Master state.
	slaves      [128]slaveRecord
	consumers   map[uint8]*heartbeat.Consumer // keyed by 1016 sub-index
	queue       commandQueue
	inhibit     time.Duration
	bootTimeout time.Duration

	startupInProgress bool
	startupHalted     bool
	pendingMandatory  int
	fromBootup        bool

	// TPDO event coalescing.
	tpdoLockCnt int
	tpdoPending [8]uint64

	// now is the timestamp of the entry point currently executing; used
	// by callbacks that have no time argument of their own.
	now time.Time

	onStateChange func(old, new State)
	onCommand     func(cs Command, node uint8)
	onBoot        func(node uint8, st uint8, es BootStatus)
	onHeartbeat   func(node uint8, ev heartbeat.TimeoutEvent)
	onHBState     func(node uint8, st uint8)
	onGuard       func(node uint8, ev GuardEvent)
	onSDOProgress func(node uint8, index uint16, sub uint8, download bool)
	onTPDO        func(n uint16)
	onConfig      func(node uint8, err error)
	onSync        func()
	syncTPDO      func()
	syncRPDO      func()
}

// New creates a Service in the Init state. Apply CommandResetNode to run
// the startup chain.
func New(cfg Config) (*Service, error) {
	if cfg.Sender == nil {
		return nil, ErrNilSender
	}
	if cfg.Dict == nil {
		return nil, ErrNilDict
	}
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = DefaultBootTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}
	s := &Service{
		sender:      cfg.Sender,
		dict:        cfg.Dict,
		sdoc:        cfg.SDO,
		cfgReq:      cfg.ConfigRequester,
		logger:      logger,
		id:          cfg.Dict.NodeID(),
		session:     log.NewSessionID(),
		state:       StateInit,
		consumers:   make(map[uint8]*heartbeat.Consumer),
		bootTimeout: cfg.BootTimeout,
	}
	// Track consumer-heartbeat configuration changes and serve NMT
	// requests written through the dictionary (object 1F82).
	cfg.Dict.OnWrite(func(index uint16, sub uint8) {
		switch index {
		case dict.IdxConsumerHeartbeat:
			if sub > 0 {
				s.refreshConsumer(sub, s.now)
			}
		case dict.IdxRequestNMT:
			if sub > 0 {
				s.requestNMT(sub)
			}
		}
	})
	return s, nil
}

// requestNMT handles a write to the request-NMT object: the sub-index
// addresses the node (128 = all nodes), the value is the command
// specifier.
func (s *Service) requestNMT(sub uint8) {
	v, ok := s.dict.U8(dict.IdxRequestNMT, sub)
	if !ok {
		return
	}
	cs := Command(v)
	if !cs.Valid() {
		return
	}
	node := sub
	if node == 128 {
		node = 0
	}
	if node == s.id {
		_ = s.ApplyCommand(cs, s.now)
		return
	}
	if s.master {
		_ = s.SendCommand(cs, node, s.now)
	}
}

// NodeID returns the service's own node-ID.
func (s *Service) NodeID() uint8 { return s.id }

// State returns the current lifecycle state.
func (s *Service) State() State { return s.state }

// IsMaster reports whether the startup word designates this node the NMT
// master. The value is latched at the last Reset-Communication.
func (s *Service) IsMaster() bool { return s.master }

// StartupHalted reports whether a mandatory slave's boot failure halted
// the master startup procedure.
func (s *Service) StartupHalted() bool { return s.startupHalted }

// SlaveState returns the last status byte received from a node (toggle
// bit cleared).
func (s *Service) SlaveState(node uint8) (uint8, bool) {
	if node < 1 || node > 127 {
		return 0, false
	}
	r := &s.slaves[node]
	return r.lastSt & ^toggleBit, r.stValid
}

// SlaveBooted reports whether a node's last boot completed benignly, and
// its status.
func (s *Service) SlaveBooted(node uint8) (BootStatus, bool) {
	if node < 1 || node > 127 {
		return 0, false
	}
	r := &s.slaves[node]
	return r.es, r.booted
}

// ApplyCommand applies a command specifier to the local lifecycle state
// machine and resolves all automatic transitions before returning.
func (s *Service) ApplyCommand(cs Command, now time.Time) error {
	s.now = now
	if !cs.Valid() {
		return ErrInvalidCommand
	}
	next, ok := s.transition(cs)
	if !ok {
		return ErrInvalidTransition
	}
	if next != s.state {
		s.gotoState(next, now)
	}
	return nil
}

// SendCommand queues an NMT command for a remote node (0 = all nodes,
// including this one) and flushes the queue as far as the inhibit time
// allows. Addressing the service's own node-ID applies the command
// locally instead.
func (s *Service) SendCommand(cs Command, node uint8, now time.Time) error {
	s.now = now
	if !s.master {
		return ErrNotMaster
	}
	if !cs.Valid() {
		return ErrInvalidCommand
	}
	if node > 127 {
		return ErrInvalidNodeID
	}
	if node == s.id {
		return s.ApplyCommand(cs, now)
	}
	if err := s.queue.push(cs, node); err != nil {
		return err
	}
	s.flushQueue(now)
	return nil
}

// BootSlave starts the boot process for a slave. timeout bounds each SDO
// transfer of the process. The outcome arrives via the OnBoot callback.
func (s *Service) BootSlave(node uint8, timeout time.Duration, now time.Time) error {
	s.now = now
	if !s.master {
		return ErrNotMaster
	}
	if node < 1 || node > 127 || node == s.id {
		return ErrInvalidNodeID
	}
	if s.sdoc == nil {
		return ErrNoSDOClient
	}
	r := &s.slaves[node]
	if r.booting {
		return ErrInProgress
	}
	if timeout <= 0 {
		timeout = s.bootTimeout
	}

	// Error control is suspended while the boot process owns the node.
	if c := s.consumerForNode(node); c != nil {
		c.Disable()
	}
	s.stopGuarding(node)

	b := newBootProcess(s, node, timeout)
	r.boot = b
	r.booting = true
	b.start(now)
	return nil
}

// RequestConfiguration delegates a configuration push for a slave to the
// configured requester. Completion arrives via the OnConfig callback.
func (s *Service) RequestConfiguration(node uint8, now time.Time) error {
	s.now = now
	if !s.master {
		return ErrNotMaster
	}
	if node < 1 || node > 127 || node == s.id {
		return ErrInvalidNodeID
	}
	if s.cfgReq == nil {
		return ErrNoConfigRequester
	}
	r := &s.slaves[node]
	if r.cfgActive || r.booting {
		return ErrInProgress
	}
	if c := s.consumerForNode(node); c != nil {
		c.Disable()
	}
	r.cfgActive = true
	s.cfgReq.Request(node, func(err error) {
		r.cfgActive = false
		if c := s.consumerForNode(node); c != nil {
			c.Enable(s.now)
		}
		if s.onConfig != nil {
			s.onConfig(node, err)
		}
	})
	return nil
}

// CommunicationError applies the configured communication-error behavior
// (object 1029:01): by default the service falls back to Pre-Operational
// if it is Operational.
func (s *Service) CommunicationError(now time.Time) {
	s.now = now
	behavior, _ := s.dict.U8(dict.IdxErrorBehavior, 1)
	switch behavior {
	case 0x01:
		// No state change.
	case 0x02:
		_ = s.ApplyCommand(CommandStop, now)
	default:
		if s.state == StateOperational {
			_ = s.ApplyCommand(CommandEnterPreOperational, now)
		}
	}
}

// NodeError applies the master's error-control failure policy for a
// slave: stop or reset the whole network if the slave is mandatory and the
// startup word says so, otherwise reset only the failed node. Nodes no
// longer in the network list are ignored.
func (s *Service) NodeError(node uint8, now time.Time) error {
	s.now = now
	if !s.master {
		return ErrNotMaster
	}
	if node < 1 || node > 127 {
		return ErrInvalidNodeID
	}
	s.nodeError(node, now)
	return nil
}

func (s *Service) nodeError(node uint8, now time.Time) {
	assignment, _ := s.dict.U32(dict.IdxSlaveAssignment, node)
	if assignment&dict.AssignInNetwork == 0 {
		return
	}
	mandatory := assignment&dict.AssignMandatory != 0
	switch {
	case mandatory && s.startup&dict.StartupStopAllOnErr != 0:
		_ = s.SendCommand(CommandStop, 0, now)
	case mandatory && s.startup&dict.StartupResetAllOnErr != 0:
		_ = s.SendCommand(CommandResetNode, 0, now)
	default:
		_ = s.SendCommand(CommandResetNode, node, now)
	}
}

// SyncIndication dispatches a SYNC event. In Operational the TPDO handler
// runs strictly before the RPDO handler.
func (s *Service) SyncIndication(now time.Time) {
	s.now = now
	if s.onSync != nil {
		s.onSync()
	}
	if s.state != StateOperational {
		return
	}
	if s.syncTPDO != nil {
		s.syncTPDO()
	}
	if s.syncRPDO != nil {
		s.syncRPDO()
	}
}

// TPDOEventLock defers TPDO event notifications until the matching
// TPDOEventUnlock. Lock/unlock pairs nest.
func (s *Service) TPDOEventLock() { s.tpdoLockCnt++ }

// TPDOEventUnlock releases one lock level. When the last level is
// released, all deferred notifications fire in ascending PDO order,
// each exactly once.
func (s *Service) TPDOEventUnlock() {
	if s.tpdoLockCnt == 0 {
		return
	}
	s.tpdoLockCnt--
	if s.tpdoLockCnt > 0 {
		return
	}
	pending := s.tpdoPending
	s.tpdoPending = [8]uint64{}
	for i := 0; i < 512; i++ {
		if pending[i/64]&(1<<uint(i%64)) != 0 && s.onTPDO != nil {
			s.onTPDO(uint16(i + 1))
		}
	}
}

// TPDOEvent signals that transmit-PDO n (1..512) has an event to send.
// While a lock is held the notification is recorded instead of delivered.
func (s *Service) TPDOEvent(n uint16) {
	if n < 1 || n > 512 {
		return
	}
	if s.tpdoLockCnt > 0 {
		i := int(n - 1)
		s.tpdoPending[i/64] |= 1 << uint(i%64)
		return
	}
	if s.onTPDO != nil {
		s.onTPDO(n)
	}
}

// OnFrame feeds a received CAN frame into the service.
func (s *Service) OnFrame(f canbus.Frame, now time.Time) {
	s.now = now

	if cs, node, ok := parseCommand(f); ok {
		if node == 0 || node == s.id {
			s.logEvent(log.DirectionIn, log.Event{
				Node:    node,
				Command: &log.CommandEvent{Command: uint8(cs), Target: node},
			})
			if s.onCommand != nil {
				s.onCommand(cs, node)
			}
			// Unknown specifiers and state-invalid commands from the bus
			// are dropped, not answered.
			_ = s.ApplyCommand(cs, now)
		}
		return
	}

	node := errCtrlNode(f)
	if node == 0 {
		return
	}

	if node == s.id {
		if f.RTR {
			s.guardRequest(now)
		}
		return
	}

	// Error-control traffic from another node.
	if r := &s.slaves[node]; r.booting && r.boot != nil {
		if r.boot.onFrame(f, now) {
			return
		}
	}
	if s.guardOnFrame(node, f, now) {
		s.recordStatus(node, f, now)
		return
	}
	for _, c := range s.consumers {
		if c.OnFrame(f, now) {
			break
		}
	}
	s.recordStatus(node, f, now)
}

// OnTime advances all service timers to now: heartbeat production, life
// guarding, node guarding, the command queue, consumer timeouts and boot
// process deadlines.
func (s *Service) OnTime(now time.Time) {
	s.now = now

	if s.hbPeriod > 0 && !s.hbDeadline.IsZero() && !now.Before(s.hbDeadline) {
		_ = s.sender.Send(errCtrlFrame(s.id, s.state.statusByte()))
		s.hbDeadline = now.Add(s.hbPeriod)
	}

	if s.lifeActive && !s.lifeLatched && !now.Before(s.lifeDeadline) {
		s.lifeLatched = true
		s.emitGuard(s.id, GuardTimeoutOccurred)
		s.CommunicationError(now)
	}

	if s.master {
		s.guardOnTime(now)
		s.flushQueue(now)
		for node := 1; node <= 127; node++ {
			if r := &s.slaves[node]; r.booting && r.boot != nil {
				r.boot.onTime(now)
			}
		}
	}

	for _, c := range s.consumers {
		c.OnTime(now)
	}
}

// guardRequest answers a node/life-guarding RTR with the current status
// and toggles the toggle bit for the next reply.
func (s *Service) guardRequest(now time.Time) {
	if err := s.sender.Send(errCtrlFrame(s.id, s.state.statusByte()|s.toggle)); err != nil {
		return
	}
	s.toggle ^= toggleBit

	if s.hbPeriod == 0 && s.guardTime > 0 && s.lifeFactor > 0 {
		// Life guarding runs from the first RTR onward.
		s.lifeActive = true
		s.lifeDeadline = now.Add(s.guardTime * time.Duration(s.lifeFactor))
		if s.lifeLatched {
			s.lifeLatched = false
			s.emitGuard(s.id, GuardTimeoutResolved)
		}
	}
}

// recordStatus books any error-control data frame into the slave table
// and reacts to boot-up messages.
func (s *Service) recordStatus(node uint8, f canbus.Frame, now time.Time) {
	if f.RTR || f.Len < 1 {
		return
	}
	r := &s.slaves[node]
	r.lastSt = f.Data[0]
	r.stValid = true

	if f.Data[0] != StatusBootup || !s.master {
		return
	}
	// Boot-up message: a known slave that (re)appears on the bus is
	// booted again, unless a process already owns it.
	if r.booting {
		return
	}
	if s.state != StatePreOperational && s.state != StateOperational {
		return
	}
	assignment, _ := s.dict.U32(dict.IdxSlaveAssignment, node)
	const autoBoot = dict.AssignInNetwork | dict.AssignBoot
	if assignment&autoBoot == autoBoot {
		_ = s.BootSlave(node, s.bootTimeout, now)
	}
}

// flushQueue transmits queued commands while the inhibit window allows.
// A transport failure leaves the head queued for the next attempt.
func (s *Service) flushQueue(now time.Time) {
	for s.queue.ready(now) {
		cmd := s.queue.head()
		if err := s.sender.Send(commandFrame(cmd.cs, cmd.node)); err != nil {
			return
		}
		s.queue.popSent(now, s.inhibit)
		s.logEvent(log.DirectionOut, log.Event{
			Node:    cmd.node,
			Command: &log.CommandEvent{Command: uint8(cmd.cs), Target: cmd.node},
		})
		s.applyExpected(cmd)
		if cmd.node == 0 {
			// A broadcast addresses this node too.
			_ = s.ApplyCommand(cmd.cs, now)
		}
	}
}

// applyExpected updates the expected state of every slave addressed by a
// transmitted command.
func (s *Service) applyExpected(cmd queuedCommand) {
	var expected uint8
	switch cmd.cs {
	case CommandStart:
		expected = StatusOperational
	case CommandStop:
		expected = StatusStopped
	default:
		// Pre-Operational is where resets end up once the node reboots.
		expected = StatusPreOperational
	}
	if cmd.node != 0 {
		s.slaves[cmd.node].expectedSt = expected
		return
	}
	for node := 1; node <= 127; node++ {
		if s.slaves[node].assignment&dict.AssignInNetwork != 0 {
			s.slaves[node].expectedSt = expected
		}
	}
}

// consumerForNode returns the heartbeat consumer configured for a node,
// if any.
func (s *Service) consumerForNode(node uint8) *heartbeat.Consumer {
	for _, c := range s.consumers {
		if c.Node() == node {
			return c
		}
	}
	return nil
}

// consumerPeriod returns the configured heartbeat period for a node, or 0.
func (s *Service) consumerPeriod(node uint8) time.Duration {
	if c := s.consumerForNode(node); c != nil {
		return c.Period()
	}
	return 0
}

// refreshConsumer (re)builds the consumer of one 1016 table row.
func (s *Service) refreshConsumer(sub uint8, now time.Time) {
	raw, ok := s.dict.U32(dict.IdxConsumerHeartbeat, sub)
	if !ok {
		delete(s.consumers, sub)
		return
	}
	c, exists := s.consumers[sub]
	if !exists {
		c = heartbeat.New(heartbeat.Config{
			OnTimeout: s.consumerTimeout,
			OnState:   s.consumerState,
		})
		s.consumers[sub] = c
	}
	c.Set1016(raw, now)
}

func (s *Service) rebuildConsumers(now time.Time) {
	s.consumers = make(map[uint8]*heartbeat.Consumer)
	for _, sub := range s.dict.SubIndices(dict.IdxConsumerHeartbeat) {
		if sub == 0 {
			continue
		}
		s.refreshConsumer(sub, now)
	}
}

func (s *Service) consumerTimeout(node uint8, ev heartbeat.TimeoutEvent) {
	s.logEvent(log.DirectionIn, log.Event{
		Node:         node,
		ErrorControl: &log.ErrCtrlEvent{Occurred: ev == heartbeat.TimeoutOccurred},
	})
	if s.onHeartbeat != nil {
		s.onHeartbeat(node, ev)
	}
	if ev == heartbeat.TimeoutOccurred && s.master {
		s.nodeError(node, s.now)
	}
}

func (s *Service) consumerState(node uint8, st uint8) {
	r := &s.slaves[node]
	r.lastSt = st
	r.stValid = true
	if s.onHBState != nil {
		s.onHBState(node, st)
	}
}

func (s *Service) logEvent(dir log.Direction, ev log.Event) {
	ev.Timestamp = s.now
	ev.SessionID = s.session
	ev.Direction = dir
	s.logger.Log(ev)
}
