package nmt

import "github.com/canopen-protocol/canopen-go/pkg/heartbeat"

// OnStateChange registers a callback fired for every lifecycle state
// transition, including the intermediate states of an automatic chain.
func (s *Service) OnStateChange(fn func(old, new State)) { s.onStateChange = fn }

// OnCommand registers a callback fired when an NMT command addressed to
// this node (directly or broadcast) is received from the bus, before it is
// applied.
func (s *Service) OnCommand(fn func(cs Command, node uint8)) { s.onCommand = fn }

// OnBoot registers a callback fired when a boot-slave process completes.
// st is the slave's last reported status byte (toggle bit included).
func (s *Service) OnBoot(fn func(node uint8, st uint8, es BootStatus)) { s.onBoot = fn }

// OnHeartbeat registers a callback for heartbeat consumer timeout edges.
func (s *Service) OnHeartbeat(fn func(node uint8, ev heartbeat.TimeoutEvent)) { s.onHeartbeat = fn }

// OnHeartbeatState registers a callback fired when a supervised node
// reports a new NMT state.
func (s *Service) OnHeartbeatState(fn func(node uint8, st uint8)) { s.onHBState = fn }

// OnGuard registers a callback for node-guarding (master side) and life
// guarding (slave side) events. For life guarding the node argument is the
// service's own node-ID.
func (s *Service) OnGuard(fn func(node uint8, ev GuardEvent)) { s.onGuard = fn }

// OnSDOProgress registers a callback fired for every SDO transfer the boot
// process issues, for diagnostics.
func (s *Service) OnSDOProgress(fn func(node uint8, index uint16, sub uint8, download bool)) {
	s.onSDOProgress = fn
}

// OnTPDOEvent registers the callback receiving (possibly coalesced)
// transmit-PDO event notifications.
func (s *Service) OnTPDOEvent(fn func(n uint16)) { s.onTPDO = fn }

// OnConfig registers a callback fired when a delegated configuration
// request completes.
func (s *Service) OnConfig(fn func(node uint8, err error)) { s.onConfig = fn }

// OnSync registers a callback fired on every SYNC indication, before the
// PDO handlers run.
func (s *Service) OnSync(fn func()) { s.onSync = fn }

// SetSyncHandlers installs the PDO synchronization hooks. On each SYNC
// indication in Operational the TPDO handler runs strictly before the RPDO
// handler.
func (s *Service) SetSyncHandlers(tpdo, rpdo func()) {
	s.syncTPDO = tpdo
	s.syncRPDO = rpdo
}
