// Package heartbeat implements the CANopen heartbeat consumer (CiA 301,
// object 1016).
//
// A Consumer supervises the liveness of one remote node by watching its
// error-control frames (COB-ID 0x700 + node-ID). Each valid reception
// re-arms the timeout and records the reported NMT state.
//
// # Phases
//
// A consumer is either inactive (node-ID invalid or period zero; frames
// and time are ignored) or active. Activation arms the timeout from the
// moment of configuration, so a node that never speaks at all is still
// detected.
//
// # Events
//
//   - Timeout occurred: fired exactly once when the period elapses without
//     a reception. The event latches; it does not repeat while the node
//     stays silent.
//   - Timeout resolved: fired exactly once when a valid frame arrives
//     while a timeout is latched, before any state-change event from the
//     same frame.
//   - State changed: fired only when the received state differs from the
//     last known one.
//
// # Timing Model
//
// The consumer has no internal timer. The owner delivers CAN frames via
// OnFrame and the passage of time via OnTime; both take an explicit
// timestamp. This keeps the component single-threaded and deterministic
// under test.
//
// Frames with the node-guarding toggle bit set are replies to guard RTRs,
// not heartbeats, and are ignored. So are frames received while the
// consumer is momentarily disabled (the NMT service disables a slave's
// consumer while a boot or configuration process owns the node).
package heartbeat
