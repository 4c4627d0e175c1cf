// Package dict provides an in-memory CANopen object dictionary.
//
// The dictionary is the configuration store consumed by the NMT service:
// error-control parameters, the NMT startup word, the slave assignment
// table, and the expected identity objects all live here, addressed by
// their CiA 301/302 index and sub-index.
//
// # Value Model
//
// Entries hold unsigned integers of fixed width (8, 16 or 32 bits) or raw
// byte strings (used for program images). Reads return the value and a
// presence flag; absent entries read as not-ok rather than as zero, so
// callers can distinguish "configured as 0" from "not configured".
//
// # $NODEID-Relative Values
//
// CANopen device configuration files express COB-IDs and similar values
// relative to the node-ID ("$NODEID+0x180"). Such entries are stored with
// their base value and re-evaluated whenever SetNodeID is called, matching
// the concatenation semantics of CiA 306.
//
// # Write Notification
//
// A single write hook can be registered with OnWrite. The NMT service uses
// it to react to configuration changes, e.g. rebuilding heartbeat
// consumers when the 1016 table is written.
//
// The dictionary is not safe for concurrent use; like the rest of the
// stack it is driven from a single reactor goroutine.
package dict
