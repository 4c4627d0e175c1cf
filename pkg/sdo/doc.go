// Package sdo implements the client side of Service Data Object
// transfers as consumed by the NMT boot process.
//
// The Client interface fixes the narrow contract the network management
// code depends on, plus the abort codes needed to classify remote
// failures. Engine is the wire implementation: expedited, segmented and
// block transfer framing per CiA 301 over a CAN bus, driven by the same
// single-threaded reactor as the rest of the stack.
//
// # Completion Model
//
// All transfers are asynchronous: the caller supplies a done callback that
// is invoked exactly once, from the reactor goroutine, with the result.
// An engine may complete a request synchronously from within the initiating
// call; callers must tolerate that (the boot process does).
//
// # Timeouts and Aborts
//
// A per-request timeout bounds the whole transfer. Expired transfers
// complete with ErrTimeout. Remote aborts complete with an *AbortError
// carrying the CiA 301 abort code; errors.Is recognizes the
// ErrBlockNotSupported classification used to fall back from block to
// segmented program download.
//
// The sdotest sub-package provides a scripted in-memory responder for
// tests.
package sdo
