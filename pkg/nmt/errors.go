package nmt

import "errors"

// Service errors. All public entry points fail synchronously with one of
// these (possibly wrapped); none of them mutates state on failure.
var (
	// ErrNilSender is returned by New when no frame sender is supplied.
	ErrNilSender = errors.New("nmt: nil sender")

	// ErrNilDict is returned by New when no object dictionary is supplied.
	ErrNilDict = errors.New("nmt: nil object dictionary")

	// ErrNotMaster indicates a master-only operation on a slave service.
	ErrNotMaster = errors.New("nmt: not the NMT master")

	// ErrInvalidNodeID indicates a node-ID outside the valid range for the
	// operation.
	ErrInvalidNodeID = errors.New("nmt: invalid node id")

	// ErrInvalidCommand indicates an unknown command specifier.
	ErrInvalidCommand = errors.New("nmt: invalid command specifier")

	// ErrInvalidTransition indicates a command specifier not accepted in
	// the current lifecycle state.
	ErrInvalidTransition = errors.New("nmt: command not valid in current state")

	// ErrInProgress indicates a boot or configuration request for a node
	// that already has one running.
	ErrInProgress = errors.New("nmt: request already in progress")

	// ErrQueueFull indicates the outgoing command queue is at capacity.
	ErrQueueFull = errors.New("nmt: command queue full")

	// ErrNoSDOClient indicates a boot was requested without an SDO client.
	ErrNoSDOClient = errors.New("nmt: no SDO client configured")

	// ErrNoConfigRequester indicates a configuration push was requested
	// without a configuration requester.
	ErrNoConfigRequester = errors.New("nmt: no configuration requester configured")
)
