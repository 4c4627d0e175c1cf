// Package log provides structured protocol logging for the CANopen stack.
//
// This package defines the Logger interface and Event types for capturing
// network management events: NMT commands, state changes, error-control
// edges, boot results and raw CAN frames. It is separate from operational
// logging (slog) - protocol capture provides a complete machine-readable
// event trace for debugging and analysis.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.Logger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.Logger, _ = log.NewFileLogger("/var/log/canopen/master.clog")
//
//	// Both: use MultiLogger
//	cfg.Logger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    log.NewFileLogger("/var/log/canopen/master.clog"),
//	)
//
// # Event Types
//
// Each event carries at most one typed payload:
//   - Frame: a raw CAN frame (FrameEvent)
//   - Command: an NMT command (CommandEvent)
//   - StateChange: a local lifecycle transition (StateChangeEvent)
//   - Boot: the outcome of a slave boot process (BootEvent)
//   - ErrorControl: a heartbeat or guarding supervision edge (ErrCtrlEvent)
//
// # File Format
//
// Log files use CBOR encoding with integer keys and the .clog extension.
package log
