package log

import (
	"context"
	"fmt"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session_id", event.SessionID),
		slog.String("direction", event.Direction.String()),
	}

	if event.Node != 0 {
		attrs = append(attrs, slog.Uint64("node", uint64(event.Node)))
	}

	// Add type-specific attributes
	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Uint64("can_id", uint64(event.Frame.ID)),
			slog.Int("len", len(event.Frame.Data)),
			slog.Bool("rtr", event.Frame.RTR),
		)
	case event.Command != nil:
		attrs = append(attrs,
			slog.String("command", fmt.Sprintf("0x%02X", event.Command.Command)),
			slog.Uint64("target", uint64(event.Command.Target)),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.Uint64("old_state", uint64(event.StateChange.Old)),
			slog.Uint64("new_state", uint64(event.StateChange.New)),
		)
	case event.Boot != nil:
		attrs = append(attrs, slog.String("boot_status", string(rune(event.Boot.Status))))
		if event.Boot.Text != "" {
			attrs = append(attrs, slog.String("boot_text", event.Boot.Text))
		}
	case event.ErrorControl != nil:
		attrs = append(attrs, slog.Bool("timeout", event.ErrorControl.Occurred))
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "nmt", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
