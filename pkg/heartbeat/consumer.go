package heartbeat

import (
	"time"

	"github.com/notnil/canbus"
)

// ErrCtrlBase is the COB-ID base of NMT error-control frames.
const ErrCtrlBase uint32 = 0x700

// toggleBit marks node-guarding replies in the status byte.
const toggleBit = 0x80

// TimeoutEvent distinguishes the two edges of the liveness supervision.
type TimeoutEvent uint8

const (
	// TimeoutOccurred is fired when the heartbeat period elapses without
	// a reception.
	TimeoutOccurred TimeoutEvent = iota

	// TimeoutResolved is fired when a heartbeat arrives after a timeout.
	TimeoutResolved
)

// String returns the event name.
func (e TimeoutEvent) String() string {
	switch e {
	case TimeoutOccurred:
		return "TIMEOUT_OCCURRED"
	case TimeoutResolved:
		return "TIMEOUT_RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// Config carries the consumer's event callbacks. Nil callbacks are
// ignored.
type Config struct {
	// OnTimeout is fired on timeout-occurred and timeout-resolved edges.
	OnTimeout func(node uint8, ev TimeoutEvent)

	// OnState is fired when the node reports a state different from the
	// last known one. The state byte has the toggle bit cleared.
	OnState func(node uint8, state uint8)
}

// Consumer supervises the heartbeat of a single remote node.
type Consumer struct {
	cfg Config

	node   uint8
	period time.Duration

	disabled bool

	hasState  bool
	lastState uint8

	armed    bool
	deadline time.Time
	latched  bool // timeout occurred, not yet resolved
}

// New creates an inactive consumer.
func New(cfg Config) *Consumer {
	return &Consumer{cfg: cfg}
}

// Node returns the supervised node-ID, 0 if inactive.
func (c *Consumer) Node() uint8 { return c.node }

// Period returns the configured heartbeat period.
func (c *Consumer) Period() time.Duration { return c.period }

// Active reports whether the consumer is supervising a node.
func (c *Consumer) Active() bool {
	return c.node >= 1 && c.node <= 127 && c.period > 0
}

// LastState returns the last received (or seeded) NMT state.
func (c *Consumer) LastState() (uint8, bool) {
	return c.lastState, c.hasState
}

// TimedOut reports whether a timeout event is latched.
func (c *Consumer) TimedOut() bool { return c.latched }

// Set1016 applies a raw consumer-heartbeat-time value (object 1016):
// bits 16..23 node-ID, bits 0..15 period in milliseconds. The consumer is
// fully reset: phase, last state and any latched timeout are cleared.
func (c *Consumer) Set1016(raw uint32, now time.Time) {
	c.Configure(uint8(raw>>16), time.Duration(raw&0xFFFF)*time.Millisecond, now)
}

// Configure resets the consumer for a node and period. A node-ID outside
// 1..127 or a zero period deactivates it.
func (c *Consumer) Configure(node uint8, period time.Duration, now time.Time) {
	c.node = node
	c.period = period
	c.disabled = false
	c.hasState = false
	c.lastState = 0
	c.latched = false
	c.armed = false
	if c.Active() {
		c.armed = true
		c.deadline = now.Add(period)
	}
}

// Disable suspends supervision without losing the configuration. Frames
// and time are ignored until Enable.
func (c *Consumer) Disable() { c.disabled = true }

// Enable resumes supervision, re-arming the timeout from now.
func (c *Consumer) Enable(now time.Time) {
	c.disabled = false
	if c.Active() {
		c.armed = true
		c.deadline = now.Add(c.period)
	}
}

// SetState seeds the last known state (used by the boot process, which
// learns the node's state out of band), re-arms the timeout and clears any
// latched error.
func (c *Consumer) SetState(state uint8, now time.Time) {
	c.hasState = true
	c.lastState = state & ^uint8(toggleBit)
	c.latched = false
	if c.Active() && !c.disabled {
		c.armed = true
		c.deadline = now.Add(c.period)
	}
}

// OnFrame feeds a received CAN frame. It returns true if the frame was a
// heartbeat of the supervised node and was consumed.
func (c *Consumer) OnFrame(f canbus.Frame, now time.Time) bool {
	if !c.Active() || c.disabled {
		return false
	}
	if f.ID != ErrCtrlBase+uint32(c.node) || f.RTR || f.Len < 1 {
		return false
	}
	status := f.Data[0]
	if status&toggleBit != 0 {
		// Node-guarding reply, not a heartbeat.
		return false
	}

	c.armed = true
	c.deadline = now.Add(c.period)

	if c.latched {
		c.latched = false
		if c.cfg.OnTimeout != nil {
			c.cfg.OnTimeout(c.node, TimeoutResolved)
		}
	}

	if !c.hasState || c.lastState != status {
		c.hasState = true
		c.lastState = status
		if c.cfg.OnState != nil {
			c.cfg.OnState(c.node, status)
		}
	}
	return true
}

// OnTime advances the consumer's clock. A timeout fires at most once per
// silence period.
func (c *Consumer) OnTime(now time.Time) {
	if !c.Active() || c.disabled || !c.armed || c.latched {
		return
	}
	if now.Before(c.deadline) {
		return
	}
	c.latched = true
	if c.cfg.OnTimeout != nil {
		c.cfg.OnTimeout(c.node, TimeoutOccurred)
	}
}

// NextDeadline returns the next instant OnTime needs to observe, or the
// zero time if none is pending.
func (c *Consumer) NextDeadline() time.Time {
	if !c.Active() || c.disabled || !c.armed || c.latched {
		return time.Time{}
	}
	return c.deadline
}
