package nmt

import "time"

// commandQueueCap bounds the outgoing command queue.
const commandQueueCap = 32

type queuedCommand struct {
	cs   Command
	node uint8
}

// commandQueue is the master's outgoing NMT command buffer: bounded,
// strictly FIFO, gated by the inhibit time between transmissions.
type commandQueue struct {
	buf      []queuedCommand
	nextSend time.Time
}

func (q *commandQueue) push(cs Command, node uint8) error {
	if len(q.buf) >= commandQueueCap {
		return ErrQueueFull
	}
	q.buf = append(q.buf, queuedCommand{cs: cs, node: node})
	return nil
}

func (q *commandQueue) empty() bool { return len(q.buf) == 0 }

// ready reports whether the head may be transmitted at now.
func (q *commandQueue) ready(now time.Time) bool {
	return len(q.buf) > 0 && !now.Before(q.nextSend)
}

func (q *commandQueue) head() queuedCommand { return q.buf[0] }

// popSent removes the head after successful transmission and arms the
// inhibit window.
func (q *commandQueue) popSent(now time.Time, inhibit time.Duration) {
	q.buf = q.buf[1:]
	q.nextSend = now.Add(inhibit)
}

func (q *commandQueue) reset() {
	q.buf = nil
	q.nextSend = time.Time{}
}
