package log

// MultiLogger fans one event stream out to several sinks, typically a
// FileLogger trace plus a SlogAdapter console mirror.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger combines loggers into one. Nil entries are skipped, so
// optional sinks can be passed unconditionally.
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Log forwards the event to every sink in order.
func (m *MultiLogger) Log(event Event) {
	for _, s := range m.sinks {
		s.Log(event)
	}
}

var _ Logger = (*MultiLogger)(nil)
