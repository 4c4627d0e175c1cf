package log

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends events to a CBOR trace file, conventionally named
// with a .clog extension. Traces are read back with Reader.
//
// The file is opened in append mode, so a restarted master continues an
// existing trace; the per-event session identifier marks the boundary.
type FileLogger struct {
	mu   sync.Mutex
	f    *os.File
	enc  *cbor.Encoder
	done bool
}

// NewFileLogger opens or creates the trace file at path.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{f: f, enc: NewEncoder(f)}, nil
}

// Log appends one event to the trace. Encode errors are dropped; tracing
// never disturbs the protocol path. Safe for concurrent use.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	_ = l.enc.Encode(event)
}

// Close closes the trace file. Later Log calls are ignored and repeated
// Close calls return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil
	}
	l.done = true
	return l.f.Close()
}

var _ Logger = (*FileLogger)(nil)
