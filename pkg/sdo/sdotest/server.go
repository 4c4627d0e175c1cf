// Package sdotest provides a scripted in-memory SDO responder for tests.
//
// The server completes every request synchronously from within the
// initiating call, which keeps boot-sequence tests fully deterministic.
// Responses are scripted per (node, index, sub) as a FIFO whose last entry
// repeats, so polling sequences (busy, busy, done) are easy to express.
package sdotest

import (
	"time"

	"github.com/canopen-protocol/canopen-go/pkg/sdo"
)

type objKey struct {
	node  uint8
	index uint16
	sub   uint8
}

// Response is one scripted upload result.
type Response struct {
	Data []byte
	Err  error
}

// Request records one transfer seen by the server.
type Request struct {
	Node     uint8
	Index    uint16
	Sub      uint8
	Download bool
	Block    bool
	Data     []byte // download payload, nil for uploads
}

// Server is a scripted SDO responder implementing sdo.Client.
type Server struct {
	uploads      map[objKey][]Response
	downloadErrs map[objKey][]error
	blockErrs    map[objKey][]error

	// BlockSupported controls whether BlockDownload behaves like Download
	// or aborts with "command specifier not valid". Defaults to true.
	BlockSupported bool

	// Requests is the log of every transfer, in order.
	Requests []Request
}

// New creates an empty server with block transfer enabled.
func New() *Server {
	return &Server{
		uploads:        make(map[objKey][]Response),
		downloadErrs:   make(map[objKey][]error),
		blockErrs:      make(map[objKey][]error),
		BlockSupported: true,
	}
}

// ScriptUpload queues upload responses for (node, index, sub). The last
// response repeats once the queue drains.
func (s *Server) ScriptUpload(node uint8, index uint16, sub uint8, resp ...Response) {
	s.uploads[objKey{node, index, sub}] = resp
}

// SetU32 scripts a permanent little-endian 32-bit upload value, the common
// case for identity objects.
func (s *Server) SetU32(node uint8, index uint16, sub uint8, v uint32) {
	s.ScriptUpload(node, index, sub, Response{Data: sdo.U32Bytes(v)})
}

// ScriptDownload queues download results (nil = success) for
// (node, index, sub). The last result repeats. Unscripted downloads
// succeed.
func (s *Server) ScriptDownload(node uint8, index uint16, sub uint8, errs ...error) {
	s.downloadErrs[objKey{node, index, sub}] = errs
}

// Downloads returns the payloads written to (node, index, sub), in order.
func (s *Server) Downloads(node uint8, index uint16, sub uint8) [][]byte {
	var out [][]byte
	for _, r := range s.Requests {
		if r.Download && r.Node == node && r.Index == index && r.Sub == sub {
			out = append(out, r.Data)
		}
	}
	return out
}

// UploadCount returns how many uploads of (node, index, sub) were seen.
func (s *Server) UploadCount(node uint8, index uint16, sub uint8) int {
	n := 0
	for _, r := range s.Requests {
		if !r.Download && r.Node == node && r.Index == index && r.Sub == sub {
			n++
		}
	}
	return n
}

func pop[T any](m map[objKey][]T, k objKey) (T, bool) {
	q, ok := m[k]
	if !ok || len(q) == 0 {
		var zero T
		return zero, false
	}
	v := q[0]
	if len(q) > 1 {
		m[k] = q[1:]
	}
	return v, true
}

// Upload implements sdo.Client.
func (s *Server) Upload(node uint8, index uint16, sub uint8, timeout time.Duration, done func([]byte, error)) {
	s.Requests = append(s.Requests, Request{Node: node, Index: index, Sub: sub})
	resp, ok := pop(s.uploads, objKey{node, index, sub})
	if !ok {
		done(nil, &sdo.AbortError{Code: sdo.AbortNoObject})
		return
	}
	done(resp.Data, resp.Err)
}

// Download implements sdo.Client.
func (s *Server) Download(node uint8, index uint16, sub uint8, data []byte, timeout time.Duration, done func(error)) {
	s.Requests = append(s.Requests, Request{Node: node, Index: index, Sub: sub, Download: true, Data: data})
	err, _ := pop(s.downloadErrs, objKey{node, index, sub})
	done(err)
}

// BlockDownload implements sdo.Client.
func (s *Server) BlockDownload(node uint8, index uint16, sub uint8, data []byte, timeout time.Duration, done func(error)) {
	s.Requests = append(s.Requests, Request{Node: node, Index: index, Sub: sub, Download: true, Block: true, Data: data})
	if !s.BlockSupported {
		done(&sdo.AbortError{Code: sdo.AbortInvalidCS})
		return
	}
	if err, ok := pop(s.blockErrs, objKey{node, index, sub}); ok {
		done(err)
		return
	}
	err, _ := pop(s.downloadErrs, objKey{node, index, sub})
	done(err)
}

// Compile-time interface satisfaction check.
var _ sdo.Client = (*Server)(nil)
