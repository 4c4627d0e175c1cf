package sdo

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/notnil/canbus"
)

// ErrInvalidNode reports a node-ID outside 1..127.
var ErrInvalidNode = errors.New("sdo: invalid node id")

// Sender transmits CAN frames. Send failures are not reported to the
// transfer; the transfer times out instead.
type Sender interface {
	Send(f canbus.Frame) error
}

// SDO COB-ID bases per CiA 301.
const (
	cobClient = 0x600 // client to server
	cobServer = 0x580 // server to client
)

// Command specifiers (bits 7..5 of byte 0).
const (
	ccsDownloadSegment  = 0
	ccsDownloadInitiate = 1
	ccsUploadInitiate   = 2
	ccsUploadSegment    = 3
	csAbort             = 4
	ccsBlockDownload    = 6

	scsUploadSegment    = 0
	scsDownloadSegment  = 1
	scsUploadInitiate   = 2
	scsDownloadInitiate = 3
	scsBlockDownload    = 5
)

// phase of an active transfer.
type phase uint8

const (
	phaseUploadInit phase = iota
	phaseUploadSegment
	phaseDownloadInit
	phaseDownloadSegment
	phaseBlockInit
	phaseBlockConfirm
	phaseBlockEnd
)

// transfer is one outstanding SDO exchange with a server.
type transfer struct {
	node    uint8
	index   uint16
	sub     uint8
	timeout time.Duration

	phase    phase
	deadline time.Time
	toggle   uint8

	// Download payload / upload accumulator.
	data   []byte
	offset int

	// Block download bookkeeping.
	blockStart int
	blockSize  uint8
	blockSent  uint8
	lastLen    int

	doneUpload   func(data []byte, err error)
	doneDownload func(err error)
}

// Engine is a wire-level SDO client over a CAN bus. It implements Client.
//
// The engine follows the reactor model of this stack: it holds no
// goroutines and no locks; the owner feeds received frames via OnFrame and
// time via OnTime from a single dispatch loop. One transfer per server node
// is outstanding at a time; further requests for the same node queue FIFO.
type Engine struct {
	sender Sender

	active [128]*transfer
	queued [128][]*transfer

	// now is the timestamp of the entry point currently executing.
	now time.Time
}

// NewEngine creates an Engine sending through the given Sender.
func NewEngine(sender Sender) *Engine {
	return &Engine{sender: sender}
}

// Upload implements Client.
func (e *Engine) Upload(node uint8, index uint16, sub uint8, timeout time.Duration, done func(data []byte, err error)) {
	if node < 1 || node > 127 {
		done(nil, ErrInvalidNode)
		return
	}
	e.submit(&transfer{
		node:       node,
		index:      index,
		sub:        sub,
		timeout:    timeout,
		phase:      phaseUploadInit,
		doneUpload: done,
	})
}

// Download implements Client.
func (e *Engine) Download(node uint8, index uint16, sub uint8, data []byte, timeout time.Duration, done func(err error)) {
	if node < 1 || node > 127 {
		done(ErrInvalidNode)
		return
	}
	e.submit(&transfer{
		node:         node,
		index:        index,
		sub:          sub,
		timeout:      timeout,
		phase:        phaseDownloadInit,
		data:         data,
		doneDownload: done,
	})
}

// BlockDownload implements Client.
func (e *Engine) BlockDownload(node uint8, index uint16, sub uint8, data []byte, timeout time.Duration, done func(err error)) {
	if node < 1 || node > 127 {
		done(ErrInvalidNode)
		return
	}
	e.submit(&transfer{
		node:         node,
		index:        index,
		sub:          sub,
		timeout:      timeout,
		phase:        phaseBlockInit,
		data:         data,
		doneDownload: done,
	})
}

// Busy reports whether a transfer is outstanding or queued for the node.
func (e *Engine) Busy(node uint8) bool {
	if node > 127 {
		return false
	}
	return e.active[node] != nil || len(e.queued[node]) > 0
}

func (e *Engine) submit(t *transfer) {
	if e.active[t.node] != nil {
		e.queued[t.node] = append(e.queued[t.node], t)
		return
	}
	e.begin(t)
}

func (e *Engine) begin(t *transfer) {
	e.active[t.node] = t
	t.deadline = e.now.Add(t.timeout)
	switch t.phase {
	case phaseUploadInit:
		f := e.request(t)
		f.Data[0] = ccsUploadInitiate << 5
		_ = e.sender.Send(f)

	case phaseDownloadInit:
		f := e.request(t)
		if len(t.data) <= 4 {
			// Expedited, size indicated.
			n := byte(4 - len(t.data))
			f.Data[0] = ccsDownloadInitiate<<5 | n<<2 | 0x02 | 0x01
			copy(f.Data[4:], t.data)
		} else {
			f.Data[0] = ccsDownloadInitiate<<5 | 0x01
			binary.LittleEndian.PutUint32(f.Data[4:8], uint32(len(t.data)))
		}
		_ = e.sender.Send(f)

	case phaseBlockInit:
		// Initiate block download, size indicated, no CRC.
		f := e.request(t)
		f.Data[0] = ccsBlockDownload<<5 | 0x02
		binary.LittleEndian.PutUint32(f.Data[4:8], uint32(len(t.data)))
		_ = e.sender.Send(f)
	}
}

// request returns a zeroed client request frame addressing t's object.
func (e *Engine) request(t *transfer) canbus.Frame {
	var f canbus.Frame
	f.ID = cobClient + uint32(t.node)
	f.Len = 8
	binary.LittleEndian.PutUint16(f.Data[1:3], t.index)
	f.Data[3] = t.sub
	return f
}

// OnFrame feeds a received CAN frame into the engine. Frames that are not
// SDO server responses for an active transfer are ignored.
func (e *Engine) OnFrame(f canbus.Frame, now time.Time) {
	e.now = now
	if f.Extended || f.RTR || f.Len != 8 {
		return
	}
	if f.ID <= cobServer || f.ID > cobServer+127 {
		return
	}
	node := uint8(f.ID - cobServer)
	t := e.active[node]
	if t == nil {
		return
	}

	if f.Data[0]>>5 == csAbort {
		code := binary.LittleEndian.Uint32(f.Data[4:8])
		e.finish(t, nil, &AbortError{Code: code})
		return
	}
	t.deadline = now.Add(t.timeout)

	switch t.phase {
	case phaseUploadInit:
		e.uploadInitiated(t, f)
	case phaseUploadSegment:
		e.uploadSegment(t, f)
	case phaseDownloadInit:
		e.downloadInitiated(t, f)
	case phaseDownloadSegment:
		e.downloadSegment(t, f)
	case phaseBlockInit:
		e.blockInitiated(t, f)
	case phaseBlockConfirm:
		e.blockConfirmed(t, f)
	case phaseBlockEnd:
		e.blockEnded(t, f)
	}
}

// OnTime expires overdue transfers. Call it periodically.
func (e *Engine) OnTime(now time.Time) {
	e.now = now
	for node := 1; node <= 127; node++ {
		t := e.active[node]
		if t == nil || now.Before(t.deadline) {
			continue
		}
		e.sendAbort(t, AbortTimeout)
		e.finish(t, nil, ErrTimeout)
	}
}

func (e *Engine) uploadInitiated(t *transfer, f canbus.Frame) {
	if f.Data[0]>>5 != scsUploadInitiate {
		return
	}
	cmd := f.Data[0]
	if cmd&0x02 != 0 {
		// Expedited. Without a size indication all four bytes count.
		size := 4
		if cmd&0x01 != 0 {
			size = 4 - int(cmd>>2&0x03)
		}
		data := make([]byte, size)
		copy(data, f.Data[4:4+size])
		e.finish(t, data, nil)
		return
	}
	// Segmented upload.
	t.phase = phaseUploadSegment
	t.toggle = 0
	t.data = nil
	e.sendUploadSegmentRequest(t)
}

func (e *Engine) sendUploadSegmentRequest(t *transfer) {
	var f canbus.Frame
	f.ID = cobClient + uint32(t.node)
	f.Len = 8
	f.Data[0] = ccsUploadSegment<<5 | t.toggle<<4
	_ = e.sender.Send(f)
}

func (e *Engine) uploadSegment(t *transfer, f canbus.Frame) {
	if f.Data[0]>>5 != scsUploadSegment {
		return
	}
	cmd := f.Data[0]
	if cmd>>4&0x01 != t.toggle {
		e.sendAbort(t, AbortToggle)
		e.finish(t, nil, &AbortError{Code: AbortToggle})
		return
	}
	n := int(cmd >> 1 & 0x07)
	t.data = append(t.data, f.Data[1:8-n]...)
	if cmd&0x01 != 0 {
		e.finish(t, t.data, nil)
		return
	}
	t.toggle ^= 1
	e.sendUploadSegmentRequest(t)
}

func (e *Engine) downloadInitiated(t *transfer, f canbus.Frame) {
	if f.Data[0]>>5 != scsDownloadInitiate {
		return
	}
	if len(t.data) <= 4 {
		e.finish(t, nil, nil)
		return
	}
	t.phase = phaseDownloadSegment
	t.toggle = 0
	t.offset = 0
	e.sendDownloadSegment(t)
}

func (e *Engine) sendDownloadSegment(t *transfer) {
	chunk := t.data[t.offset:]
	last := len(chunk) <= 7
	if !last {
		chunk = chunk[:7]
	}
	var f canbus.Frame
	f.ID = cobClient + uint32(t.node)
	f.Len = 8
	cmd := byte(ccsDownloadSegment<<5) | t.toggle<<4 | byte(7-len(chunk))<<1
	if last {
		cmd |= 0x01
	}
	f.Data[0] = cmd
	copy(f.Data[1:], chunk)
	_ = e.sender.Send(f)
}

func (e *Engine) downloadSegment(t *transfer, f canbus.Frame) {
	if f.Data[0]>>5 != scsDownloadSegment {
		return
	}
	if f.Data[0]>>4&0x01 != t.toggle {
		e.sendAbort(t, AbortToggle)
		e.finish(t, nil, &AbortError{Code: AbortToggle})
		return
	}
	remaining := len(t.data) - t.offset
	if remaining <= 7 {
		e.finish(t, nil, nil)
		return
	}
	t.offset += 7
	t.toggle ^= 1
	e.sendDownloadSegment(t)
}

func (e *Engine) blockInitiated(t *transfer, f canbus.Frame) {
	if f.Data[0]>>5 != scsBlockDownload || f.Data[0]&0x03 != 0 {
		return
	}
	t.blockSize = f.Data[4]
	if t.blockSize == 0 || t.blockSize > 127 {
		t.blockSize = 127
	}
	t.offset = 0
	t.blockStart = 0
	e.sendBlock(t)
}

// sendBlock streams one sub-block of up to blockSize segments and waits
// for the server's confirmation.
func (e *Engine) sendBlock(t *transfer) {
	t.blockStart = t.offset
	t.blockSent = 0
	for seq := uint8(1); seq <= t.blockSize && t.offset < len(t.data); seq++ {
		chunk := t.data[t.offset:]
		last := len(chunk) <= 7
		if !last {
			chunk = chunk[:7]
		}
		var f canbus.Frame
		f.ID = cobClient + uint32(t.node)
		f.Len = 8
		f.Data[0] = seq
		if last {
			f.Data[0] |= 0x80
		}
		copy(f.Data[1:], chunk)
		_ = e.sender.Send(f)
		t.offset += len(chunk)
		t.blockSent = seq
		t.lastLen = len(chunk)
	}
	t.phase = phaseBlockConfirm
}

func (e *Engine) blockConfirmed(t *transfer, f canbus.Frame) {
	if f.Data[0]>>5 != scsBlockDownload || f.Data[0]&0x03 != 0x02 {
		return
	}
	ackseq := f.Data[1]
	if next := f.Data[2]; next >= 1 && next <= 127 {
		t.blockSize = next
	}
	if ackseq < t.blockSent {
		// Retransmit everything after the last acknowledged segment.
		t.offset = t.blockStart + int(ackseq)*7
	}
	if t.offset < len(t.data) {
		e.sendBlock(t)
		return
	}
	// End of block download: report the unused bytes of the last segment.
	var end canbus.Frame
	end.ID = cobClient + uint32(t.node)
	end.Len = 8
	end.Data[0] = ccsBlockDownload<<5 | byte(7-t.lastLen)<<2 | 0x01
	_ = e.sender.Send(end)
	t.phase = phaseBlockEnd
}

func (e *Engine) blockEnded(t *transfer, f canbus.Frame) {
	if f.Data[0]>>5 != scsBlockDownload || f.Data[0]&0x03 != 0x01 {
		return
	}
	e.finish(t, nil, nil)
}

func (e *Engine) sendAbort(t *transfer, code uint32) {
	f := e.request(t)
	f.Data[0] = csAbort << 5
	binary.LittleEndian.PutUint32(f.Data[4:8], code)
	_ = e.sender.Send(f)
}

// finish completes a transfer, invokes its callback and starts the next
// queued transfer for the node. The callback may submit new transfers.
func (e *Engine) finish(t *transfer, data []byte, err error) {
	e.active[t.node] = nil
	if t.doneUpload != nil {
		t.doneUpload(data, err)
	} else {
		t.doneDownload(err)
	}
	if e.active[t.node] == nil && len(e.queued[t.node]) > 0 {
		next := e.queued[t.node][0]
		e.queued[t.node] = e.queued[t.node][1:]
		e.begin(next)
	}
}
