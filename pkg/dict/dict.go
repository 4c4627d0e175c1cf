package dict

import (
	"errors"
	"sort"
)

// NodeIDUnconfigured is the node-ID of a device that has not been assigned
// one yet (e.g. via LSS).
const NodeIDUnconfigured uint8 = 0xFF

// Dictionary errors.
var (
	ErrInvalidNodeID = errors.New("dict: invalid node id")
)

// width classifies the storage of an entry.
type width uint8

const (
	wU8 width = iota
	wU16
	wU32
	wBytes
)

// entry is a single (index, sub-index) slot.
type entry struct {
	w     width
	val   uint32
	raw   []byte
	relID bool // value is base + $NODEID, re-evaluated on SetNodeID
	base  uint32
}

// Dictionary is an in-memory object dictionary.
type Dictionary struct {
	nodeID  uint8
	entries map[uint32]*entry
	onWrite func(index uint16, sub uint8)
}

// New creates an empty dictionary for the given node-ID.
func New(nodeID uint8) *Dictionary {
	return &Dictionary{
		nodeID:  nodeID,
		entries: make(map[uint32]*entry),
	}
}

// NodeID returns the node-ID the dictionary is bound to.
func (d *Dictionary) NodeID() uint8 { return d.nodeID }

// SetNodeID rebinds the dictionary to a new node-ID and re-evaluates all
// $NODEID-relative entries. Node-ID 0xFF (unconfigured) is accepted; 0 and
// values above 127 other than 0xFF are not.
func (d *Dictionary) SetNodeID(id uint8) error {
	if id != NodeIDUnconfigured && (id < 1 || id > 127) {
		return ErrInvalidNodeID
	}
	d.nodeID = id
	for _, e := range d.entries {
		if e.relID {
			e.val = e.base + uint32(id)
		}
	}
	return nil
}

// OnWrite registers the write hook. Only one hook is supported; passing nil
// removes it. The hook fires after the entry has been updated.
func (d *Dictionary) OnWrite(fn func(index uint16, sub uint8)) {
	d.onWrite = fn
}

func key(index uint16, sub uint8) uint32 {
	return uint32(index)<<8 | uint32(sub)
}

func (d *Dictionary) put(index uint16, sub uint8, e *entry) {
	d.entries[key(index, sub)] = e
	if d.onWrite != nil {
		d.onWrite(index, sub)
	}
}

// SetU8 stores an 8-bit unsigned value.
func (d *Dictionary) SetU8(index uint16, sub uint8, v uint8) {
	d.put(index, sub, &entry{w: wU8, val: uint32(v)})
}

// SetU16 stores a 16-bit unsigned value.
func (d *Dictionary) SetU16(index uint16, sub uint8, v uint16) {
	d.put(index, sub, &entry{w: wU16, val: uint32(v)})
}

// SetU32 stores a 32-bit unsigned value.
func (d *Dictionary) SetU32(index uint16, sub uint8, v uint32) {
	d.put(index, sub, &entry{w: wU32, val: v})
}

// SetU32NodeID stores a 32-bit value of the form base + $NODEID. The stored
// value tracks subsequent SetNodeID calls.
func (d *Dictionary) SetU32NodeID(index uint16, sub uint8, base uint32) {
	d.put(index, sub, &entry{w: wU32, val: base + uint32(d.nodeID), relID: true, base: base})
}

// SetBytes stores a raw byte string (e.g. a program image). The slice is
// retained, not copied.
func (d *Dictionary) SetBytes(index uint16, sub uint8, b []byte) {
	d.put(index, sub, &entry{w: wBytes, raw: b})
}

// Delete removes an entry. Deleting an absent entry is a no-op.
func (d *Dictionary) Delete(index uint16, sub uint8) {
	delete(d.entries, key(index, sub))
}

// U8 reads an 8-bit value. ok is false if the entry is absent or not an
// integer entry.
func (d *Dictionary) U8(index uint16, sub uint8) (v uint8, ok bool) {
	e := d.entries[key(index, sub)]
	if e == nil || e.w == wBytes {
		return 0, false
	}
	return uint8(e.val), true
}

// U16 reads a 16-bit value.
func (d *Dictionary) U16(index uint16, sub uint8) (v uint16, ok bool) {
	e := d.entries[key(index, sub)]
	if e == nil || e.w == wBytes {
		return 0, false
	}
	return uint16(e.val), true
}

// U32 reads a 32-bit value.
func (d *Dictionary) U32(index uint16, sub uint8) (v uint32, ok bool) {
	e := d.entries[key(index, sub)]
	if e == nil || e.w == wBytes {
		return 0, false
	}
	return e.val, true
}

// Bytes reads a raw byte string entry.
func (d *Dictionary) Bytes(index uint16, sub uint8) (b []byte, ok bool) {
	e := d.entries[key(index, sub)]
	if e == nil || e.w != wBytes {
		return nil, false
	}
	return e.raw, true
}

// Has reports whether any entry exists at (index, sub).
func (d *Dictionary) Has(index uint16, sub uint8) bool {
	_, ok := d.entries[key(index, sub)]
	return ok
}

// SubIndices returns the populated sub-indices of an object in ascending
// order. Used to walk tables such as 1016 and 1F81.
func (d *Dictionary) SubIndices(index uint16) []uint8 {
	var subs []uint8
	for k := range d.entries {
		if uint16(k>>8) == index {
			subs = append(subs, uint8(k))
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	return subs
}
