// Package linkedit implements components E and F: a tracker that owns the
// rebuilt __LINKEDIT byte range (and the load-command area alongside it)
// with insert/resize/remove operations that keep every referencing load
// command offset in sync, plus a symbol-table tracker with its four
// buckets and string pool.
package linkedit

import (
	"fmt"
)

// Tag enumerates the kind of data one tracked sub-region holds.
type Tag int

const (
	TagRebase Tag = iota
	TagBind
	TagWeakBind
	TagLazyBind
	TagExportTrie
	TagDetachedExportTrie
	TagSymbolEntries
	TagStringPool
	TagIndirectSymtab
	TagFunctionStarts
	TagDataInCode
	TagChainedFixups
)

func (t Tag) String() string {
	switch t {
	case TagRebase:
		return "rebase"
	case TagBind:
		return "bind"
	case TagWeakBind:
		return "weak-bind"
	case TagLazyBind:
		return "lazy-bind"
	case TagExportTrie:
		return "export-trie"
	case TagDetachedExportTrie:
		return "detached-export-trie"
	case TagSymbolEntries:
		return "symbol-entries"
	case TagStringPool:
		return "string-pool"
	case TagIndirectSymtab:
		return "indirect-symtab"
	case TagFunctionStarts:
		return "function-starts"
	case TagDataInCode:
		return "data-in-code"
	case TagChainedFixups:
		return "chained-fixups"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// OffsetSetter receives the absolute file offset of a tracked datum and
// writes it into whichever load-command field references that datum
// (e.g. dyld_info_command.rebase_off, symtab_command.symoff).
type OffsetSetter func(fileOffset uint32)

// SizeSetter is the analogous callback for a datum's size field, when the
// referencing load command carries one (most do).
type SizeSetter func(size uint32)

// record is one tracked sub-region of the rebuilt linkedit.
type record struct {
	tag        Tag
	data       []byte
	offset     int // byte offset within Tracker.linkedit
	setOffset  OffsetSetter
	setSize    SizeSetter
}

// Tracker owns the rebuilt, contiguous __LINKEDIT byte range. Metadata
// records form a non-overlapping, pointer-size-aligned sequence covering
// the populated prefix of the region; every tracked offset field always
// holds the *current* file offset of its datum.
type Tracker struct {
	linkedit    []byte
	records     []*record
	baseOffset  uint64 // __LINKEDIT segment's file offset
	ptrSize     int
}

// New constructs an empty Tracker. baseOffset is the __LINKEDIT segment's
// current file offset; ptrSize (4 or 8) determines alignment.
func New(baseOffset uint64, ptrSize int) *Tracker {
	return &Tracker{baseOffset: baseOffset, ptrSize: ptrSize}
}

func (t *Tracker) align(n int) int {
	a := t.ptrSize
	if a <= 0 {
		a = 8
	}
	if rem := n % a; rem != 0 {
		n += a - rem
	}
	return n
}

// SetBaseOffset updates the segment's file offset (the offset optimizer
// calls this once it has assigned __LINKEDIT its final page-aligned file
// offset) and re-fires every record's offset-field callback.
func (t *Tracker) SetBaseOffset(base uint64) {
	t.baseOffset = base
	t.refireOffsets()
}

func (t *Tracker) refireOffsets() {
	for _, r := range t.records {
		if r.setOffset != nil {
			r.setOffset(uint32(t.baseOffset) + uint32(r.offset))
		}
	}
}

// Insert appends a new tracked region at the end of the linkedit data,
// pointer-aligning its start. setOffset/setSize (either may be nil) are
// invoked immediately with the region's absolute file offset/size and
// again any time a later insert/resize shifts it.
func (t *Tracker) Insert(tag Tag, data []byte, setOffset OffsetSetter, setSize SizeSetter) error {
	for _, r := range t.records {
		if r.tag == tag {
			return fmt.Errorf("linkedit: tag %s already tracked", tag)
		}
	}
	start := t.align(len(t.linkedit))
	if start > len(t.linkedit) {
		t.linkedit = append(t.linkedit, make([]byte, start-len(t.linkedit))...)
	}
	t.linkedit = append(t.linkedit, data...)
	r := &record{tag: tag, data: data, offset: start, setOffset: setOffset, setSize: setSize}
	t.records = append(t.records, r)
	if setOffset != nil {
		setOffset(uint32(t.baseOffset) + uint32(start))
	}
	if setSize != nil {
		setSize(uint32(len(data)))
	}
	return nil
}

// Resize replaces a tracked region's data in place, shifting every later
// region's bytes (and re-firing their offset callbacks) by the size delta.
func (t *Tracker) Resize(tag Tag, newData []byte) error {
	idx, r := t.find(tag)
	if r == nil {
		return fmt.Errorf("linkedit: tag %s not tracked", tag)
	}
	oldAlignedLen := t.align(len(r.data))
	newAlignedLen := t.align(len(newData))
	delta := newAlignedLen - oldAlignedLen

	tail := append([]byte(nil), t.linkedit[r.offset+oldAlignedLen:]...)
	t.linkedit = t.linkedit[:r.offset]
	t.linkedit = append(t.linkedit, newData...)
	if pad := newAlignedLen - len(newData); pad > 0 {
		t.linkedit = append(t.linkedit, make([]byte, pad)...)
	}
	t.linkedit = append(t.linkedit, tail...)
	r.data = newData

	if delta != 0 {
		for _, later := range t.records[idx+1:] {
			later.offset += delta
		}
	}
	t.refireOffsets()
	if r.setSize != nil {
		r.setSize(uint32(len(newData)))
	}
	return nil
}

// Remove deletes a tracked region, shifting later regions down and
// re-firing their callbacks. It rejects removal if no such tag is
// tracked; per spec.md §4.E it is the caller's responsibility (not this
// package's) to ensure no other metadata record points into the region
// being removed before calling this.
func (t *Tracker) Remove(tag Tag) error {
	idx, r := t.find(tag)
	if r == nil {
		return fmt.Errorf("linkedit: tag %s not tracked", tag)
	}
	alignedLen := t.align(len(r.data))
	t.linkedit = append(t.linkedit[:r.offset], t.linkedit[r.offset+alignedLen:]...)
	t.records = append(t.records[:idx], t.records[idx+1:]...)
	for _, later := range t.records[idx:] {
		later.offset -= alignedLen
	}
	t.refireOffsets()
	return nil
}

func (t *Tracker) find(tag Tag) (int, *record) {
	for i, r := range t.records {
		if r.tag == tag {
			return i, r
		}
	}
	return -1, nil
}

// Get returns a tracked region's current data and absolute file offset.
func (t *Tracker) Get(tag Tag) (data []byte, fileOffset uint32, ok bool) {
	_, r := t.find(tag)
	if r == nil {
		return nil, 0, false
	}
	return r.data, uint32(t.baseOffset) + uint32(r.offset), true
}

// Bytes returns the whole rebuilt linkedit region, in write order.
func (t *Tracker) Bytes() []byte { return t.linkedit }

// Size returns the current (page-unaligned) size of the rebuilt region.
func (t *Tracker) Size() int { return len(t.linkedit) }

// Tags returns every currently-tracked tag in region order, used by tests
// and by the offset optimizer to enumerate regions deterministically.
func (t *Tracker) Tags() []Tag {
	out := make([]Tag, len(t.records))
	for i, r := range t.records {
		out[i] = r.tag
	}
	return out
}
