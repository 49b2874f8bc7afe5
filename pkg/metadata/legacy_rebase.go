// Package metadata implements component K: it chooses between legacy
// opcode-based rebase/bind encoding (no lazy-bind stream is produced)
// and the chained-fixups encoding based on architecture, and emits the
// chosen form from the pointer tracker's accumulated state.
package metadata

import (
	"bytes"

	"github.com/appsworld/dyldextractor/pkg/pointer"
)

// RebaseSite is the minimal view of a rebase record the encoder needs:
// its segment index (as dyld_info rebase opcodes key on segment, not raw
// address) and offset within that segment.
type RebaseSite struct {
	Segment uint8
	Offset  uint64
}

// SegmentOf maps a rebase record's address to its (segment index, offset
// within segment); the extraction context backs this against the
// writable Mach-O view's segment list.
type SegmentOf func(addr uint64) (segIndex uint8, segOffset uint64, ok bool)

const rebaseTypePointer = 1 // REBASE_TYPE_POINTER

// EncodeRebase emits a rebase opcode stream: SET_SEGMENT_AND_OFFSET_ULEB
// on segment change, ADD_ADDR_ULEB on intra-segment jump,
// DO_REBASE_ULEB_TIMES for a run of contiguous pointers and
// DO_REBASE_IMM_TIMES with a count of 1 for a lone pointer. Runs with a
// constant gap larger than the pointer size are not merged (no
// DO_REBASE_ULEB_TIMES_SKIPPING_ULEB), and no ADD_ADDR_IMM_SCALED or
// DO_REBASE_ADD_ADDR_ULEB opcodes are emitted.
// Input records must already be sorted by address (pointer.Tracker.Rebases
// does this).
func EncodeRebase(records []*pointer.Record, ptrSize int, segOf SegmentOf) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(REBASE_OPCODE_SET_TYPE_IMM | rebaseTypePointer))

	type site struct {
		seg uint8
		off uint64
	}
	var sites []site
	for _, r := range records {
		seg, off, ok := segOf(r.Site)
		if !ok {
			continue
		}
		sites = append(sites, site{seg: seg, off: off})
	}

	var curSeg uint8 = 0xff
	var curOff uint64
	i := 0
	for i < len(sites) {
		s := sites[i]
		if s.seg != curSeg {
			buf.WriteByte(byte(REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | (s.seg & 0xf)))
			writeUleb(&buf, s.off)
			curSeg, curOff = s.seg, s.off
		} else if s.off != curOff {
			buf.WriteByte(byte(REBASE_OPCODE_ADD_ADDR_ULEB))
			writeUleb(&buf, s.off-curOff)
			curOff = s.off
		}

		// Count a contiguous run (constant stride == ptrSize) starting at i.
		runStart := i
		stride := uint64(ptrSize)
		for i+1 < len(sites) && sites[i+1].seg == s.seg && sites[i+1].off == sites[i].off+stride {
			i++
		}
		count := i - runStart + 1
		if count > 1 {
			buf.WriteByte(byte(REBASE_OPCODE_DO_REBASE_ULEB_TIMES))
			writeUleb(&buf, uint64(count))
		} else {
			buf.WriteByte(byte(REBASE_OPCODE_DO_REBASE_IMM_TIMES | 1))
		}
		curOff = sites[i].off + stride
		i++
	}

	buf.WriteByte(byte(REBASE_OPCODE_DONE))
	return padToPointerSize(buf.Bytes(), ptrSize), nil
}

func padToPointerSize(b []byte, ptrSize int) []byte {
	if rem := len(b) % ptrSize; rem != 0 {
		b = append(b, make([]byte, ptrSize-rem)...)
	}
	return b
}

func writeUleb(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeSleb(buf *bytes.Buffer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		buf.WriteByte(b)
	}
}

// Rebase opcode constants, matching types.REBASE_OPCODE_* byte values
// (re-declared locally to keep this package's opcode tables self-
// contained and symmetric with its own BIND_OPCODE_* table below).
const (
	REBASE_OPCODE_DONE                               = 0x00
	REBASE_OPCODE_SET_TYPE_IMM                       = 0x10
	REBASE_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB        = 0x20
	REBASE_OPCODE_ADD_ADDR_ULEB                      = 0x30
	REBASE_OPCODE_ADD_ADDR_IMM_SCALED                = 0x40
	REBASE_OPCODE_DO_REBASE_IMM_TIMES                = 0x50
	REBASE_OPCODE_DO_REBASE_ULEB_TIMES               = 0x60
	REBASE_OPCODE_DO_REBASE_ADD_ADDR_ULEB            = 0x70
	REBASE_OPCODE_DO_REBASE_ULEB_TIMES_SKIPPING_ULEB = 0x80
)
