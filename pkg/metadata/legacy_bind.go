package metadata

import (
	"bytes"

	"github.com/appsworld/dyldextractor/pkg/pointer"
)

const bindTypePointer = 1 // BIND_TYPE_POINTER

// BindOrdinalFor maps a bind record's library name to its dylib ordinal
// in the image's load-command list (1-based), or a special ordinal
// (BIND_SPECIAL_DYLIB_*) for flat/weak/main-executable lookups.
type BindOrdinalFor func(libraryName string, ordinalHint int) int8

// EncodeBind emits a bind opcode stream: SET_DYLIB_ORDINAL when the
// source image changes, SET_SYMBOL_TRAILING_FLAGS_IMM + the symbol name
// when the name changes, SET_TYPE_IMM before every site,
// SET_SEGMENT_AND_OFFSET_ULEB on segment change or ADD_ADDR_ULEB when the
// site does not directly follow the previous one, and one DO_BIND per
// site. Consecutive sites are not merged: no DO_BIND_ADD_ADDR_ULEB,
// DO_BIND_ADD_ADDR_IMM_SCALED or DO_BIND_ULEB_TIMES_SKIPPING_ULEB
// opcodes are emitted. Records must
// already be grouped/sorted by pointer.Tracker.Binds (library ordinal,
// name, site).
func EncodeBind(records []*pointer.Record, ptrSize int, segOf SegmentOf, ordinalFor BindOrdinalFor) ([]byte, error) {
	var buf bytes.Buffer

	var curOrdinal int8 = 0x7f // sentinel that won't match any real first ordinal
	var curName string
	var curSeg uint8 = 0xff
	var curOff uint64
	first := true

	for _, r := range records {
		if r.Bind == nil {
			continue
		}
		seg, off, ok := segOf(r.Site)
		if !ok {
			continue
		}

		ord := ordinalFor(r.Bind.Name, r.Bind.LibraryOrdinal)
		if first || ord != curOrdinal {
			writeSetDylibOrdinal(&buf, ord)
			curOrdinal = ord
		}
		if first || r.Bind.Name != curName {
			var flags uint64
			if r.Bind.ExportFlags != nil {
				flags = *r.Bind.ExportFlags
			}
			buf.WriteByte(byte(BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM) | bindFlags(flags))
			buf.WriteString(r.Bind.Name)
			buf.WriteByte(0)
			curName = r.Bind.Name
		}
		buf.WriteByte(byte(BIND_OPCODE_SET_TYPE_IMM | bindTypePointer))

		if first || seg != curSeg {
			buf.WriteByte(byte(BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB | (seg & 0xf)))
			writeUleb(&buf, off)
		} else if off != curOff {
			buf.WriteByte(byte(BIND_OPCODE_ADD_ADDR_ULEB))
			writeUleb(&buf, off-curOff)
		}
		curSeg, curOff = seg, off+uint64(ptrSize)

		buf.WriteByte(byte(BIND_OPCODE_DO_BIND))
		first = false
	}

	buf.WriteByte(byte(BIND_OPCODE_DONE))
	return padToPointerSize(buf.Bytes(), ptrSize), nil
}

func writeSetDylibOrdinal(buf *bytes.Buffer, ordinal int8) {
	if ordinal <= 0 {
		// special ordinal: low nibble immediate encodes the low bits per
		// BIND_OPCODE_SET_DYLIB_SPECIAL_IMM's sign-extended 4-bit field.
		buf.WriteByte(byte(BIND_OPCODE_SET_DYLIB_SPECIAL_IMM) | byte(ordinal)&0xf)
		return
	}
	if ordinal <= 0xf {
		buf.WriteByte(byte(BIND_OPCODE_SET_DYLIB_ORDINAL_IMM) | byte(ordinal))
		return
	}
	buf.WriteByte(byte(BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB))
	writeUleb(buf, uint64(ordinal))
}

// bindFlags maps export-trie flags worth preserving across the bind
// (weak-ness) onto BIND_SYMBOL_FLAGS_WEAK_IMPORT's low bit.
func bindFlags(exportFlags uint64) byte {
	const exportSymbolFlagsWeakDefinition = 0x4
	if exportFlags&exportSymbolFlagsWeakDefinition != 0 {
		return 0x1
	}
	return 0
}

// Bind opcode constants (types.BIND_OPCODE_* byte values).
const (
	BIND_OPCODE_DONE                             = 0x00
	BIND_OPCODE_SET_DYLIB_ORDINAL_IMM            = 0x10
	BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB           = 0x20
	BIND_OPCODE_SET_DYLIB_SPECIAL_IMM            = 0x30
	BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM    = 0x40
	BIND_OPCODE_SET_TYPE_IMM                     = 0x50
	BIND_OPCODE_SET_ADDEND_SLEB                  = 0x60
	BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB      = 0x70
	BIND_OPCODE_ADD_ADDR_ULEB                    = 0x80
	BIND_OPCODE_DO_BIND                          = 0x90
	BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB            = 0xa0
	BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED      = 0xb0
	BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB = 0xc0
	BIND_OPCODE_THREADED                         = 0xd0
)
