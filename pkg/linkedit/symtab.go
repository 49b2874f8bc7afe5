package linkedit

import "fmt"

// Bucket enumerates the four ordered symbol buckets the rebuilt symbol
// table is organized into, matching the classic local/external/undefined
// split of a Mach-O symtab plus an "other" bucket for the synthetic
// <redacted> placeholder.
type Bucket int

const (
	BucketOther Bucket = iota
	BucketLocal
	BucketExternal
	BucketUndefined
)

// StringRef is a stable handle into the tracker's string pool: it survives
// further string insertions because n_strx is resolved from it at write
// time rather than being captured as a raw offset up front.
type StringRef int

const redactedPlaceholder = "<redacted>"

// NlistEntry is the normalized (post-widening) in-memory symbol-table
// entry the tracker stores per slot, keyed by a StringRef rather than a
// resolved n_strx.
type NlistEntry struct {
	Str   StringRef
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// IndirectRef names a symbol by its bucket and index within that bucket,
// letting the indirect-symbol table survive bucket reordering before the
// final write pass resolves it to a flat symbol-table index.
type IndirectRef struct {
	Bucket Bucket
	Index  int
}

// SymbolTable is component F: the rebuilt linkedit's string pool and four
// symbol buckets, plus the indirect-symbol index array.
type SymbolTable struct {
	strings         []string
	buckets         [4][]NlistEntry
	indirect        []IndirectRef
	redactedOther   *StringRef // lazily created <redacted> entry, if any
}

// NewSymbolTable returns an empty tracker. Mach-O convention places an
// empty string at n_strx==0 for "no name", so the pool starts with one.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{strings: []string{""}}
}

// AddString interns s and returns a stable reference to it. Matching
// strings are not deduplicated: spec.md describes "stable insertion
// pointers", not a dedup table, and dedup would require rewriting already-
// issued references whenever a later insert matched an earlier string.
func (st *SymbolTable) AddString(s string) StringRef {
	st.strings = append(st.strings, s)
	return StringRef(len(st.strings) - 1)
}

// String resolves a StringRef to its string.
func (st *SymbolTable) String(r StringRef) string {
	if int(r) < 0 || int(r) >= len(st.strings) {
		return ""
	}
	return st.strings[r]
}

// AddSymbol appends entry to bucket and returns its index.
func (st *SymbolTable) AddSymbol(b Bucket, entry NlistEntry) int {
	st.buckets[b] = append(st.buckets[b], entry)
	return len(st.buckets[b]) - 1
}

// Bucket returns the current contents of one bucket, in insertion order.
func (st *SymbolTable) Bucket(b Bucket) []NlistEntry {
	return st.buckets[b]
}

// RedactedOther lazily creates (on first call) the distinguished
// "<redacted>" *other*-symbol used to name indirect entries whose source
// was stripped, and returns a reference to it on every call.
func (st *SymbolTable) RedactedOther() StringRef {
	if st.redactedOther != nil {
		return *st.redactedOther
	}
	ref := st.AddString(redactedPlaceholder)
	entry := NlistEntry{Str: ref, Type: 0, Sect: 0, Desc: 0, Value: 0}
	st.AddSymbol(BucketOther, entry)
	st.redactedOther = &ref
	return ref
}

// AddIndirect appends one indirect-symbol-table entry.
func (st *SymbolTable) AddIndirect(ref IndirectRef) {
	st.indirect = append(st.indirect, ref)
}

// counts returns each bucket's length, in (other, local, external,
// undefined) order, matching the conventional symtab layout where local
// symbols are written first, then external, then undefined (the "other"
// bucket — unreferenced/debug-style entries — is carried separately and
// written first so n_sect-defined entries keep contiguous indices).
func (st *SymbolTable) counts() (other, local, external, undefined int) {
	return len(st.buckets[BucketOther]), len(st.buckets[BucketLocal]), len(st.buckets[BucketExternal]), len(st.buckets[BucketUndefined])
}

// WrittenSymbol is one fully resolved nlist entry ready for serialization:
// its n_strx has been computed by walking the final string pool layout.
type WrittenSymbol struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// Write resolves every bucket (in other, local, external, undefined
// order, matching a conventional dysymtab layout) against the final
// string-pool offsets and returns the flat symbol list, the string pool
// bytes, the resolved indirect-symbol table, and the dysymtab bucket
// boundary indices needed for ilocalsym/nlocalsym etc.
func (st *SymbolTable) Write() (symbols []WrittenSymbol, strtab []byte, indirect []uint32, bounds DysymtabBounds, err error) {
	offsets := make([]uint32, len(st.strings))
	var pool []byte
	for i, s := range st.strings {
		offsets[i] = uint32(len(pool))
		pool = append(pool, []byte(s)...)
		pool = append(pool, 0)
	}

	order := []Bucket{BucketOther, BucketLocal, BucketExternal, BucketUndefined}
	flatIndex := make(map[Bucket][]int) // bucket -> flat index for each in-bucket position
	for _, b := range order {
		entries := st.buckets[b]
		start := len(symbols)
		idxs := make([]int, len(entries))
		for i, e := range entries {
			if int(e.Str) < 0 || int(e.Str) >= len(offsets) {
				return nil, nil, nil, DysymtabBounds{}, fmt.Errorf("linkedit: symbol references invalid string ref %d", e.Str)
			}
			symbols = append(symbols, WrittenSymbol{Strx: offsets[e.Str], Type: e.Type, Sect: e.Sect, Desc: e.Desc, Value: e.Value})
			idxs[i] = start + i
		}
		flatIndex[b] = idxs
	}

	for _, ref := range st.indirect {
		idxs := flatIndex[ref.Bucket]
		if ref.Index < 0 || ref.Index >= len(idxs) {
			return nil, nil, nil, DysymtabBounds{}, fmt.Errorf("linkedit: indirect ref out of range in bucket %d", ref.Bucket)
		}
		indirect = append(indirect, uint32(idxs[ref.Index]))
	}

	other, local, external, undef := st.counts()
	bounds = DysymtabBounds{
		ILocalSym: uint32(other), NLocalSym: uint32(local),
		IExtDefSym: uint32(other + local), NExtDefSym: uint32(external),
		IUndefSym: uint32(other + local + external), NUndefSym: uint32(undef),
	}
	return symbols, pool, indirect, bounds, nil
}

// DysymtabBounds mirrors the bucket-boundary fields of dysymtab_command.
type DysymtabBounds struct {
	ILocalSym, NLocalSym   uint32
	IExtDefSym, NExtDefSym uint32
	IUndefSym, NUndefSym   uint32
}
