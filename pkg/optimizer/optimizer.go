// Package optimizer implements component G, the linkedit optimizer: it
// copies every scattered linkedit sub-region from cache layout into the
// rebuilt, contiguous tracked form, recovering local symbols dropped into
// the cache's side table along the way.
package optimizer

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/dyldextractor/pkg/linkedit"
)

// Logger is the minimal activity-logging surface this package needs.
type Logger interface {
	Warnf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...interface{}) {}

// DyldInfoBlobs holds the five optional dyld-info byte ranges copied
// verbatim in step 1. A nil slice means "absent".
type DyldInfoBlobs struct {
	Rebase, Bind, WeakBind, LazyBind, Export []byte
	// DetachedExportTrie is set instead of Export when the image carries
	// LC_DYLD_EXPORTS_TRIE without a dyld-info command.
	DetachedExportTrie []byte
}

// OriginalSymbol is one entry from the image's pre-extraction symbol
// table, normalized to 64 bits regardless of source width.
type OriginalSymbol struct {
	Name  string
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// LocalSymbolsSource abstracts the cache's side file of stripped local
// symbols (pkg/dyldcache backs this in the real pipeline).
type LocalSymbolsSource interface {
	// Uses64BitEntries reports whether this cache uses the newer 64-bit
	// vmoffset entry format (selected by symbolFileUUID's presence).
	Uses64BitEntries() bool
	// EntryFor returns every nlist recorded for the image whose TEXT
	// segment vmaddr (or legacy file offset) is textVMAddr, or ok=false.
	EntryFor(textVMAddr uint64) (symbols []OriginalSymbol, ok bool)
}

// Input aggregates everything one image's optimizer pass needs.
type Input struct {
	DyldInfo DyldInfoBlobs

	FunctionStarts []byte
	DataInCode     []byte

	// OriginalLocalSymbols are the image's own symtab entries already
	// classified as local (n_type indicates N_EXT unset) before cache-time
	// stripping removed most of them; entries literally named "<redacted>"
	// are skipped per spec.md §4.G step 4.
	OriginalLocalSymbols []OriginalSymbol

	TextSegmentVMAddr uint64
	LocalSymbols      LocalSymbolsSource

	// ExternalSymbols/UndefinedSymbols are the image's original dysymtab
	// external-defined and undefined ranges, in original order.
	ExternalSymbols []OriginalSymbol
	UndefinedSymbols []OriginalSymbol

	// IndirectSymtab is the image's original indirect-symbol table, one
	// entry per slot: IsRedacted marks a stripped slot, and otherwise
	// Source says which original range (external or undefined)
	// OriginalIndex indexes into.
	IndirectSymtab []IndirectEntry
}

// IndirectEntry is one pre-optimization indirect-symbol-table slot.
type IndirectEntry struct {
	IsRedacted bool
	// OriginalIndex indexes into ExternalSymbols or UndefinedSymbols;
	// Source selects which.
	Source        IndirectSource
	OriginalIndex int
}

// IndirectSource names which original range an IndirectEntry.OriginalIndex
// refers into.
type IndirectSource int

const (
	IndirectSourceExternal IndirectSource = iota
	IndirectSourceUndefined
)

// Result is what the optimizer produces: the populated linkedit tracker
// and symbol table, plus the index map from original symbol-table
// position to (bucket, intra-bucket index) that the stub fixer and ObjC
// rebuilder consult when they need to recover a symbol's new home.
type Result struct {
	Linkedit *linkedit.Tracker
	Symbols  *linkedit.SymbolTable
	// ExternalIndexMap/UndefinedIndexMap map the original symbol's
	// position in Input.ExternalSymbols/UndefinedSymbols to its new
	// (bucket, index).
	ExternalIndexMap  []linkedit.IndirectRef
	UndefinedIndexMap []linkedit.IndirectRef
}

// Run performs the six-step copy described in spec.md §4.G and returns the
// populated trackers.
func Run(in Input, le *linkedit.Tracker, setters Setters, log Logger) (*Result, error) {
	if log == nil {
		log = noopLogger{}
	}
	st := linkedit.NewSymbolTable()

	// Step 1: dyld-info blobs (or detached export trie).
	if in.DyldInfo.Rebase != nil {
		if err := le.Insert(linkedit.TagRebase, in.DyldInfo.Rebase, setters.RebaseOff, setters.RebaseSize); err != nil {
			return nil, err
		}
	}
	if in.DyldInfo.Bind != nil {
		if err := le.Insert(linkedit.TagBind, in.DyldInfo.Bind, setters.BindOff, setters.BindSize); err != nil {
			return nil, err
		}
	}
	if in.DyldInfo.WeakBind != nil {
		if err := le.Insert(linkedit.TagWeakBind, in.DyldInfo.WeakBind, setters.WeakBindOff, setters.WeakBindSize); err != nil {
			return nil, err
		}
	}
	if in.DyldInfo.LazyBind != nil {
		if err := le.Insert(linkedit.TagLazyBind, in.DyldInfo.LazyBind, setters.LazyBindOff, setters.LazyBindSize); err != nil {
			return nil, err
		}
	}
	switch {
	case in.DyldInfo.Export != nil:
		if err := le.Insert(linkedit.TagExportTrie, in.DyldInfo.Export, setters.ExportOff, setters.ExportSize); err != nil {
			return nil, err
		}
	case in.DyldInfo.DetachedExportTrie != nil:
		if err := le.Insert(linkedit.TagDetachedExportTrie, in.DyldInfo.DetachedExportTrie, setters.ExportTrieCmdOff, setters.ExportTrieCmdSize); err != nil {
			return nil, err
		}
	}

	// Step 2/3: function-starts, data-in-code.
	if in.FunctionStarts != nil {
		if err := le.Insert(linkedit.TagFunctionStarts, in.FunctionStarts, setters.FunctionStartsOff, setters.FunctionStartsSize); err != nil {
			return nil, err
		}
	}
	if in.DataInCode != nil {
		if err := le.Insert(linkedit.TagDataInCode, in.DataInCode, setters.DataInCodeOff, setters.DataInCodeSize); err != nil {
			return nil, err
		}
	}

	// Step 4: local symbols.
	for _, sym := range in.OriginalLocalSymbols {
		if sym.Name == "<redacted>" {
			continue
		}
		ref := st.AddString(sym.Name)
		st.AddSymbol(linkedit.BucketLocal, linkedit.NlistEntry{Str: ref, Type: sym.Type, Sect: sym.Sect, Desc: sym.Desc, Value: sym.Value})
	}
	if in.LocalSymbols != nil {
		if recovered, ok := in.LocalSymbols.EntryFor(in.TextSegmentVMAddr); ok {
			for _, sym := range recovered {
				ref := st.AddString(sym.Name)
				st.AddSymbol(linkedit.BucketLocal, linkedit.NlistEntry{Str: ref, Type: sym.Type, Sect: sym.Sect, Desc: sym.Desc, Value: sym.Value})
			}
		} else {
			log.Warnf("optimizer: no recovered local symbols for TEXT vmaddr %#x", in.TextSegmentVMAddr)
		}
	}

	// Step 5: exported/imported symbols, with an index map recorded per
	// original position so later passes can find where a symbol landed.
	extMap := make([]linkedit.IndirectRef, len(in.ExternalSymbols))
	for i, sym := range in.ExternalSymbols {
		ref := st.AddString(sym.Name)
		idx := st.AddSymbol(linkedit.BucketExternal, linkedit.NlistEntry{Str: ref, Type: sym.Type, Sect: sym.Sect, Desc: sym.Desc, Value: sym.Value})
		extMap[i] = linkedit.IndirectRef{Bucket: linkedit.BucketExternal, Index: idx}
	}
	undefMap := make([]linkedit.IndirectRef, len(in.UndefinedSymbols))
	for i, sym := range in.UndefinedSymbols {
		ref := st.AddString(sym.Name)
		idx := st.AddSymbol(linkedit.BucketUndefined, linkedit.NlistEntry{Str: ref, Type: sym.Type, Sect: sym.Sect, Desc: sym.Desc, Value: sym.Value})
		undefMap[i] = linkedit.IndirectRef{Bucket: linkedit.BucketUndefined, Index: idx}
	}

	// Step 6: indirect symtab.
	for _, e := range in.IndirectSymtab {
		if e.IsRedacted {
			st.RedactedOther()
			st.AddIndirect(linkedit.IndirectRef{Bucket: linkedit.BucketOther, Index: 0})
			continue
		}
		switch e.Source {
		case IndirectSourceExternal:
			if e.OriginalIndex < 0 || e.OriginalIndex >= len(extMap) {
				return nil, fmt.Errorf("optimizer: indirect entry references out-of-range external index %d", e.OriginalIndex)
			}
			st.AddIndirect(extMap[e.OriginalIndex])
		case IndirectSourceUndefined:
			if e.OriginalIndex < 0 || e.OriginalIndex >= len(undefMap) {
				return nil, fmt.Errorf("optimizer: indirect entry references out-of-range undefined index %d", e.OriginalIndex)
			}
			st.AddIndirect(undefMap[e.OriginalIndex])
		default:
			return nil, fmt.Errorf("optimizer: unknown indirect source %d", e.Source)
		}
	}

	symbols, strtab, indirect, bounds, err := st.Write()
	if err != nil {
		return nil, err
	}
	if err := le.Insert(linkedit.TagSymbolEntries, encodeSymbols(symbols), setters.SymOff, setters.NSyms); err != nil {
		return nil, err
	}
	if err := le.Insert(linkedit.TagStringPool, strtab, setters.StrOff, setters.StrSize); err != nil {
		return nil, err
	}
	if err := le.Insert(linkedit.TagIndirectSymtab, encodeIndirect(indirect), setters.IndirectSymOff, setters.NIndirectSyms); err != nil {
		return nil, err
	}
	if setters.DysymtabBounds != nil {
		setters.DysymtabBounds(bounds)
	}

	return &Result{Linkedit: le, Symbols: st, ExternalIndexMap: extMap, UndefinedIndexMap: undefMap}, nil
}

func encodeSymbols(symbols []linkedit.WrittenSymbol) []byte {
	buf := make([]byte, 0, len(symbols)*16)
	for _, s := range symbols {
		var entry [16]byte
		binary.LittleEndian.PutUint32(entry[0:4], s.Strx)
		entry[4] = s.Type
		entry[5] = s.Sect
		binary.LittleEndian.PutUint16(entry[6:8], s.Desc)
		binary.LittleEndian.PutUint64(entry[8:16], s.Value)
		buf = append(buf, entry[:]...)
	}
	return buf
}

func encodeIndirect(indices []uint32) []byte {
	buf := make([]byte, len(indices)*4)
	for i, v := range indices {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

// Setters bundles every load-command field callback the optimizer's
// inserts need. Any entry may be nil if the corresponding blob is absent.
type Setters struct {
	RebaseOff, BindOff, WeakBindOff, LazyBindOff, ExportOff     linkedit.OffsetSetter
	RebaseSize, BindSize, WeakBindSize, LazyBindSize, ExportSize linkedit.SizeSetter
	ExportTrieCmdOff                                             linkedit.OffsetSetter
	ExportTrieCmdSize                                            linkedit.SizeSetter
	FunctionStartsOff, DataInCodeOff                             linkedit.OffsetSetter
	FunctionStartsSize, DataInCodeSize                           linkedit.SizeSetter
	SymOff, StrOff, IndirectSymOff                               linkedit.OffsetSetter
	NSyms, StrSize, NIndirectSyms                                linkedit.SizeSetter
	DysymtabBounds                                                func(linkedit.DysymtabBounds)
}
