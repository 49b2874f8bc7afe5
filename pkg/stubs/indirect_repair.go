package stubs

import "github.com/appsworld/dyldextractor/pkg/linkedit"

// IndirectSlotRef is one entry of the rebuilt indirect-symbol table, named
// by the pointer address it was built from.
type IndirectSlotRef struct {
	PointerAddr uint64
	// WasRedacted marks an entry the optimizer (component G) could only
	// fill with the <redacted> placeholder because its original symbol
	// had been stripped.
	WasRedacted bool
}

// RepairIndirectSymtab is the final step of spec.md §4.I: originally-
// redacted indirect entries that now have a recoverable symbol (because
// phases 1-2 named their pointer or stub) are replaced with freshly
// created *undefined* symbol entries, and it reports which pointers were
// newly named so the caller can flip their owning section's type to
// S_NON_LAZY_SYMBOL_POINTERS when appropriate.
func (f *Fixer) RepairIndirectSymtab(slots []IndirectSlotRef, st *linkedit.SymbolTable, libraryOrdinalFor func(name string) uint16) (rewritten []uint64, err error) {
	for _, slot := range slots {
		if !slot.WasRedacted {
			continue
		}
		p, ok := f.cache.Get(slot.PointerAddr)
		if !ok || p.Name == "" {
			continue // still unrecoverable; leave as <redacted>
		}
		ref := st.AddString(p.Name)
		ord := libraryOrdinalFor(p.Name)
		entry := linkedit.NlistEntry{
			Str:  ref,
			Type: 0x01, // N_EXT, undefined (n_sect/N_UNDF handled by caller's type constant)
			Sect: 0,
			Desc: uint16(ord) << 8,
		}
		idx := st.AddSymbol(linkedit.BucketUndefined, entry)
		st.AddIndirect(linkedit.IndirectRef{Bucket: linkedit.BucketUndefined, Index: idx})
		rewritten = append(rewritten, p.Address)
	}
	return rewritten, nil
}
