package objcfix

import (
	"encoding/binary"
	"fmt"

	"github.com/appsworld/dyldextractor/pkg/linkedit"
	"github.com/appsworld/dyldextractor/pkg/pointer"
)

// Writer serializes placed atoms and re-registers their pointers with the
// pointer tracker, per spec.md §4.J's "Propagation and write" and
// "Tracking re-registration" steps.
type Writer struct {
	tracker *pointer.Tracker
	symbols *linkedit.SymbolTable
	// writeAt installs bytes at a file location backing a virtual address
	// (either inside the image's existing segments or the new extra
	// region); the caller supplies this since it depends on the writable
	// Mach-O view.
	writeAt func(addr uint64, data []byte) error
}

// NewWriter constructs a Writer.
func NewWriter(tracker *pointer.Tracker, symbols *linkedit.SymbolTable, writeAt func(uint64, []byte) error) *Writer {
	return &Writer{tracker: tracker, symbols: symbols, writeAt: writeAt}
}

// PointerField is one pointer-sized field inside an atom's payload that
// must be rewritten to its referent's assigned address, plus (for binds)
// the symbolic info to register if the referent belongs to another image.
type PointerField struct {
	Atom        *Atom
	ByteOffset  int // offset within Atom.Payload
	Child       *Atom // nil if this is a bind rather than a rebase
	Bind        *pointer.SymbolicInfo
	AuthSource  uint64 // original (pre-rewrite) address to copy auth info from, if any
}

// WriteAll serializes every atom's (possibly updated) payload to its
// assigned address, evicts the pointer tracker's stale records at each
// PointerField's site, and re-registers fresh ones at the child's new
// address (or as a bind, if the field crosses to another image).
func (w *Writer) WriteAll(atoms []*Atom, fields []PointerField) error {
	for _, f := range fields {
		addr, ok := f.Atom.AssignedAddress()
		if !ok {
			return fmt.Errorf("objcfix: atom at %#x was never placed", f.Atom.SourceVA)
		}
		site := addr + uint64(f.ByteOffset)
		w.tracker.Remove(site)

		if f.Child != nil {
			target, ok := f.Child.AssignedAddress()
			if !ok {
				return fmt.Errorf("objcfix: child atom at %#x was never placed", f.Child.SourceVA)
			}
			if f.ByteOffset+8 <= len(f.Atom.Payload) {
				binary.LittleEndian.PutUint64(f.Atom.Payload[f.ByteOffset:f.ByteOffset+8], target)
			}
			if err := w.tracker.Add(site, target, nil); err != nil {
				return fmt.Errorf("objcfix: re-register rebase at %#x: %w", site, err)
			}
			if f.AuthSource != 0 {
				w.tracker.CopyAuth(site, f.AuthSource)
			}
		} else if f.Bind != nil {
			if _, hasUndef := w.undefinedEntryFor(f.Bind.Name); !hasUndef {
				ref := w.symbols.AddString(f.Bind.Name)
				w.symbols.AddSymbol(linkedit.BucketUndefined, linkedit.NlistEntry{Str: ref})
			}
			if err := w.tracker.AddBind(site, *f.Bind, nil); err != nil {
				return fmt.Errorf("objcfix: re-register bind at %#x: %w", site, err)
			}
		}
	}

	for _, a := range atoms {
		addr, ok := a.AssignedAddress()
		if !ok {
			continue
		}
		if err := w.writeAt(addr, a.Payload); err != nil {
			return fmt.Errorf("objcfix: write atom at %#x: %w", addr, err)
		}
	}
	return nil
}

func (w *Writer) undefinedEntryFor(name string) (linkedit.NlistEntry, bool) {
	for _, e := range w.symbols.Bucket(linkedit.BucketUndefined) {
		if w.symbols.String(e.Str) == name {
			return e, true
		}
	}
	return linkedit.NlistEntry{}, false
}
