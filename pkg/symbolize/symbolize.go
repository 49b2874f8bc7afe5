// Package symbolize implements component D: it builds an address to
// symbolic-info map from an image's own symbol table plus every dependent
// image's export trie, following re-exports, and memoizes the per-path
// result in a shared accelerator for multi-image extraction.
package symbolize

import (
	"fmt"
	"strings"

	"github.com/appsworld/dyldextractor/pkg/trie"
)

// Symbol is one name co-located at an address, as spec.md §3's "symbolic
// info" describes: a name, a library ordinal, and optional export flags.
type Symbol struct {
	Name           string
	LibraryOrdinal int
	ExportFlags    *uint64
}

// ExportSource is the minimal view of a dependent image a Symbolizer needs:
// its export trie bytes (already isolated from either LC_DYLD_EXPORTS_TRIE
// or the dyld-info command by the caller) plus its load address and the
// install-name paths of any libraries it re-exports transitively via
// LC_REEXPORT_DYLIB.
type ExportSource interface {
	Path() string
	LoadAddress() uint64
	ExportTrieData() []byte
	ReexportedDylibPaths() []string
}

// Resolver looks up an image by install-name path. The extraction context
// (component M) implements this over the cache's image table.
type Resolver interface {
	Resolve(path string) (ExportSource, error)
}

// Accelerator memoizes per-path export-trie parses, shared read-only
// across a sequential multi-image extraction run (spec.md §5).
type Accelerator struct {
	exports map[string]map[uint64][]Symbol // path -> address -> symbols
}

// NewAccelerator returns an empty, ready-to-use accelerator.
func NewAccelerator() *Accelerator {
	return &Accelerator{exports: make(map[string]map[uint64][]Symbol)}
}

// OwnSymbol is one entry from the target image's own symbol table: an
// n_sect-defined symbol with its resolved address.
type OwnSymbol struct {
	Address uint64
	Name    string
}

// Symbolizer answers symbolize(a) queries for one image: its own symbols
// plus every dependent's exports, with re-exports resolved.
type Symbolizer struct {
	resolver    Resolver
	accel       *Accelerator
	byAddress   map[uint64][]Symbol
}

// New builds a Symbolizer for one image. ownSymbols comes from the image's
// symbol table; dependents lists every directly-linked dylib's export
// source (LC_LOAD_DYLIB et al, not LC_REEXPORT_DYLIB — those are inlined
// transitively by resolveReexports).
func New(resolver Resolver, accel *Accelerator, ownSymbols []OwnSymbol, dependents []ExportSource) (*Symbolizer, error) {
	if accel == nil {
		accel = NewAccelerator()
	}
	s := &Symbolizer{resolver: resolver, accel: accel, byAddress: make(map[uint64][]Symbol)}

	for _, own := range ownSymbols {
		s.add(own.Address, Symbol{Name: own.Name, LibraryOrdinal: 0})
	}

	for ord, dep := range dependents {
		entries, err := s.exportsFor(dep, make(map[string]bool))
		if err != nil {
			return nil, fmt.Errorf("symbolize: dependent %s: %w", dep.Path(), err)
		}
		for addr, syms := range entries {
			for _, sym := range syms {
				sym.LibraryOrdinal = ord + 1 // 1-based per Mach-O convention
				s.add(addr, sym)
			}
		}
	}

	return s, nil
}

func (s *Symbolizer) add(addr uint64, sym Symbol) {
	addr = canonicalizeThumb(addr)
	s.byAddress[addr] = append(s.byAddress[addr], sym)
}

// canonicalizeThumb clears the low bit (and any alignment padding bit) an
// arm Thumb-encoded address carries, per spec.md §4.D. The caller is
// responsible for recording the Thumb bit separately if it needs it; this
// package only needs a stable lookup key.
func canonicalizeThumb(addr uint64) uint64 {
	return addr &^ 0x3
}

// Symbolize returns every symbol recorded at address a, or an empty slice.
func (s *Symbolizer) Symbolize(a uint64) []Symbol {
	return s.byAddress[canonicalizeThumb(a)]
}

// exportsFor returns path -> (address -> symbols) for one dependent,
// consulting and populating the shared accelerator, and resolving
// re-exports by recursing into the re-exported library.
func (s *Symbolizer) exportsFor(dep ExportSource, visiting map[string]bool) (map[uint64][]Symbol, error) {
	path := dep.Path()
	if cached, ok := s.accel.exports[path]; ok {
		return cached, nil
	}
	if visiting[path] {
		return nil, fmt.Errorf("symbolize: re-export cycle at %s", path)
	}
	visiting[path] = true

	result := make(map[uint64][]Symbol)

	trieData := dep.ExportTrieData()
	if len(trieData) > 0 {
		entries, err := trie.ParseTrie(trieData, dep.LoadAddress())
		if err != nil {
			return nil, fmt.Errorf("symbolize: parse export trie for %s: %w", path, err)
		}
		for _, e := range entries {
			if e.Flags.ReExport() {
				resolved, err := s.resolveReexport(e, dep, visiting)
				if err != nil {
					return nil, err
				}
				if resolved != nil {
					result[canonicalizeThumb(resolved.addr)] = append(result[canonicalizeThumb(resolved.addr)], resolved.sym)
				}
				continue
			}
			flags := uint64(e.Flags)
			sym := Symbol{Name: e.Name, ExportFlags: &flags}
			result[canonicalizeThumb(e.Address)] = append(result[canonicalizeThumb(e.Address)], sym)
			if e.Flags.StubAndResolver() {
				// Stub-and-resolver exports contribute two entries: the
				// stub address (e.Address) above and the resolver here.
				result[canonicalizeThumb(e.Other)] = append(result[canonicalizeThumb(e.Other)], sym)
			}
		}
	}

	for _, reexportPath := range dep.ReexportedDylibPaths() {
		reexported, err := s.resolver.Resolve(reexportPath)
		if err != nil {
			return nil, fmt.Errorf("symbolize: LC_REEXPORT_DYLIB %s: %w", reexportPath, err)
		}
		sub, err := s.exportsFor(reexported, visiting)
		if err != nil {
			return nil, err
		}
		for addr, syms := range sub {
			result[addr] = append(result[addr], syms...)
		}
	}

	delete(visiting, path)
	s.accel.exports[path] = result
	return result, nil
}

type resolvedExport struct {
	addr uint64
	sym  Symbol
}

// resolveReexport recurses into the re-exporting parent library to find
// the original (possibly renamed) name for a EXPORT_SYMBOL_FLAGS_REEXPORT
// entry.
func (s *Symbolizer) resolveReexport(e trie.TrieEntry, dep ExportSource, visiting map[string]bool) (*resolvedExport, error) {
	parentPath := e.ReExport
	importedName := e.Name
	if idx := strings.IndexByte(parentPath, 0); idx >= 0 {
		parentPath = parentPath[:idx]
	}
	parent, err := s.resolver.Resolve(parentPath)
	if err != nil {
		return nil, fmt.Errorf("symbolize: re-export parent %s: %w", parentPath, err)
	}
	parentExports, err := s.exportsFor(parent, visiting)
	if err != nil {
		return nil, err
	}
	for addr, syms := range parentExports {
		for _, sym := range syms {
			if sym.Name == importedName || sym.Name == e.Name {
				return &resolvedExport{addr: addr, sym: Symbol{Name: e.Name, LibraryOrdinal: sym.LibraryOrdinal, ExportFlags: sym.ExportFlags}}, nil
			}
		}
	}
	return nil, nil
}
