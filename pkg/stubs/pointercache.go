// Package stubs implements components H and I: a per-image index of
// symbol-pointer slots (the "stub-pointer cache") and an architecture-
// specific fixer that reverses cache-time stub optimization.
package stubs

import (
	"strings"

	"github.com/appsworld/dyldextractor/types"
)

// Kind classifies a symbol-pointer slot by (section type x name suffix).
type Kind int

const (
	KindNormal Kind = iota
	KindLazy
	KindAuth
)

// Pointer is one tracked __got/__la_symbol_ptr/__auth_got slot.
type Pointer struct {
	Address uint64
	Kind    Kind
	Name    string // "" if anonymous
	Used    bool
}

// Section is the minimal view of a Mach-O section the pointer cache needs.
type Section struct {
	Name    string
	Addr    uint64
	Size    uint64
	Flags   types.SectionFlag
	PtrSize int
}

// IndirectLookup resolves the indirect-symbol-table entry for the Nth
// pointer slot in a section (by the section's Reserved1 base index plus
// slot offset); the extraction context backs this with the rebuilt
// symbol table.
type IndirectLookup interface {
	// NameForSlot returns the name for indirect-symtab index idx, or
	// ok=false if it is a redacted sentinel.
	NameForSlot(idx uint32) (name string, ok bool)
}

// Symbolizer is the minimal surface component D exposes that the pointer
// cache needs to name an otherwise-anonymous slot by its slid target.
type Symbolizer interface {
	SymbolizeOne(addr uint64) (name string, ok bool)
}

// Cache is component H: the classified, indexed view of one image's
// symbol-pointer sections.
type Cache struct {
	byAddress map[uint64]*Pointer
	byName    map[string][]uint64
	unnamed   map[Kind][]*Pointer
}

// Build walks every section with S_LAZY_SYMBOL_POINTERS or
// S_NON_LAZY_SYMBOL_POINTERS, classifies its entries, and names them
// first via the indirect-symbol table, then by slide-info target.
func Build(sections []Section, indirectBase func(sec Section) (baseIndex uint32, ok bool), indirect IndirectLookup, sym Symbolizer, readPointerAt func(addr uint64) (uint64, bool)) *Cache {
	c := &Cache{
		byAddress: make(map[uint64]*Pointer),
		byName:    make(map[string][]uint64),
		unnamed:   make(map[Kind][]*Pointer),
	}

	for _, sec := range sections {
		if !sec.Flags.IsLazySymbolPointers() && !sec.Flags.IsNonLazySymbolPointers() {
			continue
		}
		kind := classify(sec)
		n := sec.Size / uint64(sec.PtrSize)
		base, hasIndirect := indirectBase(sec)
		for i := uint64(0); i < n; i++ {
			addr := sec.Addr + i*uint64(sec.PtrSize)
			p := &Pointer{Address: addr, Kind: kind}

			if hasIndirect && indirect != nil {
				if name, ok := indirect.NameForSlot(base + uint32(i)); ok {
					p.Name = name
				}
			}
			if p.Name == "" && sym != nil && readPointerAt != nil {
				if target, ok := readPointerAt(addr); ok {
					if name, ok := sym.SymbolizeOne(target); ok {
						p.Name = name
					}
				}
			}

			c.byAddress[addr] = p
			if p.Name != "" {
				c.byName[p.Name] = append(c.byName[p.Name], addr)
			} else {
				c.unnamed[kind] = append(c.unnamed[kind], p)
			}
		}
	}
	return c
}

// classify picks Normal/Lazy/Auth by (section-type x name-suffix contains
// "auth"), per spec.md §4.H.
func classify(sec Section) Kind {
	if strings.Contains(strings.ToLower(sec.Name), "auth") {
		return KindAuth
	}
	if sec.Flags.IsLazySymbolPointers() {
		return KindLazy
	}
	return KindNormal
}

// Get returns the pointer record at addr, if tracked.
func (c *Cache) Get(addr uint64) (*Pointer, bool) {
	p, ok := c.byAddress[addr]
	return p, ok
}

// FindNamed returns an unused pointer of kind named name, preferring a
// lazy-kind match over non-lazy when kind is KindNormal and both exist
// (the stub fixer's phase-2 preference).
func (c *Cache) FindNamed(name string, kind Kind) (*Pointer, bool) {
	var fallback *Pointer
	for _, addr := range c.byName[name] {
		p := c.byAddress[addr]
		if p.Used || !compatibleKind(p.Kind, kind) {
			continue
		}
		if kind != KindNormal || p.Kind == KindLazy {
			return p, true
		}
		if fallback == nil {
			fallback = p
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// FindUnnamed returns any unused anonymous pointer of the requested kind.
func (c *Cache) FindUnnamed(kind Kind) (*Pointer, bool) {
	for _, p := range c.unnamed[kind] {
		if !p.Used {
			return p, true
		}
	}
	return nil, false
}

// compatibleKind implements "auth stubs require an auth-kind pointer;
// normal stubs accept lazy or normal" from spec.md §4.I phase 2.
func compatibleKind(have, want Kind) bool {
	if want == KindAuth {
		return have == KindAuth
	}
	return have == KindNormal || have == KindLazy
}

// MarkUsed marks p used and, if name is non-empty and p was anonymous,
// names it (attaching a stub's symbolic info to a slot that already
// loaded through an in-image pointer, per phase 1).
func (c *Cache) MarkUsed(p *Pointer, name string) {
	p.Used = true
	if p.Name == "" && name != "" {
		p.Name = name
		c.byName[name] = append(c.byName[name], p.Address)
	}
}

// Name attaches name to an anonymous pointer newly claimed for a rewritten
// stub (phase 2) and marks it used.
func (c *Cache) Name(p *Pointer, name string) {
	c.MarkUsed(p, name)
}
