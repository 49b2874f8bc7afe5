package objcfix

import "sort"

// Segment describes the new R/W region the placer can pack atoms into:
// either a fresh __OBJC_EXTRA segment, or an extension of the highest
// existing R/W segment when the load-command area has no room left for a
// new segment command.
type Segment struct {
	Name      string
	StartAddr uint64
	IsNew     bool
}

// Placer assigns addresses to every atom reached by the walker: atoms
// already inside the image's own segments keep their original address;
// atoms from the cache-wide optimized pool are packed into the extra
// region, pointer-aligned, except string/ivar-layout/ivar-offset payloads
// which are byte-packed.
type Placer struct {
	segment  Segment
	ptrSize  int
	cursor   uint64
	written  map[uint64][]byte // assigned addr -> bytes to write at that addr
}

// NewPlacer starts a placer whose extra region begins at seg.StartAddr.
func NewPlacer(seg Segment, ptrSize int) *Placer {
	return &Placer{segment: seg, ptrSize: ptrSize, cursor: seg.StartAddr, written: make(map[uint64][]byte)}
}

// isByte-packed kinds: variable-length payloads that do not need pointer
// alignment.
func isBytePacked(k AtomKind) bool {
	switch k {
	case AtomString, AtomIvarLayout, AtomIvarOffset:
		return true
	default:
		return false
	}
}

func (p *Placer) alignCursor() {
	if rem := p.cursor % uint64(p.ptrSize); rem != 0 {
		p.cursor += uint64(p.ptrSize) - rem
	}
}

// Place walks every atom reachable from roots (depth-first, children
// before the infrastructure that references them isn't required — any
// order works since addresses are assigned before pointer fields are
// propagated) and assigns each one an address: its own source address if
// it isn't from the optimized pool, or the next free extra-region slot
// otherwise. Returns every atom assigned in the extra region, in
// placement order, for serialization.
func (p *Placer) Place(roots []*Atom) []*Atom {
	visited := make(map[uint64]bool)
	var placedInExtra []*Atom
	var visit func(a *Atom)
	visit = func(a *Atom) {
		if a == nil || visited[a.SourceVA] {
			return
		}
		visited[a.SourceVA] = true

		if !a.FromOptimizedPool {
			a.Assign(a.SourceVA)
		} else {
			if !isBytePacked(a.Kind) {
				p.alignCursor()
			}
			a.Assign(p.cursor)
			p.cursor += uint64(len(a.Payload))
			placedInExtra = append(placedInExtra, a)
		}

		for _, field := range a.ChildFields() {
			visit(a.Children[field])
		}
	}
	for _, r := range roots {
		visit(r)
	}
	sort.Slice(placedInExtra, func(i, j int) bool {
		addr1, _ := placedInExtra[i].AssignedAddress()
		addr2, _ := placedInExtra[j].AssignedAddress()
		return addr1 < addr2
	})
	return placedInExtra
}

// ExtraRegionSize reports how many bytes the extra region has grown to.
func (p *Placer) ExtraRegionSize() uint64 { return p.cursor - p.segment.StartAddr }
