package objcfix

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	pointers map[uint64]uint64
	bytes    map[uint64][]byte
	optPool  map[uint64]bool
}

func (f fakeReader) ReadPointer(addr uint64) (uint64, bool) {
	v, ok := f.pointers[addr]
	return v, ok
}
func (f fakeReader) ReadBytes(addr uint64, n int) ([]byte, bool) {
	b, ok := f.bytes[addr]
	if !ok {
		return make([]byte, n), true
	}
	if len(b) < n {
		out := make([]byte, n)
		copy(out, b)
		return out, true
	}
	return b[:n], true
}
func (f fakeReader) InOptimizedPool(addr uint64) bool { return f.optPool[addr] }

func TestWalkClassBreaksIsaCycle(t *testing.T) {
	// class at 0x1000 whose isa points back at 0x1000 (root metaclass
	// pattern simplified to a direct self-cycle).
	r := fakeReader{
		pointers: map[uint64]uint64{0x1000: 0x1000},
		bytes:    map[uint64][]byte{},
		optPool:  map[uint64]bool{},
	}
	w := NewWalker(r, OptRoInfo{})
	atom, err := w.walkClass(0x1000)
	require.NoError(t, err)
	require.NotNil(t, atom)
	require.Equal(t, 1, len(w.Atoms()))
}

func TestPlacerAssignsOwnAddressWhenNotFromPool(t *testing.T) {
	a := NewAtom(AtomClass, 0x2000, make([]byte, 8), false)
	p := NewPlacer(Segment{StartAddr: 0x9000}, 8)
	p.Place([]*Atom{a})
	addr, ok := a.AssignedAddress()
	require.True(t, ok)
	require.EqualValues(t, 0x2000, addr)
}

func TestPlacerPacksPoolAtomsIntoExtraRegion(t *testing.T) {
	a := NewAtom(AtomClassData, 0x2000, make([]byte, 12), true)
	b := NewAtom(AtomString, 0x2100, []byte("hello\x00"), true)
	p := NewPlacer(Segment{StartAddr: 0x9000}, 8)
	p.Place([]*Atom{a, b})
	addrA, _ := a.AssignedAddress()
	addrB, _ := b.AssignedAddress()
	require.EqualValues(t, 0x9000, addrA)
	require.EqualValues(t, 0x9000+12, addrB) // string is byte-packed, no alignment gap
}

func TestImageInfoClearsOptimizedBit(t *testing.T) {
	info := ImageInfo{Flags: 1<<6 | 1}
	require.True(t, info.OptimizedByDyld())
	cleared := info.ClearOptimizedByDyld()
	require.False(t, cleared.OptimizedByDyld())
	require.EqualValues(t, 1, cleared.Flags)
}
