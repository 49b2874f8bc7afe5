package extractor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeRegionSetContains(t *testing.T) {
	rs := NewCodeRegionSet([]struct{ Addr, Size uint64 }{
		{Addr: 0x1000, Size: 0x100},
		{Addr: 0x2000, Size: 0x50},
	})
	require.True(t, rs.Contains(0x1050))
	require.False(t, rs.Contains(0x1100))
	require.True(t, rs.Contains(0x2000))
	require.False(t, rs.Contains(0x3000))
}

func TestFunctionTrackerMemoizes(t *testing.T) {
	ft := newFunctionTracker()
	calls := 0
	build := func() *CodeRegionSet {
		calls++
		return NewCodeRegionSet([]struct{ Addr, Size uint64 }{{Addr: 0x10, Size: 0x10}})
	}
	a := ft.get(0x1000, build)
	b := ft.get(0x1000, build)
	require.Same(t, a, b)
	require.Equal(t, 1, calls)
}

func TestNewWorkItemTagsImagePath(t *testing.T) {
	item := NewWorkItem("/usr/lib/libfake.dylib")
	require.NotEqual(t, item.ID.String(), "")
	require.Equal(t, "/usr/lib/libfake.dylib", item.ImagePath)
}
