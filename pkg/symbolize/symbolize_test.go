package symbolize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeExportSource struct {
	path       string
	loadAddr   uint64
	trieData   []byte
	reexports  []string
}

func (f fakeExportSource) Path() string                  { return f.path }
func (f fakeExportSource) LoadAddress() uint64            { return f.loadAddr }
func (f fakeExportSource) ExportTrieData() []byte         { return f.trieData }
func (f fakeExportSource) ReexportedDylibPaths() []string { return f.reexports }

type fakeResolver struct {
	images map[string]ExportSource
}

func (r fakeResolver) Resolve(path string) (ExportSource, error) {
	return r.images[path], nil
}

func TestSymbolizeOwnSymbols(t *testing.T) {
	own := []OwnSymbol{{Address: 0x1000, Name: "_foo"}}
	s, err := New(fakeResolver{}, nil, own, nil)
	require.NoError(t, err)
	syms := s.Symbolize(0x1000)
	require.Len(t, syms, 1)
	require.Equal(t, "_foo", syms[0].Name)
}

func TestSymbolizeThumbCanonicalization(t *testing.T) {
	own := []OwnSymbol{{Address: 0x1001, Name: "_thumb_fn"}}
	s, err := New(fakeResolver{}, nil, own, nil)
	require.NoError(t, err)
	syms := s.Symbolize(0x1000)
	require.Len(t, syms, 1)
	require.Equal(t, "_thumb_fn", syms[0].Name)
}

func TestAcceleratorMemoizesAcrossSymbolizers(t *testing.T) {
	accel := NewAccelerator()
	dep := fakeExportSource{path: "/usr/lib/libFoo.dylib", loadAddr: 0}
	resolver := fakeResolver{images: map[string]ExportSource{"/usr/lib/libFoo.dylib": dep}}

	s1, err := New(resolver, accel, nil, []ExportSource{dep})
	require.NoError(t, err)
	_ = s1

	require.Contains(t, accel.exports, "/usr/lib/libFoo.dylib")
}
