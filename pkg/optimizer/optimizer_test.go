package optimizer

import (
	"testing"

	"github.com/appsworld/dyldextractor/pkg/linkedit"
	"github.com/stretchr/testify/require"
)

type fakeLocalSymbols struct {
	entries map[uint64][]OriginalSymbol
}

func (f fakeLocalSymbols) Uses64BitEntries() bool { return true }
func (f fakeLocalSymbols) EntryFor(textVMAddr uint64) ([]OriginalSymbol, bool) {
	e, ok := f.entries[textVMAddr]
	return e, ok
}

func TestRunRecoversLocalsAndRewritesIndirect(t *testing.T) {
	in := Input{
		OriginalLocalSymbols: []OriginalSymbol{{Name: "<redacted>"}, {Name: "_local1", Value: 0x10}},
		TextSegmentVMAddr:    0x4000,
		LocalSymbols: fakeLocalSymbols{entries: map[uint64][]OriginalSymbol{
			0x4000: {{Name: "_recovered", Value: 0x20}},
		}},
		ExternalSymbols:  []OriginalSymbol{{Name: "_extFunc", Value: 0x100}},
		UndefinedSymbols: []OriginalSymbol{{Name: "_undefFunc"}},
		IndirectSymtab: []IndirectEntry{
			{IsRedacted: true},
			{Source: IndirectSourceExternal, OriginalIndex: 0},
			{Source: IndirectSourceUndefined, OriginalIndex: 0},
		},
	}
	le := linkedit.New(0, 8)
	result, err := Run(in, le, Setters{}, nil)
	require.NoError(t, err)

	locals := result.Symbols.Bucket(linkedit.BucketLocal)
	require.Len(t, locals, 2) // _local1 + _recovered (redacted skipped)

	symbols, _, indirect, _, err := result.Symbols.Write()
	require.NoError(t, err)
	require.Len(t, symbols, 1+2+1+1) // other(redacted) + 2 local + 1 ext + 1 undef
	require.Len(t, indirect, 3)
	require.EqualValues(t, 0, indirect[0]) // redacted -> sole other entry

	data, _, ok := le.Get(linkedit.TagSymbolEntries)
	require.True(t, ok)
	require.NotEmpty(t, data)
}
