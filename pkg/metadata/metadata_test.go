package metadata

import (
	"testing"

	"github.com/appsworld/dyldextractor/pkg/pointer"
	"github.com/appsworld/dyldextractor/types"
	"github.com/stretchr/testify/require"
)

func fakeSegOf(base uint64) SegmentOf {
	return func(addr uint64) (uint8, uint64, bool) {
		if addr < base {
			return 0, 0, false
		}
		return 0, addr - base, true
	}
}

func TestEncodeRebaseRunOfContiguousPointers(t *testing.T) {
	base := uint64(0x1000)
	var records []*pointer.Record
	for i := 0; i < 4; i++ {
		records = append(records, &pointer.Record{Site: base + uint64(i*8), IsRebase: true})
	}
	blob, err := EncodeRebase(records, 8, fakeSegOf(base))
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	require.Equal(t, byte(REBASE_OPCODE_DONE), blob[len(blob)-1])
}

func TestEncodeBindEmitsOrdinalAndName(t *testing.T) {
	base := uint64(0x2000)
	name := "_malloc"
	records := []*pointer.Record{
		{Site: base, Bind: &pointer.SymbolicInfo{Name: name, LibraryOrdinal: 1}},
	}
	ordinalFor := func(lib string, hint int) int8 { return int8(hint) }
	blob, err := EncodeBind(records, 8, fakeSegOf(base), ordinalFor)
	require.NoError(t, err)
	require.Contains(t, string(blob), name)
}

func TestFormForArm64SelectsChainedFixups(t *testing.T) {
	require.Equal(t, FormChainedFixups, FormFor(0x0100000c))
	require.Equal(t, FormLegacyOpcodes, FormFor(7)) // CPU_TYPE_X86
}

func TestEncodeChainedFixupsSingleRebase(t *testing.T) {
	base := uint64(0x4000)
	segs := []ChainedSegment{
		{Index: 0, VMAddr: base, VMSize: 0x4000, PageSize: 0x4000, PointerFormat: types.DYLD_CHAINED_PTR_ARM64E},
	}
	records := []*pointer.Record{
		{Site: base + 0x10, Target: 0x1234, IsRebase: true},
	}
	blob, err := EncodeChainedFixups(records, segs, fakeSegOf(base))
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	var hdr types.DyldChainedFixupsHeader
	require.Equal(t, uint32(0), readU32(blob, 0)) // FixupsVersion
	_ = hdr
}

func readU32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
