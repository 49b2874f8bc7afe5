package pointer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMapping struct {
	addr, size uint64
	slide      []byte
}

func (m fakeMapping) Address() uint64          { return m.addr }
func (m fakeMapping) Size() uint64             { return m.size }
func (m fakeMapping) SlideInfoBytes() []byte   { return m.slide }
func (m fakeMapping) MappingBytes() []byte     { return nil }

func v1Blob(bit int, value uint32) []byte {
	data := make([]byte, 24+128+4)
	le := leOrder{}
	le.PutUint32(data[0:4], 1)
	le.PutUint32(data[4:8], 24)
	le.PutUint32(data[8:12], 1)
	le.PutUint32(data[12:16], 26)
	le.PutUint32(data[16:20], 1)
	le.PutUint32(data[20:24], 128)
	le.PutUint16(data[24:26], 0)
	data[26+bit/8] = 1 << uint(bit%8)
	le.PutUint32(data[26+128:26+128+4], value)
	return data
}

func TestProcessSlideInfoWithinImage(t *testing.T) {
	m := fakeMapping{addr: 0x1000, size: 0x2000, slide: v1Blob(0, 0x1500)}
	tr := New([]MappingSource{m}, nil)
	require.NoError(t, tr.ProcessSlideInfo(0x1000, 0x2000, 0x1000))
	require.Equal(t, 1, tr.Len())
	rec, ok := tr.Get(0x1000)
	require.True(t, ok)
	require.EqualValues(t, 0x1500, rec.Target)
}

func TestProcessSlideInfoOutOfImageRetargets(t *testing.T) {
	m := fakeMapping{addr: 0x1000, size: 0x2000, slide: v1Blob(0, 0x9999)}
	tr := New([]MappingSource{m}, nil)
	require.NoError(t, tr.ProcessSlideInfo(0x1000, 0x2000, 0x1000))
	rec, ok := tr.Get(0x1000)
	require.True(t, ok)
	require.EqualValues(t, 0x1000, rec.Target)
}

func TestAddRejectsDuplicateSite(t *testing.T) {
	tr := New(nil, nil)
	require.NoError(t, tr.Add(0x10, 0x20, nil))
	require.Error(t, tr.Add(0x10, 0x30, nil))
	tr.Remove(0x10)
	require.NoError(t, tr.Add(0x10, 0x30, nil))
}

func TestBindsOrdering(t *testing.T) {
	tr := New(nil, nil)
	require.NoError(t, tr.AddBind(0x30, SymbolicInfo{Name: "zeta", LibraryOrdinal: 1}, nil))
	require.NoError(t, tr.AddBind(0x20, SymbolicInfo{Name: "alpha", LibraryOrdinal: 1}, nil))
	require.NoError(t, tr.AddBind(0x10, SymbolicInfo{Name: "alpha", LibraryOrdinal: 0}, nil))
	binds := tr.Binds()
	require.Len(t, binds, 3)
	require.Equal(t, uint64(0x10), binds[0].Site)
	require.Equal(t, uint64(0x20), binds[1].Site)
	require.Equal(t, uint64(0x30), binds[2].Site)
}
