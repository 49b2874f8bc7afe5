package offsetopt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayoutRePagesAndInvokesSetters(t *testing.T) {
	var gotOffsets []uint64
	requests := []Request{
		{Region: Region{Name: "header", Size: 0x100, FileAlign: 0x4000}, Setters: []OffsetSetter{
			func(off uint64) { gotOffsets = append(gotOffsets, off) },
		}},
		{Region: Region{Name: "linkedit", Size: 0x500, FileAlign: 0x4000}, Setters: []OffsetSetter{
			func(off uint64) { gotOffsets = append(gotOffsets, off) },
		}},
	}
	plan, err := Layout(requests, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 0x4000}, gotOffsets)
	require.Equal(t, uint64(0x4000+0x500), plan.FileSize)
}

func TestValidateDetectsOverlap(t *testing.T) {
	plan := &Plan{Entries: []PlanEntry{
		{Region: Region{Name: "a", Size: 0x100}, FileOffset: 0},
		{Region: Region{Name: "b", Size: 0x100}, FileOffset: 0x80},
	}}
	err := Validate(plan)
	require.Error(t, err)
}

func TestWriteToSkipsNilData(t *testing.T) {
	var wrote []string
	plan := &Plan{Entries: []PlanEntry{
		{Region: Region{Name: "a", Data: []byte("hi")}, FileOffset: 0},
		{Region: Region{Name: "b", Data: nil}, FileOffset: 0x10},
	}}
	err := WriteTo(plan, func(off uint64, data []byte) error {
		wrote = append(wrote, string(data))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"hi"}, wrote)
}
