package linkedit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertResizeRemove(t *testing.T) {
	tr := New(0x1000, 8)

	var rebaseOff, rebaseSize uint32
	require.NoError(t, tr.Insert(TagRebase, []byte{1, 2, 3}, func(o uint32) { rebaseOff = o }, func(s uint32) { rebaseSize = s }))
	require.EqualValues(t, 0x1000, rebaseOff)
	require.EqualValues(t, 3, rebaseSize)

	var bindOff uint32
	require.NoError(t, tr.Insert(TagBind, []byte{4, 5}, func(o uint32) { bindOff = o }, nil))
	require.EqualValues(t, 0x1000+8, bindOff) // rebase padded to 8-byte alignment

	require.NoError(t, tr.Resize(TagRebase, []byte{9, 9, 9, 9, 9, 9, 9, 9, 9}))
	require.EqualValues(t, 0x1008+8, bindOff) // shifted by the resize delta

	require.Error(t, tr.Insert(TagBind, []byte{1}, nil, nil)) // duplicate tag rejected

	require.NoError(t, tr.Remove(TagRebase))
	data, off, ok := tr.Get(TagBind)
	require.True(t, ok)
	require.Equal(t, []byte{4, 5}, data)
	require.EqualValues(t, 0x1000, off)
}

func TestSymbolTableRedactedAndWrite(t *testing.T) {
	st := NewSymbolTable()
	fooStr := st.AddString("_foo")
	st.AddSymbol(BucketLocal, NlistEntry{Str: fooStr, Value: 0x1000})

	redacted := st.RedactedOther()
	st.AddIndirect(IndirectRef{Bucket: BucketOther, Index: 0})
	require.Equal(t, redacted, st.RedactedOther()) // idempotent

	symbols, strtab, indirect, bounds, err := st.Write()
	require.NoError(t, err)
	require.Len(t, symbols, 2) // other(redacted) + local(_foo)
	require.Len(t, indirect, 1)
	require.EqualValues(t, 0, indirect[0]) // redacted is the sole "other" entry, flat index 0
	require.EqualValues(t, 1, bounds.ILocalSym)
	require.EqualValues(t, 1, bounds.NLocalSym)
	require.Contains(t, string(strtab), "_foo")
	require.Contains(t, string(strtab), "<redacted>")
}

func TestHeaderTrackerInsertRejectsWhenFull(t *testing.T) {
	ht := NewHeaderTracker(32, 16, []Command{{Cmd: 1, Data: make([]byte, 16)}})
	err := ht.InsertLC(1, Command{Cmd: 2, Data: make([]byte, 8)}, nil)
	require.Error(t, err)
}

func TestHeaderTrackerInsertShiftsOffsets(t *testing.T) {
	ht := NewHeaderTracker(32, 64, []Command{{Cmd: 1, Data: make([]byte, 16)}})
	var shiftedAt, shiftedBy uint32
	err := ht.InsertLC(0, Command{Cmd: 2, Data: make([]byte, 8)}, func(after, delta uint32) {
		shiftedAt, shiftedBy = after, delta
	})
	require.NoError(t, err)
	require.EqualValues(t, 32, shiftedAt)
	require.EqualValues(t, 8, shiftedBy)
	require.Equal(t, 2, ht.Ncmds())
}
