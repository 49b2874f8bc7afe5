package slideinfo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewUnknownVersion(t *testing.T) {
	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[:4], 99)
	_, err := New(data, binary.LittleEndian)
	require.Error(t, err)
	var unknown *ErrUnknownVersion
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, uint32(99), unknown.Version)
}

func TestV1SingleBit(t *testing.T) {
	data := make([]byte, 24+128+4)
	bo := binary.LittleEndian
	bo.PutUint32(data[0:4], 1)   // version
	bo.PutUint32(data[4:8], 24)  // tocOffset
	bo.PutUint32(data[8:12], 1)  // tocCount
	bo.PutUint32(data[12:16], 24+2) // entriesOffset (1 toc uint16 then entries)
	bo.PutUint32(data[16:20], 1)
	bo.PutUint32(data[20:24], 128)
	// toc[0] = entry index 0
	bo.PutUint16(data[24:26], 0)
	entryOff := 24 + 2
	data[entryOff] = 0x01 // bit 0 of first byte set -> slot 0
	bo.PutUint32(data[entryOff+128:entryOff+128+4], 0xdeadbeef)

	d, err := New(data, bo)
	require.NoError(t, err)
	require.EqualValues(t, 1, d.Version())
	slots, err := d.Decode()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	require.EqualValues(t, 0, slots[0].PageOffset)
	require.EqualValues(t, 0xdeadbeef, slots[0].Target)
}

func TestV3AuthAndPlainCells(t *testing.T) {
	bo := binary.LittleEndian
	data := make([]byte, 24+2+16)
	bo.PutUint32(data[0:4], 3)
	bo.PutUint32(data[4:8], 4096)
	bo.PutUint32(data[8:12], 1)
	bo.PutUint64(data[16:24], 0x1000) // authValueAdd
	bo.PutUint16(data[24:26], 0)      // page start -> offset 0 within page

	cellOff := 26
	// plain cell: target = 0x40, next = 0
	bo.PutUint64(data[cellOff:cellOff+8], 0x40)

	d, err := New(data, bo)
	require.NoError(t, err)
	slots, err := d.Decode()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	require.Nil(t, slots[0].Auth)
	require.EqualValues(t, 0x40, slots[0].Target)
}
