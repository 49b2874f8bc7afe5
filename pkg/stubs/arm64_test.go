package stubs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeAdrp(rd uint8, pageImm int64) uint32 {
	imm := uint64(pageImm>>12) & 0x1fffff
	immlo := uint32(imm & 0x3)
	immhi := uint32((imm >> 2) & 0x7ffff)
	return 0x90000000 | (immlo << 29) | (immhi << 5) | uint32(rd)
}

func encodeLdrImm(rt, rn uint8, byteOff int64) uint32 {
	imm12 := uint32(byteOff/8) & 0xfff
	return 0xf9400000 | (imm12 << 10) | (uint32(rn) << 5) | uint32(rt)
}

func encodeBr(rn uint8) uint32 {
	return 0xd61f0000 | (uint32(rn) << 5)
}

func TestRecognizeArm64StubNormal(t *testing.T) {
	stubVA := uint64(0x4000)
	pointerVA := uint64(0x6010)
	page := pointerVA &^ 0xfff
	pageImm := int64(page) - int64(stubVA&^0xfff)

	code := make([]byte, 12)
	binary.LittleEndian.PutUint32(code[0:4], encodeAdrp(16, pageImm))
	binary.LittleEndian.PutUint32(code[4:8], encodeLdrImm(16, 16, int64(pointerVA-page)))
	binary.LittleEndian.PutUint32(code[8:12], encodeBr(16))

	decoded := RecognizeArm64Stub(code, stubVA)
	require.Equal(t, ShapeStubNormal, decoded.Shape)
	require.Equal(t, pointerVA, decoded.PointerVA)
}

func TestRecognizeArm64StubUnknown(t *testing.T) {
	code := make([]byte, 12)
	decoded := RecognizeArm64Stub(code, 0x1000)
	require.Equal(t, ShapeUnknown, decoded.Shape)
}
