package stubs

import "encoding/binary"

// Shape enumerates the arm64 stub instruction sequences spec.md §4.I
// recognizes.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeStubNormal
	ShapeStubOptimized
	ShapeAuthStubNormal
	ShapeAuthStubOptimized
	ShapeAuthStubResolver
	ShapeResolver
)

// Arm64Stub is the decoded result of recognizing one stub's instruction
// sequence: which shape it is, the pointer slot it loads through (normal
// shapes) or the direct target it branches to (optimized shapes).
type Arm64Stub struct {
	Shape      Shape
	PointerVA  uint64 // normal/auth-normal: the __got/__la_symbol_ptr slot address
	TargetVA   uint64 // optimized/auth-optimized: the direct branch target
}

func readInsn(code []byte, idx int) (uint32, bool) {
	off := idx * 4
	if off+4 > len(code) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(code[off : off+4]), true
}

// decodeAdrp extracts (Rd, pageImm) from an ADRP instruction word, or
// ok=false if insn isn't ADRP.
func decodeAdrp(insn uint32) (rd uint8, pageImm int64, ok bool) {
	if insn&0x9f000000 != 0x90000000 {
		return 0, 0, false
	}
	immlo := (insn >> 29) & 0x3
	immhi := (insn >> 5) & 0x7ffff
	imm := (uint64(immhi) << 2) | uint64(immlo)
	signed := int64(imm << 43) >> 43 // sign-extend 21-bit field
	return uint8(insn & 0x1f), signed << 12, true
}

// decodeAddImm extracts (Rd, Rn, imm) from an ADD (immediate, 64-bit)
// instruction, or ok=false.
func decodeAddImm(insn uint32) (rd, rn uint8, imm int64, ok bool) {
	if insn&0xff800000 != 0x91000000 {
		return 0, 0, 0, false
	}
	shift := (insn >> 22) & 0x1
	imm12 := int64((insn >> 10) & 0xfff)
	if shift == 1 {
		imm12 <<= 12
	}
	return uint8(insn & 0x1f), uint8((insn >> 5) & 0x1f), imm12, true
}

// decodeLdrImmUnsigned extracts (Rt, Rn, byteOffset) from LDR (immediate,
// unsigned offset, 64-bit) or ok=false.
func decodeLdrImmUnsigned(insn uint32) (rt, rn uint8, byteOff int64, ok bool) {
	if insn&0xffc00000 != 0xf9400000 {
		return 0, 0, 0, false
	}
	imm12 := int64((insn >> 10) & 0xfff)
	return uint8(insn & 0x1f), uint8((insn >> 5) & 0x1f), imm12 * 8, true
}

// decodeBr checks for BR Xn.
func decodeBr(insn uint32) (rn uint8, ok bool) {
	if insn&0xfffffc1f != 0xd61f0000 {
		return 0, false
	}
	return uint8((insn >> 5) & 0x1f), true
}

// decodeBUnconditional decodes an unconditional B with a PC-relative
// imm26 target in bytes.
func decodeBUnconditional(insn uint32, pc uint64) (target uint64, ok bool) {
	if insn&0xfc000000 != 0x14000000 {
		return 0, false
	}
	imm26 := int64(insn & 0x3ffffff)
	signed := (imm26 << 38) >> 38
	return uint64(int64(pc) + signed*4), true
}

// decodeBL decodes BL with a PC-relative imm26 target in bytes.
func decodeBL(insn uint32, pc uint64) (target uint64, ok bool) {
	if insn&0xfc000000 != 0x94000000 {
		return 0, false
	}
	imm26 := int64(insn & 0x3ffffff)
	signed := (imm26 << 38) >> 38
	return uint64(int64(pc) + signed*4), true
}

// decodeBraaz recognizes BRAAZ Xn (pointer-auth branch, zero modifier).
func decodeBraaz(insn uint32) (rn uint8, ok bool) {
	if insn&0xfffffc1f != 0xd61f081f {
		return 0, false
	}
	return uint8((insn >> 5) & 0x1f), true
}

// decodeBraa recognizes BRAA Xn, Xm.
func decodeBraa(insn uint32) (rn, rm uint8, ok bool) {
	if insn&0xfffe0c00 != 0xd71f0800 {
		return 0, 0, false
	}
	return uint8((insn >> 5) & 0x1f), uint8(insn & 0x1f), true
}

// RecognizeArm64Stub inspects up to 4 instructions at stubVA (bytes code,
// which must begin at stubVA) and classifies the stub shape.
func RecognizeArm64Stub(code []byte, stubVA uint64) Arm64Stub {
	i0, ok := readInsn(code, 0)
	if !ok {
		return Arm64Stub{}
	}
	rdAdrp, pageImm, isAdrp := decodeAdrp(i0)
	if !isAdrp {
		return Arm64Stub{}
	}
	page := (stubVA &^ 0xfff) + uint64(pageImm)

	i1, ok := readInsn(code, 1)
	if !ok {
		return Arm64Stub{}
	}

	// StubNormal: adrp + ldr + br  (loads through a local pointer slot)
	if rt, rn, off, isLdr := decodeLdrImmUnsigned(i1); isLdr && rn == rdAdrp {
		if i2, ok := readInsn(code, 2); ok {
			if brRn, isBr := decodeBr(i2); isBr && brRn == rt {
				return Arm64Stub{Shape: ShapeStubNormal, PointerVA: page + uint64(off)}
			}
		}
	}

	// StubOptimized: adrp + add + br, branching directly to another image.
	// The same three followed by a brk are AuthStubOptimized (below).
	if rdAdd, rnAdd, addImm, isAdd := decodeAddImm(i1); isAdd && rnAdd == rdAdrp {
		if i2, ok := readInsn(code, 2); ok {
			i3, hasI3 := readInsn(code, 3)
			trailingBrk := hasI3 && i3&0xffe0001f == 0xd4200000
			if brRn, isBr := decodeBr(i2); isBr && brRn == rdAdd && !trailingBrk {
				return Arm64Stub{Shape: ShapeStubOptimized, TargetVA: page + uint64(addImm)}
			}
		}
	}

	// AuthStubNormal: adrp + add + ldr + braa
	if rdAdd, rnAdd, addImm, isAdd := decodeAddImm(i1); isAdd && rnAdd == rdAdrp {
		if i2, ok := readInsn(code, 2); ok {
			if rt, rn, ldrOff, isLdr := decodeLdrImmUnsigned(i2); isLdr && rn == rdAdd {
				if i3, ok := readInsn(code, 3); ok {
					if braaRn, _, isBraa := decodeBraa(i3); isBraa && braaRn == rt {
						return Arm64Stub{Shape: ShapeAuthStubNormal, PointerVA: page + uint64(addImm) + uint64(ldrOff)}
					}
				}
			}
		}
	}

	// AuthStubOptimized: adrp + add + br + trap(brk). Only reached when the
	// StubOptimized check above saw the trailing brk.
	if rdAdd, rnAdd, addImm, isAdd := decodeAddImm(i1); isAdd && rnAdd == rdAdrp {
		if i2, ok := readInsn(code, 2); ok {
			if brRn, isBr := decodeBr(i2); isBr && brRn == rdAdd {
				return Arm64Stub{Shape: ShapeAuthStubOptimized, TargetVA: page + uint64(addImm)}
			}
		}
	}

	// AuthStubResolver: adrp + ldr + braaz
	if rt, rn, off, isLdr := decodeLdrImmUnsigned(i1); isLdr && rn == rdAdrp {
		if i2, ok := readInsn(code, 2); ok {
			if braazRn, isBraaz := decodeBraaz(i2); isBraaz && braazRn == rt {
				return Arm64Stub{Shape: ShapeAuthStubResolver, PointerVA: page + uint64(off)}
			}
		}
	}

	return Arm64Stub{}
}

// RecognizeArm64Resolver reports whether the stub-helper shape at va is a
// resolver: a trampoline that calls a local function (a BL to an address
// inside the image) and stores the result, as opposed to an ordinary lazy
// binding helper.
func RecognizeArm64Resolver(code []byte, va uint64, imageStart, imageEnd uint64) (resolverFuncVA uint64, isResolver bool) {
	for i := 0; i < 4; i++ {
		insn, ok := readInsn(code, i)
		if !ok {
			break
		}
		if target, ok := decodeBL(insn, va+uint64(i)*4); ok && target >= imageStart && target < imageEnd {
			return target, true
		}
	}
	return 0, false
}
