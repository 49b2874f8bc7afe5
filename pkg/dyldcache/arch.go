package dyldcache

import (
	"fmt"
	"strings"

	"github.com/appsworld/dyldextractor/types"
)

// Arch identifies the architecture a cache (and every image inside it) was
// built for. Per spec.md §9 "Per-architecture variation", pointer width and
// the available stub-fixer implementation are both a function of Arch.
type Arch struct {
	Name       string
	CPU        types.CPU
	SubCPU     types.CPUSubtype
	PointerSize int
	IsAuthPtr  bool // arm64e: chained fixups use authenticated pointers
}

var (
	ArchX8664   = Arch{Name: "x86_64", CPU: types.CPUAmd64, PointerSize: 8}
	ArchX8664H  = Arch{Name: "x86_64h", CPU: types.CPUAmd64, PointerSize: 8}
	ArchArm64   = Arch{Name: "arm64", CPU: types.CPUArm64, PointerSize: 8}
	ArchArm64e  = Arch{Name: "arm64e", CPU: types.CPUArm64, PointerSize: 8, IsAuthPtr: true}
	ArchArm6432 = Arch{Name: "arm64_32", CPU: types.CPUArm6432, PointerSize: 4}
	ArchArmV7   = Arch{Name: "armv7", CPU: types.CPUArm, PointerSize: 4}
	ArchArmV7s  = Arch{Name: "armv7s", CPU: types.CPUArm, PointerSize: 4}
	ArchArmV7k  = Arch{Name: "armv7k", CPU: types.CPUArm, PointerSize: 4}
)

// unsupportedArchMessage is the fixed message spec.md §4.A requires for
// i386/armv5/armv6/armv7-classic: these are recognized and rejected, never
// silently misparsed as some other architecture.
const unsupportedArchMessage = "Unsupported Architecture type."

// ErrUnsupportedArch, whose text is unsupportedArchMessage, is returned
// unwrapped when the cache magic names an architecture spec.md §1 excludes.
var ErrUnsupportedArch = fmt.Errorf(unsupportedArchMessage)

// ErrBadMagic is returned, wrapped with the offending text, when the first
// 16 bytes of the cache don't start with the "dyld_v1" prefix or name an
// architecture parseArch does not recognize.
var ErrBadMagic = fmt.Errorf("unrecognized magic")

// parseArch maps a cache's 16-byte magic string (e.g. "dyld_v1  arm64e")
// to an Arch, per spec.md §4.A.
func parseArch(magic [16]byte) (Arch, error) {
	s := strings.TrimRight(string(magic[:]), "\x00")
	if !strings.HasPrefix(s, "dyld_v1") {
		return Arch{}, fmt.Errorf("%w: %q", ErrBadMagic, s)
	}
	name := strings.TrimSpace(strings.TrimPrefix(s, "dyld_v1"))
	switch name {
	case "x86_64":
		return ArchX8664, nil
	case "x86_64h":
		return ArchX8664H, nil
	case "arm64":
		return ArchArm64, nil
	case "arm64e":
		return ArchArm64e, nil
	case "arm64_32":
		return ArchArm6432, nil
	case "armv7":
		return ArchArmV7, nil
	case "armv7s":
		return ArchArmV7s, nil
	case "armv7k":
		return ArchArmV7k, nil
	case "i386", "armv5", "armv6":
		return Arch{}, ErrUnsupportedArch
	default:
		return Arch{}, fmt.Errorf("%w: %q", ErrBadMagic, name)
	}
}
