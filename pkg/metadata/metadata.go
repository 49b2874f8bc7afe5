package metadata

import (
	"github.com/appsworld/dyldextractor/pkg/pointer"
	"github.com/appsworld/dyldextractor/types"
)

// Form selects which on-disk fixup representation an image gets
// rewritten to: chained fixups for arm64/arm64e (the only cache
// architectures with LC_DYLD_CHAINED_FIXUPS support), legacy dyld-info
// opcodes everywhere else.
type Form int

const (
	FormLegacyOpcodes Form = iota
	FormChainedFixups
)

// FormFor picks the encoding per spec.md §4.K, keyed on CPU type.
func FormFor(cpu int32) Form {
	const cpuTypeArm64 = 0x0100000c
	if cpu == cpuTypeArm64 {
		return FormChainedFixups
	}
	return FormLegacyOpcodes
}

// PointerFormatFor picks the chained-pointer format for an arm64/arm64e
// image: authenticated pointer-auth ABI images use ARM64E, plain arm64
// uses the offset-based 64_OFFSET form used by modern caches.
func PointerFormatFor(cpuSub int32, isAuthArch bool) types.DCPtrKind {
	if isAuthArch {
		return types.DYLD_CHAINED_PTR_ARM64E
	}
	return types.DYLD_CHAINED_PTR_64_OFFSET
}

// Encoded bundles the byte blob an encoder produced together with enough
// bookkeeping for the caller to register the right load command.
type Encoded struct {
	Form   Form
	Rebase []byte // legacy form only
	Bind   []byte // legacy form only
	Linked []byte // chained form only: full LC_DYLD_CHAINED_FIXUPS payload
}

// Encode runs the form-appropriate encoder over the tracker's
// accumulated rebase/bind records.
func Encode(form Form, tracker *pointer.Tracker, ptrSize int, segOf SegmentOf, ordinalFor BindOrdinalFor, segments []ChainedSegment) (*Encoded, error) {
	switch form {
	case FormChainedFixups:
		all := append(append([]*pointer.Record{}, tracker.Rebases()...), tracker.Binds()...)
		blob, err := EncodeChainedFixups(all, segments, segOf)
		if err != nil {
			return nil, err
		}
		return &Encoded{Form: form, Linked: blob}, nil
	default:
		rebaseBlob, err := EncodeRebase(tracker.Rebases(), ptrSize, segOf)
		if err != nil {
			return nil, err
		}
		bindBlob, err := EncodeBind(tracker.Binds(), ptrSize, segOf, ordinalFor)
		if err != nil {
			return nil, err
		}
		return &Encoded{Form: form, Rebase: rebaseBlob, Bind: bindBlob}, nil
	}
}
