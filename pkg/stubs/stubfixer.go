package stubs

import (
	"fmt"

	"github.com/appsworld/dyldextractor/pkg/pointer"
)

// Logger is the minimal activity-logging surface the fixer needs.
type Logger interface {
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Debugf(string, ...interface{}) {}

// CodeRegion is one image's text-like section, contributed to the
// accelerator's union-of-code-regions set that phase 3 consults to
// distinguish cross-image branches from false positives into data.
type CodeRegion struct {
	Start, End uint64
}

// StubSection is one S_SYMBOL_STUBS section: a run of fixed-size stub
// entries.
type StubSection struct {
	Addr     uint64
	Size     uint64
	EntrySize uint64
	IsArm64  bool
}

// TextReader reads raw instruction bytes at a virtual address, from
// whichever image (this one, or a dependent, for call-site resolution)
// backs that address.
type TextReader interface {
	ReadCode(addr uint64, length int) ([]byte, bool)
}

// Fixer runs the three-phase stub-repair algorithm against one image.
type Fixer struct {
	log     Logger
	cache   *Cache
	tracker *pointer.Tracker
	text    TextReader
	sym     Symbolizer
	regions []CodeRegion

	// imageStart/imageEnd bound "inside the image" checks for phase 3's
	// direct-branch scan.
	imageStart, imageEnd uint64
}

// NewFixer constructs a Fixer. cache is the already-built pointer cache
// (component H); tracker is the pointer tracker pointers get rebased
// through; regions is the accelerator's memoized union of every image's
// text sections.
func NewFixer(cache *Cache, tracker *pointer.Tracker, text TextReader, sym Symbolizer, regions []CodeRegion, imageStart, imageEnd uint64, log Logger) *Fixer {
	if log == nil {
		log = noopLogger{}
	}
	return &Fixer{cache: cache, tracker: tracker, text: text, sym: sym, regions: regions, imageStart: imageStart, imageEnd: imageEnd, log: log}
}

// FixStubHelpers is phase 0: recognizes lazy-binding-helper trampolines in
// __stub_helper, decodes the lazy-bind-info offset each one pushes, finds
// the bind stream's target pointer for that offset, and rewrites that
// pointer to point at the helper so first-call still triggers lazy
// resolution. decodeLazyBindOffset maps a helper's address to the pointer
// address the lazy-bind stream would rebind for the offset that helper
// pushes. On arm64, a helper that RecognizeArm64Resolver identifies as a
// resolver is left in place and its pointer is not touched.
func (f *Fixer) FixStubHelpers(helperVAs []uint64, helperSize int, isArm64 bool, decodeLazyBindOffset func(helperVA uint64) (pointerVA uint64, ok bool)) error {
	for _, va := range helperVAs {
		code, ok := f.text.ReadCode(va, helperSize)
		if !ok {
			continue
		}
		if isArm64 {
			if target, isResolver := RecognizeArm64Resolver(code, va, f.imageStart, f.imageEnd); isResolver {
				f.log.Debugf("stubs: helper %#x is a resolver calling %#x, leaving in place", va, target)
				continue
			}
		}
		pointerVA, ok := decodeLazyBindOffset(va)
		if !ok {
			continue
		}
		f.tracker.Remove(pointerVA)
		if err := f.tracker.Add(pointerVA, va, nil); err != nil {
			return fmt.Errorf("stubs: phase0 rebind %#x: %w", pointerVA, err)
		}
	}
	return nil
}

// ClassifyAndRepair is phase 1+2: for every stub it decodes the
// instruction sequence and marks the functioning shapes' pointer slot used.
// For the optimized shapes it claims a pointer slot (an unused one named
// for the target symbol, else an unused anonymous one) and names it; on
// arm64 it also replaces that slot's tracker record with a bind to the
// name. The stub's own instructions are not rewritten.
func (f *Fixer) ClassifyAndRepair(sections []StubSection) error {
	for _, sec := range sections {
		n := sec.Size / sec.EntrySize
		for i := uint64(0); i < n; i++ {
			stubVA := sec.Addr + i*sec.EntrySize
			code, ok := f.text.ReadCode(stubVA, int(sec.EntrySize))
			if !ok {
				continue
			}
			if sec.IsArm64 {
				if err := f.repairArm64Stub(stubVA, code); err != nil {
					return err
				}
			} else {
				if err := f.repairArmStub(stubVA, code); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (f *Fixer) repairArm64Stub(stubVA uint64, code []byte) error {
	decoded := RecognizeArm64Stub(code, stubVA)
	switch decoded.Shape {
	case ShapeStubNormal, ShapeAuthStubNormal, ShapeAuthStubResolver:
		if p, ok := f.cache.Get(decoded.PointerVA); ok {
			f.cache.MarkUsed(p, "")
		}
	case ShapeStubOptimized, ShapeAuthStubOptimized:
		wantAuth := decoded.Shape == ShapeAuthStubOptimized
		name, _ := f.sym.SymbolizeOne(decoded.TargetVA)
		kind := KindNormal
		if wantAuth {
			kind = KindAuth
		}
		var p *Pointer
		var found bool
		if name != "" {
			p, found = f.cache.FindNamed(name, kind)
		}
		if !found {
			p, found = f.cache.FindUnnamed(kind)
		}
		if !found {
			f.log.Warnf("stubs: no pointer slot available to repair optimized stub at %#x", stubVA)
			return nil
		}
		f.cache.Name(p, name)
		f.tracker.Remove(p.Address)
		bindInfo := pointer.SymbolicInfo{Name: name}
		if name != "" {
			if err := f.tracker.AddBind(p.Address, bindInfo, nil); err != nil {
				return fmt.Errorf("stubs: phase2 rebind %#x: %w", p.Address, err)
			}
		}
	}
	return nil
}

func (f *Fixer) repairArmStub(stubVA uint64, code []byte) error {
	decoded := RecognizeArmStub(code, stubVA)
	switch decoded.Shape {
	case ArmShapeNormalV4:
		if p, ok := f.cache.Get(decoded.PointerVA); ok {
			f.cache.MarkUsed(p, "")
		}
	case ArmShapeOptimizedV5:
		name, _ := f.sym.SymbolizeOne(decoded.TargetVA)
		p, found := f.cache.FindUnnamed(KindNormal)
		if name != "" {
			if np, ok := f.cache.FindNamed(name, KindNormal); ok {
				p, found = np, true
			}
		}
		if !found {
			f.log.Warnf("stubs: no pointer slot available to repair v5 stub at %#x", stubVA)
			return nil
		}
		f.cache.Name(p, name)
	}
	return nil
}

// CallSite is a direct branch whose immediate target falls outside this
// image.
type CallSite struct {
	Addr   uint64
	Target uint64
}

// PatchCallSites is phase 3: for each out-of-image call site, finds a
// local stub now named for the same symbol and hands the rewrite to
// patchBranch, which installs the repaired branch; it receives the
// call-site address and the local stub address to branch to instead.
func (f *Fixer) PatchCallSites(sites []CallSite, patchBranch func(siteAddr, newTarget uint64) error) error {
	for _, cs := range sites {
		name, ok := f.sym.SymbolizeOne(cs.Target)
		if !ok {
			if f.inCodeRegion(cs.Target) {
				continue // branches into another image's code with no name: leave, not our concern here
			}
			f.log.Warnf("stubs: call site %#x targets %#x, no local stub and no symbol", cs.Addr, cs.Target)
			continue
		}
		p, found := f.cache.FindNamed(name, KindNormal)
		if !found {
			if f.inCodeRegion(cs.Target) {
				f.log.Debugf("stubs: call site %#x to %q has no local stub but target is known code, skipping silently", cs.Addr, name)
				continue
			}
			f.log.Warnf("stubs: call site %#x to %q has no local stub", cs.Addr, name)
			continue
		}
		if err := patchBranch(cs.Addr, p.Address); err != nil {
			return fmt.Errorf("stubs: phase3 patch %#x: %w", cs.Addr, err)
		}
	}
	return nil
}

func (f *Fixer) inCodeRegion(addr uint64) bool {
	for _, r := range f.regions {
		if addr >= r.Start && addr < r.End {
			return true
		}
	}
	return false
}
