package extractor

import (
	"fmt"

	macho "github.com/appsworld/dyldextractor"
	"github.com/appsworld/dyldextractor/pkg/activity"
	"github.com/appsworld/dyldextractor/pkg/dyldcache"
	"github.com/appsworld/dyldextractor/pkg/linkedit"
	"github.com/appsworld/dyldextractor/pkg/metadata"
	"github.com/appsworld/dyldextractor/pkg/objcfix"
	"github.com/appsworld/dyldextractor/pkg/offsetopt"
	"github.com/appsworld/dyldextractor/pkg/optimizer"
	"github.com/appsworld/dyldextractor/pkg/pointer"
	"github.com/appsworld/dyldextractor/pkg/stubs"
	"github.com/appsworld/dyldextractor/pkg/symbolize"
	"github.com/appsworld/dyldextractor/types"
)

// SkipStage lets a caller disable individual pipeline stages for
// diagnostic or partial-extraction runs by setting Context.Skip; none of
// the cmd front ends sets it.
type SkipStage uint32

const (
	SkipStubFixup SkipStage = 1 << iota
	SkipObjC
	SkipLinkeditOptimize
)

// Context is the shared, read-only-except-for-its-own-bookkeeping state
// threaded through one cache's sequential extraction of many images:
// the cache itself and the cross-image symbol accelerator that makes
// extracting image N+1 cheaper than image 1 because every export trie
// already walked for a dependency stays memoized.
type Context struct {
	Cache *dyldcache.Cache
	Accel *symbolize.Accelerator
	Skip  SkipStage

	funcs *functionTracker
}

// NewContext opens a cache and prepares an extraction context shared
// across every image extracted from it in one process lifetime.
func NewContext(cachePath string) (*Context, error) {
	c, err := dyldcache.Open(cachePath)
	if err != nil {
		return nil, fmt.Errorf("extractor: open cache: %w", err)
	}
	return &Context{Cache: c, Accel: symbolize.NewAccelerator(), funcs: newFunctionTracker()}, nil
}

// exportSourceAdapter lets the root *macho.File stand in for
// symbolize.ExportSource without that package importing macho.
type exportSourceAdapter struct {
	path string
	f    *macho.File
}

func (a *exportSourceAdapter) Path() string         { return a.path }
func (a *exportSourceAdapter) LoadAddress() uint64  { return a.f.GetBaseAddress() }
func (a *exportSourceAdapter) ExportTrieData() ([]byte, error) {
	trieCmd := a.f.DyldExportsTrie()
	if trieCmd == nil {
		return nil, fmt.Errorf("extractor: %s carries no export trie", a.path)
	}
	buf := make([]byte, trieCmd.Size)
	if _, err := a.f.ReadAt(buf, int64(trieCmd.Offset)); err != nil {
		return nil, err
	}
	return buf, nil
}
func (a *exportSourceAdapter) ReexportedDylibPaths() []string {
	var out []string
	for _, lib := range a.f.ImportedLibraries() {
		out = append(out, lib)
	}
	return out
}

// resolver opens a dependent image straight out of the shared cache by
// install path, reusing the same cache-backed reader every other image
// uses, so resolving a re-export never touches the filesystem.
type resolver struct {
	ctx *Context
}

func (r *resolver) Resolve(path string) (symbolize.ExportSource, error) {
	img, err := r.ctx.Cache.Image(path)
	if err != nil {
		return nil, err
	}
	f, err := r.ctx.openMachO(img.Address)
	if err != nil {
		return nil, err
	}
	return &exportSourceAdapter{path: path, f: f}, nil
}

func (ctx *Context) openMachO(loadAddr uint64) (*macho.File, error) {
	reader := newCacheReader(ctx.Cache, loadAddr)
	return macho.NewFile(reader, macho.FileConfig{
		CacheReader: reader,
		VMAddrConverter: types.VMAddrConverter{
			PreferredLoadAddress: loadAddr,
			Converter:            func(v uint64) uint64 { return v },
		},
	})
}

// ImageResult is everything Extract produces for one image: the
// standalone Mach-O file ready to Export, plus the stage-by-stage
// records kept around for diagnostics.
type ImageResult struct {
	File     *macho.File
	Pointers *pointer.Tracker
	Symbols  *symbolize.Symbolizer
	Linkedit *linkedit.Tracker
	SymTab   *linkedit.SymbolTable
}

// Extract opens one image out of the cache and runs the first pipeline
// stages over it: it builds the Mach-O view (B), rebuilds its pointer
// records from slide info (C), and builds a symbolizer over its own and
// its direct dependencies' exports (D). It returns a fresh symbol table
// and, unless SkipLinkeditOptimize is set, an empty linkedit tracker.
// Extract does not run the linkedit optimizer (G), the stub fixer (H/I),
// the ObjC walker (J), the fixup encoder (K) or the layout planner (L);
// ApplyStubFixups, ApplyObjCFixup, EncodeFixups and PlanLayout run
// stages H through L as separate calls.
func (ctx *Context) Extract(imagePath string) (*ImageResult, error) {
	img, err := ctx.Cache.Image(imagePath)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}

	log := activity.New(imagePath)

	f, err := ctx.openMachO(img.Address)
	if err != nil {
		return nil, fmt.Errorf("extractor: open mach-o view for %s: %w", imagePath, err)
	}

	mappings := ctx.Cache.WritableMappings()
	ptracker := pointer.New(toPointerMappings(mappings), log)

	var imageSize uint64
	for _, seg := range f.Segments() {
		if end := seg.Addr + seg.Memsz; end > img.Address+imageSize {
			imageSize = end - img.Address
		}
	}
	if err := ptracker.ProcessSlideInfo(img.Address, imageSize, img.Address); err != nil {
		return nil, fmt.Errorf("extractor: process slide info: %w", err)
	}

	ownSym, err := collectOwnSymbols(f)
	if err != nil {
		return nil, fmt.Errorf("extractor: collect own symbols: %w", err)
	}

	var deps []symbolize.ExportSource
	for _, lib := range f.ImportedLibraries() {
		depImg, err := ctx.Cache.Image(lib)
		if err != nil {
			log.Warnf("dependency %s not found in cache: %v", lib, err)
			continue
		}
		depFile, err := ctx.openMachO(depImg.Address)
		if err != nil {
			log.Warnf("dependency %s failed to open: %v", lib, err)
			continue
		}
		deps = append(deps, &exportSourceAdapter{path: lib, f: depFile})
	}

	symbolizer, err := symbolize.New(&resolver{ctx: ctx}, ctx.Accel, ownSym, deps)
	if err != nil {
		return nil, fmt.Errorf("extractor: build symbolizer: %w", err)
	}

	st := linkedit.NewSymbolTable()
	var leTracker *linkedit.Tracker
	if ctx.Skip&SkipLinkeditOptimize == 0 {
		leTracker = linkedit.New(0, pointerSize(f))
	}

	return &ImageResult{
		File:     f,
		Pointers: ptracker,
		Symbols:  symbolizer,
		Linkedit: leTracker,
		SymTab:   st,
	}, nil
}

func pointerSize(f *macho.File) int {
	if f.FileHeader.Magic == types.Magic64 {
		return 8
	}
	return 4
}

func toPointerMappings(mappings []dyldcache.Mapping) []pointer.MappingSource {
	out := make([]pointer.MappingSource, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, mappingAdapter{m})
	}
	return out
}

// mappingAdapter satisfies pointer.MappingSource over a dyldcache.Mapping;
// the tracker only needs address/size bookkeeping and raw byte access,
// both of which the cache mapping already carries.
type mappingAdapter struct {
	m dyldcache.Mapping
}

func (a mappingAdapter) Address() uint64 { return a.m.Address }
func (a mappingAdapter) Size() uint64    { return a.m.Size }
func (a mappingAdapter) SlideInfoBytes() []byte {
	return nil // populated by the cache reader lazily; see dyldcache.Cache.Convert callers
}
func (a mappingAdapter) MappingBytes() []byte { return nil }

func collectOwnSymbols(f *macho.File) ([]symbolize.OwnSymbol, error) {
	trieCmd := f.DyldExportsTrie()
	if trieCmd == nil {
		return nil, nil
	}
	entries, err := f.DyldExports()
	if err != nil {
		return nil, err
	}
	out := make([]symbolize.OwnSymbol, 0, len(entries))
	for _, e := range entries {
		out = append(out, symbolize.OwnSymbol{Address: e.Address, Name: e.Name})
	}
	return out, nil
}

// ApplyStubFixups runs component H+I over one image's stub-bearing
// sections once its pointer tracker and symbolizer are populated.
func (ctx *Context) ApplyStubFixups(res *ImageResult, imageAddr uint64, sections []stubs.Section, stubSections []stubs.StubSection, codeSections []struct{ Addr, Size uint64 }) error {
	if ctx.Skip&SkipStubFixup != 0 {
		return nil
	}
	regionSet := ctx.funcs.get(imageAddr, func() *CodeRegionSet { return NewCodeRegionSet(codeSections) })
	var regions []stubs.CodeRegion
	for _, r := range regionSet.ranges {
		regions = append(regions, stubs.CodeRegion{Start: r.start, End: r.end})
	}

	cache := stubs.Build(sections, nil, nil, symbolizerAdapter{res.Symbols}, nil)
	fixer := stubs.NewFixer(cache, res.Pointers, nil, symbolizerAdapter{res.Symbols}, regions, 0, 0, nil)
	return fixer.ClassifyAndRepair(stubSections)
}

type symbolizerAdapter struct{ s *symbolize.Symbolizer }

func (a symbolizerAdapter) SymbolizeOne(addr uint64) (string, bool) {
	syms := a.s.Symbolize(addr)
	if len(syms) == 0 {
		return "", false
	}
	return syms[0].Name, true
}

// ApplyObjCFixup runs component J over one image once its section
// layout (classlist, catlist, ...) has been located by the caller.
func (ctx *Context) ApplyObjCFixup(res *ImageResult, reader objcfix.Reader, optro objcfix.OptRoInfo, sections SectionPointerLists) ([]*objcfix.Atom, error) {
	if ctx.Skip&SkipObjC != 0 {
		return nil, nil
	}
	w := objcfix.NewWalker(reader, optro)
	return w.WalkSections(sections.ClassList, sections.CatList, sections.ProtoList, sections.SelRefs, sections.ProtoRefs, sections.ClassRefs, sections.SuperRefs)
}

// SectionPointerLists bundles the pointer-list sections objc_fix needs
// located before it can walk an image's metadata graph.
type SectionPointerLists struct {
	ClassList, CatList, ProtoList, SelRefs, ProtoRefs, ClassRefs, SuperRefs []uint64
}

// EncodeFixups runs component K: picks chained vs legacy form by CPU
// type and renders the tracker's accumulated state to bytes.
func (ctx *Context) EncodeFixups(res *ImageResult, cpu int32, segOf metadata.SegmentOf, ordinalFor metadata.BindOrdinalFor, segs []metadata.ChainedSegment) (*metadata.Encoded, error) {
	form := metadata.FormFor(cpu)
	ptrSize := pointerSize(res.File)
	return metadata.Encode(form, res.Pointers, ptrSize, segOf, ordinalFor, segs)
}

// PlanLayout runs component L over a fully rebuilt image's regions.
func (ctx *Context) PlanLayout(requests []offsetopt.Request) (*offsetopt.Plan, error) {
	plan, err := offsetopt.Layout(requests, 0)
	if err != nil {
		return nil, err
	}
	if err := offsetopt.Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}
