// Package pointer implements component C, the pointer tracker: it decodes
// a cache's slide-info streams and owns the authoritative map from a site
// (a file location inside the image being reconstructed) to its slid
// target, auth attributes, and (if it is a bind rather than a rebase) the
// symbolic info that names it.
package pointer

import (
	"fmt"
	"sort"

	"github.com/appsworld/dyldextractor/pkg/slideinfo"
)

// Auth is the arm64e authenticated-pointer metadata carried by a record
// whose slide-info cell was the v3 authenticated format.
type Auth struct {
	Key       uint8
	Diversity uint16
	AddrDiv   bool
}

// SymbolicInfo names a bind site: a symbol plus the library it resolves
// against. Populated by the metadata encoder / stub fixer / ObjC rebuilder
// when they register a bind rather than a rebase.
type SymbolicInfo struct {
	Name           string
	LibraryOrdinal int
	ExportFlags    *uint64
}

// Record is one tracked pointer: a rebase (Bind == nil, Target is an
// address inside the reconstructed image) or a bind (Bind != nil, Target
// is the pre-slide value carried over for reference only).
type Record struct {
	Site     uint64 // vmaddr of the pointer slot itself
	Target   uint64
	Auth     *Auth
	Bind     *SymbolicInfo
	IsRebase bool
}

// MappingSource locates a mapping's slide-info stream and the cache bytes
// it governs; pkg/dyldcache.Cache satisfies this through a thin adapter so
// this package has no import-time dependency on dyldcache.
type MappingSource interface {
	// Address/Size describe the virtual-address range the stream governs.
	Address() uint64
	Size() uint64
	// SlideInfoBytes returns the raw slide-info blob for this mapping, or
	// nil if the mapping carries none.
	SlideInfoBytes() []byte
	// MappingBytes returns the mapping's backing file bytes (its "data
	// head" view), used to read the pre-slide raw value at an offset.
	MappingBytes() []byte
}

// Logger is the minimal activity-logging surface the tracker needs; real
// callers pass pkg/activity.Logger.
type Logger interface {
	Warnf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...interface{}) {}

// Tracker is the single source of truth, within one extraction, for what
// pointer lives where and who owns it.
type Tracker struct {
	log      Logger
	byteOrd  byteOrderLE
	mappings []MappingSource
	records  map[uint64]*Record // keyed by Site
}

type byteOrderLE struct{}

// New constructs a Tracker over the given mapping sources. It does not yet
// decode anything; call ProcessSlideInfo to populate records for an image.
func New(mappings []MappingSource, log Logger) *Tracker {
	if log == nil {
		log = noopLogger{}
	}
	return &Tracker{log: log, mappings: mappings, records: make(map[uint64]*Record)}
}

func (t *Tracker) mappingFor(addr uint64) MappingSource {
	for _, m := range t.mappings {
		if addr >= m.Address() && addr < m.Address()+m.Size() {
			return m
		}
	}
	return nil
}

// SlideP looks up the mapping containing a and returns the fully slid
// target recorded in its slide-info stream at that location. ok is false
// if a isn't inside any mapping with slide info, or the stream at that
// offset carries no slot (i.e. this pointer was never marked for rebase).
func (t *Tracker) SlideP(a uint64) (target uint64, auth *Auth, ok bool) {
	m := t.mappingFor(a)
	if m == nil {
		return 0, nil, false
	}
	blob := m.SlideInfoBytes()
	if blob == nil {
		return 0, nil, false
	}
	dec, err := slideinfo.New(blob, leOrder{})
	if err != nil {
		t.log.Warnf("pointer: %s", err)
		return 0, nil, false
	}
	slots, err := dec.Decode()
	if err != nil {
		t.log.Warnf("pointer: decode mapping at %#x: %s", m.Address(), err)
		return 0, nil, false
	}
	wantOff := uint32(a - m.Address())
	for _, s := range slots {
		if s.PageOffset != wantOff {
			continue
		}
		if s.Auth != nil {
			return s.Target, &Auth{Key: s.Auth.Key, Diversity: s.Auth.Diversity, AddrDiv: s.Auth.AddrDiv}, true
		}
		return s.Target, nil, true
	}
	return 0, nil, false
}

// leOrder is a tiny local adapter so this package need not import
// encoding/binary's exported LittleEndian value type directly in call
// sites that only need the interface.
type leOrder struct{}

func (leOrder) Uint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func (leOrder) Uint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func (leOrder) Uint64(b []byte) uint64 {
	return uint64(leOrder{}.Uint32(b)) | uint64(leOrder{}.Uint32(b[4:]))<<32
}
func (leOrder) PutUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func (leOrder) PutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func (leOrder) PutUint64(b []byte, v uint64) {
	leOrder{}.PutUint32(b, uint32(v))
	leOrder{}.PutUint32(b[4:], uint32(v>>32))
}
func (leOrder) String() string { return "LittleEndian" }

// TrackP records a pointer at file location loc. If authSource lies in a
// v3-authenticated mapping and the cell at that source is authenticated,
// the auth metadata is captured on the new record (per spec.md §4.C).
func (t *Tracker) TrackP(loc, target uint64, authSource uint64) *Record {
	var auth *Auth
	if _, a, ok := t.SlideP(authSource); ok && a != nil {
		auth = a
	}
	r := &Record{Site: loc, Target: target, Auth: auth, IsRebase: true}
	t.records[loc] = r
	return r
}

// ProcessSlideInfo iterates every slid pointer whose site lies within
// [imageStart, imageStart+imageSize) and emits a pointer record for each.
// After this pass the tracker is the single source of truth for the
// image's rebase pointers; later passes add binds on top via AddBind.
func (t *Tracker) ProcessSlideInfo(imageStart, imageSize, machHeaderAddr uint64) error {
	imageEnd := imageStart + imageSize
	for _, m := range t.mappings {
		blob := m.SlideInfoBytes()
		if blob == nil {
			continue
		}
		dec, err := slideinfo.New(blob, leOrder{})
		if err != nil {
			t.log.Warnf("pointer: mapping %#x: %s", m.Address(), err)
			continue
		}
		slots, err := dec.Decode()
		if err != nil {
			t.log.Warnf("pointer: mapping %#x decode: %s", m.Address(), err)
			continue
		}
		for _, s := range slots {
			site := m.Address() + uint64(s.PageOffset)
			if site < imageStart || site >= imageEnd {
				continue
			}
			target := s.Target
			if target < imageStart || target >= imageEnd {
				t.log.Warnf("pointer: site %#x targets %#x outside image, retargeting to mach header", site, target)
				target = machHeaderAddr
			}
			rec := &Record{Site: site, Target: target, IsRebase: true}
			if s.Auth != nil {
				rec.Auth = &Auth{Key: s.Auth.Key, Diversity: s.Auth.Diversity, AddrDiv: s.Auth.AddrDiv}
			}
			t.records[site] = rec
		}
	}
	return nil
}

// Add inserts a rebase record at site.
// Per spec.md §5 the tracker rejects a second record at the same site
// unless the caller explicitly removes the old one first.
func (t *Tracker) Add(site, target uint64, auth *Auth) error {
	if _, exists := t.records[site]; exists {
		return fmt.Errorf("pointer: record already exists at site %#x; call Remove first", site)
	}
	t.records[site] = &Record{Site: site, Target: target, Auth: auth, IsRebase: true}
	return nil
}

// AddBind inserts a bind record at site.
func (t *Tracker) AddBind(site uint64, sym SymbolicInfo, auth *Auth) error {
	if _, exists := t.records[site]; exists {
		return fmt.Errorf("pointer: record already exists at site %#x; call Remove first", site)
	}
	t.records[site] = &Record{Site: site, Bind: &sym, Auth: auth, IsRebase: false}
	return nil
}

// Remove evicts the record at site, if any.
func (t *Tracker) Remove(site uint64) {
	delete(t.records, site)
}

// CopyAuth copies the auth metadata from src's record onto dst's, if src
// has a record with auth info. Used by the ObjC rebuilder when an atom
// moves to the extra region but its pointer's authentication must survive.
func (t *Tracker) CopyAuth(dst, src uint64) {
	s, ok := t.records[src]
	if !ok || s.Auth == nil {
		return
	}
	d, ok := t.records[dst]
	if !ok {
		return
	}
	a := *s.Auth
	d.Auth = &a
}

// Get returns the record at site, if any.
func (t *Tracker) Get(site uint64) (*Record, bool) {
	r, ok := t.records[site]
	return r, ok
}

// Rebases returns every rebase record, ordered by site address. Consumed
// by the metadata encoder's legacy-rebase-stream and chained-fixups paths.
func (t *Tracker) Rebases() []*Record {
	var out []*Record
	for _, r := range t.records {
		if r.IsRebase {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}

// Binds returns every bind record, ordered by (library ordinal, symbol
// name, address) per spec.md §4.K's canonical bind-stream ordering.
func (t *Tracker) Binds() []*Record {
	var out []*Record
	for _, r := range t.records {
		if !r.IsRebase {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Bind, out[j].Bind
		if a.LibraryOrdinal != b.LibraryOrdinal {
			return a.LibraryOrdinal < b.LibraryOrdinal
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return out[i].Site < out[j].Site
	})
	return out
}

// Len reports the total number of tracked records.
func (t *Tracker) Len() int { return len(t.records) }
