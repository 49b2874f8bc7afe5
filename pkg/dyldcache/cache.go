// Package dyldcache implements component A of the reversal pipeline: it
// memory-maps a dyld shared cache (main file plus numbered sub-caches) and
// exposes address->file and address->pointer conversions, the image table,
// and the cache's architecture.
package dyldcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Mapping is one virtual-address range backed by one sub-cache's file.
type Mapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32

	// SlideInfoOffset/SlideInfoSize locate this mapping's slide-info stream
	// within its owning SubCache, or are zero if the mapping is read-only
	// (text segments carry no slide info).
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	Flags           uint64

	owner *SubCache
}

func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Address && addr < m.Address+m.Size
}

func (m Mapping) IsAuthData() bool { return m.Flags&mappingFlagAuthData != 0 }

// Image is one entry of the cache's image table: an install path plus the
// load address its Mach-O header starts at.
type Image struct {
	Name       string
	Address    uint64
	ModTime    uint64
	Inode      uint64
}

// SubCache is one backing file (the main cache or one of its numbered
// siblings) memory-mapped read-only.
type SubCache struct {
	Path string
	UUID uuid.UUID
	Data []byte // the whole file, mmap'd in a real deployment

	Mappings []Mapping
}

func (s *SubCache) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(s.Data) {
		return 0, fmt.Errorf("dyldcache: offset %#x out of range for %s", off, s.Path)
	}
	n := copy(p, s.Data[off:])
	if n < len(p) {
		return n, fmt.Errorf("dyldcache: short read at %#x in %s", off, s.Path)
	}
	return n, nil
}

// Cache is a fully opened dyld shared cache: the main file plus every
// sub-cache, the merged image table, and the architecture the header's
// magic declared.
type Cache struct {
	ByteOrder binary.ByteOrder
	Arch      Arch

	Main      *SubCache
	SubCaches []*SubCache // includes Main at index 0

	Images []Image

	hdr                header
	localSymbolsReader *SubCache // the sub-cache (or Main) backing hdr.LocalSymbolsOffset
	localSymbolsOffset uint64
}

// Open memory-maps the cache at path, which may be the main cache file
// itself or a directory containing it plus its numbered sub-caches.
func Open(path string) (*Cache, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("dyldcache: %w", err)
	}

	mainPath := path
	if info.IsDir() {
		mainPath, err = findMainCacheInDir(path)
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(mainPath)
	if err != nil {
		return nil, fmt.Errorf("dyldcache: failed to read %s: %w", mainPath, err)
	}
	if len(data) < 16+4 {
		return nil, fmt.Errorf("dyldcache: %s is too small to be a shared cache", mainPath)
	}

	var magic [16]byte
	copy(magic[:], data[:16])
	arch, err := parseArch(magic)
	if err != nil {
		return nil, err
	}

	c := &Cache{ByteOrder: binary.LittleEndian, Arch: arch}

	hdr, err := c.readHeader(data)
	if err != nil {
		return nil, err
	}
	c.hdr = hdr

	main := &SubCache{Path: mainPath, Data: data}
	main.Mappings, err = c.readMappings(main, hdr)
	if err != nil {
		return nil, err
	}
	c.Main = main
	c.SubCaches = []*SubCache{main}

	if err := c.openSubCaches(filepath.Dir(mainPath), hdr); err != nil {
		return nil, err
	}

	c.Images, err = c.readImages(hdr)
	if err != nil {
		return nil, err
	}

	c.localSymbolsReader, c.localSymbolsOffset = c.resolveLocalSymbolsSource(hdr)

	return c, nil
}

// findMainCacheInDir picks the main cache out of a directory: the file
// whose name has no numeric or ".symbols" suffix (dyld_shared_cache_arm64e,
// not dyld_shared_cache_arm64e.1 or .symbols).
func findMainCacheInDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("dyldcache: %w", err)
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".map") {
			continue
		}
		if strings.Contains(name, ".symbols") {
			continue
		}
		if strings.HasPrefix(name, "dyld_shared_cache_") && !hasNumericSuffix(name) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("dyldcache: no main cache file found in %s", dir)
	}
	sort.Strings(candidates)
	return filepath.Join(dir, candidates[0]), nil
}

func hasNumericSuffix(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	suffix := name[i+1:]
	if suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Cache) readHeader(data []byte) (header, error) {
	var hdr header
	r := bytes.NewReader(data)
	// Older caches are shorter than the full struct; read as much as is
	// present and leave the tail zeroed, matching
	// headerContainsMember(offset)'s tolerance from spec.md §6.
	buf := make([]byte, binary.Size(hdr))
	n := copy(buf, data)
	_ = n
	if err := binary.Read(bytes.NewReader(buf), c.ByteOrder, &hdr); err != nil {
		return header{}, fmt.Errorf("dyldcache: failed to read header: %w", err)
	}
	_ = r
	return hdr, nil
}

func (c *Cache) headerContainsMember(fieldOffset int, fileLen int) bool {
	return fieldOffset+8 <= fileLen
}

func (c *Cache) readMappings(sc *SubCache, hdr header) ([]Mapping, error) {
	var mappings []Mapping

	if hdr.MappingWithSlideOffset != 0 && hdr.MappingWithSlideCount > 0 {
		for i := uint32(0); i < hdr.MappingWithSlideCount; i++ {
			off := int64(hdr.MappingWithSlideOffset) + int64(i)*int64(binary.Size(mappingAndSlideInfo{}))
			var m mappingAndSlideInfo
			if err := readStruct(sc.Data, off, c.ByteOrder, &m); err != nil {
				return nil, fmt.Errorf("dyldcache: mapping-with-slide %d: %w", i, err)
			}
			mappings = append(mappings, Mapping{
				Address: m.Address, Size: m.Size, FileOffset: m.FileOffset,
				MaxProt: m.MaxProt, InitProt: m.InitProt,
				SlideInfoOffset: m.SlideInfoOffset, SlideInfoSize: m.SlideInfoSize,
				Flags: m.Flags, owner: sc,
			})
		}
		return mappings, nil
	}

	for i := uint32(0); i < hdr.MappingCount; i++ {
		off := int64(hdr.MappingOffset) + int64(i)*int64(binary.Size(mappingInfo{}))
		var m mappingInfo
		if err := readStruct(sc.Data, off, c.ByteOrder, &m); err != nil {
			return nil, fmt.Errorf("dyldcache: mapping %d: %w", i, err)
		}
		mm := Mapping{Address: m.Address, Size: m.Size, FileOffset: m.FileOffset, MaxProt: m.MaxProt, InitProt: m.InitProt, owner: sc}
		// Legacy caches carry a single slide-info blob for the (one)
		// writable mapping, recorded in the header rather than per-mapping.
		if i == 1 && hdr.SlideInfoOffsetUnused != 0 {
			mm.SlideInfoOffset = hdr.SlideInfoOffsetUnused
			mm.SlideInfoSize = hdr.SlideInfoSizeUnused
		}
		mappings = append(mappings, mm)
	}
	return mappings, nil
}

func (c *Cache) openSubCaches(dir string, hdr header) error {
	if hdr.SubCacheArrayOffset == 0 || hdr.SubCacheArrayCount == 0 {
		return nil
	}
	entrySize := binary.Size(subCacheEntry{})
	for i := uint32(0); i < hdr.SubCacheArrayCount; i++ {
		off := int64(hdr.SubCacheArrayOffset) + int64(i)*int64(entrySize)
		var e subCacheEntry
		if err := readStruct(c.Main.Data, off, c.ByteOrder, &e); err != nil {
			return fmt.Errorf("dyldcache: sub-cache entry %d: %w", i, err)
		}
		suffix := strings.TrimRight(string(e.FileSuffix[:]), "\x00")
		if suffix == "" {
			suffix = fmt.Sprintf(".%d", i+1)
		}
		path := mainBasePath(c.Main.Path) + suffix
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("dyldcache: failed to read sub-cache %s: %w", path, err)
		}
		sub := &SubCache{Path: path, Data: data}
		var subHdr header
		if err := readStruct(data, 0, c.ByteOrder, &subHdr); err != nil {
			return fmt.Errorf("dyldcache: sub-cache %s header: %w", path, err)
		}
		sub.Mappings, err = c.readMappings(sub, subHdr)
		if err != nil {
			return err
		}
		c.SubCaches = append(c.SubCaches, sub)
	}
	return nil
}

func mainBasePath(p string) string {
	if strings.Contains(filepath.Base(p), ".") {
		return p
	}
	return p
}

func (c *Cache) readImages(hdr header) ([]Image, error) {
	off, count := hdr.ImagesOffset, hdr.ImagesCount
	if count == 0 {
		off, count = hdr.ImagesOffsetOld, hdr.ImagesCountOld
	}
	images := make([]Image, 0, count)
	entrySize := binary.Size(imageInfo{})
	for i := uint32(0); i < count; i++ {
		var info imageInfo
		if err := readStruct(c.Main.Data, int64(off)+int64(i)*int64(entrySize), c.ByteOrder, &info); err != nil {
			return nil, fmt.Errorf("dyldcache: image %d: %w", i, err)
		}
		name, err := readCString(c.Main.Data, int64(info.PathFileOffset))
		if err != nil {
			return nil, fmt.Errorf("dyldcache: image %d path: %w", i, err)
		}
		images = append(images, Image{Name: name, Address: info.Address, ModTime: info.ModTime, Inode: info.Inode})
	}
	return images, nil
}

func (c *Cache) resolveLocalSymbolsSource(hdr header) (*SubCache, uint64) {
	if hdr.LocalSymbolsOffset == 0 {
		return nil, 0
	}
	return c.Main, hdr.LocalSymbolsOffset
}

// HasSymbolFileUUID reports whether the cache carries a non-zero
// SymbolFileUUID header field, which spec.md §4.G uses to pick the 64-bit
// local-symbol entry format over the 32-bit one.
func (c *Cache) HasSymbolFileUUID() bool { return c.hdr.hasSymbolFileUUID() }

// LocalSymbolsRegion returns the sub-cache and byte offset backing the side
// file of stripped local symbols, or ok=false if the cache carries none.
func (c *Cache) LocalSymbolsRegion() (sc *SubCache, offset uint64, ok bool) {
	if c.localSymbolsReader == nil {
		return nil, 0, false
	}
	return c.localSymbolsReader, c.localSymbolsOffset, true
}

// Image looks up an image by a case-sensitive substring of its install path.
func (c *Cache) Image(partialPath string) (*Image, error) {
	for i := range c.Images {
		if strings.Contains(c.Images[i].Name, partialPath) {
			return &c.Images[i], nil
		}
	}
	return nil, fmt.Errorf("dyldcache: no image matching %q", partialPath)
}

// Convert finds the sub-cache and file offset backing vmaddr. Per spec.md
// §3's invariant, it tries every mapping in every sub-cache and an address
// matched in one sub-cache is never matched in another.
func (c *Cache) Convert(vmaddr uint64) (offset uint64, sc *SubCache, err error) {
	for _, s := range c.SubCaches {
		for _, m := range s.Mappings {
			if m.Contains(vmaddr) {
				return m.FileOffset + (vmaddr - m.Address), s, nil
			}
		}
	}
	return 0, nil, fmt.Errorf("dyldcache: address %#x not mapped by any sub-cache", vmaddr)
}

// ConvertP reads and returns the pointer-sized value stored at vmaddr, or
// an error if vmaddr is unmapped. Named ConvertP to mirror spec.md §4.A's
// "convertP(vmaddr) -> pointer-or-null".
func (c *Cache) ConvertP(vmaddr uint64) (uint64, error) {
	off, sc, err := c.Convert(vmaddr)
	if err != nil {
		return 0, err
	}
	if c.Arch.PointerSize == 4 {
		var v uint32
		if err := readStruct(sc.Data, int64(off), c.ByteOrder, &v); err != nil {
			return 0, err
		}
		return uint64(v), nil
	}
	var v uint64
	if err := readStruct(sc.Data, int64(off), c.ByteOrder, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// MappingFor returns the mapping (and its owning sub-cache) that contains
// vmaddr.
func (c *Cache) MappingFor(vmaddr uint64) (Mapping, error) {
	for _, s := range c.SubCaches {
		for _, m := range s.Mappings {
			if m.Contains(vmaddr) {
				return m, nil
			}
		}
	}
	return Mapping{}, fmt.Errorf("dyldcache: address %#x not mapped", vmaddr)
}

// WritableMappings returns every mapping across every sub-cache that carries
// a slide-info stream, in file order. Component C (pointer tracker) walks
// these at construction.
func (c *Cache) WritableMappings() []Mapping {
	var out []Mapping
	for _, s := range c.SubCaches {
		for _, m := range s.Mappings {
			if m.SlideInfoOffset != 0 {
				out = append(out, m)
			}
		}
	}
	return out
}

func readStruct(data []byte, off int64, bo binary.ByteOrder, v interface{}) error {
	size := binary.Size(v)
	if off < 0 || int(off)+size > len(data) {
		return fmt.Errorf("dyldcache: struct read at %#x (size %d) out of range (len %d)", off, size, len(data))
	}
	return binary.Read(bytes.NewReader(data[off:int(off)+size]), bo, v)
}

func readCString(data []byte, off int64) (string, error) {
	if off < 0 || int(off) >= len(data) {
		return "", fmt.Errorf("dyldcache: string offset %#x out of range", off)
	}
	end := int(off)
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end]), nil
}
