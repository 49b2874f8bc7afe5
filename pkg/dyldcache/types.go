package dyldcache

import "fmt"

// header is the on-disk dyld_cache_header prefix shared by every cache
// format this package understands. Apple has added fields to the tail of
// this struct release over release; readHeader copies whatever prefix of
// it the file holds into a zeroed buffer of the full struct size and
// decodes that, so fields past the end of an older, shorter header read
// as zero.
type header struct {
	Magic                    [16]byte // e.g. "dyld_v1  arm64e"
	MappingOffset            uint32
	MappingCount             uint32
	ImagesOffsetOld          uint32
	ImagesCountOld           uint32
	DyldBaseAddress          uint64
	CodeSignatureOffset      uint64
	CodeSignatureSize        uint64
	SlideInfoOffsetUnused    uint64
	SlideInfoSizeUnused      uint64
	LocalSymbolsOffset       uint64
	LocalSymbolsSize         uint64
	UUID                     [16]byte
	Cachetype                uint64
	BranchPoolsOffset        uint32
	BranchPoolsCount         uint32
	AccelerateInfoAddr       uint64
	AccelerateInfoSize       uint64
	ImagesTextOffset         uint64
	ImagesTextCount          uint64
	PatchInfoAddr            uint64
	PatchInfoSize            uint64
	OtherImageGroupAddrUnused uint64
	OtherImageGroupSizeUnused uint64
	ProgClosuresAddr         uint64
	ProgClosuresSize         uint64
	ProgClosuresTrieAddr     uint64
	ProgClosuresTrieSize     uint64
	Platform                 uint32
	FormatVersionEtc         uint32 // packed bitfield, see formatVersion()
	SharedRegionStart        uint64
	SharedRegionSize         uint64
	MaxSlide                 uint64
	DylibsImageArrayAddr     uint64
	DylibsImageArraySize     uint64
	DylibsTrieAddr           uint64
	DylibsTrieSize           uint64
	OtherImageArrayAddr      uint64
	OtherImageArraySize      uint64
	OtherTrieAddr            uint64
	OtherTrieSize            uint64
	MappingWithSlideOffset   uint32
	MappingWithSlideCount    uint32
	DylibsPblStateArrayAddr  uint64
	DylibsPblSetAddr         uint64
	ProgramsPblSetPoolAddr   uint64
	ProgramsPblSetPoolSize   uint64
	ProgramTrieAddr          uint64
	ProgramTrieSize          uint32
	OSVersion                uint32
	AltPlatform              uint32
	AltOSVersion             uint32
	SwiftOptsOffset          uint64
	SwiftOptsSize            uint64
	SubCacheArrayOffset      uint32
	SubCacheArrayCount       uint32
	SymbolFileUUID           [16]byte
	RosettaReadOnlyAddr      uint64
	RosettaReadOnlySize      uint64
	RosettaReadWriteAddr     uint64
	RosettaReadWriteSize     uint64
	ImagesOffset             uint32
	ImagesCount              uint32
}

func (h *header) hasSymbolFileUUID() bool {
	for _, b := range h.SymbolFileUUID {
		if b != 0 {
			return true
		}
	}
	return false
}

// mappingInfo is a dyld_cache_mapping_info: one contiguous virtual-address
// range and the file range that backs it.
type mappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

// mappingAndSlideInfo is the newer dyld_cache_mapping_and_slide_info, present
// when MappingWithSlideOffset != 0. It adds the slide-info stream location
// directly to the mapping record instead of the old single-slide-info-blob
// scheme.
type mappingAndSlideInfo struct {
	Address         uint64
	Size            uint64
	FileOffset      uint64
	SlideInfoOffset uint64
	SlideInfoSize   uint64
	Flags           uint64
	MaxProt         uint32
	InitProt        uint32
}

const (
	mappingFlagAuthData  uint64 = 1 << 0
	mappingFlagDirtyData uint64 = 1 << 1
	mappingFlagConstData uint64 = 1 << 2
)

// imageInfo is a dyld_cache_image_info: one image's load address and where
// to find its install-name string and mtime/inode pair.
type imageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// subCacheEntry is a dyld_subcache_entry: a sibling file sharing this
// cache's vmaddr space.
type subCacheEntry struct {
	UUID            [16]byte
	VMOffset        uint64
	FileSuffix      [32]byte // ".1", ".symbols", etc. (newer format)
}

// localSymbolsInfo is the header of the side file (or embedded region) of
// local symbols stripped from every image's symbol table to save space.
type localSymbolsInfo struct {
	NlistOffset   uint32
	NlistCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	EntriesOffset uint32
	EntriesCount  uint32
}

// localSymbolEntry64 is the 64-bit (vmoffset) per-image entry format used by
// newer caches.
type localSymbolEntry64 struct {
	DylibOffset   uint64
	NlistStartIdx uint32
	NlistCount    uint32
}

// localSymbolEntry32 is the older (fileoffset) per-image entry format.
type localSymbolEntry32 struct {
	DylibOffset   uint32
	NlistStartIdx uint32
	NlistCount    uint32
}

func (h *header) String() string {
	return fmt.Sprintf("magic=%q mappings=%d images=%d subcaches=%d", h.Magic, h.MappingCount, h.ImagesCount, h.SubCacheArrayCount)
}
