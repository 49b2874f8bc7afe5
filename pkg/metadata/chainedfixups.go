package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/appsworld/dyldextractor/pkg/pointer"
	"github.com/appsworld/dyldextractor/types"
)

// ChainedSegment describes one R/W segment the chained-fixups encoder
// must cover: its vmaddr range and the page size dyld will walk chains
// with (0x4000 on arm64, 0x1000 elsewhere).
type ChainedSegment struct {
	Index         int
	VMAddr        uint64
	VMSize        uint64
	PageSize      uint32
	PointerFormat types.DCPtrKind
}

// ChainedImport is a dedup'd (library ordinal, symbol name) pair assigned
// a stable index into the imports table.
type ChainedImport struct {
	LibOrdinal uint8
	Name       string
	WeakImport bool
}

// EncodeChainedFixups builds the full LC_DYLD_CHAINED_FIXUPS payload
// (dyld_chained_fixups_header + dyld_chained_starts_in_image + one
// dyld_chained_starts_in_segment per segment + page_start tables +
// imports table + symbol string pool) per spec.md §4.K's arm64/arm64e
// path, threading one fixup chain per page through every rebase/bind
// record whose site falls in that page.
//
// segOf resolves a site to (segment index, offset within segment);
// segments must be sorted by Index ascending and cover every segment
// that could contain a tracked pointer.
func EncodeChainedFixups(records []*pointer.Record, segments []ChainedSegment, segOf SegmentOf) ([]byte, error) {
	bySeg := make(map[int][]*pointer.Record)
	for _, r := range records {
		segIdx, _, ok := segOf(r.Site)
		if !ok {
			continue
		}
		bySeg[segIdx] = append(bySeg[segIdx], r)
	}

	imports, importIndex := buildImportsTable(records)

	// Render each segment's dyld_chained_starts_in_segment body plus its
	// chain bytes (patched directly into the pages at write time by the
	// caller; here we only need the starts table and the linked values).
	type segBody struct {
		header     types.DyldChainedStartsInSegment
		pageStarts []uint16
		// chainPatches maps site -> new on-disk pointer value, for the
		// caller to poke into the actual page bytes.
		chainPatches map[uint64]uint64
	}
	bodies := make(map[int]*segBody)

	for _, seg := range segments {
		recs := bySeg[seg.Index]
		if len(recs) == 0 {
			continue
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Site < recs[j].Site })

		pageCount := uint16((seg.VMSize + uint64(seg.PageSize) - 1) / uint64(seg.PageSize))
		pageStarts := make([]uint16, pageCount)
		for i := range pageStarts {
			pageStarts[i] = uint16(types.DYLD_CHAINED_PTR_START_NONE)
		}

		byPage := make(map[uint16][]*pointer.Record)
		for _, r := range recs {
			off := r.Site - seg.VMAddr
			page := uint16(off / uint64(seg.PageSize))
			byPage[page] = append(byPage[page], r)
		}

		patches := make(map[uint64]uint64)
		stride := strideFor(seg.PointerFormat)
		for page, prs := range byPage {
			inPageOff := prs[0].Site - seg.VMAddr - uint64(page)*uint64(seg.PageSize)
			pageStarts[page] = uint16(inPageOff)
			for i, r := range prs {
				var next uint64
				if i+1 < len(prs) {
					delta := (prs[i+1].Site - r.Site) / stride
					next = delta
				}
				val, err := encodeChainedValue(seg.PointerFormat, r, next, importIndex)
				if err != nil {
					return nil, err
				}
				patches[r.Site] = val
			}
		}

		bodies[seg.Index] = &segBody{
			header: types.DyldChainedStartsInSegment{
				PageSize:      uint16(seg.PageSize),
				PointerFormat: seg.PointerFormat,
				SegmentOffset: seg.VMAddr,
				PageCount:     pageCount,
			},
			pageStarts:   pageStarts,
			chainPatches: patches,
		}
	}

	var segIdxList []int
	for idx := range bodies {
		segIdxList = append(segIdxList, idx)
	}
	sort.Ints(segIdxList)

	var buf bytes.Buffer
	hdr := types.DyldChainedFixupsHeader{FixupsVersion: 0}
	const chainedFixupsHeaderSize = 4 * 7 // FixupsVersion..SymbolsFormat, all uint32-sized
	buf.Write(make([]byte, chainedFixupsHeaderSize)) // placeholder for header, patched below

	startsOffset := uint32(buf.Len())
	maxSegIndex := 0
	for _, s := range segments {
		if s.Index > maxSegIndex {
			maxSegIndex = s.Index
		}
	}
	segInfoOffsets := make([]uint32, maxSegIndex+1)

	imageHdrPatch := buf.Len()
	buf.Write(make([]byte, 4+4*len(segInfoOffsets)))

	for _, idx := range segIdxList {
		b := bodies[idx]
		relOff := buf.Len() - imageHdrPatch
		segInfoOffsets[idx] = uint32(relOff)

		sizeFieldPos := buf.Len()
		binary.Write(&buf, binary.LittleEndian, b.header) // Size filled below
		for _, ps := range b.pageStarts {
			binary.Write(&buf, binary.LittleEndian, ps)
		}
		segSize := buf.Len() - sizeFieldPos
		out := buf.Bytes()
		binary.LittleEndian.PutUint32(out[sizeFieldPos:sizeFieldPos+4], uint32(segSize))
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[imageHdrPatch:], uint32(len(segInfoOffsets)))
	for i, off := range segInfoOffsets {
		binary.LittleEndian.PutUint32(out[imageHdrPatch+4+4*i:], off)
	}

	importsOffset := uint32(buf.Len())
	var symBuf bytes.Buffer
	symBuf.WriteByte(0)
	for _, imp := range imports {
		nameOff := uint32(symBuf.Len())
		symBuf.WriteString(imp.Name)
		symBuf.WriteByte(0)
		var packed uint32
		var weak uint32
		if imp.WeakImport {
			weak = 1
		}
		packed = uint32(imp.LibOrdinal) | weak<<8 | nameOff<<9
		binary.Write(&buf, binary.LittleEndian, packed)
	}
	symbolsOffset := uint32(buf.Len())
	buf.Write(symBuf.Bytes())

	hdr.StartsOffset = uint32(startsOffset)
	hdr.ImportsOffset = importsOffset
	hdr.SymbolsOffset = symbolsOffset
	hdr.ImportsCount = uint32(len(imports))
	hdr.ImportsFormat = types.DC_IMPORT
	hdr.SymbolsFormat = types.DC_SFORMAT_UNCOMPRESSED

	final := buf.Bytes()
	hdrBuf := new(bytes.Buffer)
	binary.Write(hdrBuf, binary.LittleEndian, hdr)
	copy(final[0:], hdrBuf.Bytes())

	return final, nil
}

func strideFor(kind types.DCPtrKind) uint64 {
	switch kind {
	case types.DYLD_CHAINED_PTR_ARM64E, types.DYLD_CHAINED_PTR_ARM64E_USERLAND, types.DYLD_CHAINED_PTR_ARM64E_USERLAND24:
		return 8
	case types.DYLD_CHAINED_PTR_ARM64E_KERNEL, types.DYLD_CHAINED_PTR_ARM64E_FIRMWARE:
		return 4
	case types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE:
		return 1
	default:
		return 4
	}
}

func buildImportsTable(records []*pointer.Record) ([]ChainedImport, map[string]uint32) {
	index := make(map[string]uint32)
	var imports []ChainedImport
	for _, r := range records {
		if r.Bind == nil {
			continue
		}
		key := r.Bind.Name
		if _, ok := index[key]; ok {
			continue
		}
		index[key] = uint32(len(imports))
		imports = append(imports, ChainedImport{
			LibOrdinal: uint8(r.Bind.LibraryOrdinal),
			Name:       r.Bind.Name,
		})
	}
	return imports, index
}

// encodeChainedValue packs one rebase or bind record into its on-disk
// arm64e chained-pointer cell, per the DYLD_CHAINED_PTR_ARM64E layout in
// types/dyld_chained_fixups.go: bit 63 auth, bit 62 bind, bits [51:61]
// next-chain-entry delta, remaining bits target/addend+ordinal.
func encodeChainedValue(kind types.DCPtrKind, r *pointer.Record, next uint64, importIndex map[string]uint32) (uint64, error) {
	isAuth := r.Auth != nil

	if r.Bind != nil {
		idx, ok := importIndex[r.Bind.Name]
		if !ok {
			return 0, fmt.Errorf("metadata: bind %q missing from imports table", r.Bind.Name)
		}
		var v uint64
		v |= 1 << 62 // bind
		v |= (next & 0x7ff) << 51
		v |= uint64(idx) & 0xffffff
		if isAuth {
			v |= 1 << 63
			v |= (uint64(r.Auth.Key) & 0x3) << 49
			if r.Auth.AddrDiv {
				v |= 1 << 48
			}
			v |= (uint64(r.Auth.Diversity) & 0xffff) << 32
		}
		return v, nil
	}

	var v uint64
	v |= (next & 0x7ff) << 51
	if isAuth {
		v |= 1 << 63
		v |= (uint64(r.Auth.Key) & 0x3) << 49
		if r.Auth.AddrDiv {
			v |= 1 << 48
		}
		v |= (uint64(r.Auth.Diversity) & 0xffff) << 32
		v |= r.Target & 0xffffffff // 32-bit vm offset field for auth rebases
	} else {
		v |= r.Target & ((1 << 43) - 1)
		v |= ((r.Target >> 43) & 0xff) << 43 // high8
	}
	return v, nil
}
