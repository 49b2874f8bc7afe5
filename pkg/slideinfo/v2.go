package slideinfo

import (
	"encoding/binary"
	"fmt"
)

// v2Header is dyld_cache_slide_info2: per-page chains of value+delta cells,
// decoded here as 64-bit cells only. PageSize is normally
// 4096; PageStartsOffset/PageStartsCount index a uint16 array, one entry per
// page, either DYLD_CACHE_SLIDE_V2_PAGE_ATTR_NO_REBASE (no chain) or the
// offset, in 4-byte units, of the page's first chained slot. When the high bit is set
// the entry indexes the Extras table instead (multiple chains per page).
type v2Header struct {
	Version        uint32
	PageSize       uint32
	PageStartsOff  uint32
	PageStartsCnt  uint32
	PageExtrasOff  uint32
	PageExtrasCnt  uint32
	DeltaMask      uint64
	ValueAdd       uint64
}

const (
	v2PageAttrNoRebase    uint16 = 0xffff
	v2PageAttrExtra       uint16 = 0x8000
	v2PageStartsLast      uint16 = 0x8000
)

type decoderV2 struct {
	data        []byte
	bo          binary.ByteOrder
	hdr         v2Header
	pointerSize int
	deltaShift  uint
}

func newV2(data []byte, bo binary.ByteOrder) (Decoder, error) {
	return newV2Like(data, bo, 2)
}

func newV2Like(data []byte, bo binary.ByteOrder, pointerSize int) (Decoder, error) {
	if len(data) < 40 {
		return nil, fmt.Errorf("slideinfo: v2 blob too small")
	}
	hdr := v2Header{
		Version:       bo.Uint32(data[0:4]),
		PageSize:      bo.Uint32(data[4:8]),
		PageStartsOff: bo.Uint32(data[8:12]),
		PageStartsCnt: bo.Uint32(data[12:16]),
		PageExtrasOff: bo.Uint32(data[16:20]),
		PageExtrasCnt: bo.Uint32(data[20:24]),
		DeltaMask:     bo.Uint64(data[24:32]),
		ValueAdd:      bo.Uint64(data[32:40]),
	}
	shift := uint(0)
	mask := hdr.DeltaMask
	for mask != 0 && mask&1 == 0 {
		shift++
		mask >>= 1
	}
	return &decoderV2{data: data, bo: bo, hdr: hdr, pointerSize: 8, deltaShift: shift}, nil
}

func (d *decoderV2) Version() uint32 { return 2 }

func (d *decoderV2) Decode() ([]Slot, error) {
	var slots []Slot
	for page := uint32(0); page < d.hdr.PageStartsCnt; page++ {
		entryOff := int(d.hdr.PageStartsOff) + int(page)*2
		if entryOff+2 > len(d.data) {
			return nil, fmt.Errorf("slideinfo: v2 page-start %d out of range", page)
		}
		start := d.bo.Uint16(d.data[entryOff : entryOff+2])
		if start == v2PageAttrNoRebase {
			continue
		}
		pageBase := page * d.hdr.PageSize
		if start&v2PageAttrExtra != 0 {
			extraIdx := start &^ v2PageAttrExtra
			if err := d.walkExtras(pageBase, extraIdx, &slots); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.walkChain(pageBase, uint32(start), &slots); err != nil {
			return nil, err
		}
	}
	return slots, nil
}

func (d *decoderV2) walkExtras(pageBase uint32, extraIdx uint16, slots *[]Slot) error {
	for {
		off := int(d.hdr.PageExtrasOff) + int(extraIdx)*2
		if off+2 > len(d.data) {
			return fmt.Errorf("slideinfo: v2 extras %d out of range", extraIdx)
		}
		entry := d.bo.Uint16(d.data[off : off+2])
		chainStart := entry &^ v2PageStartsLast
		if err := d.walkChain(pageBase, uint32(chainStart), slots); err != nil {
			return err
		}
		if entry&v2PageStartsLast != 0 {
			return nil
		}
		extraIdx++
	}
}

func (d *decoderV2) walkChain(pageBase uint32, startOff uint32, slots *[]Slot) error {
	off := pageBase + startOff*4
	for {
		if int(off)+8 > len(d.data) {
			return fmt.Errorf("slideinfo: v2 chain cell at %#x out of range", off)
		}
		raw := d.bo.Uint64(d.data[off : off+8])
		delta := (raw & d.hdr.DeltaMask) >> d.deltaShift
		value := raw &^ d.hdr.DeltaMask
		target := value + d.hdr.ValueAdd
		*slots = append(*slots, Slot{PageOffset: off, RawValue: raw, Target: target})
		if delta == 0 {
			return nil
		}
		off += uint32(delta * 4)
	}
}
