package slideinfo

import (
	"encoding/binary"
	"fmt"
)

// v4Header is dyld_cache_slide_info4: per-page chains shaped like v2 but
// 32-bit only, adding a small-positive/small-negative non-pointer escape:
// a chain cell whose low bits indicate it is raw data, not a rebase target,
// is skipped without emitting a slot.
type v4Header struct {
	Version       uint32
	PageSize      uint32
	PageStartsOff uint32
	PageStartsCnt uint32
	PageExtrasOff uint32
	PageExtrasCnt uint32
	DeltaMask     uint32
	ValueAdd      uint32
}

const (
	v4PageAttrNoRebase uint16 = 0xffff
	v4PageAttrExtra    uint16 = 0x8000
	v4PageStartsLast   uint16 = 0x8000
)

type decoderV4 struct {
	data       []byte
	bo         binary.ByteOrder
	hdr        v4Header
	deltaShift uint
}

func newV4(data []byte, bo binary.ByteOrder) (Decoder, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("slideinfo: v4 blob too small")
	}
	hdr := v4Header{
		Version:       bo.Uint32(data[0:4]),
		PageSize:      bo.Uint32(data[4:8]),
		PageStartsOff: bo.Uint32(data[8:12]),
		PageStartsCnt: bo.Uint32(data[12:16]),
		PageExtrasOff: bo.Uint32(data[16:20]),
		PageExtrasCnt: bo.Uint32(data[20:24]),
		DeltaMask:     bo.Uint32(data[24:28]),
		ValueAdd:      bo.Uint32(data[28:32]),
	}
	shift := uint(0)
	mask := hdr.DeltaMask
	for mask != 0 && mask&1 == 0 {
		shift++
		mask >>= 1
	}
	return &decoderV4{data: data, bo: bo, hdr: hdr, deltaShift: shift}, nil
}

func (d *decoderV4) Version() uint32 { return 4 }

func (d *decoderV4) Decode() ([]Slot, error) {
	var slots []Slot
	for page := uint32(0); page < d.hdr.PageStartsCnt; page++ {
		entryOff := int(d.hdr.PageStartsOff) + int(page)*2
		if entryOff+2 > len(d.data) {
			return nil, fmt.Errorf("slideinfo: v4 page-start %d out of range", page)
		}
		start := d.bo.Uint16(d.data[entryOff : entryOff+2])
		if start == v4PageAttrNoRebase {
			continue
		}
		pageBase := page * d.hdr.PageSize
		if start&v4PageAttrExtra != 0 {
			if err := d.walkExtras(pageBase, start&^v4PageAttrExtra, &slots); err != nil {
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

func (d *decoderV4) walkExtras(pageBase uint32, extraIdx uint16, slots *[]Slot) error {
	for {
		off := int(d.hdr.PageExtrasOff) + int(extraIdx)*2
		if off+2 > len(d.data) {
			return fmt.Errorf("slideinfo: v4 extras %d out of range", extraIdx)
		}
		entry := d.bo.Uint16(d.data[off : off+2])
		if err := d.walkChain(pageBase, uint32(entry&^v4PageStartsLast), slots); err != nil {
			return err
		}
		if entry&v4PageStartsLast != 0 {
			return nil
		}
		extraIdx++
	}
}

// walkChain mirrors v2's chain format but the low two bits of the
// non-delta value select: 0b00 = ordinary rebase target (value is
// pointer-sized), 0b01/0b10 = small-positive/small-negative non-pointer
// data the original stream left verbatim and this decoder must skip
// without producing a Slot.
func (d *decoderV4) walkChain(pageBase uint32, startOff uint32, slots *[]Slot) error {
	off := pageBase + startOff*4
	for {
		if int(off)+4 > len(d.data) {
			return fmt.Errorf("slideinfo: v4 chain cell at %#x out of range", off)
		}
		raw := d.bo.Uint32(d.data[off : off+4])
		delta := (raw & d.hdr.DeltaMask) >> d.deltaShift
		value := raw &^ d.hdr.DeltaMask
		if value&0x3 == 0 {
			target := uint64(value) + uint64(d.hdr.ValueAdd)
			*slots = append(*slots, Slot{PageOffset: off, RawValue: uint64(raw), Target: target})
		}
		if delta == 0 {
			return nil
		}
		off += delta * 4
	}
}
