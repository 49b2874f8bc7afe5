// Package offsetopt implements component L: once every other pipeline
// stage has decided what bytes an extracted image needs (new linkedit
// contents, new objc extra region, resized load-command area), this
// package computes the final file layout — segment file offsets
// re-paged to start at page boundaries, the scatter-gather write plan
// that copies each region into the output file, and the load-command
// field patches every upstream stage registered callbacks for.
package offsetopt

import (
	"fmt"
	"sort"
)

// Region is one contiguous byte range that must land somewhere in the
// output file: a segment's original content, the rebuilt linkedit
// blob, or a newly synthesized region (the objc extra segment).
type Region struct {
	Name      string
	VMAddr    uint64
	Size      uint64
	Data      []byte // may be nil for VM-only (__PAGEZERO-style) regions
	FileAlign uint64 // required file-offset alignment, usually page size
}

// Plan is the final scatter-gather write plan: each entry names a
// region and the file offset it landed at.
type Plan struct {
	Entries []PlanEntry
	// FileSize is the total output file size after layout.
	FileSize uint64
}

// PlanEntry is one region's resolved placement.
type PlanEntry struct {
	Region     Region
	FileOffset uint64
}

// OffsetSetter lets a caller (a load-command field, a segment command's
// fileoff) react to a region's final placement.
type OffsetSetter func(fileOffset uint64)

// Request couples a region with the setters that need to learn its
// final file offset once layout is resolved.
type Request struct {
	Region  Region
	Setters []OffsetSetter
}

const defaultPageSize = 0x4000

// Layout computes file offsets for every region, preserving the caller's
// ordering as a tie-break but re-paging each region's start to the
// nearest multiple of its FileAlign (defaulting to defaultPageSize),
// matching how a real Mach-O linker lays out segments. startOffset is
// the file offset of the first region (normally 0, the Mach-O header).
func Layout(requests []Request, startOffset uint64) (*Plan, error) {
	if len(requests) == 0 {
		return &Plan{}, nil
	}

	plan := &Plan{}
	cursor := startOffset
	for _, req := range requests {
		align := req.Region.FileAlign
		if align == 0 {
			align = defaultPageSize
		}
		if rem := cursor % align; rem != 0 {
			cursor += align - rem
		}

		for _, set := range req.Setters {
			if set != nil {
				set(cursor)
			}
		}
		plan.Entries = append(plan.Entries, PlanEntry{Region: req.Region, FileOffset: cursor})
		cursor += req.Region.Size
	}
	plan.FileSize = cursor
	return plan, nil
}

// Validate checks the plan for overlapping regions, a defect that would
// corrupt the output file if a caller under-reported a region's size.
func Validate(plan *Plan) error {
	entries := append([]PlanEntry{}, plan.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileOffset < entries[j].FileOffset })
	for i := 1; i < len(entries); i++ {
		prevEnd := entries[i-1].FileOffset + entries[i-1].Region.Size
		if entries[i].FileOffset < prevEnd {
			return fmt.Errorf("offsetopt: region %q at %#x overlaps preceding region %q ending at %#x",
				entries[i].Region.Name, entries[i].FileOffset, entries[i-1].Region.Name, prevEnd)
		}
	}
	return nil
}

// WriteTo renders the plan by invoking write for each entry with its
// resolved destination offset; regions with nil Data are skipped (pure
// VM reservations with no file content, e.g. __PAGEZERO or bss-like
// zerofill sections).
func WriteTo(plan *Plan, write func(fileOffset uint64, data []byte) error) error {
	for _, e := range plan.Entries {
		if e.Region.Data == nil {
			continue
		}
		if err := write(e.FileOffset, e.Region.Data); err != nil {
			return fmt.Errorf("offsetopt: write region %q at %#x: %w", e.Region.Name, e.FileOffset, err)
		}
	}
	return nil
}
