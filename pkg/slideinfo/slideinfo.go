// Package slideinfo decodes the dyld shared cache's per-mapping slide-info
// streams (versions 1-4) into a uniform list of pointer-sized slots that
// need rebasing, shared by component C (the pointer tracker).
package slideinfo

import (
	"encoding/binary"
	"fmt"
)

// AuthInfo is the arm64e v3 authentication metadata recovered from a chain
// cell, populated only when the stream is the v3 authenticated format.
type AuthInfo struct {
	Key        uint8
	Diversity  uint16
	AddrDiv    bool
}

// Slot is one pointer-sized location this mapping's slide-info stream marks
// as needing a rebase, plus the fully-slid target it decoded to.
type Slot struct {
	PageOffset uint32 // byte offset within the mapping
	RawValue   uint64 // the value found on disk before sliding
	Target     uint64 // fully slid target (v3 auth: plain offset + auth-value-add)
	Auth       *AuthInfo
}

// Decoder is implemented by each version-specific slide-info reader.
type Decoder interface {
	// Version reports the slide-info format version this decoder handles.
	Version() uint32
	// Decode walks the stream and returns every slot it marks.
	Decode() ([]Slot, error)
}

// ErrUnknownVersion is returned (and, per spec.md §4.C's failure model,
// should only cause the owning mapping to be logged and skipped, not the
// whole cache to fail) when a slide-info blob's header version is not one
// this package understands.
type ErrUnknownVersion struct{ Version uint32 }

func (e *ErrUnknownVersion) Error() string {
	return fmt.Sprintf("slideinfo: unknown slide-info version %d", e.Version)
}

// New reads the version header of a slide-info blob and returns the decoder
// for its format, or *ErrUnknownVersion.
func New(data []byte, bo binary.ByteOrder) (Decoder, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("slideinfo: blob too small (%d bytes)", len(data))
	}
	version := bo.Uint32(data[:4])
	switch version {
	case 1:
		return newV1(data, bo)
	case 2:
		return newV2(data, bo)
	case 3:
		return newV3(data, bo)
	case 4:
		return newV4(data, bo)
	default:
		return nil, &ErrUnknownVersion{Version: version}
	}
}
