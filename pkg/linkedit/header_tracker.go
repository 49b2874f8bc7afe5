package linkedit

import "fmt"

// Command is one load command's raw bytes plus its command id, as needed
// for header-area bookkeeping (cmdsize must match len(Data)).
type Command struct {
	Cmd  uint32
	Data []byte
}

// HeaderTracker owns the load-command area: bounded below by the header,
// above by the first section's file offset, with a fixed maximum growable
// size. It mirrors the split the original reversal tool keeps between
// header bookkeeping and linkedit byte-range bookkeeping, since the
// ncmds/sizeofcmds invariants are independent of the linkedit-region
// invariants Tracker enforces.
type HeaderTracker struct {
	headerSize int // size of mach_header(_64), fixed
	maxAreaSize int // first section's file offset minus headerSize
	commands    []Command
}

// NewHeaderTracker builds a tracker over an existing load-command list.
// maxAreaSize is the load-command area's fixed upper bound (the file
// offset of the first section minus headerSize); it never grows, matching
// spec.md §4.E ("its maximum growable size is fixed").
func NewHeaderTracker(headerSize, maxAreaSize int, commands []Command) *HeaderTracker {
	return &HeaderTracker{headerSize: headerSize, maxAreaSize: maxAreaSize, commands: commands}
}

func (h *HeaderTracker) sizeofcmds() int {
	n := 0
	for _, c := range h.commands {
		n += len(c.Data)
	}
	return n
}

// Ncmds reports the current load command count.
func (h *HeaderTracker) Ncmds() int { return len(h.commands) }

// Sizeofcmds reports the current total load-command byte size.
func (h *HeaderTracker) Sizeofcmds() int { return h.sizeofcmds() }

// InsertLC inserts cmd at position pos (0-based, among existing commands),
// shifting every metadata offset-field-pointer whose recorded file offset
// lay at or after the insertion point's file offset by cmd's size, via the
// shiftOffsets callback the caller supplies (typically closing over a
// linkedit Tracker's load-command-referencing fields, which live outside
// linkedit.Tracker's own byte range). Fails if growing would exceed
// maxAreaSize.
func (h *HeaderTracker) InsertLC(pos int, cmd Command, shiftOffsets func(afterFileOffset uint32, delta uint32)) error {
	if pos < 0 || pos > len(h.commands) {
		return fmt.Errorf("linkedit: insert position %d out of range", pos)
	}
	if h.sizeofcmds()+len(cmd.Data) > h.maxAreaSize {
		return fmt.Errorf("linkedit: load-command area exhausted: need %d more bytes, only %d available",
			len(cmd.Data), h.maxAreaSize-h.sizeofcmds())
	}
	insertFileOffset := uint32(h.headerSize)
	for i := 0; i < pos; i++ {
		insertFileOffset += uint32(len(h.commands[i].Data))
	}
	h.commands = append(h.commands, Command{})
	copy(h.commands[pos+1:], h.commands[pos:])
	h.commands[pos] = cmd
	if shiftOffsets != nil {
		shiftOffsets(insertFileOffset, uint32(len(cmd.Data)))
	}
	return nil
}

// RemoveLC removes the command at pos. The caller must have already
// verified no tracked metadata record points into it; RemoveLC itself
// only rejects an out-of-range pos.
func (h *HeaderTracker) RemoveLC(pos int, shiftOffsets func(afterFileOffset uint32, delta uint32)) error {
	if pos < 0 || pos >= len(h.commands) {
		return fmt.Errorf("linkedit: remove position %d out of range", pos)
	}
	removeFileOffset := uint32(h.headerSize)
	for i := 0; i < pos; i++ {
		removeFileOffset += uint32(len(h.commands[i].Data))
	}
	removed := h.commands[pos]
	h.commands = append(h.commands[:pos], h.commands[pos+1:]...)
	if shiftOffsets != nil {
		shiftOffsets(removeFileOffset, ^uint32(len(removed.Data)-1)) // two's-complement negative delta
	}
	return nil
}

// Commands returns the current ordered command list.
func (h *HeaderTracker) Commands() []Command { return h.commands }

// FindByCmd returns the index of the first command with the given cmd id,
// or -1.
func (h *HeaderTracker) FindByCmd(cmd uint32) int {
	for i, c := range h.commands {
		if c.Cmd == cmd {
			return i
		}
	}
	return -1
}
