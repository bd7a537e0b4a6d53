package pmm

import (
	"unsafe"

	"capos/kernel/mm"
)

// TableEntries is the number of entries in one page table.
const TableEntries = int(mm.PageSize >> mm.PointerShift)

// Table returns the contents of frame viewed as a page table, or nil if the
// frame is not RAM.
func Table(frame mm.Frame) *[TableEntries]uint64 {
	b := mm.FrameBytes(frame)
	if b == nil {
		return nil
	}
	return (*[TableEntries]uint64)(unsafe.Pointer(&b[0]))
}
