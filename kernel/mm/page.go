// Package mm defines the physical frame type shared by the physical
// allocator and the paging code, the page alignment helpers and the hooks
// through which the paging code reaches physical memory.
package mm

import (
	"math"

	"capos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ PageMask) >> PageShift)
}

// PageAlignDown rounds addr down to a page boundary.
func PageAlignDown(addr uintptr) uintptr { return addr &^ PageMask }

// PageAlignUp rounds addr up to a page boundary.
func PageAlignUp(addr uintptr) uintptr { return (addr + PageMask) &^ PageMask }

// FrameAllocator is implemented by physical memory managers. Frames handed
// out by AllocFrame are zero-filled and carry one reference.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)

	// RetainFrame adds a reference to an allocated frame.
	RetainFrame(Frame)

	// ReleaseFrame drops a reference and frees the frame when the last
	// reference goes away.
	ReleaseFrame(Frame)

	// FrameBytes returns the contents of frame as a PageSize slice, or
	// nil if frame is not backed by RAM.
	FrameBytes(Frame) []byte
}

var (
	// frameAllocator is registered using SetFrameAllocator.
	frameAllocator FrameAllocator

	errNoAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// SetFrameAllocator registers the allocator used by the paging code when new
// physical frames are needed.
func SetFrameAllocator(a FrameAllocator) { frameAllocator = a }

// AllocFrame allocates a new zero-filled physical frame using the currently
// registered allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoAllocator
	}
	return frameAllocator.AllocFrame()
}

// RetainFrame adds a reference to frame.
func RetainFrame(f Frame) { frameAllocator.RetainFrame(f) }

// ReleaseFrame drops a reference to frame.
func ReleaseFrame(f Frame) { frameAllocator.ReleaseFrame(f) }

// FrameBytes returns the contents of frame or nil if it is not RAM.
func FrameBytes(f Frame) []byte {
	if frameAllocator == nil {
		return nil
	}
	return frameAllocator.FrameBytes(f)
}
