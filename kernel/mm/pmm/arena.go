// Package pmm manages the machine's physical memory. Physical memory is a
// single anonymous mapping (the arena); physical address 0 is the first byte
// of the arena.
package pmm

import (
	"golang.org/x/sys/unix"

	"capos/kernel"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when no free frames are left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errArenaMap       = &kernel.Error{Module: "pmm", Message: "unable to map physical memory arena"}
	errArenaTooSmall  = &kernel.Error{Module: "pmm", Message: "physical memory arena must hold at least two frames"}
	errFrameNotInUse  = &kernel.Error{Module: "pmm", Message: "reference count change on a free frame"}
	errFrameOutOfBank = &kernel.Error{Module: "pmm", Message: "frame is outside the physical memory arena"}

	// mmapFn and munmapFn are used by tests.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap
)

// Arena is a reference counting frame allocator over a contiguous block of
// host memory. Frames are handed out by bumping a watermark; released frames
// are recycled through a free list. Frame 0 is never allocated so a zero
// physical address can be used as "no frame".
type Arena struct {
	mem []byte

	// next is the lowest frame that has never been handed out.
	next mm.Frame

	free []mm.Frame
	refs []uint32
}

// NewArena maps size bytes of anonymous memory and returns an allocator over
// it. The size is rounded up to a page boundary.
func NewArena(size mm.Size) (*Arena, *kernel.Error) {
	frameCount := size.Pages()
	if frameCount < 2 {
		return nil, errArenaTooSmall
	}

	mem, err := mmapFn(-1, 0, int(frameCount<<mm.PageShift), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		kfmt.Logf(kfmt.ScopeBoot, "[pmm] mmap of %d frames failed: %s\n", frameCount, err.Error())
		return nil, errArenaMap
	}

	kfmt.Logf(kfmt.ScopeBoot, "[pmm] physical memory: %d frames (%d KiB)\n", frameCount, frameCount*4)

	return &Arena{
		mem:  mem,
		next: 1,
		refs: make([]uint32, frameCount),
	}, nil
}

// Close unmaps the arena. The arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := munmapFn(a.mem)
	a.mem = nil
	return err
}

// FrameCount returns the number of frames in the arena.
func (a *Arena) FrameCount() uintptr { return uintptr(len(a.refs)) }

// FramesInUse returns the number of allocated frames.
func (a *Arena) FramesInUse() uintptr {
	return uintptr(a.next-1) - uintptr(len(a.free))
}

// AllocFrame reserves a zero-filled frame holding one reference.
func (a *Arena) AllocFrame() (mm.Frame, *kernel.Error) {
	var frame mm.Frame

	if n := len(a.free); n > 0 {
		frame = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if uintptr(a.next) >= a.FrameCount() {
			return mm.InvalidFrame, ErrOutOfMemory
		}
		frame = a.next
		a.next++
	}

	clear(a.FrameBytes(frame))
	a.refs[frame] = 1
	return frame, nil
}

// AllocContiguous reserves count physically contiguous zero-filled frames
// and returns the first one. Each frame holds one reference.
func (a *Arena) AllocContiguous(count uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 || uintptr(a.next)+count > a.FrameCount() {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	first := a.next
	a.next += mm.Frame(count)
	for f := first; f < a.next; f++ {
		clear(a.FrameBytes(f))
		a.refs[f] = 1
	}
	return first, nil
}

// RetainFrame adds a reference to an allocated frame.
func (a *Arena) RetainFrame(frame mm.Frame) {
	if !a.owns(frame) {
		kfmt.Panic(errFrameOutOfBank)
		return
	}
	if a.refs[frame] == 0 {
		kfmt.Panic(errFrameNotInUse)
		return
	}
	a.refs[frame]++
}

// ReleaseFrame drops a reference to frame and recycles it when the count
// reaches zero.
func (a *Arena) ReleaseFrame(frame mm.Frame) {
	if !a.owns(frame) {
		kfmt.Panic(errFrameOutOfBank)
		return
	}
	if a.refs[frame] == 0 {
		kfmt.Panic(errFrameNotInUse)
		return
	}

	a.refs[frame]--
	if a.refs[frame] == 0 {
		a.free = append(a.free, frame)
	}
}

// RefCount returns the number of references held on frame.
func (a *Arena) RefCount(frame mm.Frame) uint32 {
	if !a.owns(frame) {
		return 0
	}
	return a.refs[frame]
}

// FrameBytes returns the contents of frame, or nil if the frame lies
// outside the arena (device memory).
func (a *Arena) FrameBytes(frame mm.Frame) []byte {
	if !a.owns(frame) {
		return nil
	}
	start := frame.Address()
	return a.mem[start : start+mm.PageSize : start+mm.PageSize]
}

// PhysBytes returns size bytes of physical memory starting at paddr, or nil
// if the range is not fully inside the arena.
func (a *Arena) PhysBytes(paddr, size uintptr) []byte {
	if paddr+size < paddr || paddr+size > uintptr(len(a.mem)) {
		return nil
	}
	return a.mem[paddr : paddr+size]
}

func (a *Arena) owns(frame mm.Frame) bool {
	return frame != 0 && uintptr(frame) < a.FrameCount()
}
