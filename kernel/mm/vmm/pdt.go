package vmm

import (
	"unsafe"

	"capos/kernel"
	"capos/kernel/cpu"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
)

var (
	// switchPDTFn is used by tests to observe CR3 loads.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to observe TLB shootdowns.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errTableNotRAM       = &kernel.Error{Module: "vmm", Message: "page table frame is not backed by RAM"}
)

// PageDirectoryTable is the root (PML4) of a 4-level page table hierarchy.
// All table frames live in physical memory and are reached through the
// physical memory window.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// NewPageDirectoryTable allocates an empty top-level table.
func NewPageDirectoryTable() (*PageDirectoryTable, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}
	return &PageDirectoryTable{pdtFrame: frame}, nil
}

// Frame returns the physical frame holding the top-level table.
func (pdt *PageDirectoryTable) Frame() mm.Frame { return pdt.pdtFrame }

// Activate loads this table into CR3.
func (pdt *PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// table returns the page table stored in frame.
func table(frame mm.Frame) *[entriesPerTable]PageTableEntry {
	t := pmm.Table(frame)
	if t == nil {
		return nil
	}
	return (*[entriesPerTable]PageTableEntry)(unsafe.Pointer(t))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// EntryIndex returns the index of the entry translating virtAddr in the page
// table at the given level, starting at 0 for the PML4.
func EntryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1)
}

// walk performs a page table walk for the given virtual address starting at
// the top-level table. It calls walkFn with the entry that corresponds to
// each level. Tables for the next level are looked up after walkFn returns,
// so walkFn may install a missing table.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) *kernel.Error {
	frame := pdt.pdtFrame
	for level := uint8(0); level < PageLevels; level++ {
		tbl := table(frame)
		if tbl == nil {
			return errTableNotRAM
		}

		pte := &tbl[EntryIndex(virtAddr, level)]
		if !walkFn(level, pte) {
			return nil
		}

		frame = pte.Frame()
	}

	return nil
}

// Map installs pte as the leaf entry for virtAddr, allocating intermediate
// tables on demand. Intermediate entries are created Present, RW and User so
// that access rights are decided by the leaf entry alone.
func (pdt *PageDirectoryTable) Map(virtAddr uintptr, pte PageTableEntry) *kernel.Error {
	var err *kernel.Error

	walkErr := pdt.walk(virtAddr, func(pteLevel uint8, entry *PageTableEntry) bool {
		if pteLevel == PageLevels-1 {
			*entry = pte
			flushTLBEntryFn(virtAddr)
			return true
		}

		if entry.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !entry.HasFlags(FlagPresent) {
			var next mm.Frame
			if next, err = mm.AllocFrame(); err != nil {
				return false
			}

			*entry = 0
			entry.SetFrame(next)
			entry.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	if walkErr != nil {
		return walkErr
	}
	return err
}

// Lookup returns the leaf entry for virtAddr. It returns ErrInvalidMapping
// if a table on the way or the leaf itself is not present.
func (pdt *PageDirectoryTable) Lookup(virtAddr uintptr) (PageTableEntry, *kernel.Error) {
	var (
		leaf PageTableEntry
		err  = ErrInvalidMapping
	)

	walkErr := pdt.walk(virtAddr, func(pteLevel uint8, entry *PageTableEntry) bool {
		if !entry.HasFlags(FlagPresent) {
			return false
		}
		if pteLevel == PageLevels-1 {
			leaf, err = *entry, nil
		}
		return true
	})

	if walkErr != nil {
		return 0, walkErr
	}
	return leaf, err
}

// Translate returns the physical address that corresponds to virtAddr.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pdt.Lookup(virtAddr)
	if err != nil {
		return 0, err
	}
	return pte.PhysAddr() + (virtAddr & mm.PageMask), nil
}

// Unmap clears the leaf entry for virtAddr if one exists.
func (pdt *PageDirectoryTable) Unmap(virtAddr uintptr) {
	_ = pdt.walk(virtAddr, func(pteLevel uint8, entry *PageTableEntry) bool {
		if pteLevel == PageLevels-1 {
			*entry = 0
			flushTLBEntryFn(virtAddr)
			return false
		}
		return entry.HasFlags(FlagPresent)
	})
}

// Destroy releases every table frame of the hierarchy, including the
// top-level one. Frames referenced by leaf entries are not touched; they
// belong to the backings that installed them.
func (pdt *PageDirectoryTable) Destroy() {
	freeTable(pdt.pdtFrame, 0)
	kfmt.Logf(kfmt.ScopeMap, "[vmm] released page tables rooted at 0x%x\n", pdt.pdtFrame.Address())
	pdt.pdtFrame = mm.InvalidFrame
}

func freeTable(frame mm.Frame, level uint8) {
	if level < PageLevels-1 {
		if tbl := table(frame); tbl != nil {
			for i := range tbl {
				if tbl[i].HasFlags(FlagPresent) {
					freeTable(tbl[i].Frame(), level+1)
				}
			}
		}
	}
	mm.ReleaseFrame(frame)
}
