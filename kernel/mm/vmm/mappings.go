package vmm

import (
	"capos/kernel"
	"capos/kernel/ds"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
)

var (
	// ErrNoMapping is returned when no card governs an address.
	ErrNoMapping = &kernel.Error{Module: "vmm", Message: "no mapping covers address"}

	// ErrNoAccess is returned when the governing card grants no access.
	ErrNoAccess = &kernel.Error{Module: "vmm", Message: "mapping grants no access"}

	// ErrDelegatedMapping is returned by FindAddBacking when the governing
	// card delegates the region to a backer process. Such faults are
	// resolved by messaging the backer.
	ErrDelegatedMapping = &kernel.Error{Module: "vmm", Message: "mapping is delegated to a backer"}

	errNotAnonOrPhys = &kernel.Error{Module: "vmm", Message: "mapping without handle is neither anonymous nor physical"}
)

// Mappings holds the demand paging state of one address space: the sparse
// map cards describing the layout, the resolved backings, the sharing groups
// exported to other spaces and the page tables installed so far.
type Mappings struct {
	pdt      *PageDirectoryTable
	cards    ds.Index[uintptr, *MapCard]
	backings ds.Index[uintptr, *Backing]
	sharings ds.Index[uintptr, *Sharing]
}

// NewMappings returns an empty layout with a fresh top-level page table.
func NewMappings() (*Mappings, *kernel.Error) {
	pdt, err := NewPageDirectoryTable()
	if err != nil {
		return nil, err
	}
	return &Mappings{pdt: pdt}, nil
}

// PDT returns the page table root of the layout.
func (m *Mappings) PDT() *PageDirectoryTable { return m.pdt }

// CR3 returns the physical address loaded into CR3 to activate the layout.
func (m *Mappings) CR3() uintptr { return m.pdt.Frame().Address() }

// Cards returns the number of map cards.
func (m *Mappings) Cards() int { return m.cards.Len() }

// Backings returns the number of resolved pages.
func (m *Mappings) Backings() int { return m.backings.Len() }

func (m *Mappings) setCard(vaddr uintptr, handle uint64, offsetFlags uintptr) {
	if c, ok := m.cards.FindExact(vaddr); ok {
		c.Handle = handle
		c.Offset = offsetFlags
		return
	}
	m.cards.Insert(vaddr, &MapCard{Vaddr: vaddr, Handle: handle, Offset: offsetFlags})
}

// MapRange makes [start, end) map through handle with offsetFlags while
// keeping whatever mapping governed end and beyond.
func (m *Mappings) MapRange(start, end uintptr, handle uint64, offsetFlags uintptr) {
	kfmt.Logf(kfmt.ScopeMap, "map_range 0x%x..0x%x to %d:0x%x\n", start, end, handle, offsetFlags)

	endKey, endCard, ok := m.cards.FindLE(end)
	switch {
	case ok && endKey == end:
		// The card at end already marks the boundary. It is redundant if
		// it continues the new mapping.
		if endCard.same(handle, offsetFlags) {
			m.cards.Remove(end)
		}
	case ok:
		if !endCard.same(handle, offsetFlags) {
			m.setCard(end, endCard.Handle, endCard.Offset)
		}
	default:
		// Nothing was mapped at end; keep it that way.
		if handle != 0 || offsetFlags != 0 {
			m.setCard(end, 0, 0)
		}
	}

	// Set this last, an older card at start may have governed end.
	m.setCard(start, handle, offsetFlags)

	m.cards.RemoveRangeExclusive(start, end)
}

// FindMapping returns the offset/flags word and handle of the card
// governing vaddr.
func (m *Mappings) FindMapping(vaddr uintptr) (offsetFlags uintptr, handle uint64, ok bool) {
	_, card, ok := m.cards.FindLE(vaddr)
	if !ok {
		return 0, 0, false
	}
	return card.OffsetFlags(vaddr), card.Handle, true
}

// FindCard returns the card governing vaddr.
func (m *Mappings) FindCard(vaddr uintptr) (*MapCard, bool) {
	_, card, ok := m.cards.FindLE(vaddr)
	return card, ok
}

// FindBacking returns the backing of the page containing vaddr.
func (m *Mappings) FindBacking(vaddr uintptr) (*Backing, bool) {
	return m.backings.FindExact(mm.PageAlignDown(vaddr))
}

// FindAddBacking returns the backing for the page containing vaddr,
// materializing it from the governing card if needed. Anonymous cards get a
// fresh zero-filled frame, physical cards a non-owning backing at
// vaddr + offset. Delegated cards return ErrDelegatedMapping.
func (m *Mappings) FindAddBacking(vaddr uintptr) (*Backing, *kernel.Error) {
	page := mm.PageAlignDown(vaddr)
	if b, ok := m.backings.FindExact(page); ok {
		kfmt.Logf(kfmt.ScopePageFault, "found existing backing for 0x%x at 0x%x -> 0x%x\n", vaddr, page, b.Paddr())
		return b, nil
	}

	_, card, ok := m.cards.FindLE(vaddr)
	if !ok {
		return nil, ErrNoMapping
	}

	flags := card.Flags()
	switch {
	case flags&MapRWX == 0:
		return nil, ErrNoAccess
	case card.Handle != 0:
		return nil, ErrDelegatedMapping
	case flags&MapDMA == MapAnon:
		frame, err := mm.AllocFrame()
		if err != nil {
			return nil, err
		}
		b := &Backing{vaddr: page, flags: flags, kind: BackingAnon, paddr: frame.Address(), pinned: true}
		m.backings.Insert(page, b)
		kfmt.Logf(kfmt.ScopePageFault, "new anonymous backing for 0x%x -> 0x%x\n", vaddr, b.paddr)
		return b, nil
	case flags&MapPhys != 0:
		b := &Backing{vaddr: page, flags: flags, kind: BackingPhys, paddr: card.Paddr(page)}
		m.backings.Insert(page, b)
		kfmt.Logf(kfmt.ScopePageFault, "new physical backing for 0x%x -> 0x%x\n", vaddr, b.paddr)
		return b, nil
	default:
		return nil, errNotAnonOrPhys
	}
}

// AddDMABacking records the backing of a DMA page whose frame was allocated
// at map time. The backing takes over the allocation reference of frame.
func (m *Mappings) AddDMABacking(page uintptr, flags MapFlags, frame mm.Frame) *Backing {
	m.dropBacking(page)
	b := &Backing{vaddr: page, flags: flags, kind: BackingPhys, paddr: frame.Address(), pinned: true}
	m.backings.Insert(page, b)
	return b
}

// AddPTE installs pte for vaddr in the page tables.
func (m *Mappings) AddPTE(vaddr uintptr, pte PageTableEntry) *kernel.Error {
	kfmt.Logf(kfmt.ScopeMap, "mapping 0x%x to 0x%x\n", vaddr, uint64(pte))
	return m.pdt.Map(vaddr, pte)
}

// FindAddSharing returns the sharing group exporting the page of b,
// creating it if needed.
func (m *Mappings) FindAddSharing(b *Backing) *Sharing {
	if s, ok := m.sharings.FindExact(b.vaddr); ok {
		return s
	}

	s := &Sharing{vaddr: b.vaddr, paddr: b.Paddr()}
	if b.pinned {
		mm.RetainFrame(mm.FrameFromAddress(s.paddr))
		s.pinned = true
	}
	m.sharings.Insert(s.vaddr, s)
	return s
}

// AddSharedBacking makes the page at vaddr a member of sharing s, replacing
// any backing the page had.
func (m *Mappings) AddSharedBacking(vaddr uintptr, flags MapFlags, s *Sharing) *Backing {
	page := mm.PageAlignDown(vaddr)
	m.dropBacking(page)

	b := &Backing{
		vaddr:      page,
		flags:      flags,
		kind:       BackingShared,
		paddr:      s.paddr,
		sharing:    s,
		sharingGen: s.gen,
	}
	if s.pinned {
		mm.RetainFrame(mm.FrameFromAddress(s.paddr))
		b.pinned = true
	}
	s.children++
	m.backings.Insert(page, b)
	return b
}

func (m *Mappings) dropBacking(page uintptr) {
	if old, ok := m.backings.Remove(page); ok {
		old.release()
		m.pdt.Unmap(page)
	}
}

// UnmapRange removes access to [start, end). Resolved pages in the range
// are released and their page table entries cleared.
func (m *Mappings) UnmapRange(start, end uintptr) {
	m.MapRange(start, end, 0, 0)

	var pages []uintptr
	m.backings.Each(func(page uintptr, _ *Backing) bool {
		if page >= start && page < end {
			pages = append(pages, page)
		}
		return true
	})
	for _, page := range pages {
		m.dropBacking(page)
	}

	var stale []*Sharing
	m.sharings.Each(func(vaddr uintptr, s *Sharing) bool {
		if vaddr >= start && vaddr < end {
			stale = append(stale, s)
		}
		return true
	})
	for _, s := range stale {
		m.sharings.RemoveItem(s)
		s.release()
	}
}

// Destroy releases every page owned by the layout and its page tables.
func (m *Mappings) Destroy() {
	m.backings.Each(func(_ uintptr, b *Backing) bool {
		b.release()
		return true
	})
	m.sharings.Each(func(_ uintptr, s *Sharing) bool {
		s.release()
		return true
	})
	m.backings = ds.Index[uintptr, *Backing]{}
	m.sharings = ds.Index[uintptr, *Sharing]{}
	m.cards = ds.Index[uintptr, *MapCard]{}

	if m.pdt != nil {
		m.pdt.Destroy()
		m.pdt = nil
	}
}
