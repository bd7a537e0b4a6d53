package vmm

import "capos/kernel/mm"

// MapCard describes how the region starting at Vaddr, up to the next card,
// is backed. Offset holds the distance from a virtual address to the
// physical address (or to the backer's object offset for delegated
// mappings) with MapFlags in its low 12 bits.
type MapCard struct {
	Vaddr  uintptr
	Handle uint64
	Offset uintptr
}

// Flags returns the mapping flags stored in the card.
func (c *MapCard) Flags() MapFlags {
	return MapFlags(c.Offset & mapFlagsMask)
}

// Paddr returns the physical address vaddr maps to in a direct physical
// mapping.
func (c *MapCard) Paddr(vaddr uintptr) uintptr {
	return vaddr + (c.Offset &^ mapFlagsMask)
}

// OffsetFlags returns the backer offset of vaddr with the card's flags in
// the low bits.
func (c *MapCard) OffsetFlags(vaddr uintptr) uintptr {
	return vaddr + c.Offset
}

func (c *MapCard) same(handle uint64, offsetFlags uintptr) bool {
	return c.Handle == handle && c.Offset == offsetFlags
}

// BackingKind identifies how a Backing resolves its page.
type BackingKind uint8

const (
	// BackingAnon owns a zero-filled frame.
	BackingAnon BackingKind = iota

	// BackingPhys points at a fixed physical address it does not own.
	BackingPhys

	// BackingShared is a member of a Sharing group.
	BackingShared
)

// Backing is the resolved physical page for one page-aligned virtual
// address in one address space.
type Backing struct {
	vaddr uintptr
	flags MapFlags
	kind  BackingKind
	paddr uintptr

	// pinned is set when the backing holds a reference on the frame at
	// paddr.
	pinned bool

	sharing    *Sharing
	sharingGen uint64
}

// Vaddr returns the page-aligned virtual address of the backing.
func (b *Backing) Vaddr() uintptr { return b.vaddr }

// Flags returns the mapping flags the backing was created with.
func (b *Backing) Flags() MapFlags { return b.flags }

// Kind returns the backing kind.
func (b *Backing) Kind() BackingKind { return b.kind }

// Paddr returns the physical address of the backing page.
func (b *Backing) Paddr() uintptr {
	if s, ok := b.Sharing(); ok {
		return s.paddr
	}
	return b.paddr
}

// PTE returns the leaf page table entry mapping this backing.
func (b *Backing) PTE() PageTableEntry {
	return PageTableEntry(uint64(b.Paddr())) | PageTableEntry(b.flags.PTEFlags())
}

// Sharing returns the group a shared backing belongs to. It returns false
// for non-shared backings and for groups that have been torn down since the
// backing joined them.
func (b *Backing) Sharing() (*Sharing, bool) {
	if b.sharing == nil || b.sharing.gen != b.sharingGen {
		return nil, false
	}
	return b.sharing, true
}

func (b *Backing) release() {
	if s, ok := b.Sharing(); ok {
		s.children--
	}
	if b.pinned {
		mm.ReleaseFrame(mm.FrameFromAddress(b.paddr))
		b.pinned = false
	}
	b.sharing = nil
}

// Sharing groups the backings in other address spaces that map one page of
// the address space owning the Sharing. The group holds a reference on the
// page while it is alive.
type Sharing struct {
	vaddr  uintptr
	paddr  uintptr
	pinned bool

	// gen is bumped when the group is torn down so that stale members can
	// tell.
	gen uint64

	children int
}

// Vaddr returns the owner-side virtual address of the shared page.
func (s *Sharing) Vaddr() uintptr { return s.vaddr }

// Paddr returns the physical address of the shared page.
func (s *Sharing) Paddr() uintptr { return s.paddr }

// Children returns the number of backings that joined the group.
func (s *Sharing) Children() int { return s.children }

func (s *Sharing) release() {
	if s.pinned {
		mm.ReleaseFrame(mm.FrameFromAddress(s.paddr))
		s.pinned = false
	}
	s.gen++
}
