package vmm

import (
	"testing"

	"capos/kernel/mm"
)

func TestPageDirectoryTableMap(t *testing.T) {
	arena := withArena(t, 32)

	defer func(orig func(uintptr)) {
		flushTLBEntryFn = orig
	}(flushTLBEntryFn)

	var flushed []uintptr
	flushTLBEntryFn = func(addr uintptr) {
		flushed = append(flushed, addr)
	}

	pdt, err := NewPageDirectoryTable()
	if err != nil {
		t.Fatal(err)
	}

	vaddr := uintptr(0x7f12345000)
	pte := PageTableEntry(0x42000) | PageTableEntry(MapRW.PTEFlags())
	if err := pdt.Map(vaddr, pte); err != nil {
		t.Fatal(err)
	}

	// root + 3 intermediate tables
	if got := arena.FramesInUse(); got != 4 {
		t.Fatalf("expected 4 table frames; got %d", got)
	}

	// Every intermediate entry on the path must be Present|RW|User.
	frame := pdt.Frame()
	for level := uint8(0); level < PageLevels-1; level++ {
		entry := table(frame)[EntryIndex(vaddr, level)]
		if !entry.HasFlags(FlagPresent | FlagRW | FlagUserAccessible) {
			t.Fatalf("[level %d] expected intermediate entry to be Present|RW|User; got 0x%x", level, uint64(entry))
		}
		frame = entry.Frame()
	}

	got, err := pdt.Lookup(vaddr + 0x123)
	if err != nil {
		t.Fatal(err)
	}
	if got != pte {
		t.Fatalf("expected leaf entry 0x%x; got 0x%x", uint64(pte), uint64(got))
	}

	paddr, err := pdt.Translate(vaddr + 0x123)
	if err != nil || paddr != 0x42123 {
		t.Fatalf("expected translation to 0x42123; got 0x%x (err %v)", paddr, err)
	}

	// A neighbouring page shares the tables.
	if err := pdt.Map(vaddr+mm.PageSize, pte); err != nil {
		t.Fatal(err)
	}
	if got := arena.FramesInUse(); got != 4 {
		t.Fatalf("expected neighbouring page to reuse tables; frames in use: %d", got)
	}

	pdt.Unmap(vaddr)
	if _, err := pdt.Lookup(vaddr); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after Unmap; got %v", err)
	}

	if len(flushed) != 3 || flushed[0] != vaddr {
		t.Fatalf("expected 3 TLB flushes starting with 0x%x; got %v", vaddr, flushed)
	}

	pdt.Destroy()
	if got := arena.FramesInUse(); got != 0 {
		t.Fatalf("expected Destroy to release every table frame; %d still in use", got)
	}
}

func TestPageDirectoryTableLookupMissing(t *testing.T) {
	withArena(t, 8)

	pdt, err := NewPageDirectoryTable()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pdt.Lookup(0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
	if _, err := pdt.Translate(0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestPageDirectoryTableOutOfMemory(t *testing.T) {
	// Frame 0 is reserved, so this arena only holds the root and one table.
	withArena(t, 3)

	pdt, err := NewPageDirectoryTable()
	if err != nil {
		t.Fatal(err)
	}

	if err := pdt.Map(0x1000, 0); err == nil {
		t.Fatal("expected Map to fail when tables cannot be allocated")
	}
}

func TestPageDirectoryTableActivate(t *testing.T) {
	withArena(t, 4)

	defer func(orig func(uintptr)) {
		switchPDTFn = orig
	}(switchPDTFn)

	var loaded uintptr
	switchPDTFn = func(addr uintptr) { loaded = addr }

	pdt, _ := NewPageDirectoryTable()
	pdt.Activate()

	if loaded != pdt.Frame().Address() {
		t.Fatalf("expected CR3 to be loaded with 0x%x; got 0x%x", pdt.Frame().Address(), loaded)
	}
}

func TestEntryIndex(t *testing.T) {
	vaddr := uintptr(3)<<39 | uintptr(5)<<30 | uintptr(7)<<21 | uintptr(9)<<12 | 0xabc

	for level, exp := range []uintptr{3, 5, 7, 9} {
		if got := EntryIndex(vaddr, uint8(level)); got != exp {
			t.Errorf("expected index %d at level %d; got %d", exp, level, got)
		}
	}
}
