package multiboot

import (
	"reflect"
	"testing"
)

func testInfo() []byte {
	var b Builder
	b.AddMemoryInfo(639, 130040)
	b.AddCmdLine("log=ipc,sched irq=0 verbose")
	b.AddModule(0x200000, 0x200123, "init")
	b.AddModule(0x201000, 0x203001, "console ^1.2")
	b.AddMemoryMap([]MemoryMapEntry{
		{PhysAddress: 0, Length: 654336, Type: MemAvailable},
		{PhysAddress: 654336, Length: 1024, Type: MemReserved},
		{PhysAddress: 1048576, Length: 133038080, Type: MemAvailable},
		{PhysAddress: 4294705152, Length: 262144, Type: 42},
	})
	return b.Bytes()
}

func TestFindTagByType(t *testing.T) {
	SetInfo(testInfo())

	specs := []struct {
		tagType tagType
		expSize int
	}{
		{tagBootCmdLine, len("log=ipc,sched irq=0 verbose") + 1},
		{tagBasicMemoryInfo, 8},
		{tagMemoryMap, 8 + 4*24},
		{tagBiosBootDevice, 0},
	}

	for specIndex, spec := range specs {
		if got := len(findTagByType(spec.tagType)); got != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, got)
		}
	}
}

func TestFindTagByTypeWithMissingEndTag(t *testing.T) {
	info := testInfo()

	// Chop off the end tag and half of the memory map
	SetInfo(info[:len(info)-60])
	if tag := findTagByType(tagMemoryMap); tag != nil {
		t.Fatalf("expected truncated tag to be ignored; got %d bytes", len(tag))
	}
	if tag := findTagByType(tagBootCmdLine); tag == nil {
		t.Fatal("expected tags preceding the truncated one to be found")
	}
}

func TestVisitMemRegion(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemoryEntryType
	}{
		{0, 654336, MemAvailable},
		{654336, 1024, MemReserved},
		{1048576, 133038080, MemAvailable},
		// Recorded with a bogus type that must be flagged as reserved
		{4294705152, 262144, MemReserved},
	}

	var visitCount int

	SetInfo(nil)
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	})
	if visitCount != 0 {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
	}

	SetInfo(testInfo())
	VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if visitCount >= len(specs) {
			t.Fatalf("unexpected memory region %d", visitCount)
		}
		spec := specs[visitCount]
		if entry.PhysAddress != spec.expPhys {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, spec.expPhys, entry.PhysAddress)
		}
		if entry.Length != spec.expLen {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, spec.expLen, entry.Length)
		}
		if entry.Type != spec.expType {
			t.Errorf("[visit %d] expected region type to be %d; got %d", visitCount, spec.expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Errorf("expected the visitor func to be invoked %d times; got %d", len(specs), visitCount)
	}

	// Test that the visitor function can abort the scan by returning false
	visitCount = 0
	VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})
	if visitCount != 1 {
		t.Errorf("expected the visitor func to be invoked once; got %d", visitCount)
	}
}

func TestVisitModules(t *testing.T) {
	SetInfo(testInfo())

	var mods []Module
	VisitModules(func(m *Module) bool {
		mods = append(mods, *m)
		return true
	})

	exp := []Module{
		{Start: 0x200000, End: 0x200123, CmdLine: "init"},
		{Start: 0x201000, End: 0x203001, CmdLine: "console ^1.2"},
	}
	if !reflect.DeepEqual(mods, exp) {
		t.Fatalf("expected modules %+v; got %+v", exp, mods)
	}

	var count int
	VisitModules(func(_ *Module) bool {
		count++
		return false
	})
	if count != 1 {
		t.Fatalf("expected the visitor to be invoked once; got %d", count)
	}
}

func TestGetMemoryInfo(t *testing.T) {
	SetInfo(nil)
	if _, _, ok := GetMemoryInfo(); ok {
		t.Fatal("expected GetMemoryInfo to fail without a memory info tag")
	}

	SetInfo(testInfo())
	lower, upper, ok := GetMemoryInfo()
	if !ok || lower != 639 || upper != 130040 {
		t.Fatalf("expected memory info (639, 130040, true); got (%d, %d, %t)", lower, upper, ok)
	}
}

func TestGetBootCmdLine(t *testing.T) {
	SetInfo(nil)
	if got := GetBootCmdLine(); len(got) != 0 {
		t.Fatalf("expected an empty command line; got %v", got)
	}

	SetInfo(testInfo())
	exp := map[string]string{
		"log":     "ipc,sched",
		"irq":     "0",
		"verbose": "verbose",
	}
	if got := GetBootCmdLine(); !reflect.DeepEqual(got, exp) {
		t.Fatalf("expected to get command line:\n%v\ngot:\n%v", exp, got)
	}
}

func TestMemoryEntryTypeStringer(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected MemoryEntryType(%d).String() to return %q; got %q", specIndex, spec.input, spec.exp, got)
		}
	}
}
