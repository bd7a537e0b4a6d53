// Package multiboot decodes the multiboot2 information structure handed to
// the kernel by the boot loader: the kernel command line, the boot modules
// and the physical memory map.
package multiboot

import (
	"encoding/binary"
	"strings"
)

var (
	infoData  []byte
	cmdLineKV map[string]string
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the total size and reserved fields
	// preceding the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size fields of a tag.
	tagHeaderSize = 8

	mmapHeaderSize = 8
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Module describes a boot module loaded into physical memory.
type Module struct {
	// Start and End delimit the module image in physical memory. End is
	// exclusive.
	Start uint32
	End   uint32

	// CmdLine is the string the boot loader was configured with for the
	// module.
	CmdLine string
}

// ModuleVisitor is invoked by VisitModules for each boot module. It must
// return true to continue or false to abort the scan.
type ModuleVisitor func(*Module) bool

// SetInfo updates the multiboot information the package decodes. It must be
// invoked before any other function exported by this package.
func SetInfo(data []byte) {
	infoData = data
	cmdLineKV = nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	tag := findTagByType(tagMemoryMap)
	if len(tag) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(tag))
	if entrySize < 20 {
		return
	}

	var entry MemoryMapEntry
	for cur := mmapHeaderSize; cur+entrySize <= len(tag); cur += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(tag[cur:])
		entry.Length = binary.LittleEndian.Uint64(tag[cur+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(tag[cur+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitModules invokes visitor for each boot module in load order.
func VisitModules(visitor ModuleVisitor) {
	visitTags(func(tt tagType, tag []byte) bool {
		if tt != tagModules || len(tag) < 8 {
			return true
		}

		mod := Module{
			Start:   binary.LittleEndian.Uint32(tag),
			End:     binary.LittleEndian.Uint32(tag[4:]),
			CmdLine: cString(tag[8:]),
		}
		return visitor(&mod)
	})
}

// GetMemoryInfo returns the amount of lower and upper memory in kilobytes
// reported by the boot loader.
func GetMemoryInfo() (lowerKb, upperKb uint32, ok bool) {
	tag := findTagByType(tagBasicMemoryInfo)
	if len(tag) < 8 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(tag), binary.LittleEndian.Uint32(tag[4:]), true
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	if tag := findTagByType(tagBootCmdLine); tag != nil {
		cmdLineKV = ParseCmdLine(cString(tag))
	} else {
		cmdLineKV = make(map[string]string)
	}
	return cmdLineKV
}

// ParseCmdLine splits a command line into key-value pairs. Flags without a
// value map to themselves.
func ParseCmdLine(cmdLine string) map[string]string {
	kvs := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2: // foo=bar
			kvs[kv[0]] = kv[1]
		case 1: // nofoo
			kvs[kv[0]] = kv[0]
		}
	}
	return kvs
}

// findTagByType scans the multiboot info data looking for the first tag of
// the specified type and returns its contents excluding the tag header. If
// the tag is not present, findTagByType returns nil.
func findTagByType(want tagType) []byte {
	var found []byte
	visitTags(func(tt tagType, tag []byte) bool {
		if tt == want {
			found = tag
			return false
		}
		return true
	})
	return found
}

func visitTags(fn func(tagType, []byte) bool) {
	for cur := infoHeaderSize; cur+tagHeaderSize <= len(infoData); {
		tt := tagType(binary.LittleEndian.Uint32(infoData[cur:]))
		size := int(binary.LittleEndian.Uint32(infoData[cur+4:]))
		if tt == tagMbSectionEnd || size < tagHeaderSize || cur+size > len(infoData) {
			return
		}

		if !fn(tt, infoData[cur+tagHeaderSize:cur+size]) {
			return
		}

		// Tags are aligned at 8-byte aligned addresses
		cur += (size + 7) &^ 7
	}
}

// cString returns the contents of a NUL-terminated string.
func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
