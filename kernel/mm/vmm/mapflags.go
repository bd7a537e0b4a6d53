package vmm

// MapFlags describe the access rights and backing kind of a mapping. They
// are stored in the low 12 bits of a MapCard offset.
type MapFlags uintptr

const (
	MapX MapFlags = 1 << iota
	MapW
	MapR
	MapAnon
	MapPhys
	MapNoCache

	MapRWX = MapR | MapW | MapX
	MapRW  = MapR | MapW
	MapRX  = MapR | MapX

	// MapDMA mappings are anonymous memory allocated at map time whose
	// physical address is reported back to the caller.
	MapDMA = MapAnon | MapPhys

	// mapFlagsMask selects the flag bits of an offset/flags word.
	mapFlagsMask = uintptr(0xfff)
)

// Has returns true if all of flags are set.
func (f MapFlags) Has(flags MapFlags) bool { return f&flags == flags }

// PTEFlags returns the leaf page table entry flags for a page mapped with f.
// Pages are always present and user accessible; NX is set unless the
// mapping is executable, RW iff it is writable and PCD iff it is uncached.
func (f MapFlags) PTEFlags() PageTableEntryFlag {
	flags := FlagPresent | FlagUserAccessible
	if f&MapX == 0 {
		flags |= FlagNoExecute
	}
	if f&MapW != 0 {
		flags |= FlagRW
	}
	if f&MapNoCache != 0 {
		flags |= FlagDoNotCache
	}
	return flags
}

// AccessFromFault returns the access right a page fault error code asks
// for: execute for instruction fetches, write for writes and read otherwise.
func AccessFromFault(errorCode uint64) MapFlags {
	switch {
	case errorCode&FaultInstr != 0:
		return MapX
	case errorCode&FaultWrite != 0:
		return MapW
	default:
		return MapR
	}
}
