package hosted

import (
	"capos/kernel/cpu"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/mm/vmm"
)

// translate walks the page tables loaded in CR3 the way the MMU does for a
// user mode access of the given kind. On failure it returns the page fault
// error code the processor would push.
func translate(vaddr uintptr, access vmm.MapFlags) (uintptr, uint64, bool) {
	errCode := uint64(vmm.FaultUser)
	switch access {
	case vmm.MapW:
		errCode |= vmm.FaultWrite
	case vmm.MapX:
		errCode |= vmm.FaultInstr
	}

	frame := mm.FrameFromAddress(cpu.ActivePDT())
	for level := uint8(0); level < vmm.PageLevels; level++ {
		tbl := pmm.Table(frame)
		if tbl == nil {
			return 0, errCode, false
		}

		pte := vmm.PageTableEntry(tbl[vmm.EntryIndex(vaddr, level)])
		switch {
		case !pte.HasFlags(vmm.FlagPresent):
			return 0, errCode, false
		case !pte.HasFlags(vmm.FlagUserAccessible),
			access == vmm.MapW && !pte.HasFlags(vmm.FlagRW),
			access == vmm.MapX && pte.HasFlags(vmm.FlagNoExecute):
			return 0, errCode | vmm.FaultPresent, false
		}

		if level == vmm.PageLevels-1 {
			return pte.PhysAddr() + vaddr&mm.PageMask, 0, true
		}
		frame = pte.Frame()
	}
	return 0, errCode, false
}
