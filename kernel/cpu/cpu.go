// Package cpu exposes the processor operations the kernel depends on. The
// kernel runs hosted, so each operation is backed by a software model of the
// corresponding amd64 state: CR3, the TLB and the I/O port space.
package cpu

import "capos/kernel"

var (
	// ErrHalted is the value Halt panics with. The platform loop recovers
	// it and stops the machine.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

	// activePDT mirrors the CR3 register.
	activePDT uintptr

	tlbFlushes uint64
)

// Halt stops instruction execution. It never returns.
func Halt() {
	panic(ErrHalted)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	activePDT = pdtPhysAddr
	tlbFlushes++
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return activePDT
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address. The
// software MMU walks the tables on every access so only the flush count is
// recorded.
func FlushTLBEntry(_ uintptr) {
	tlbFlushes++
}

// TLBFlushes returns the number of TLB flushes issued so far.
func TLBFlushes() uint64 {
	return tlbFlushes
}
