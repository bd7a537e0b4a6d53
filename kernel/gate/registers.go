// Package gate defines the register file saved when a process enters the
// kernel through the syscall gate or an interrupt gate.
package gate

import (
	"io"

	"capos/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions or the vector
	// number for hardware interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	RFlags uint64
	RSP    uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x RSP = %16x\n", r.RIP, r.RSP)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// Vectors delivered through the interrupt gates that the kernel treats
// specially.
const (
	// DoubleFault occurs when an exception is raised while the CPU is
	// trying to invoke the handler of a prior exception.
	DoubleFault = 8

	// PageFaultException occurs when a page table entry is not present or
	// when a privilege and/or RW protection check fails.
	PageFaultException = 14

	// IRQBase is the first vector used by hardware interrupts.
	IRQBase = 32

	// IRQCount is the number of vectors (starting at IRQBase) that can be
	// routed to the interrupt process.
	IRQCount = 256
)
