// Package trap handles the exceptions and hardware interrupts that stop a
// running process: page faults are resolved from the process's mappings or
// delegated to a backer, interrupts are latched for the interrupt process.
package trap

import (
	"capos/kernel"
	"capos/kernel/gate"
	"capos/kernel/kfmt"
	"capos/kernel/mm/vmm"
	"capos/kernel/proc"
	"capos/kernel/sched"
	"capos/kernel/syscall"
)

var (
	errDoubleFault       = &kernel.Error{Module: "trap", Message: "double fault"}
	errKernelPageFault   = &kernel.Error{Module: "trap", Message: "page fault in kernel mode"}
	errAccessDenied      = &kernel.Error{Module: "trap", Message: "access not permitted by mapping"}
	errBackerUnreachable = &kernel.Error{Module: "trap", Message: "backer of delegated mapping unreachable"}
	errNoProcess         = &kernel.Error{Module: "trap", Message: "exception while idle"}
	errUnhandled         = &kernel.Error{Module: "trap", Message: "unimplemented exception"}
)

// Interrupt handles vector vec, raised with errCode while the Cpu ran its
// current process. faultAddr is the value of CR2 for page faults.
func Interrupt(c *sched.Cpu, vec uint16, errCode uint64, faultAddr uintptr) {
	p := c.Current()

	switch {
	case vec == gate.DoubleFault:
		fatal(p, errDoubleFault)
	case vec == gate.PageFaultException && errCode&vmm.FaultUser == 0:
		kfmt.Printf("kernel page fault 0x%x at 0x%x\n", errCode, faultAddr)
		fatal(p, errKernelPageFault)
	}

	if p != nil {
		c.Leave(p)
		p.Clear(proc.FastRet)
		p.Regs.Info = uint64(vec)
	} else {
		kfmt.Logf(kfmt.ScopeIRQ, "interrupt %d while idle\n", vec)
	}

	switch {
	case vec == gate.PageFaultException:
		if p == nil {
			fatal(nil, errNoProcess)
			return
		}
		PageFault(c, p, errCode, faultAddr)
	case vec >= gate.IRQBase:
		if p != nil {
			c.Queue(p)
		}
		irq(c, vec)
	default:
		kfmt.Printf("exception #%d\n", vec)
		fatal(p, errUnhandled)
	}
}

func irq(c *sched.Cpu, vec uint16) {
	if c.IrqProcess == nil {
		kfmt.Logf(kfmt.ScopeIRQ, "IRQ %d dropped: no interrupt process\n", vec)
		c.Run()
		return
	}
	kfmt.Logf(kfmt.ScopeIRQ, "IRQ %d triggered, interrupt process is %s\n", vec, c.IrqProcess.Name())

	if !c.LatchIRQ(vec) {
		kfmt.Logf(kfmt.ScopeIRQ, "IRQ %d already latched\n", vec)
	}
	if !syscall.DeliverIRQs(c) {
		c.Run()
	}
}

// PageFault resolves a fault at addr taken by p, which is off the Cpu.
// Anonymous and physical pages are backed on the spot and p resumes;
// delegated pages block p until the backer grants them.
func PageFault(c *sched.Cpu, p *proc.Process, errCode uint64, addr uintptr) {
	as := p.AddressSpace()
	access := vmm.AccessFromFault(errCode)
	kfmt.Logf(kfmt.ScopePageFault, "%s: page fault 0x%x at 0x%x\n", p.Name(), errCode, addr)

	// A card without access ends the mapping before it.
	card, ok := as.FindCard(addr)
	if !ok || card.Flags()&vmm.MapRWX == 0 {
		faultAt(p, addr, vmm.ErrNoMapping)
		return
	}
	if card.Flags()&access == 0 {
		faultAt(p, addr, errAccessDenied)
		return
	}

	b, ok := as.FindBacking(addr)
	if !ok && card.Handle != 0 {
		if errno := syscall.DelegateFault(c, p, addr, access, true); errno != 0 {
			faultAt(p, addr, errBackerUnreachable)
		}
		return
	}

	if !ok {
		var err *kernel.Error
		if b, err = as.FindAddBacking(addr); err != nil {
			faultAt(p, addr, err)
			return
		}
	}
	if b.Flags()&access == 0 {
		faultAt(p, addr, errAccessDenied)
		return
	}
	if err := as.AddPTE(b.Vaddr(), b.PTE()); err != nil {
		faultAt(p, addr, err)
		return
	}
	c.SwitchTo(p)
}

func faultAt(p *proc.Process, addr uintptr, err *kernel.Error) {
	kfmt.Printf("page fault at 0x%x: %s\n", addr, err.Message)
	fatal(p, err)
}

// fatal dumps the state of p and halts.
func fatal(p *proc.Process, err *kernel.Error) {
	if p != nil {
		p.DumpTo(kfmt.GetOutputSink())
	}
	kfmt.Panic(err)
}
