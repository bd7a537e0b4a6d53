// Package sched implements the per-CPU cooperative scheduler: a FIFO run
// queue of runnable processes and the resume paths into user mode.
package sched

import (
	"capos/kernel"
	"capos/kernel/cpu"
	"capos/kernel/ds"
	"capos/kernel/gate"
	"capos/kernel/kfmt"
	"capos/kernel/proc"
)

var (
	// setCR3Fn is mocked by tests.
	setCR3Fn = cpu.SwitchPDT

	errNotCurrent    = &kernel.Error{Module: "sched", Message: "leaving a process that is not running"}
	errCpuBusy       = &kernel.Error{Module: "sched", Message: "switching while another process is running"}
	errNotRunnable   = &kernel.Error{Module: "sched", Message: "queueing a blocked process"}
	errIRQOutOfRange = &kernel.Error{Module: "sched", Message: "interrupt vector out of range"}
)

// ReturnPath identifies how the last process was resumed.
type ReturnPath uint8

const (
	// ReturnNone means the Cpu went idle.
	ReturnNone ReturnPath = iota

	// ReturnFast resumes through sysret, restoring only the syscall
	// result registers.
	ReturnFast

	// ReturnSlow resumes through iret, restoring the full register file.
	ReturnSlow
)

const irqWords = gate.IRQCount / 64

// Cpu holds the scheduling state of one processor.
type Cpu struct {
	runqueue ds.Queue[*proc.Process]
	current  *proc.Process

	// IrqProcess receives hardware interrupts as pulses.
	IrqProcess *proc.Process

	// irqDelayed latches interrupts not yet delivered, one bit per vector
	// starting at gate.IRQBase.
	irqDelayed [irqWords]uint64

	lastReturn ReturnPath
	switches   uint64
}

// Current returns the running process or nil when idle.
func (c *Cpu) Current() *proc.Process { return c.current }

// LastReturn returns the path taken by the last resume.
func (c *Cpu) LastReturn() ReturnPath { return c.lastReturn }

// Switches returns the number of switches into user mode.
func (c *Cpu) Switches() uint64 { return c.switches }

// QueueLen returns the number of processes waiting to run.
func (c *Cpu) QueueLen() int { return c.runqueue.Len() }

// Queue appends p to the run queue unless it is already queued. p must be
// runnable.
func (c *Cpu) Queue(p *proc.Process) {
	if !p.Runnable() {
		kfmt.Printf("[%s] queued while blocked\n", p.Name())
		kfmt.Panic(errNotRunnable)
	}
	if p.Is(proc.Queued) {
		return
	}
	kfmt.Logf(kfmt.ScopeRunqueue, "queue %s\n", p.Name())
	p.Set(proc.Queued)
	c.runqueue.Append(p)
}

// Run switches to the process at the head of the run queue, or idles if the
// queue is empty.
func (c *Cpu) Run() {
	p, ok := c.runqueue.Pop()
	if !ok {
		kfmt.Logf(kfmt.ScopeIdle, "idle\n")
		c.current = nil
		c.lastReturn = ReturnNone
		return
	}
	p.Clear(proc.Queued)
	c.SwitchTo(p)
}

// Leave detaches the running process p from the Cpu on kernel entry.
func (c *Cpu) Leave(p *proc.Process) {
	if c.current != p {
		kfmt.Panic(errNotCurrent)
	}
	p.Clear(proc.Running)
	c.current = nil
}

// SwitchTo makes p the running process, activates its address space and
// resumes it.
func (c *Cpu) SwitchTo(p *proc.Process) {
	if c.current != nil {
		kfmt.Panic(errCpuBusy)
	}
	kfmt.Logf(kfmt.ScopeSwitch, "switch to %s rip=0x%x\n", p.Name(), p.Regs.RIP)

	p.Set(proc.Running)
	c.current = p
	c.switches++
	setCR3Fn(p.AddressSpace().CR3())

	if p.Is(proc.FastRet) {
		p.Clear(proc.FastRet)
		c.lastReturn = ReturnFast
		return
	}
	c.lastReturn = ReturnSlow
}

// SyscallReturn resumes p with rax as the syscall result.
func (c *Cpu) SyscallReturn(p *proc.Process, rax uint64) {
	p.Regs.RAX = rax
	c.SwitchTo(p)
}

// LatchIRQ records that the interrupt at vec is waiting for delivery. It
// returns false if the vector was already latched.
func (c *Cpu) LatchIRQ(vec uint16) bool {
	if vec < gate.IRQBase || vec >= gate.IRQBase+gate.IRQCount {
		kfmt.Panic(errIRQOutOfRange)
	}
	vec -= gate.IRQBase
	word, mask := vec>>6, uint64(1)<<(vec&63)
	if c.irqDelayed[word]&mask != 0 {
		return false
	}
	c.irqDelayed[word] |= mask
	return true
}

// TakeIRQs returns and clears the lowest non-empty word of latched
// interrupts.
func (c *Cpu) TakeIRQs() (word int, bits uint64, ok bool) {
	for i, w := range c.irqDelayed {
		if w != 0 {
			c.irqDelayed[i] = 0
			return i, w, true
		}
	}
	return 0, 0, false
}

// PendingIRQs returns true if any interrupt is latched.
func (c *Cpu) PendingIRQs() bool {
	for _, w := range c.irqDelayed {
		if w != 0 {
			return true
		}
	}
	return false
}
