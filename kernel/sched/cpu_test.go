package sched

import (
	"bytes"
	"testing"

	"capos/kernel/cpu"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/proc"
)

func withSpace(t *testing.T) *proc.AddressSpace {
	t.Helper()

	arena, err := pmm.NewArena(mm.Size(16 * mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	mm.SetFrameAllocator(arena)
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		arena.Close()
	})

	as, kerr := proc.NewAddressSpace("test")
	if kerr != nil {
		t.Fatal(kerr)
	}
	return as
}

func TestRunQueueFIFO(t *testing.T) {
	as := withSpace(t)

	var c Cpu
	procs := []*proc.Process{
		proc.NewProcess("a", as),
		proc.NewProcess("b", as),
		proc.NewProcess("c", as),
	}
	for _, p := range procs {
		c.Queue(p)
	}
	// Queueing an already queued process must not reorder it.
	c.Queue(procs[0])

	if exp, got := 3, c.QueueLen(); got != exp {
		t.Fatalf("expected %d queued processes; got %d", exp, got)
	}

	for _, exp := range procs {
		c.Run()
		if got := c.Current(); got != exp {
			t.Fatalf("expected %s to run; got %v", exp.Name(), got)
		}
		if !exp.Is(proc.Running) || exp.Is(proc.Queued) {
			t.Fatalf("expected %s to be running and off the queue", exp.Name())
		}
		c.Leave(exp)
	}

	c.Run()
	if c.Current() != nil || c.LastReturn() != ReturnNone {
		t.Fatal("expected cpu to idle with an empty queue")
	}
}

func TestSwitchTo(t *testing.T) {
	as := withSpace(t)

	defer func(orig func(uintptr)) { setCR3Fn = orig }(setCR3Fn)
	var loaded uintptr
	setCR3Fn = func(addr uintptr) { loaded = addr }

	specs := []struct {
		fastRet bool
		expPath ReturnPath
	}{
		{true, ReturnFast},
		{false, ReturnSlow},
	}

	for specIndex, spec := range specs {
		var c Cpu
		p := proc.NewProcess("p", as)
		if spec.fastRet {
			p.Set(proc.FastRet)
		}

		c.SyscallReturn(p, 42)

		if got := c.LastReturn(); got != spec.expPath {
			t.Errorf("[spec %d] expected return path %d; got %d", specIndex, spec.expPath, got)
		}
		if p.Is(proc.FastRet) {
			t.Errorf("[spec %d] expected FastRet to be consumed", specIndex)
		}
		if p.Regs.RAX != 42 {
			t.Errorf("[spec %d] expected RAX 42; got %d", specIndex, p.Regs.RAX)
		}
		if loaded != as.CR3() {
			t.Errorf("[spec %d] expected CR3 0x%x; got 0x%x", specIndex, as.CR3(), loaded)
		}
	}
}

func TestSchedulerAsserts(t *testing.T) {
	as := withSpace(t)

	specs := []struct {
		descr string
		fn    func(c *Cpu, p *proc.Process)
	}{
		{"leave idle cpu", func(c *Cpu, p *proc.Process) { c.Leave(p) }},
		{"switch while busy", func(c *Cpu, p *proc.Process) {
			c.SwitchTo(proc.NewProcess("other", as))
			c.SwitchTo(p)
		}},
		{"queue blocked", func(c *Cpu, p *proc.Process) {
			p.Set(proc.InRecv)
			c.Queue(p)
		}},
		{"latch exception vector", func(c *Cpu, p *proc.Process) { c.LatchIRQ(14) }},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			kfmt.SetOutputSink(&bytes.Buffer{})
			defer kfmt.SetOutputSink(nil)
			defer func() {
				if err := recover(); err != cpu.ErrHalted {
					t.Fatalf("expected cpu to halt; got %v", err)
				}
			}()

			var c Cpu
			spec.fn(&c, proc.NewProcess("p", as))
		})
	}
}

func TestIRQLatch(t *testing.T) {
	var c Cpu

	if c.PendingIRQs() {
		t.Fatal("expected no pending interrupts")
	}

	if !c.LatchIRQ(33) {
		t.Fatal("expected first latch to succeed")
	}
	if c.LatchIRQ(33) {
		t.Fatal("expected second latch of the same vector to coalesce")
	}
	c.LatchIRQ(32 + 64 + 1)
	c.LatchIRQ(32)

	word, bits, ok := c.TakeIRQs()
	if !ok || word != 0 || bits != 0x3 {
		t.Fatalf("expected word 0 bits 0x3; got %d 0x%x %t", word, bits, ok)
	}
	word, bits, ok = c.TakeIRQs()
	if !ok || word != 1 || bits != 0x2 {
		t.Fatalf("expected word 1 bits 0x2; got %d 0x%x %t", word, bits, ok)
	}
	if _, _, ok = c.TakeIRQs(); ok || c.PendingIRQs() {
		t.Fatal("expected latch to be empty")
	}
}
