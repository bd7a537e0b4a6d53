package trap

import (
	"bytes"
	"strings"
	"testing"

	"capos/kernel/abi"
	"capos/kernel/cpu"
	"capos/kernel/gate"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/mm/vmm"
	"capos/kernel/proc"
	"capos/kernel/sched"
	"capos/kernel/syscall"
)

func setup(t *testing.T) *sched.Cpu {
	t.Helper()

	arena, err := pmm.NewArena(mm.Size(64 * mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	mm.SetFrameAllocator(arena)
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		arena.Close()
	})
	return &sched.Cpu{}
}

func newProcess(t *testing.T, name string) *proc.Process {
	t.Helper()

	as, err := proc.NewAddressSpace(name)
	if err != nil {
		t.Fatal(err)
	}
	return proc.NewProcess(name, as)
}

// expectHalt captures the kernel output and returns a function to be
// deferred that checks the cpu halted after printing expOutput.
func expectHalt(t *testing.T, expOutput string) func() {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	return func() {
		err := recover()
		kfmt.SetOutputSink(nil)
		if err != cpu.ErrHalted {
			t.Fatalf("expected cpu to halt; got %v", err)
		}
		if !strings.Contains(buf.String(), expOutput) {
			t.Fatalf("expected output to contain %q; got:\n%s", expOutput, buf.String())
		}
	}
}

func TestAnonymousFault(t *testing.T) {
	c := setup(t)
	p := newProcess(t, "p")
	as := p.AddressSpace()
	as.MapRange(0x400000, 0x402000, 0, uintptr(vmm.MapAnon|vmm.MapRW))

	p.Set(proc.FastRet)
	c.SwitchTo(p)
	Interrupt(c, gate.PageFaultException, vmm.FaultUser|vmm.FaultWrite, 0x401010)

	if c.Current() != p || c.LastReturn() != sched.ReturnSlow {
		t.Fatal("expected the faulting process to resume through the slow path")
	}
	pte, err := as.PDT().Lookup(0x401000)
	if err != nil || !pte.HasFlags(vmm.FlagRW|vmm.FlagUserAccessible|vmm.FlagNoExecute) {
		t.Fatalf("expected a writable user page; got 0x%x (%v)", uint64(pte), err)
	}

	// Faulting again on the same page reuses the backing.
	backings := as.Backings()
	Interrupt(c, gate.PageFaultException, vmm.FaultUser, 0x401020)
	if as.Backings() != backings {
		t.Fatal("expected repeated fault to reuse the backing")
	}
}

func TestFatalFaults(t *testing.T) {
	specs := []struct {
		descr     string
		vec       uint16
		errCode   uint64
		addr      uintptr
		expOutput string
	}{
		{"no mapping", gate.PageFaultException, vmm.FaultUser, 0x900000, "no mapping covers address"},
		{"below every mapping", gate.PageFaultException, vmm.FaultUser, 0x10, "no mapping covers address"},
		{"just past the mapping", gate.PageFaultException, vmm.FaultUser | vmm.FaultWrite, 0x401000, "no mapping covers address"},
		{"write to read-only", gate.PageFaultException, vmm.FaultUser | vmm.FaultWrite, 0x400000, "access not permitted"},
		{"execute non-executable", gate.PageFaultException, vmm.FaultUser | vmm.FaultInstr, 0x400000, "access not permitted"},
		{"kernel mode", gate.PageFaultException, vmm.FaultWrite, 0x400000, "page fault in kernel mode"},
		{"double fault", gate.DoubleFault, 0, 0, "double fault"},
		{"breakpoint", 3, 0, 0, "exception #3"},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			c := setup(t)
			p := newProcess(t, "victim")
			p.AddressSpace().MapRange(0x400000, 0x401000, 0, uintptr(vmm.MapAnon|vmm.MapR))
			c.SwitchTo(p)

			defer expectHalt(t, spec.expOutput)()
			Interrupt(c, spec.vec, spec.errCode, spec.addr)
		})
	}
}

func TestFatalFaultDumpsProcess(t *testing.T) {
	c := setup(t)
	p := newProcess(t, "victim")
	p.Regs.RIP = 0x100abc
	c.SwitchTo(p)

	defer expectHalt(t, "process victim")()
	Interrupt(c, gate.PageFaultException, vmm.FaultUser, 0x900000)
}

func TestIRQ(t *testing.T) {
	c := setup(t)
	drv, other := newProcess(t, "drv"), newProcess(t, "other")
	c.IrqProcess = drv

	// The driver waits in an open receive.
	c.SwitchTo(drv)
	drv.Regs.RAX = abi.SysRecv
	syscall.Dispatch(c, drv)

	c.SwitchTo(other)
	Interrupt(c, 34, 0, 0)

	if c.Current() != drv {
		t.Fatal("expected interrupt to switch to the driver")
	}
	if drv.Regs.RAX != abi.SysPulse || drv.Regs.RDI != 0 || drv.Regs.RSI != 0x4 {
		t.Fatalf("expected irq pulse 0x4; got 0x%x 0x%x", drv.Regs.RAX, drv.Regs.RSI)
	}
	if !other.Is(proc.Queued) {
		t.Fatal("expected the interrupted process to be queued")
	}

	// With the driver busy, interrupts are latched and coalesced.
	Interrupt(c, 35, 0, 0)
	if c.Current() != other {
		t.Fatal("expected the interrupted driver to yield to the queue")
	}
	Interrupt(c, 35, 0, 0)
	if _, bits, _ := c.TakeIRQs(); bits != 0x8 {
		t.Fatalf("expected latched bits 0x8; got 0x%x", bits)
	}
}

func TestDelegatedFault(t *testing.T) {
	c := setup(t)
	client, backer := newProcess(t, "client"), newProcess(t, "backer")
	hc := client.AddressSpace().NewHandle(2, nil)
	hb := backer.AddressSpace().NewHandle(1, nil)
	proc.Associate(hc, hb)

	backer.AddressSpace().MapRange(0x600000, 0x601000, 0, uintptr(vmm.MapAnon|vmm.MapRW))
	client.AddressSpace().MapRange(0x500000, 0x501000, 2, uintptr(vmm.MapRW))

	c.SwitchTo(backer)
	backer.Regs.RAX = abi.SysRecv
	syscall.Dispatch(c, backer)

	c.SwitchTo(client)
	client.Regs.RAX = 0xfeed
	Interrupt(c, gate.PageFaultException, vmm.FaultUser|vmm.FaultWrite, 0x500008)

	if c.Current() != backer || backer.Regs.RAX != abi.SysPFault {
		t.Fatal("expected the backer to receive the fault")
	}
	if backer.Regs.RDX != abi.MapW {
		t.Fatalf("expected write access to be requested; got 0x%x", backer.Regs.RDX)
	}

	backer.Regs.RAX = abi.SysGrant
	backer.Regs.RSI = 0x600000
	backer.Regs.RDX = abi.MapR | abi.MapW
	syscall.Dispatch(c, backer)

	if c.Current() != client || c.LastReturn() != sched.ReturnSlow {
		t.Fatal("expected the client to resume through the slow path")
	}
	if client.Regs.RAX != 0xfeed {
		t.Fatalf("expected client registers to be untouched; got RAX 0x%x", client.Regs.RAX)
	}
	got, err := client.AddressSpace().PDT().Translate(0x500008)
	own, _ := backer.AddressSpace().FindBacking(0x600000)
	if err != nil || got != own.Paddr()+8 {
		t.Fatalf("expected the fault address to map the backer's page; got 0x%x (%v)", got, err)
	}
}

func TestDelegatedFaultOnClosedHandle(t *testing.T) {
	c := setup(t)
	client := newProcess(t, "client")
	client.AddressSpace().NewHandle(2, nil)
	client.AddressSpace().MapRange(0x500000, 0x501000, 2, uintptr(vmm.MapRW))
	c.SwitchTo(client)

	defer expectHalt(t, "backer of delegated mapping unreachable")()
	Interrupt(c, gate.PageFaultException, vmm.FaultUser, 0x500000)
}
