// Package hosted runs the kernel on a simulated machine. Physical memory is
// a host memory arena, user programs are Go functions driven one at a time
// by the machine loop, and every system call, page fault and interrupt goes
// through the same kernel entry points real hardware would reach.
package hosted

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"capos/kernel"
	"capos/kernel/cpu"
	"capos/kernel/gate"
	"capos/kernel/kfmt"
	"capos/kernel/kmain"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/mm/vmm"
	"capos/kernel/multiboot"
	"capos/kernel/proc"
	"capos/kernel/sched"
	"capos/kernel/syscall"
	"capos/kernel/trap"
)

var (
	// ErrHalted is returned by Run when the kernel halted the machine.
	ErrHalted = &kernel.Error{Module: "hosted", Message: "kernel halted the machine"}

	errAlreadyRun  = &kernel.Error{Module: "hosted", Message: "machine can only run once"}
	errNotCurrent  = &kernel.Error{Module: "hosted", Message: "kernel entry from a process that is not running"}
	errImageTooBig = &kernel.Error{Module: "hosted", Message: "module images do not fit in physical memory"}

	// errStopped unwinds program goroutines once the machine loop exits.
	errStopped = &kernel.Error{Module: "hosted", Message: "machine stopped"}
)

// irqQueueLen bounds the interrupts raised but not yet taken by the kernel.
const irqQueueLen = 64

// Program is the code of a user process. It runs in its own goroutine and
// talks to the kernel exclusively through s. Returning ends the process.
type Program func(s *Sys) error

// Module describes a boot module.
type Module struct {
	Name string

	// Constraint is the ABI version range the module was built for.
	Constraint string

	// Image is loaded into physical memory and mapped at kmain.ImageBase.
	// It defaults to the module name.
	Image []byte

	Program Program
}

// Config describes a machine.
type Config struct {
	// CmdLine is the kernel command line. mem= sizes physical memory.
	CmdLine string

	Modules []Module

	// Console receives kernel and process output. Defaults to io.Discard.
	Console io.Writer

	// ExitOnIdle stops the machine when the Cpu has nothing to run and no
	// interrupt is pending. Otherwise the machine waits for RaiseIRQ or
	// for its context to be canceled.
	ExitOnIdle bool
}

type entryKind uint8

const (
	entrySyscall entryKind = iota
	entryFault
	entryExit
)

// entry is a transition of a user program into the kernel.
type entry struct {
	t       *thread
	kind    entryKind
	errCode uint64
	addr    uintptr
}

// thread binds a program goroutine to its process.
type thread struct {
	p      *proc.Process
	prog   Program
	resume chan struct{}
}

// Machine is a single CPU computer running the kernel.
type Machine struct {
	cfg   Config
	arena *pmm.Arena
	cpu   *sched.Cpu
	info  []byte

	threads map[*proc.Process]*thread
	live    int
	ran     bool

	entries chan entry
	irqs    chan uint16
	done    chan struct{}
}

// NewMachine allocates the physical memory of the machine, loads the module
// images and prepares the boot information.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	kfmt.SetOutputSink(cfg.Console)

	kcfg, err := kmain.ParseConfig(multiboot.ParseCmdLine(cfg.CmdLine))
	if err != nil {
		return nil, err
	}

	arena, err := pmm.NewArena(kcfg.Mem)
	if err != nil {
		return nil, err
	}
	mm.SetFrameAllocator(arena)

	m := &Machine{
		cfg:     cfg,
		arena:   arena,
		cpu:     &sched.Cpu{},
		threads: make(map[*proc.Process]*thread),
		entries: make(chan entry),
		irqs:    make(chan uint16, irqQueueLen),
		done:    make(chan struct{}),
	}

	if m.info, err = m.load(kcfg.Mem); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// load copies the module images into physical memory and builds the
// multiboot information describing them.
func (m *Machine) load(memSize mm.Size) ([]byte, *kernel.Error) {
	var b multiboot.Builder
	b.AddCmdLine(m.cfg.CmdLine)
	var upperKb uint32
	if memSize > mm.Mb {
		upperKb = uint32((memSize - mm.Mb) / mm.Kb)
	}
	b.AddMemoryInfo(640, upperKb)
	b.AddMemoryMap([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(memSize), Type: multiboot.MemAvailable},
	})

	for _, mod := range m.cfg.Modules {
		image := mod.Image
		if len(image) == 0 {
			image = []byte(mod.Name)
		}

		frame, err := m.arena.AllocContiguous(mm.Size(len(image)).Pages())
		if err != nil {
			return nil, errImageTooBig
		}
		start := frame.Address()
		copy(m.arena.PhysBytes(start, uintptr(len(image))), image)

		cmdLine := mod.Name
		if mod.Constraint != "" {
			cmdLine += " " + mod.Constraint
		}
		b.AddModule(uint32(start), uint32(start+uintptr(len(image))), cmdLine)
	}
	return b.Bytes(), nil
}

// Cpu returns the processor of the machine.
func (m *Machine) Cpu() *sched.Cpu { return m.cpu }

// Arena returns the physical memory of the machine.
func (m *Machine) Arena() *pmm.Arena { return m.arena }

// RaiseIRQ signals hardware interrupt line irq. It is taken by the kernel
// at the next kernel entry or while the Cpu idles.
func (m *Machine) RaiseIRQ(irq uint16) {
	m.irqs <- gate.IRQBase + irq
}

// Close releases the physical memory of the machine.
func (m *Machine) Close() {
	mm.SetFrameAllocator(nil)
	m.arena.Close()
}

// Run boots the kernel and drives the programs until they all exit, the
// kernel halts, a program fails or ctx is canceled.
func (m *Machine) Run(ctx context.Context) error {
	if m.ran {
		return errAlreadyRun
	}
	m.ran = true

	var (
		procs []*proc.Process
		kerr  *kernel.Error
	)
	if err := m.enter(func() { procs, kerr = kmain.Kmain(m.cpu, m.info) }); err != nil {
		return err
	}
	if kerr != nil {
		return kerr
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, p := range procs {
		t := &thread{p: p, prog: m.cfg.Modules[i].Program, resume: make(chan struct{})}
		m.threads[p] = t
		m.live++
		g.Go(func() error { return m.runThread(t) })
	}
	g.Go(func() error {
		defer close(m.done)
		return m.loop(ctx)
	})
	return g.Wait()
}

// loop is the kernel side of the machine. It resumes the current process
// and waits for it to enter the kernel again.
func (m *Machine) loop(ctx context.Context) error {
	for {
		if err := m.takeIRQs(); err != nil {
			return err
		}

		p := m.cpu.Current()
		if p == nil {
			if m.live == 0 {
				return nil
			}
			if m.cfg.ExitOnIdle {
				kfmt.Logf(kfmt.ScopeIdle, "machine idle, stopping\n")
				return nil
			}
			select {
			case vec := <-m.irqs:
				if err := m.interrupt(vec); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		t := m.threads[p]
		select {
		case t.resume <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		var e entry
		select {
		case e = <-m.entries:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.t != t {
			return errNotCurrent
		}
		if err := m.enter(func() { m.handle(e) }); err != nil {
			return err
		}
	}
}

// takeIRQs hands the kernel every interrupt raised since the last kernel
// entry.
func (m *Machine) takeIRQs() error {
	for {
		select {
		case vec := <-m.irqs:
			if err := m.interrupt(vec); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (m *Machine) interrupt(vec uint16) error {
	return m.enter(func() { trap.Interrupt(m.cpu, vec, 0, 0) })
}

func (m *Machine) handle(e entry) {
	p := e.t.p
	switch e.kind {
	case entrySyscall:
		syscall.Dispatch(m.cpu, p)
	case entryFault:
		trap.Interrupt(m.cpu, gate.PageFaultException, e.errCode, e.addr)
	case entryExit:
		kfmt.Logf(kfmt.ScopeSwitch, "%s exited\n", p.Name())
		m.cpu.Leave(p)
		delete(m.threads, p)
		m.live--
		p.Release(m.cpu)
		m.cpu.Run()
	}
}

// enter runs fn in kernel mode. A halt of the kernel is reported as
// ErrHalted.
func (m *Machine) enter(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r != cpu.ErrHalted {
				panic(r)
			}
			err = ErrHalted
		}
	}()
	fn()
	return nil
}

// runThread is the user side of a process.
func (m *Machine) runThread(t *thread) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if r != errStopped {
				panic(r)
			}
			err = nil
		}
	}()

	s := &Sys{m: m, t: t}
	s.wait()

	// Fetch the first instruction so the image page is faulted in the way
	// a real process would on its first run.
	s.access(uintptr(t.p.Regs.RIP), vmm.MapX)

	if t.prog != nil {
		if err = t.prog(s); err != nil {
			return err
		}
	}
	s.send(entry{kind: entryExit})
	return nil
}
