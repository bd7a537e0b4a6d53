package kmain

import (
	"testing"

	"capos/kernel"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
	"capos/kernel/mm/pmm"
	"capos/kernel/mm/vmm"
	"capos/kernel/multiboot"
	"capos/kernel/sched"
)

func setupArena(t *testing.T) *pmm.Arena {
	t.Helper()

	arena, err := pmm.NewArena(mm.Size(64 * mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	mm.SetFrameAllocator(arena)
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		arena.Close()
		kfmt.EnableScopes(kfmt.ScopeBoot)
	})
	return arena
}

func TestParseConfig(t *testing.T) {
	specs := []struct {
		cmdLine string
		exp     Config
		expErr  *kernel.Error
	}{
		{"", Config{Scopes: kfmt.ScopeBoot, Mem: DefaultMemSize}, nil},
		{"log=ipc,switch mem=512K irq=2", Config{Scopes: kfmt.ScopeIPC | kfmt.ScopeSwitch, Mem: 512 * mm.Kb, IRQ: 2}, nil},
		{"log=all mem=4M", Config{Scopes: kfmt.ScopeAll, Mem: 4 * mm.Mb}, nil},
		{"log=bogus", Config{Mem: DefaultMemSize}, nil},
		{"mem=lots", Config{}, errBadMemSize},
		{"mem=0", Config{}, errBadMemSize},
		{"irq=-1", Config{}, errBadIRQ},
		{"abi=one", Config{}, errBadVersion},
	}

	for specIndex, spec := range specs {
		cfg, err := ParseConfig(multiboot.ParseCmdLine(spec.cmdLine))
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err != nil {
			continue
		}
		if cfg.Scopes != spec.exp.Scopes || cfg.Mem != spec.exp.Mem || cfg.IRQ != spec.exp.IRQ {
			t.Errorf("[spec %d] expected config %+v; got %+v", specIndex, spec.exp, *cfg)
		}
	}

	cfg, _ := ParseConfig(map[string]string{"abi": "2.1.0"})
	if cfg.ABI.Major() != 2 || cfg.ABI.Minor() != 1 {
		t.Fatalf("expected abi override 2.1.0; got %s", cfg.ABI.String())
	}
}

func TestSplitModuleCmdLine(t *testing.T) {
	specs := []struct {
		input, expName, expConstraint string
	}{
		{"", "", ""},
		{"init", "init", ""},
		{"console ^1.0", "console", "^1.0"},
		{"net >= 1.0, < 2.0", "net", ">= 1.0, < 2.0"},
	}

	for specIndex, spec := range specs {
		name, constraint := SplitModuleCmdLine(spec.input)
		if name != spec.expName || constraint != spec.expConstraint {
			t.Errorf("[spec %d] expected (%q, %q); got (%q, %q)", specIndex, spec.expName, spec.expConstraint, name, constraint)
		}
	}
}

func TestKmainLayout(t *testing.T) {
	arena := setupArena(t)

	var b multiboot.Builder
	b.AddCmdLine("log=boot irq=1")
	b.AddModule(0x3010, 0x4800, "init")
	b.AddModule(0x6000, 0x6100, "console ^1.0")
	b.AddModule(0x7000, 0x7001, "zero")

	c := &sched.Cpu{}
	procs, err := Kmain(c, b.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(procs) != 3 {
		t.Fatalf("expected 3 processes; got %d", len(procs))
	}

	if c.Current() != procs[0] || c.QueueLen() != 2 {
		t.Fatalf("expected init to run with 2 queued processes; got %v and %d", c.Current(), c.QueueLen())
	}
	if c.IrqProcess != procs[1] {
		t.Fatal("expected console to receive interrupts")
	}

	init := procs[0]
	if init.Name() != "init" || procs[1].Name() != "console" {
		t.Fatalf("expected processes to be named after their modules; got %s and %s", init.Name(), procs[1].Name())
	}
	if init.Regs.RSP != 0x100000 || init.Regs.RIP != 0x100010 {
		t.Fatalf("expected RSP=0x100000 RIP=0x100010; got RSP=0x%x RIP=0x%x", init.Regs.RSP, init.Regs.RIP)
	}

	as := init.AddressSpace()
	specs := []struct {
		vaddr    uintptr
		expFlags vmm.MapFlags
		expPaddr uintptr
	}{
		{0xff000, vmm.MapAnon | vmm.MapRW, 0},
		{0xfffff, vmm.MapAnon | vmm.MapRW, 0},
		{0x100000, vmm.MapPhys | vmm.MapRX, 0x3000},
		{0x101abc, vmm.MapPhys | vmm.MapRX, 0x4abc},
		{0x102000, 0, 0},
	}
	for specIndex, spec := range specs {
		card, ok := as.FindCard(spec.vaddr)
		if !ok {
			t.Errorf("[spec %d] expected a card to govern 0x%x", specIndex, spec.vaddr)
			continue
		}
		if card.Flags() != spec.expFlags {
			t.Errorf("[spec %d] expected flags 0x%x at 0x%x; got 0x%x", specIndex, spec.expFlags, spec.vaddr, card.Flags())
		}
		if spec.expFlags&vmm.MapPhys != 0 && card.Paddr(spec.vaddr) != spec.expPaddr {
			t.Errorf("[spec %d] expected 0x%x to map to 0x%x; got 0x%x", specIndex, spec.vaddr, spec.expPaddr, card.Paddr(spec.vaddr))
		}
	}
	if _, ok := as.FindCard(0xfe000); ok {
		t.Fatal("expected nothing to be mapped below the stack page")
	}

	// Process i holds key j+1 for process j and vice versa.
	for i, p := range procs {
		for j, q := range procs {
			h, ok := p.AddressSpace().FindHandle(uint64(j + 1))
			if i == j {
				if ok {
					t.Errorf("expected %s to have no handle to itself", p.Name())
				}
				continue
			}
			if !ok {
				t.Errorf("expected %s to hold key %d", p.Name(), j+1)
				continue
			}
			if other := h.Other(); other == nil || other.Owner() != q.AddressSpace() || other.Key() != uint64(i+1) {
				t.Errorf("expected key %d of %s to connect to key %d of %s", j+1, p.Name(), i+1, q.Name())
			}
		}
	}

	if arena.FramesInUse() == 0 {
		t.Fatal("expected page tables to be allocated")
	}
}

func TestKmainErrors(t *testing.T) {
	setupArena(t)

	specs := []struct {
		cmdLine string
		modules []string
		expErr  *kernel.Error
	}{
		{"", nil, errNoModules},
		{"irq=1", []string{"init"}, errNoIRQModule},
		{"", []string{"init ^2.0"}, errABIMismatch},
		{"abi=2.3.0", []string{"init ^2.0", "old ~1.0"}, errABIMismatch},
		{"", []string{"init not-a-constraint"}, errBadConstraint},
		{"mem=x", []string{"init"}, errBadMemSize},
	}

	for specIndex, spec := range specs {
		var b multiboot.Builder
		b.AddCmdLine(spec.cmdLine)
		for i, mod := range spec.modules {
			start := uint32(0x10000 * (i + 1))
			b.AddModule(start, start+0x100, mod)
		}

		if _, err := Kmain(&sched.Cpu{}, b.Bytes()); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestKmainEmptyModule(t *testing.T) {
	setupArena(t)

	var b multiboot.Builder
	b.AddModule(0x5000, 0x5000, "empty")
	if _, err := Kmain(&sched.Cpu{}, b.Bytes()); err != errBadModule {
		t.Fatalf("expected error %v; got %v", errBadModule, err)
	}
}

func TestNewProcessRetainsSpace(t *testing.T) {
	setupArena(t)

	p, err := newProcess("init", 0x8000, 0x9000)
	if err != nil {
		t.Fatal(err)
	}
	as := p.AddressSpace()
	if got := as.Refs(); got != 1 {
		t.Fatalf("expected the process to hold the only space reference; got %d", got)
	}
	p.Release(nil)
	if got := as.Cards(); got != 0 {
		t.Fatalf("expected released space to drop its cards; got %d", got)
	}
}
