// Package kmain brings the kernel up from the multiboot information handed
// over by the boot loader: it applies the command line options, turns every
// boot module into a process and starts scheduling.
package kmain

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"capos/kernel"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
	"capos/kernel/mm/vmm"
	"capos/kernel/multiboot"
	"capos/kernel/proc"
	"capos/kernel/sched"
)

// Layout of a freshly booted process. The module image is mapped read-only
// and executable at ImageBase; the page below it is the initial stack.
const (
	ImageBase = uintptr(0x100000)
	StackBase = ImageBase - mm.PageSize
)

var (
	errNoModules     = &kernel.Error{Module: "kmain", Message: "no boot modules"}
	errBadModule     = &kernel.Error{Module: "kmain", Message: "boot module has an empty image"}
	errBadConstraint = &kernel.Error{Module: "kmain", Message: "malformed module ABI constraint"}
	errABIMismatch   = &kernel.Error{Module: "kmain", Message: "module requires an incompatible kernel ABI"}
	errNoIRQModule   = &kernel.Error{Module: "kmain", Message: "irq= names a module that was not loaded"}
)

// Kmain boots the kernel on c. It decodes the multiboot info, creates one
// process per boot module, connects every pair of processes with a channel
// and runs the first queued process. The created processes are returned in
// module order.
func Kmain(c *sched.Cpu, info []byte) ([]*proc.Process, *kernel.Error) {
	multiboot.SetInfo(info)

	cfg, err := ParseConfig(multiboot.GetBootCmdLine())
	if err != nil {
		return nil, err
	}
	kfmt.EnableScopes(cfg.Scopes)

	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		kfmt.Logf(kfmt.ScopeBoot, "[kmain] mem 0x%x - 0x%x %s\n", e.PhysAddress, e.PhysAddress+e.Length, e.Type.String())
		return true
	})

	var mods []multiboot.Module
	multiboot.VisitModules(func(m *multiboot.Module) bool {
		mods = append(mods, *m)
		return true
	})
	if len(mods) == 0 {
		return nil, errNoModules
	}
	if cfg.IRQ >= len(mods) {
		return nil, errNoIRQModule
	}

	procs := make([]*proc.Process, 0, len(mods))
	for _, mod := range mods {
		name, constraint := SplitModuleCmdLine(mod.CmdLine)
		if err := checkABI(name, constraint, cfg.ABI); err != nil {
			return nil, err
		}

		p, err := newProcess(name, uintptr(mod.Start), uintptr(mod.End))
		if err != nil {
			return nil, err
		}
		kfmt.Logf(kfmt.ScopeBoot, "[kmain] module %s at 0x%x - 0x%x\n", name, mod.Start, mod.End)
		procs = append(procs, p)
	}

	for i := range procs {
		for j := i + 1; j < len(procs); j++ {
			hi := procs[i].AddressSpace().NewHandle(uint64(j+1), c)
			hj := procs[j].AddressSpace().NewHandle(uint64(i+1), c)
			proc.Associate(hi, hj)
		}
	}

	c.IrqProcess = procs[cfg.IRQ]
	for _, p := range procs {
		c.Queue(p)
	}
	c.Run()

	return procs, nil
}

// SplitModuleCmdLine splits a module command line into the module name and
// its optional ABI version constraint.
func SplitModuleCmdLine(cmdLine string) (name, constraint string) {
	fields := strings.Fields(cmdLine)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

func checkABI(name, constraint string, version *semver.Version) *kernel.Error {
	if constraint == "" {
		return nil
	}

	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		kfmt.Printf("[kmain] module %s: %s\n", name, err.Error())
		return errBadConstraint
	}
	if !cons.Check(version) {
		kfmt.Printf("[kmain] module %s requires ABI %s; kernel provides %s\n", name, constraint, version.String())
		return errABIMismatch
	}
	return nil
}

// newProcess creates the process for a module image loaded at [start, end)
// in physical memory. The image page containing start is mapped at
// ImageBase and execution begins at the matching offset.
func newProcess(name string, start, end uintptr) (*proc.Process, *kernel.Error) {
	if end <= start {
		return nil, errBadModule
	}

	as, err := proc.NewAddressSpace(name)
	if err != nil {
		return nil, err
	}

	startPage := mm.PageAlignDown(start)
	imageEnd := ImageBase + (mm.PageAlignUp(end) - startPage)

	as.MapRange(StackBase, ImageBase, 0, uintptr(vmm.MapAnon|vmm.MapRW))
	as.MapRange(ImageBase, imageEnd, 0, (startPage-ImageBase)|uintptr(vmm.MapPhys|vmm.MapRX))

	p := proc.NewProcess(name, as)
	p.Regs.RSP = uint64(ImageBase)
	p.Regs.RIP = uint64(ImageBase + start&mm.PageMask)
	return p, nil
}
