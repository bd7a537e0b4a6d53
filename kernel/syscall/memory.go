package syscall

import (
	"capos/kernel/abi"
	"capos/kernel/kfmt"
	"capos/kernel/mm"
	"capos/kernel/mm/vmm"
	"capos/kernel/proc"
	"capos/kernel/sched"
)

func aligned(v uint64) bool { return v&uint64(mm.PageMask) == 0 }

// mapRange makes [vaddr, vaddr+size) map through handle. With handle zero
// the flags select anonymous, physical or DMA memory; a DMA page is
// allocated immediately and its physical address returned.
func mapRange(c *sched.Cpu, p *proc.Process, handle, flags, vaddr, offset, size uint64) {
	as := p.AddressSpace()
	kfmt.Logf(kfmt.ScopeMap, "%s: map %d flags 0x%x at 0x%x offset 0x%x size 0x%x\n", p.Name(), handle, flags, vaddr, offset, size)

	if flags > 0xfff || !aligned(vaddr) || !aligned(size) || !aligned(offset) || vaddr+size < vaddr {
		c.SyscallReturn(p, abi.Errno(abi.EINVAL))
		return
	}
	if handle != 0 {
		if _, ok := as.FindHandle(handle); !ok {
			c.SyscallReturn(p, abi.Errno(abi.EBADF))
			return
		}
	}

	mf := vmm.MapFlags(flags)
	if handle == 0 && mf.Has(vmm.MapDMA) {
		if size != uint64(mm.PageSize) {
			c.SyscallReturn(p, abi.Errno(abi.EINVAL))
			return
		}
		frame, err := mm.AllocFrame()
		if err != nil {
			c.SyscallReturn(p, abi.Errno(abi.ENOMEM))
			return
		}
		offset = uint64(frame.Address())
		b := as.AddDMABacking(uintptr(vaddr), mf, frame)
		if err := as.AddPTE(b.Vaddr(), b.PTE()); err != nil {
			c.SyscallReturn(p, abi.Errno(abi.ENOMEM))
			return
		}
	}

	as.MapRange(uintptr(vaddr), uintptr(vaddr+size), handle, uintptr(flags|(offset-vaddr)))

	if mf&vmm.MapPhys != 0 {
		c.SyscallReturn(p, offset)
		return
	}
	c.SyscallReturn(p, 0)
}

func unmapRange(c *sched.Cpu, p *proc.Process, vaddr, size uint64) {
	if !aligned(vaddr) || !aligned(size) || vaddr+size < vaddr {
		c.SyscallReturn(p, abi.Errno(abi.EINVAL))
		return
	}
	p.AddressSpace().UnmapRange(uintptr(vaddr), uintptr(vaddr+size))
	c.SyscallReturn(p, 0)
}

// prefault resolves the page at vaddr before it is touched. Delegated
// pages are requested from the backer and answered with a SYS_GRANT
// message; other pages are backed right away.
func prefault(c *sched.Cpu, p *proc.Process, vaddr, flags uint64) {
	as := p.AddressSpace()
	addr := mm.PageAlignDown(uintptr(vaddr))
	access := vmm.MapFlags(flags) & vmm.MapRWX
	kfmt.Logf(kfmt.ScopePageFault, "%s: prefault 0x%x flags 0x%x\n", p.Name(), addr, uint64(access))

	card, ok := as.FindCard(addr)
	if !ok {
		c.SyscallReturn(p, abi.Errno(abi.EINVAL))
		return
	}
	if card.Handle != 0 {
		if errno := DelegateFault(c, p, addr, access, false); errno != 0 {
			c.SyscallReturn(p, errno)
		}
		return
	}

	b, err := as.FindAddBacking(addr)
	if err != nil {
		c.SyscallReturn(p, abi.Errno(abi.EINVAL))
		return
	}
	if err := as.AddPTE(b.Vaddr(), b.PTE()); err != nil {
		c.SyscallReturn(p, abi.Errno(abi.ENOMEM))
		return
	}
	c.SyscallReturn(p, 0)
}

// DelegateFault asks the backer of the delegated page at addr to grant
// access to it. p is blocked until the backer answers. A non-zero result is
// the error to report when the fault cannot be delegated; p is then left
// runnable and off the Cpu.
func DelegateFault(c *sched.Cpu, p *proc.Process, addr uintptr, access vmm.MapFlags, fromTrap bool) uint64 {
	as := p.AddressSpace()
	addr = mm.PageAlignDown(addr)

	offsetFlags, handle, ok := as.FindMapping(addr)
	if !ok || handle == 0 {
		return abi.Errno(abi.EINVAL)
	}
	h, errno := lookup(p, handle)
	if errno != 0 {
		return errno
	}

	kfmt.Logf(kfmt.ScopePageFault, "%s: fault at 0x%x delegated to %d offset 0x%x\n", p.Name(), addr, handle, offsetFlags)

	p.FaultAddr = addr
	p.FaultAccess = access
	p.FaultFromTrap = fromTrap
	p.Set(proc.PFault)

	startCall(c, p, h, proc.Message{
		Nr:   abi.SysPFault,
		Dest: handle,
		Args: [5]uint64{
			uint64(offsetFlags &^ mm.PageMask),
			uint64(access) & uint64(offsetFlags),
		},
	})
	return 0
}

// grant answers the page fault of the process waiting on dest with the
// page at vaddr in the space of the caller.
func grant(c *sched.Cpu, p *proc.Process, dest, vaddr, flags uint64) {
	kfmt.Logf(kfmt.ScopeGrant, "%s: grant %d vaddr 0x%x flags 0x%x\n", p.Name(), abi.DestKey(dest), vaddr, flags)

	h, errno := lookup(p, dest)
	if errno != 0 {
		c.SyscallReturn(p, errno)
		return
	}

	f := proc.TakeFaulter(h)
	if f == nil {
		kfmt.Logf(kfmt.ScopeGrant, "%s: nobody waits for a grant on %d\n", p.Name(), h.Key())
		c.SyscallReturn(p, abi.Errno(abi.EINVAL))
		return
	}

	offsetFlags, _, _ := f.AddressSpace().FindMapping(f.FaultAddr)
	granted := vmm.MapFlags(flags) & vmm.MapRWX & vmm.MapFlags(offsetFlags)
	granted |= vmm.MapFlags(offsetFlags) & vmm.MapNoCache

	backing, err := p.AddressSpace().FindAddBacking(uintptr(vaddr))
	if err != nil {
		// Recursive delegation is not supported; the faulter keeps waiting.
		proc.ParkReceiver(f, f.RecvHandle)
		c.SyscallReturn(p, abi.Errno(abi.EINVAL))
		return
	}

	sharing := p.AddressSpace().FindAddSharing(backing)
	shared := f.AddressSpace().AddSharedBacking(f.FaultAddr, granted, sharing)
	if err := f.AddressSpace().AddPTE(shared.Vaddr(), shared.PTE()); err != nil {
		kfmt.Panic(err)
	}

	f.Clear(proc.PFault | proc.InRecv)
	f.RecvHandle = nil
	if !f.FaultFromTrap {
		storeMessage(f, abi.MsgSend(abi.SysGrant), abi.MakeDest(f.Msg.Dest, 0), [5]uint64{uint64(f.FaultAddr), uint64(granted)})
	}

	p.Regs.RAX = 0
	c.Queue(f)
	c.Queue(p)
	c.Run()
}
