package syscall

import (
	"capos/kernel/abi"
	"capos/kernel/cpu"
	"capos/kernel/kfmt"
	"capos/kernel/proc"
	"capos/kernel/sched"
)

// hmod renames, copies or deletes the handle at key. A copy refers to the
// same peer as the original. With both rename and copy zero the handle is
// deleted, closing the channel.
func hmod(c *sched.Cpu, p *proc.Process, key, rename, copyKey uint64) {
	as := p.AddressSpace()
	kfmt.Logf(kfmt.ScopeHMod, "%s: hmod %d rename %d copy %d\n", p.Name(), key, rename, copyKey)

	h, ok := as.FindHandle(key)
	if !ok {
		c.SyscallReturn(p, abi.Errno(abi.EBADF))
		return
	}

	switch {
	case rename == 0 && copyKey == 0:
		as.DeleteHandle(h, c)
	case copyKey == 0 || copyKey == rename:
		as.RenameHandle(h, rename, c)
	case rename == 0:
		as.RenameHandle(h, copyKey, c)
	default:
		as.RenameHandle(h, rename, c)
		if _, err := as.CopyHandle(h, as, copyKey, c); err != nil {
			as.NewHandle(copyKey, c)
		}
	}
	c.SyscallReturn(p, 0)
}

// hpair creates a connected pair of handles in the space of p and returns
// their keys in RDI and RSI.
func hpair(c *sched.Cpu, p *proc.Process) {
	a, b := p.AddressSpace().NewPair()
	kfmt.Logf(kfmt.ScopeHMod, "%s: hpair -> %d %d\n", p.Name(), a.Key(), b.Key())

	p.Regs.RDI = a.Key()
	p.Regs.RSI = b.Key()
	c.SyscallReturn(p, 0)
}

func portIO(c *sched.Cpu, p *proc.Process, port uint16, op uint8, data uint32) {
	var res uint32
	switch op {
	case abi.IOInByte:
		res = uint32(cpu.PortReadByte(port))
	case abi.IOInWord:
		res = uint32(cpu.PortReadWord(port))
	case abi.IOInDword:
		res = cpu.PortReadDword(port)
	case abi.IOOutByte:
		cpu.PortWriteByte(port, uint8(data))
	case abi.IOOutWord:
		cpu.PortWriteWord(port, uint16(data))
	case abi.IOOutDword:
		cpu.PortWriteDword(port, data)
	}
	kfmt.Logf(kfmt.ScopeSyscall, "%s: portio port 0x%x op 0x%x data 0x%x res 0x%x\n", p.Name(), port, op, data, res)
	c.SyscallReturn(p, uint64(res))
}
