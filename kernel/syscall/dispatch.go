// Package syscall implements the system call entry of the kernel: the
// builtin calls below abi.MsgUser and the synchronous IPC used for every
// other message number.
package syscall

import (
	"capos/kernel/abi"
	"capos/kernel/kfmt"
	"capos/kernel/proc"
	"capos/kernel/sched"
)

// Dispatch handles the system call issued by the running process p. The
// call number is in RAX, its arguments in RDI, RSI, RDX, R8, R9 and R10.
// On return the Cpu either runs the process to resume or is idle.
func Dispatch(c *sched.Cpu, p *proc.Process) {
	r := &p.Regs
	nr := r.RAX
	kfmt.Logf(kfmt.ScopeSyscall, "%s: syscall 0x%x: %x %x %x %x %x %x\n",
		p.Name(), nr, r.RDI, r.RSI, r.RDX, r.R8, r.R9, r.R10)

	c.Leave(p)
	p.Set(proc.FastRet)

	switch nr {
	case abi.SysRecv:
		recv(c, p, r.RDI)
	case abi.SysMap:
		mapRange(c, p, r.RDI, r.RSI, r.RDX, r.R8, r.R9)
	case abi.SysPFault:
		prefault(c, p, r.RSI, r.RDX)
	case abi.SysUnmap:
		unmapRange(c, p, r.RDI, r.RSI)
	case abi.SysHMod:
		hmod(c, p, r.RDI, r.RSI, r.RDX)
	case abi.SysWrite:
		p.Console().Write([]byte{byte(r.RDI)})
		c.SyscallReturn(p, 0)
	case abi.SysIO:
		portIO(c, p, uint16(r.RDI), uint8(r.RSI), uint32(r.RDX))
	case abi.SysGrant:
		grant(c, p, r.RDI, r.RSI, r.RDX)
	case abi.SysPulse:
		pulse(c, p, r.RDI, r.RSI)
	case abi.SysYield:
		c.Queue(p)
		c.Run()
	case abi.SysHPair:
		hpair(c, p)
	default:
		if nr < abi.MsgUser {
			kfmt.Printf("unimplemented syscall: %d\n", nr)
			c.SyscallReturn(p, abi.Errno(abi.ENOSYS))
			return
		}

		msg := proc.Message{
			Nr:   nr,
			Dest: r.RDI,
			Args: [5]uint64{r.RSI, r.RDX, r.R8, r.R9, r.R10},
		}
		switch abi.MsgKind(nr) {
		case abi.MsgKindSend:
			send(c, p, msg)
		case abi.MsgKindCall:
			call(c, p, msg)
		default:
			c.SyscallReturn(p, abi.Errno(abi.ENOSYS))
		}
	}
}
