package syscall

import (
	"capos/kernel/abi"
	"capos/kernel/kfmt"
	"capos/kernel/proc"
	"capos/kernel/sched"
)

// lookup returns the handle named by dest in the space of p. The error
// result is zero on success.
func lookup(p *proc.Process, dest uint64) (*proc.Handle, uint64) {
	h, ok := p.AddressSpace().FindHandle(abi.DestKey(dest))
	switch {
	case !ok:
		return nil, abi.Errno(abi.EBADF)
	case h.Other() == nil:
		return h, abi.Errno(abi.EPIPE)
	}
	return h, 0
}

func send(c *sched.Cpu, p *proc.Process, msg proc.Message) {
	kfmt.Logf(kfmt.ScopeIPC, "%s: send 0x%x to %d args %d %d\n", p.Name(), msg.Nr, abi.DestKey(msg.Dest), msg.Args[0], msg.Args[1])

	h, errno := lookup(p, msg.Dest)
	if errno != 0 {
		c.SyscallReturn(p, errno)
		return
	}

	if msg.Dest&abi.MsgTxFD != 0 {
		fh, ok := p.AddressSpace().FindHandle(msg.Args[0])
		switch {
		case !ok:
			c.SyscallReturn(p, abi.Errno(abi.EBADF))
			return
		case fh == h:
			c.SyscallReturn(p, abi.Errno(abi.EINVAL))
			return
		}
	}

	p.Msg = msg
	p.Set(proc.InSend)
	p.SendHandle = h
	deliver(c, p, h)
}

func call(c *sched.Cpu, p *proc.Process, msg proc.Message) {
	kfmt.Logf(kfmt.ScopeIPC, "%s: call 0x%x to %d args %d %d\n", p.Name(), msg.Nr, abi.DestKey(msg.Dest), msg.Args[0], msg.Args[1])

	h, errno := lookup(p, msg.Dest)
	if errno != 0 {
		c.SyscallReturn(p, errno)
		return
	}
	startCall(c, p, h, msg)
}

// startCall sends msg through h and leaves p waiting for the reply.
func startCall(c *sched.Cpu, p *proc.Process, h *proc.Handle, msg proc.Message) {
	p.Msg = msg
	p.Set(proc.InSend | proc.InRecv)
	p.SendHandle = h
	p.RecvHandle = h
	deliver(c, p, h)
}

// deliver hands the message of p to a waiting receiver, or blocks p until
// one shows up.
func deliver(c *sched.Cpu, p *proc.Process, h *proc.Handle) {
	if r := proc.TakeRecipient(h); r != nil {
		transfer(c, r, p)
		return
	}

	kfmt.Logf(kfmt.ScopeIPC, "%s: blocked sending on %d\n", p.Name(), h.Key())
	proc.ParkSender(p, h)
	c.Run()
}

func recv(c *sched.Cpu, p *proc.Process, from uint64) {
	as := p.AddressSpace()
	key := abi.DestKey(from)
	kfmt.Logf(kfmt.ScopeIPC, "%s: recv from %d\n", p.Name(), key)

	h, ok := as.FindHandle(key)
	if key == 0 || !ok {
		recvAny(c, p, key)
		return
	}

	if bits := as.TakePulses(h); bits != 0 {
		transferPulse(c, p, h.Key(), bits, 0)
		return
	}
	if h.Other() == nil {
		c.SyscallReturn(p, abi.Errno(abi.EPIPE))
		return
	}
	if s := proc.TakeSender(h); s != nil {
		p.RecvHandle = h
		transfer(c, p, s)
		return
	}

	p.Set(proc.InRecv)
	proc.ParkReceiver(p, h)
	c.Run()
}

// recvAny receives from any channel of the space of p. freshKey is the
// requested key of a handle transferred with the message, or zero.
func recvAny(c *sched.Cpu, p *proc.Process, freshKey uint64) {
	as := p.AddressSpace()
	p.FreshKey = freshKey

	if p == c.IrqProcess {
		if word, bits, ok := c.TakeIRQs(); ok {
			kfmt.Logf(kfmt.ScopeIRQ, "%s: delivering IRQs 0x%x (word %d)\n", p.Name(), bits, word)
			transferPulse(c, p, 0, bits, uint64(word))
			return
		}
	}
	if h, ok := as.NextPending(); ok {
		transferPulse(c, p, h.Key(), as.TakePulses(h), 0)
		return
	}
	if s := as.TakeAnySender(); s != nil {
		transfer(c, p, s)
		return
	}

	kfmt.Logf(kfmt.ScopeIPC, "%s: waiting for anything\n", p.Name())
	p.Set(proc.InRecv)
	proc.ParkReceiver(p, nil)
	c.Run()
}

// transfer moves the pending message of source into target. Neither is
// parked or queued when called.
func transfer(c *sched.Cpu, target, source *proc.Process) {
	msg := source.Msg
	sendHandle := source.SendHandle

	rkey := uint64(0)
	if target.RecvHandle != nil {
		rkey = target.RecvHandle.Key()
	} else if peer := sendHandle.Other(); peer != nil {
		rkey = peer.Key()
	}
	dest := abi.MakeDest(rkey, abi.DestFlags(msg.Dest)&^abi.MsgTxCloseFD)

	kfmt.Logf(kfmt.ScopeIPC, "%s <- %s: 0x%x 0x%x/%d args %d %d\n",
		target.Name(), source.Name(), msg.Nr, abi.DestFlags(dest)>>32, rkey, msg.Args[0], msg.Args[1])

	target.Clear(proc.InRecv)
	target.RecvHandle = nil
	source.Clear(proc.InSend)
	source.SendHandle = nil

	if source.IPCState() != 0 {
		// The source waits for a reply; run the receiver right away.
		storeMessage(target, msg.Nr, dest, msg.Args)
		target.FreshKey = 0
		proc.ParkReceiver(source, source.RecvHandle)
		c.SwitchTo(target)
		return
	}

	if msg.Dest&abi.MsgTxFD != 0 {
		msg.Args[0] = transferHandle(c, target, source, msg)
	}
	target.FreshKey = 0

	storeMessage(target, msg.Nr, dest, msg.Args)
	target.Clear(proc.FastRet)
	source.Regs.RAX = 0

	c.Queue(target)
	c.Queue(source)
	c.Run()
}

// transferHandle gives target the handle named by the first argument of
// msg and returns its key in the space of target. With MSG_TX_CLOSEFD the
// sender loses the handle, otherwise target receives a copy.
func transferHandle(c *sched.Cpu, target, source *proc.Process, msg proc.Message) uint64 {
	src, dst := source.AddressSpace(), target.AddressSpace()
	fh, ok := src.FindHandle(msg.Args[0])
	if !ok {
		kfmt.Logf(kfmt.ScopeIPC, "%s: handle %d vanished before transfer\n", source.Name(), msg.Args[0])
		return 0
	}

	key := target.FreshKey
	if key == 0 {
		key = dst.AllocKey()
	}

	if msg.Dest&abi.MsgTxCloseFD != 0 {
		src.MoveHandle(fh, dst, key, c)
	} else if _, err := src.CopyHandle(fh, dst, key, c); err != nil {
		dst.NewHandle(key, c)
	}
	kfmt.Logf(kfmt.ScopeIPC, "%s: received handle %d\n", target.Name(), key)
	return key
}

func storeMessage(p *proc.Process, nr, dest uint64, args [5]uint64) {
	r := &p.Regs
	r.RAX = nr
	r.RDI = dest
	r.RSI = args[0]
	r.RDX = args[1]
	r.R8 = args[2]
	r.R9 = args[3]
	r.R10 = args[4]
}

// transferPulse completes the receive of target with a pulse.
func transferPulse(c *sched.Cpu, target *proc.Process, key, bits, word uint64) {
	kfmt.Logf(kfmt.ScopePulse, "%s: pulse 0x%x on %d\n", target.Name(), bits, key)

	target.Clear(proc.InRecv)
	target.RecvHandle = nil
	target.FreshKey = 0
	target.Regs.RDI = key
	target.Regs.RSI = bits
	target.Regs.RDX = word
	c.SyscallReturn(target, abi.SysPulse)
}

func pulse(c *sched.Cpu, p *proc.Process, dest, bits uint64) {
	kfmt.Logf(kfmt.ScopePulse, "%s: sending pulse 0x%x to %d\n", p.Name(), bits, abi.DestKey(dest))

	h, errno := lookup(p, dest)
	if errno != 0 {
		c.SyscallReturn(p, errno)
		return
	}
	peer := h.Other()

	if r := proc.TakeRecipient(h); r != nil {
		key := peer.Key()
		if r.RecvHandle != nil {
			key = r.RecvHandle.Key()
		}
		bits |= peer.Owner().TakePulses(peer)

		p.Regs.RAX = 0
		c.Queue(p)
		transferPulse(c, r, key, bits, 0)
		return
	}

	peer.Owner().AddPulse(peer, bits)
	c.SyscallReturn(p, 0)
}

// DeliverIRQs hands the latched interrupts to a process of the interrupt
// process's space that waits in an open receive. It returns true if the Cpu
// switched to that process.
func DeliverIRQs(c *sched.Cpu) bool {
	if c.IrqProcess == nil || !c.PendingIRQs() {
		return false
	}
	r := c.IrqProcess.AddressSpace().TakeOpenReceiver()
	if r == nil {
		return false
	}

	word, bits, _ := c.TakeIRQs()
	kfmt.Logf(kfmt.ScopeIRQ, "sending IRQs 0x%x (word %d) to %s\n", bits, word, r.Name())
	transferPulse(c, r, 0, bits, uint64(word))
	return true
}
