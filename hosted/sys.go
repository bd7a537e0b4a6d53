package hosted

import (
	"encoding/binary"

	"capos/kernel/abi"
	"capos/kernel/mm"
	"capos/kernel/mm/vmm"
)

// Msg is the register file of a process after a receive: the message
// number, the key it arrived on and up to five arguments.
type Msg struct {
	Nr   uint64
	Key  uint64
	Args [5]uint64
}

// Errno returns the error carried by a reply, or 0.
func (m Msg) Errno() int64 { return Errno(m.Nr) }

// Errno converts a syscall result to a negative error number, or 0 if the
// result is not an error.
func Errno(rax uint64) int64 {
	if !abi.IsError(rax) {
		return 0
	}
	return int64(rax)
}

// Sys is the syscall interface of one user process. Its methods may only be
// called from the goroutine running the process's Program.
type Sys struct {
	m *Machine
	t *thread
}

// Name returns the name of the process.
func (s *Sys) Name() string { return s.t.p.Name() }

// Machine returns the machine the process runs on.
func (s *Sys) Machine() *Machine { return s.m }

// send hands e to the kernel.
func (s *Sys) send(e entry) {
	e.t = s.t
	select {
	case s.m.entries <- e:
	case <-s.m.done:
		panic(errStopped)
	}
}

// wait blocks until the kernel resumes the process.
func (s *Sys) wait() {
	select {
	case <-s.t.resume:
	case <-s.m.done:
		panic(errStopped)
	}
}

func (s *Sys) enter(e entry) {
	s.send(e)
	s.wait()
}

// syscall loads the call number and arguments into the registers, enters
// the kernel and returns the register file the process resumed with.
func (s *Sys) syscall(nr, dest uint64, args ...uint64) Msg {
	r := &s.t.p.Regs
	r.RAX, r.RDI = nr, dest
	slots := [...]*uint64{&r.RSI, &r.RDX, &r.R8, &r.R9, &r.R10}
	for i, slot := range slots {
		*slot = 0
		if i < len(args) {
			*slot = args[i]
		}
	}

	s.enter(entry{kind: entrySyscall})

	return Msg{
		Nr:   r.RAX,
		Key:  r.RDI,
		Args: [5]uint64{r.RSI, r.RDX, r.R8, r.R9, r.R10},
	}
}

// Send sends message nr to dest without waiting for a reply. dest may carry
// abi.MsgTx* flags.
func (s *Sys) Send(dest, nr uint64, args ...uint64) int64 {
	return Errno(s.syscall(abi.MsgSend(nr), dest, args...).Nr)
}

// Call sends message nr to dest and returns the reply.
func (s *Sys) Call(dest, nr uint64, args ...uint64) Msg {
	return s.syscall(abi.MsgCall(nr), dest, args...)
}

// Recv waits for a message on handle from, or on any handle if from is 0.
func (s *Sys) Recv(from uint64) Msg {
	return s.syscall(abi.SysRecv, from)
}

// Map maps [vaddr, vaddr+size) through handle. For physical and DMA
// mappings the result is the physical address.
func (s *Sys) Map(handle, flags, vaddr, offset, size uint64) uint64 {
	return s.syscall(abi.SysMap, handle, flags, vaddr, offset, size).Nr
}

// Unmap removes [vaddr, vaddr+size) from the address space.
func (s *Sys) Unmap(vaddr, size uint64) int64 {
	return Errno(s.syscall(abi.SysUnmap, vaddr, size).Nr)
}

// PFault makes the page at vaddr available with the given access.
func (s *Sys) PFault(vaddr, flags uint64) Msg {
	return s.syscall(abi.SysPFault, 0, vaddr, flags)
}

// Grant answers the page fault pending on dest with the page at vaddr.
func (s *Sys) Grant(dest, vaddr, flags uint64) int64 {
	return Errno(s.syscall(abi.SysGrant, dest, vaddr, flags).Nr)
}

// Pulse ORs bits into the pulses pending on the peer of dest.
func (s *Sys) Pulse(dest, bits uint64) int64 {
	return Errno(s.syscall(abi.SysPulse, dest, bits).Nr)
}

// HMod renames, copies or deletes the handle at key.
func (s *Sys) HMod(key, rename, copyKey uint64) int64 {
	return Errno(s.syscall(abi.SysHMod, key, rename, copyKey).Nr)
}

// HPair creates a connected pair of handles.
func (s *Sys) HPair() (a, b uint64, errno int64) {
	res := s.syscall(abi.SysHPair, 0)
	return res.Key, res.Args[0], Errno(res.Nr)
}

// Yield lets the other runnable processes run first.
func (s *Sys) Yield() {
	s.syscall(abi.SysYield, 0)
}

// Write outputs one byte on the console.
func (s *Sys) Write(ch byte) int64 {
	return Errno(s.syscall(abi.SysWrite, uint64(ch)).Nr)
}

// Puts outputs str on the console.
func (s *Sys) Puts(str string) {
	for i := 0; i < len(str); i++ {
		s.Write(str[i])
	}
}

// IO performs a port I/O operation and returns the value read.
func (s *Sys) IO(port uint16, op uint8, data uint32) uint32 {
	return uint32(s.syscall(abi.SysIO, uint64(port), uint64(op), uint64(data)).Nr)
}

// access returns the physical address of vaddr, faulting until the kernel
// has made it accessible.
func (s *Sys) access(vaddr uintptr, access vmm.MapFlags) uintptr {
	for {
		paddr, errCode, ok := translate(vaddr, access)
		if ok {
			return paddr
		}
		s.enter(entry{kind: entryFault, errCode: errCode, addr: vaddr})
	}
}

// Load reads len(b) bytes of user memory at vaddr.
func (s *Sys) Load(vaddr uintptr, b []byte) {
	s.copyMem(vaddr, b, vmm.MapR)
}

// Store writes b to user memory at vaddr.
func (s *Sys) Store(vaddr uintptr, b []byte) {
	s.copyMem(vaddr, b, vmm.MapW)
}

// Load64 reads a little endian word of user memory.
func (s *Sys) Load64(vaddr uintptr) uint64 {
	var buf [8]byte
	s.Load(vaddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// Store64 writes a little endian word to user memory.
func (s *Sys) Store64(vaddr uintptr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	s.Store(vaddr, buf[:])
}

// copyMem moves bytes between b and user memory one page at a time. Reads
// of memory outside RAM return all ones and writes to it are dropped.
func (s *Sys) copyMem(vaddr uintptr, b []byte, access vmm.MapFlags) {
	for len(b) > 0 {
		n := int(mm.PageSize - vaddr&mm.PageMask)
		if n > len(b) {
			n = len(b)
		}

		paddr := s.access(vaddr, access)
		mem := s.m.arena.PhysBytes(paddr, uintptr(n))
		switch {
		case access == vmm.MapW && mem != nil:
			copy(mem, b[:n])
		case access != vmm.MapW && mem != nil:
			copy(b[:n], mem)
		case access != vmm.MapW:
			for i := range b[:n] {
				b[i] = 0xff
			}
		}

		vaddr += uintptr(n)
		b = b[n:]
	}
}
