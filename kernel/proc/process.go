// Package proc implements processes, their address spaces and the handles
// connecting address spaces to each other.
package proc

import (
	"io"

	"capos/kernel/gate"
	"capos/kernel/kfmt"
	"capos/kernel/mm/vmm"
)

// Process is a thread of execution inside an AddressSpace.
type Process struct {
	// Regs holds the user register file while the process is off the Cpu.
	Regs gate.Registers

	name   string
	aspace *AddressSpace
	state  State

	// Msg is the message a blocked sender delivers once matched.
	Msg Message

	// SendHandle and RecvHandle name the channel the process is blocked
	// on. A nil RecvHandle while InRecv is set means the process accepts
	// a message from any channel.
	SendHandle *Handle
	RecvHandle *Handle

	// FreshKey is the key requested by an open receive for a handle that
	// is transferred with the next message. Zero lets the kernel pick one.
	FreshKey uint64

	// FaultAddr and FaultAccess describe the page fault the process waits
	// on while PFault is set. FaultFromTrap is false for explicit
	// SYS_PFAULT requests.
	FaultAddr     uintptr
	FaultAccess   vmm.MapFlags
	FaultFromTrap bool

	parked     *AddressSpace
	parkedOpen bool

	console *kfmt.PrefixWriter
}

// Message is the register payload of an IPC: the message number, the
// destination word and five arguments.
type Message struct {
	Nr   uint64
	Dest uint64
	Args [5]uint64
}

// NewProcess creates a process running in as and takes a reference on it.
func NewProcess(name string, as *AddressSpace) *Process {
	as.Retain()
	return &Process{
		name:   name,
		aspace: as,
		console: &kfmt.PrefixWriter{
			Sink:   consoleSink{},
			Prefix: []byte("[" + name + "] "),
		},
	}
}

// Name returns the name of the process.
func (p *Process) Name() string { return p.name }

// AddressSpace returns the address space the process runs in.
func (p *Process) AddressSpace() *AddressSpace { return p.aspace }

// Console returns the writer receiving the output of SYS_WRITE.
func (p *Process) Console() io.Writer { return p.console }

// Release drops the reference of the process on its address space. The
// address space is destroyed with the last reference; partners blocked on
// its handles are handed to w.
func (p *Process) Release(w Waker) {
	p.Unpark()
	if p.aspace != nil {
		p.aspace.Release(w)
		p.aspace = nil
	}
}

// DumpTo writes the name, state and registers of the process to w.
func (p *Process) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "process %s state 0x%x\n", p.name, uint8(p.state))
	p.Regs.DumpTo(w)
}

// Unpark removes the process from the waiter list it is blocked on.
func (p *Process) Unpark() {
	if p.parked == nil {
		return
	}
	if p.parkedOpen {
		p.parked.blocked.Remove(p)
	} else {
		p.parked.waiters.Remove(p)
	}
	p.parked = nil
}

// Parked returns true if the process sits on a waiter list.
func (p *Process) Parked() bool { return p.parked != nil }

// consoleSink forwards process console output to the kernel output sink
// active at the time of the write.
type consoleSink struct{}

func (consoleSink) Write(b []byte) (int, error) {
	return kfmt.GetOutputSink().Write(b)
}

// Waker takes processes that became runnable outside of a message
// transfer, such as partners of a closed channel.
type Waker interface {
	Queue(p *Process)
}
