package proc

import (
	"capos/kernel"
	"capos/kernel/kfmt"
)

// State is a set of scheduling and IPC flags of a Process.
type State uint8

const (
	// Queued is set while the process sits on a Cpu run queue.
	Queued State = 1 << iota

	// FastRet is set when only the syscall result registers need to be
	// restored on the next resume.
	FastRet

	// InRecv is set while the process waits for a message.
	InRecv

	// InSend is set while the process waits for a receiver.
	InSend

	// Running is set while the process owns the Cpu.
	Running

	// PFault is set while the process waits for a backer to resolve a
	// page fault.
	PFault

	ipcMask = InRecv | InSend | PFault
)

var errIllegalTransition = &kernel.Error{Module: "proc", Message: "illegal process state transition"}

// Is returns true if all of s are set.
func (p *Process) Is(s State) bool { return p.state&s == s }

// IPCState returns the IPC flags of the process.
func (p *Process) IPCState() State { return p.state & ipcMask }

// Runnable returns true if the process is not blocked in IPC.
func (p *Process) Runnable() bool { return p.state&ipcMask == 0 }

// Set adds flags to the process state. Entering Running requires a
// runnable process that is neither queued nor already running; entering
// Queued requires a runnable process that is not running; IPC flags may
// only be raised on processes that are off the Cpu and its queue.
func (p *Process) Set(s State) {
	switch {
	case s&Running != 0 && (!p.Runnable() || p.state&(Queued|Running) != 0),
		s&Queued != 0 && (!p.Runnable() || p.state&Running != 0),
		s&ipcMask != 0 && p.state&(Queued|Running) != 0:
		kfmt.Printf("[%s] state 0x%x cannot take 0x%x\n", p.name, uint8(p.state), uint8(s))
		kfmt.Panic(errIllegalTransition)
	}
	p.state |= s
}

// Clear removes flags from the process state.
func (p *Process) Clear(s State) { p.state &^= s }
