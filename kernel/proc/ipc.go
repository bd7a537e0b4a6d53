package proc

import (
	"capos/kernel/ds"
	"capos/kernel/kfmt"
)

// Park puts p on a waiter list of as: the open receive list when open is
// set, the channel waiter list otherwise.
func (as *AddressSpace) Park(p *Process, open bool) {
	p.Unpark()
	p.parked = as
	p.parkedOpen = open
	if open {
		as.blocked.Append(p)
		kfmt.Logf(kfmt.ScopeWaiters, "%s: parked on open receive in %s\n", p.name, as.name)
		return
	}
	as.waiters.Append(p)
	kfmt.Logf(kfmt.ScopeWaiters, "%s: parked on waiters of %s\n", p.name, as.name)
}

// Waiters returns the number of processes on the channel waiter list.
func (as *AddressSpace) Waiters() int { return as.waiters.Len() }

// Blocked returns the number of processes in an open receive.
func (as *AddressSpace) Blocked() int { return as.blocked.Len() }

// ParkSender blocks p, which sends through h, until the holder of the other
// end receives.
func ParkSender(p *Process, h *Handle) {
	p.SendHandle = h
	if peer := h.Other(); peer != nil {
		peer.owner.Park(p, false)
	}
}

// ParkReceiver blocks p until a message arrives through h, or from any
// channel of its space when h is nil.
func ParkReceiver(p *Process, h *Handle) {
	p.RecvHandle = h
	if h == nil {
		p.aspace.Park(p, true)
		return
	}
	if peer := h.Other(); peer != nil {
		peer.owner.Park(p, false)
	}
}

func takeWaiter(q *ds.Queue[*Process], match func(*Process) bool) *Process {
	var found *Process
	q.Each(func(p *Process) bool {
		if match(p) {
			found = p
			return false
		}
		return true
	})
	if found != nil {
		found.Unpark()
	}
	return found
}

// TakeRecipient returns a process ready to receive a message sent through
// h and removes it from its waiter list. Receivers blocked on the channel
// are preferred over open receivers of the peer's space.
func TakeRecipient(h *Handle) *Process {
	peer := h.Other()
	if peer == nil {
		return nil
	}

	if r := takeWaiter(&h.owner.waiters, func(p *Process) bool {
		return p.IPCState() == InRecv && Connected(h, p.RecvHandle)
	}); r != nil {
		return r
	}
	return takeWaiter(&peer.owner.blocked, func(p *Process) bool {
		return p.IPCState() == InRecv
	})
}

// TakeFaulter returns a process blocked on a page fault delegated through
// the peer of h and removes it from its waiter list.
func TakeFaulter(h *Handle) *Process {
	return takeWaiter(&h.owner.waiters, func(p *Process) bool {
		return p.IPCState() == InRecv|PFault && Connected(h, p.RecvHandle)
	})
}

// TakeSender returns a process blocked sending through the other end of h
// and removes it from its waiter list.
func TakeSender(h *Handle) *Process {
	return takeWaiter(&h.owner.waiters, func(p *Process) bool {
		return p.Is(InSend) && Connected(p.SendHandle, h)
	})
}

// TakeAnySender returns the first process blocked sending to as.
func (as *AddressSpace) TakeAnySender() *Process {
	return takeWaiter(&as.waiters, func(p *Process) bool {
		return p.Is(InSend)
	})
}

// TakeOpenReceiver returns the first process of as in an open receive.
func (as *AddressSpace) TakeOpenReceiver() *Process {
	return takeWaiter(&as.blocked, func(p *Process) bool {
		return p.IPCState() == InRecv
	})
}
