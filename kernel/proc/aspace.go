package proc

import (
	"capos/kernel"
	"capos/kernel/abi"
	"capos/kernel/ds"
	"capos/kernel/kfmt"
	"capos/kernel/mm/vmm"
)

var (
	// ErrNoHandle is returned when a key does not name a handle.
	ErrNoHandle = &kernel.Error{Module: "proc", Message: "no handle with that key"}

	// ErrClosed is returned when the peer of a handle is gone.
	ErrClosed = &kernel.Error{Module: "proc", Message: "channel closed"}

	errSpaceDestroyed = &kernel.Error{Module: "proc", Message: "address space used after destruction"}
)

// AddressSpace is the isolation domain shared by one or more processes. It
// owns the demand paging state, the handle index and the lists of processes
// blocked on it.
type AddressSpace struct {
	*vmm.Mappings

	name string
	refs ds.RefCount
	dead bool

	handles ds.Index[uint64, *Handle]

	// pending holds the handles with undelivered pulses.
	pending ds.Index[uint64, *Handle]

	// waiters are processes blocked on a channel whose other end lives
	// in this space: senders targeting this space and receivers waiting
	// for a message from it.
	waiters ds.Queue[*Process]

	// blocked are processes of this space in an open receive.
	blocked ds.Queue[*Process]

	nextKey uint64
}

// NewAddressSpace returns an empty address space with no references.
func NewAddressSpace(name string) (*AddressSpace, *kernel.Error) {
	m, err := vmm.NewMappings()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{Mappings: m, name: name, nextKey: FirstFreeKey}, nil
}

// Name returns the name the space was created with.
func (as *AddressSpace) Name() string { return as.name }

// Retain adds a reference to the space.
func (as *AddressSpace) Retain() {
	if as.dead {
		kfmt.Panic(errSpaceDestroyed)
	}
	as.refs.Retain()
}

// Release drops a reference and destroys the space when it was the last.
func (as *AddressSpace) Release(w Waker) {
	if as.refs.Release() {
		as.Destroy(w)
	}
}

// Refs returns the number of references held on the space.
func (as *AddressSpace) Refs() uint32 { return as.refs.Count() }

// Destroy deletes every handle, waking their blocked partners, and frees
// the memory of the space.
func (as *AddressSpace) Destroy(w Waker) {
	if as.dead {
		return
	}
	kfmt.Logf(kfmt.ScopeHMod, "destroying address space %s\n", as.name)

	for as.handles.Len() > 0 {
		var h *Handle
		as.handles.Each(func(_ uint64, it *Handle) bool {
			h = it
			return false
		})
		as.DeleteHandle(h, w)
	}
	as.Mappings.Destroy()
	as.dead = true
}

// Handles returns the number of handles in the space.
func (as *AddressSpace) Handles() int { return as.handles.Len() }

// FindHandle returns the handle at key.
func (as *AddressSpace) FindHandle(key uint64) (*Handle, bool) {
	return as.handles.FindExact(key)
}

// AllocKey returns an unused handle key.
func (as *AddressSpace) AllocKey() uint64 {
	for {
		key := as.nextKey
		as.nextKey++
		if _, used := as.handles.FindExact(key); !used && key != 0 {
			return key
		}
	}
}

// NewHandle creates an unpaired handle at key, deleting any handle already
// there.
func (as *AddressSpace) NewHandle(key uint64, w Waker) *Handle {
	if old, ok := as.handles.FindExact(key); ok {
		as.DeleteHandle(old, w)
	}
	h := &Handle{key: key, owner: as}
	as.handles.Insert(key, h)
	return h
}

// NewPair creates two handles at fresh keys in as and makes them peers.
func (as *AddressSpace) NewPair() (*Handle, *Handle) {
	a := as.NewHandle(as.AllocKey(), nil)
	b := as.NewHandle(as.AllocKey(), nil)
	Associate(a, b)
	return a, b
}

// RenameHandle moves h to newKey. A different handle at newKey is deleted
// first. The pairing and pending pulses of h follow it.
func (as *AddressSpace) RenameHandle(h *Handle, newKey uint64, w Waker) {
	if h.key == newKey {
		return
	}
	if old, ok := as.handles.FindExact(newKey); ok {
		as.DeleteHandle(old, w)
	}
	kfmt.Logf(kfmt.ScopeHMod, "%s: rename %d to %d\n", as.name, h.key, newKey)
	as.handles.Rekey(h, newKey)
	as.pending.Rekey(h, newKey)
	h.key = newKey
}

// CopyHandle creates a handle at key in dst referring to the peer of h.
// The peer keeps referring to h.
func (as *AddressSpace) CopyHandle(h *Handle, dst *AddressSpace, key uint64, w Waker) (*Handle, *kernel.Error) {
	peer := h.Other()
	if peer == nil {
		return nil, ErrClosed
	}
	c := dst.NewHandle(key, w)
	c.setOther(peer)
	return c, nil
}

// MoveHandle moves h from as into dst at key. The channel stays open:
// partners blocked on it keep waiting for the new holder.
func (as *AddressSpace) MoveHandle(h *Handle, dst *AddressSpace, key uint64, w Waker) {
	if dst == as {
		as.RenameHandle(h, key, w)
		return
	}
	if old, ok := dst.handles.FindExact(key); ok {
		dst.DeleteHandle(old, w)
	}
	kfmt.Logf(kfmt.ScopeHMod, "%s: move handle %d to %s as %d\n", as.name, h.key, dst.name, key)

	bits := as.TakePulses(h)
	as.handles.RemoveItem(h)
	h.owner = dst
	h.key = key
	dst.handles.Insert(key, h)
	if bits != 0 {
		dst.addPulse(h, bits)
	}

	// Partners wait for the holder of the end the peer is paired with.
	peer := h.Other()
	if peer == nil || peer.other != h {
		return
	}
	var follow []*Process
	as.waiters.Each(func(p *Process) bool {
		if waitsForEnd(p.SendHandle, h, peer) || waitsForEnd(p.RecvHandle, h, peer) {
			follow = append(follow, p)
		}
		return true
	})
	for _, p := range follow {
		p.Unpark()
		dst.Park(p, false)
	}
}

// DeleteHandle removes h from the space and closes the channel. Processes
// blocked sending to or receiving from either end are woken with -EPIPE.
// Deleting an alias only wakes the processes blocked on the alias itself;
// the channel stays open through the handle the peer is paired with.
func (as *AddressSpace) DeleteHandle(h *Handle, w Waker) {
	peer := h.Other()
	kfmt.Logf(kfmt.ScopeHMod, "%s: delete handle %d\n", as.name, h.key)

	var closed *Handle
	if peer != nil && peer.other == h {
		closed = peer
	}

	wakeClosed(as, h, closed, w)
	if peer != nil {
		wakeClosed(peer.owner, h, closed, w)
		if closed != nil {
			peer.other = nil
		}
	}

	as.handles.RemoveItem(h)
	as.pending.RemoveItem(h)
	h.pulses = 0
	h.other = nil
	h.dead = true
	h.gen++
}

// wakeClosed wakes the processes on the waiter list of space that are
// blocked on h, on peer, or on a handle referring to h. peer is nil when
// the other end outlives h.
func wakeClosed(space *AddressSpace, h, peer *Handle, w Waker) {
	var woken []*Process
	space.waiters.Each(func(p *Process) bool {
		if usesChannel(p.SendHandle, h, peer) || usesChannel(p.RecvHandle, h, peer) {
			woken = append(woken, p)
		}
		return true
	})

	for _, p := range woken {
		p.Unpark()
		// A process stopped by a hardware fault retries the access and
		// takes the fault again; its registers are left untouched.
		if !(p.Is(PFault) && p.FaultFromTrap) {
			p.Regs.RAX = abi.Errno(abi.EPIPE)
		}
		p.Clear(ipcMask)
		p.SendHandle, p.RecvHandle = nil, nil
		kfmt.Logf(kfmt.ScopeWaiters, "%s: woken by close with EPIPE\n", p.name)
		if w != nil {
			w.Queue(p)
		}
	}
}

func usesChannel(x, h, peer *Handle) bool {
	return x != nil && (x == h || waitsForEnd(x, h, peer))
}

// waitsForEnd returns true if a process blocked on x waits for the holder
// of h.
func waitsForEnd(x, h, peer *Handle) bool {
	return x != nil && ((peer != nil && x == peer) || x.Other() == h)
}

func (as *AddressSpace) addPulse(h *Handle, bits uint64) {
	if h.pulses == 0 {
		as.pending.Insert(h.key, h)
	}
	h.pulses |= bits
}

// AddPulse accumulates bits on h, a handle of as, for a later receive.
func (as *AddressSpace) AddPulse(h *Handle, bits uint64) {
	if bits == 0 {
		return
	}
	kfmt.Logf(kfmt.ScopePulse, "%s: pending pulse 0x%x on %d\n", as.name, bits, h.key)
	as.addPulse(h, bits)
}

// TakePulses returns and clears the pending bits of h.
func (as *AddressSpace) TakePulses(h *Handle) uint64 {
	bits := h.pulses
	h.pulses = 0
	as.pending.RemoveItem(h)
	return bits
}

// NextPending returns a handle with pending pulses.
func (as *AddressSpace) NextPending() (*Handle, bool) {
	var found *Handle
	as.pending.Each(func(_ uint64, h *Handle) bool {
		found = h
		return false
	})
	return found, found != nil
}
