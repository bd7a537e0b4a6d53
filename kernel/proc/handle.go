package proc

// FirstFreeKey is the first handle key handed out by the kernel. Keys below
// it are reserved for the handles set up at boot.
const FirstFreeKey = 0x100

// Handle is one end of a channel. It lives in the handle index of its
// owning AddressSpace under an opaque key. The peer reference does not own
// the peer: deleting either end invalidates it.
type Handle struct {
	key   uint64
	owner *AddressSpace

	other    *Handle
	otherGen uint32

	// gen is bumped when the handle is deleted so that stale peer
	// references stop resolving.
	gen  uint32
	dead bool

	// pulses accumulates notification bits not yet received.
	pulses uint64
}

// Key returns the key of the handle in its owning space.
func (h *Handle) Key() uint64 { return h.key }

// Owner returns the address space holding the handle.
func (h *Handle) Owner() *AddressSpace { return h.owner }

// Other returns the peer of the handle or nil if the channel is closed.
func (h *Handle) Other() *Handle {
	if h.other == nil || h.other.dead || h.other.gen != h.otherGen {
		return nil
	}
	return h.other
}

// Pulses returns the pending notification bits of the handle.
func (h *Handle) Pulses() uint64 { return h.pulses }

func (h *Handle) setOther(o *Handle) {
	h.other = o
	h.otherGen = o.gen
}

// Connected returns true if a message sent through a reaches the holder of
// b, either because they are peers or because a refers to b.
func Connected(a, b *Handle) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Other() == b || b.Other() == a
}

// Associate makes a and b peers of each other.
func Associate(a, b *Handle) {
	a.setOther(b)
	b.setOther(a)
}
