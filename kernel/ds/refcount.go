package ds

import (
	"capos/kernel"
	"capos/kernel/kfmt"
)

var errRefCountUnderflow = &kernel.Error{Module: "ds", Message: "reference count underflow"}

// RefCount is a manual reference count for entities with an owning set of
// holders. The zero value holds no references.
type RefCount struct {
	count uint32
}

// Retain adds a reference.
func (r *RefCount) Retain() { r.count++ }

// Release drops a reference and returns true if it was the last one.
// Releasing a count that is already zero is a fatal error.
func (r *RefCount) Release() bool {
	if r.count == 0 {
		kfmt.Panic(errRefCountUnderflow)
		return false
	}

	r.count--
	return r.count == 0
}

// Count returns the number of outstanding references.
func (r *RefCount) Count() uint32 { return r.count }
