// Package ds provides the containers backing every kernel table: a keyed
// index with ordered range lookups, a FIFO queue owned by its container and a
// manual reference count.
package ds

import "cmp"

type indexEntry[K cmp.Ordered, V comparable] struct {
	key  K
	item V
}

// Index is a keyed collection of items. Lookups are linear scans over the
// whole chain. Entries are kept newest first, so FindExact on a key that was
// inserted more than once returns the most recently inserted item.
//
// The zero value is an empty index ready to use.
type Index[K cmp.Ordered, V comparable] struct {
	// entries[len-1] is the newest entry.
	entries []indexEntry[K, V]
}

// Len returns the number of items in the index.
func (ix *Index[K, V]) Len() int { return len(ix.entries) }

// Insert adds item under key. Existing items with the same key are kept.
func (ix *Index[K, V]) Insert(key K, item V) {
	ix.entries = append(ix.entries, indexEntry[K, V]{key: key, item: item})
}

// FindExact returns the most recently inserted item stored under key.
func (ix *Index[K, V]) FindExact(key K) (V, bool) {
	if i := ix.findExact(key); i >= 0 {
		return ix.entries[i].item, true
	}

	var zero V
	return zero, false
}

// FindLE returns the item with the greatest key that is less than or equal
// to key together with that key. Among items sharing the greatest key the
// most recent one wins.
func (ix *Index[K, V]) FindLE(key K) (K, V, bool) {
	best := -1
	for i := len(ix.entries) - 1; i >= 0; i-- {
		k := ix.entries[i].key
		if k > key {
			continue
		}
		if best < 0 || k > ix.entries[best].key {
			best = i
		}
	}

	if best < 0 {
		var (
			zeroK K
			zeroV V
		)
		return zeroK, zeroV, false
	}

	return ix.entries[best].key, ix.entries[best].item, true
}

// Remove unlinks and returns the most recently inserted item stored under key.
func (ix *Index[K, V]) Remove(key K) (V, bool) {
	i := ix.findExact(key)
	if i < 0 {
		var zero V
		return zero, false
	}

	item := ix.entries[i].item
	ix.removeAt(i)
	return item, true
}

// RemoveItem unlinks item from the index. It returns false if item is not
// indexed.
func (ix *Index[K, V]) RemoveItem(item V) bool {
	i := ix.findItem(item)
	if i < 0 {
		return false
	}

	ix.removeAt(i)
	return true
}

// Rekey moves item to newKey. The item becomes the newest entry. It returns
// false if item is not indexed.
func (ix *Index[K, V]) Rekey(item V, newKey K) bool {
	i := ix.findItem(item)
	if i < 0 {
		return false
	}

	ix.removeAt(i)
	ix.Insert(newKey, item)
	return true
}

// RemoveRangeExclusive unlinks every item whose key k satisfies lo < k < hi
// and returns them, newest first.
func (ix *Index[K, V]) RemoveRangeExclusive(lo, hi K) []V {
	var (
		removed []V
		kept    = ix.entries[:0]
	)

	for _, e := range ix.entries {
		if e.key > lo && e.key < hi {
			removed = append(removed, e.item)
			continue
		}
		kept = append(kept, e)
	}

	// Clear the tail so removed items can be collected.
	for i := len(kept); i < len(ix.entries); i++ {
		ix.entries[i] = indexEntry[K, V]{}
	}
	ix.entries = kept

	for l, r := 0, len(removed)-1; l < r; l, r = l+1, r-1 {
		removed[l], removed[r] = removed[r], removed[l]
	}
	return removed
}

// Each calls fn for every item, newest first, until fn returns false. fn
// must not modify the index.
func (ix *Index[K, V]) Each(fn func(key K, item V) bool) {
	for i := len(ix.entries) - 1; i >= 0; i-- {
		if !fn(ix.entries[i].key, ix.entries[i].item) {
			return
		}
	}
}

func (ix *Index[K, V]) findExact(key K) int {
	for i := len(ix.entries) - 1; i >= 0; i-- {
		if ix.entries[i].key == key {
			return i
		}
	}
	return -1
}

func (ix *Index[K, V]) findItem(item V) int {
	for i := len(ix.entries) - 1; i >= 0; i-- {
		if ix.entries[i].item == item {
			return i
		}
	}
	return -1
}

func (ix *Index[K, V]) removeAt(i int) {
	last := len(ix.entries) - 1
	copy(ix.entries[i:], ix.entries[i+1:])
	ix.entries[last] = indexEntry[K, V]{}
	ix.entries = ix.entries[:last]
}
