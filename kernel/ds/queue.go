package ds

// Queue is a FIFO of items owned by the structure that holds the queue.
// Items do not carry any link state, so the same item may sit on queues
// belonging to different containers.
type Queue[T comparable] struct {
	items []T
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return len(q.items) }

// Append adds item to the tail of the queue.
func (q *Queue[T]) Append(item T) {
	q.items = append(q.items, item)
}

// Pop removes and returns the head of the queue.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Remove unlinks the first occurrence of item. It returns false if item is
// not queued.
func (q *Queue[T]) Remove(item T) bool {
	for i, it := range q.items {
		if it != item {
			continue
		}

		var zero T
		copy(q.items[i:], q.items[i+1:])
		q.items[len(q.items)-1] = zero
		q.items = q.items[:len(q.items)-1]
		return true
	}
	return false
}

// Contains returns true if item is queued.
func (q *Queue[T]) Contains(item T) bool {
	for _, it := range q.items {
		if it == item {
			return true
		}
	}
	return false
}

// Each calls fn for every item from head to tail until fn returns false. fn
// must not modify the queue.
func (q *Queue[T]) Each(fn func(item T) bool) {
	for _, it := range q.items {
		if !fn(it) {
			return
		}
	}
}
