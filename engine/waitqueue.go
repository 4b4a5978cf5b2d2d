package engine

// WaitQueue holds sequences awaiting admission in arrival order.
// Preempted sequences re-enter at the front so they retry before newer
// arrivals.
type WaitQueue struct {
	items []*Sequence
}

// Enqueue appends a sequence at the back of the queue.
func (wq *WaitQueue) Enqueue(s *Sequence) {
	wq.items = append(wq.items, s)
}

// PrependFront puts a sequence at the head of the queue.
func (wq *WaitQueue) PrependFront(s *Sequence) {
	wq.items = append([]*Sequence{s}, wq.items...)
}

// Peek returns the head of the queue without removing it, nil if empty.
func (wq *WaitQueue) Peek() *Sequence {
	if len(wq.items) == 0 {
		return nil
	}
	return wq.items[0]
}

// Dequeue removes and returns the head of the queue, nil if empty.
func (wq *WaitQueue) Dequeue() *Sequence {
	if len(wq.items) == 0 {
		return nil
	}
	head := wq.items[0]
	wq.items = wq.items[1:]
	return head
}

// Remove deletes the sequence with the given id, returning whether it was
// present. Order of the remaining items is preserved.
func (wq *WaitQueue) Remove(id string) bool {
	for i, s := range wq.items {
		if s.ID == id {
			wq.items = append(wq.items[:i], wq.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued sequences.
func (wq *WaitQueue) Len() int { return len(wq.items) }

// Items returns the backing slice for iteration. Callers must not mutate it.
func (wq *WaitQueue) Items() []*Sequence { return wq.items }
