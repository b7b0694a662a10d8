package mlxr

// waitQueue holds sequences accepted but not yet admitted to prefill, in
// arrival order. The instance scheduler may reorder it in place before each
// admission pass; a waiter whose first chunk cannot be reserved stays at
// the head and is retried first on the next pass.
type waitQueue struct {
	queue []*sequence
}

// Enqueue adds a sequence to the back of the queue.
func (wq *waitQueue) Enqueue(s *sequence) {
	wq.queue = append(wq.queue, s)
}

// PrependFront re-queues a sequence at the head, ahead of every waiter.
func (wq *waitQueue) PrependFront(s *sequence) {
	wq.queue = append([]*sequence{s}, wq.queue...)
}

// Peek returns the head without removing it, or nil when empty.
func (wq *waitQueue) Peek() *sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes and returns the head, or nil when empty.
func (wq *waitQueue) Dequeue() *sequence {
	if len(wq.queue) == 0 {
		return nil
	}
	head := wq.queue[0]
	wq.queue = wq.queue[1:]
	return head
}

// Remove drops a specific sequence wherever it sits (cancellation while
// still waiting).
func (wq *waitQueue) Remove(s *sequence) {
	for i, q := range wq.queue {
		if q == s {
			wq.queue = append(wq.queue[:i], wq.queue[i+1:]...)
			return
		}
	}
}

func (wq *waitQueue) Len() int { return len(wq.queue) }

// Items exposes the backing slice for in-place reordering by an
// InstanceScheduler.
func (wq *waitQueue) Items() []*sequence { return wq.queue }
