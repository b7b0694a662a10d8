package mlxr

import "testing"

func wqSeq(id string) *sequence {
	return &sequence{id: id, req: &Request{ID: id}}
}

func TestWaitQueue_FIFOOrder(t *testing.T) {
	wq := &waitQueue{}
	wq.Enqueue(wqSeq("a"))
	wq.Enqueue(wqSeq("b"))
	wq.Enqueue(wqSeq("c"))

	if got := wq.Dequeue().id; got != "a" {
		t.Fatalf("expected a first, got %s", got)
	}
	if got := wq.Peek().id; got != "b" {
		t.Fatalf("peek should not consume, got %s", got)
	}
	if wq.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", wq.Len())
	}
}

func TestWaitQueue_PrependFrontJumpsTheLine(t *testing.T) {
	wq := &waitQueue{}
	wq.Enqueue(wqSeq("a"))
	wq.Enqueue(wqSeq("b"))
	wq.PrependFront(wqSeq("urgent"))

	if got := wq.Dequeue().id; got != "urgent" {
		t.Fatalf("expected prepended sequence first, got %s", got)
	}
}

func TestWaitQueue_RemoveMidQueue(t *testing.T) {
	wq := &waitQueue{}
	a, b, c := wqSeq("a"), wqSeq("b"), wqSeq("c")
	wq.Enqueue(a)
	wq.Enqueue(b)
	wq.Enqueue(c)

	wq.Remove(b)
	if wq.Len() != 2 {
		t.Fatalf("expected 2 after remove, got %d", wq.Len())
	}
	if wq.Dequeue() != a || wq.Dequeue() != c {
		t.Fatalf("remove disturbed the order of remaining entries")
	}
	wq.Remove(b) // absent: no-op
}

func TestWaitQueue_EmptyReturnsNil(t *testing.T) {
	wq := &waitQueue{}
	if wq.Peek() != nil || wq.Dequeue() != nil {
		t.Fatalf("empty queue should yield nil")
	}
}
