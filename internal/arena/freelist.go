package arena

// freeList is an intrusive doubly-linked list of free blocks, ordered
// oldest-appended-first. Append and remove both touch only the edges, so
// allocation stays O(1). One list per tier.
type freeList struct {
	head, tail *Block
	count      int
}

func (fl *freeList) append(b *Block) {
	b.next = nil
	if fl.tail != nil {
		fl.tail.next = b
		b.prev = fl.tail
		fl.tail = b
	} else {
		fl.head = b
		fl.tail = b
		b.prev = nil
	}
	fl.count++
}

func (fl *freeList) remove(b *Block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		fl.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		fl.tail = b.prev
	}
	b.next = nil
	b.prev = nil
	fl.count--
}

// popOldest removes and returns the oldest-freed block (list head), or nil.
func (fl *freeList) popOldest() *Block {
	head := fl.head
	if head == nil {
		return nil
	}
	fl.remove(head)
	return head
}
