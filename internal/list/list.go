package list

import "math"

// Ref addresses one node of an Arena. The high 32 bits select the block,
// the low 32 bits the slot inside it.
type Ref uint64

// Nil is the reference that points nowhere.
const Nil Ref = math.MaxUint64

// MakeRef builds the reference of slot inside block.
func MakeRef(block, slot int) Ref {
	return Ref(uint64(uint32(block))<<32 | uint64(uint32(slot)))
}

// Block returns the block index of r.
func (r Ref) Block() int { return int(uint32(r >> 32)) }

// Slot returns the slot index of r inside its block.
func (r Ref) Slot() int { return int(uint32(r)) }

type node struct {
	prev, next Ref
	tag        uint8
}

// Arena owns the nodes every List links together. Nodes are grouped in
// blocks; a block is allocated per tracked owner and freed as a whole.
//
// A node that is in no list links to itself, which is how IsAlone tells a
// never-touched or evicted node from a tracked one.
type Arena struct {
	blocks [][]node
	free   []int
}

// Alloc reserves a block of n detached nodes and returns its index.
func (a *Arena) Alloc(n int) int {
	var id int
	if k := len(a.free); k > 0 {
		id = a.free[k-1]
		a.free = a.free[:k-1]
	} else {
		id = len(a.blocks)
		a.blocks = append(a.blocks, nil)
	}

	nodes := make([]node, n)
	for i := range nodes {
		self := MakeRef(id, i)
		nodes[i] = node{prev: self, next: self}
	}
	a.blocks[id] = nodes
	return id
}

// Free releases a block. Its nodes must already be detached from every list.
func (a *Arena) Free(block int) {
	a.blocks[block] = nil
	a.free = append(a.free, block)
}

// BlockLen returns the number of nodes in block.
func (a *Arena) BlockLen(block int) int {
	return len(a.blocks[block])
}

// IsAlone reports whether r is linked into no list.
func (a *Arena) IsAlone(r Ref) bool {
	n := a.node(r)
	return n.prev == r && n.next == r
}

// Tag returns the tag of the list r belongs to, or 0 when r is alone.
func (a *Arena) Tag(r Ref) uint8 {
	return a.node(r).tag
}

func (a *Arena) node(r Ref) *node {
	return &a.blocks[r.Block()][r.Slot()]
}

// List is a doubly-linked list whose links are Refs into an Arena.
// The zero value is not usable; create lists with New.
type List struct {
	head, tail Ref
	n          int
	tag        uint8
}

// New returns an empty list. tag must be non-zero and unique among the
// lists sharing one Arena.
func New(tag uint8) *List {
	if tag == 0 {
		panic("list: tag 0 is reserved for detached nodes")
	}
	return &List{head: Nil, tail: Nil, tag: tag}
}

// Len returns the number of linked nodes.
func (l *List) Len() int { return l.n }

// Front returns the oldest node pushed at the back.
func (l *List) Front() (Ref, bool) { return l.head, l.head != Nil }

// Back returns the newest node pushed at the back.
func (l *List) Back() (Ref, bool) { return l.tail, l.tail != Nil }

// PushBack links a detached node at the tail.
func (l *List) PushBack(a *Arena, r Ref) {
	n := a.node(r)
	n.tag = l.tag
	n.next = Nil
	n.prev = l.tail
	if l.tail != Nil {
		a.node(l.tail).next = r
	} else {
		l.head = r
	}
	l.tail = r
	l.n++
}

// PushFront links a detached node at the head.
func (l *List) PushFront(a *Arena, r Ref) {
	n := a.node(r)
	n.tag = l.tag
	n.prev = Nil
	n.next = l.head
	if l.head != Nil {
		a.node(l.head).prev = r
	} else {
		l.tail = r
	}
	l.head = r
	l.n++
}

// Remove unlinks r and leaves it alone. It returns false when r is not in l.
func (l *List) Remove(a *Arena, r Ref) bool {
	n := a.node(r)
	if n.tag != l.tag || (n.prev == r && n.next == r) {
		return false
	}
	if n.prev != Nil {
		a.node(n.prev).next = n.next
	} else {
		l.head = n.next
	}
	if n.next != Nil {
		a.node(n.next).prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next, n.tag = r, r, 0
	l.n--
	return true
}

// PopFront unlinks and returns the head.
func (l *List) PopFront(a *Arena) (Ref, bool) {
	r := l.head
	if r == Nil {
		return Nil, false
	}
	l.Remove(a, r)
	return r, true
}

// PopBack unlinks and returns the tail.
func (l *List) PopBack(a *Arena) (Ref, bool) {
	r := l.tail
	if r == Nil {
		return Nil, false
	}
	l.Remove(a, r)
	return r, true
}

// Each calls fn for every node from head to tail until fn returns false.
func (l *List) Each(a *Arena, fn func(Ref) bool) {
	for r := l.head; r != Nil; r = a.node(r).next {
		if !fn(r) {
			return
		}
	}
}
