package entity

import "math/bits"

// List is a small variable-length sequence of handles allocated inside a
// ListPool. The List value itself is a handle into the pool: index 0 is the
// empty list, any other value points at the length word of the sequence.
// Instruction operand lists are the main client.
type List[K Key] uint32

// ListPool is the backing storage for List values. Blocks are allocated in
// power-of-two size classes; freed blocks go on a per-class free list and are
// reused by later allocations.
type ListPool[K Key] struct {
	data []uint32
	// free[c] heads the free list for size class c, 0 if empty.
	free []uint32
}

const listMinClass = 2 // smallest block holds 1<<2 - 1 = 3 elements + length word

func sizeClass(n int) int {
	c := bits.Len(uint(n)) // class c blocks hold up to 1<<c - 1 elements
	if c < listMinClass {
		c = listMinClass
	}
	return c
}

func (p *ListPool[K]) alloc(class int) uint32 {
	for len(p.free) <= class {
		p.free = append(p.free, 0)
	}
	if head := p.free[class]; head != 0 {
		p.free[class] = p.data[head]
		return head
	}
	if len(p.data) == 0 {
		p.data = append(p.data, 0) // reserve index 0 for the empty list
	}
	head := uint32(len(p.data))
	for i := 0; i < 1<<class; i++ {
		p.data = append(p.data, 0)
	}
	return head
}

func (p *ListPool[K]) dealloc(head uint32, class int) {
	p.data[head] = p.free[class]
	p.free[class] = head
}

// Reset drops every list allocated from this pool.
func (p *ListPool[K]) Reset() {
	p.data = p.data[:0]
	for i := range p.free {
		p.free[i] = 0
	}
}

// Len returns the number of elements in l.
func (l List[K]) Len(p *ListPool[K]) int {
	if l == 0 {
		return 0
	}
	return int(p.data[l])
}

// Slice returns the elements of l. The slice aliases pool storage and is
// invalidated by any append through the pool.
func (l List[K]) Slice(p *ListPool[K]) []K {
	if l == 0 {
		return nil
	}
	n := int(p.data[l])
	raw := p.data[int(l)+1 : int(l)+1+n]
	// K and uint32 share representation; reslice via element-wise view.
	out := make([]K, n)
	for i, v := range raw {
		out[i] = K(v)
	}
	return out
}

// Get returns the i-th element of l.
func (l List[K]) Get(p *ListPool[K], i int) K {
	if l == 0 || i >= int(p.data[l]) {
		panic("BUG: list index out of range")
	}
	return K(p.data[int(l)+1+i])
}

// Set overwrites the i-th element of l.
func (l List[K]) Set(p *ListPool[K], i int, k K) {
	if l == 0 || i >= int(p.data[l]) {
		panic("BUG: list index out of range")
	}
	p.data[int(l)+1+i] = uint32(k)
}

// Append returns the list extended by k, reallocating into a larger size
// class when the current block is full.
func (l List[K]) Append(p *ListPool[K], k K) List[K] {
	var n int
	if l != 0 {
		n = int(p.data[l])
	}
	newClass := sizeClass(n + 1)
	if l == 0 || newClass > sizeClass(n) {
		head := p.alloc(newClass)
		if l != 0 {
			copy(p.data[head:head+uint32(n)+1], p.data[l:int(l)+n+1])
			l.drop(p, n)
		}
		l = List[K](head)
	}
	p.data[int(l)+1+n] = uint32(k)
	p.data[l] = uint32(n + 1)
	return l
}

// Truncate shortens l to n elements, which must not exceed its length.
func (l List[K]) Truncate(p *ListPool[K], n int) {
	if l == 0 {
		if n != 0 {
			panic("BUG: truncating empty list")
		}
		return
	}
	if n > int(p.data[l]) {
		panic("BUG: truncate beyond list length")
	}
	p.data[l] = uint32(n)
}

// FromSlice builds a fresh list holding ks.
func FromSlice[K Key](p *ListPool[K], ks []K) List[K] {
	var l List[K]
	for _, k := range ks {
		l = l.Append(p, k)
	}
	return l
}

func (l List[K]) drop(p *ListPool[K], n int) {
	p.dealloc(uint32(l), sizeClass(n))
}
