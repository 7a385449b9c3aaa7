package entity

const poolPageSize = 128

// Pool is a page-based allocation pool for T. Allocations stay valid until
// Reset; pages are retained across Reset for reuse by the next compilation.
type Pool[T any] struct {
	pages            []*[poolPageSize]T
	allocated, index int
}

// NewPool returns an initialized Pool.
func NewPool[T any]() Pool[T] {
	var ret Pool[T]
	ret.Reset()
	return ret
}

// Allocate returns a pointer to a zeroed T.
func (p *Pool[T]) Allocate() *T {
	if p.index == poolPageSize {
		if len(p.pages) == cap(p.pages) {
			p.pages = append(p.pages, new([poolPageSize]T))
		} else {
			i := len(p.pages)
			p.pages = p.pages[:i+1]
			if p.pages[i] == nil {
				p.pages[i] = new([poolPageSize]T)
			}
		}
		p.index = 0
	}
	ret := &p.pages[len(p.pages)-1][p.index]
	p.index++
	p.allocated++
	return ret
}

// Allocated returns the number of allocations since the last Reset.
func (p *Pool[T]) Allocated() int {
	return p.allocated
}

// View returns the i-th allocation since the last Reset.
func (p *Pool[T]) View(i int) *T {
	page, index := i/poolPageSize, i%poolPageSize
	return &p.pages[page][index]
}

// Reset zeroes all pages and makes them available for reuse.
func (p *Pool[T]) Reset() {
	for _, page := range p.pages {
		ps := page[:]
		for i := range ps {
			var v T
			ps[i] = v
		}
	}
	p.pages = p.pages[:0]
	p.index = poolPageSize
	p.allocated = 0
}
