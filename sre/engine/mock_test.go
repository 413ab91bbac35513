package engine

import (
	"sync"

	"sre/reserv"
)

// mockObject is a minimal reserv.Object good enough to drive the
// engine under test: a write lock, a size/type/backing triple, and an
// rvq head the engine splices *reserv.Reservation nodes through.
type mockObject struct {
	mu      sync.Mutex
	size    int64
	typ     reserv.ObjectType
	backing reserv.Object
	rvqHead *reserv.Reservation
}

func newMockObject(size int64, typ reserv.ObjectType) *mockObject {
	return &mockObject{size: size, typ: typ}
}

func (o *mockObject) Lock()                             { o.mu.Lock() }
func (o *mockObject) Unlock()                            { o.mu.Unlock() }
func (o *mockObject) Size() int64                        { return o.size }
func (o *mockObject) Type() reserv.ObjectType             { return o.typ }
func (o *mockObject) BackingObject() reserv.Object        { return o.backing }
func (o *mockObject) RVQHead() *reserv.Reservation        { return o.rvqHead }
func (o *mockObject) SetRVQHead(r *reserv.Reservation)    { o.rvqHead = r }

// mockPage is a minimal reserv.Page: a physical address, an owning
// object/pindex pair the "page cache" would track, and the valid/psind
// bits the promotion and prepopulate paths flip.
type mockPage struct {
	obj    reserv.Object
	pindex int64
	phys   uintptr
	psind  int
	valid  bool
}

func (p *mockPage) Object() reserv.Object { return p.obj }
func (p *mockPage) Pindex() int64         { return p.pindex }
func (p *mockPage) PhysAddr() uintptr     { return p.phys }
func (p *mockPage) Psind() int            { return p.psind }
func (p *mockPage) SetPsind(v int)        { p.psind = v }
func (p *mockPage) Valid() bool           { return p.valid }
func (p *mockPage) SetValid(v bool)       { p.valid = v }
func (p *mockPage) ZeroIdle()             {}
func (p *mockPage) Activate()             {}
func (p *mockPage) Unbusy()               {}

// mockAllocator is a trivial first-fit physical page allocator over a
// fixed-size flat address space, standing in for the buddy-style
// external allocator (§6) so the engine can be exercised without a
// real page-table layer underneath it.
type mockAllocator struct {
	mu       sync.Mutex
	pageSize uintptr
	nPages   int // slots per reservation, used only for CountOrderNPages
	free     []bool
	pages    []*mockPage
	reclaims int
}

func newMockAllocator(totalPages, nPages int, pageSize uintptr) *mockAllocator {
	a := &mockAllocator{
		pageSize: pageSize,
		nPages:   nPages,
		free:     make([]bool, totalPages),
		pages:    make([]*mockPage, totalPages),
	}
	for i := range a.free {
		a.free[i] = true
		a.pages[i] = &mockPage{phys: uintptr(i) * pageSize}
	}
	return a
}

func (a *mockAllocator) indexOf(pa uintptr) int { return int(pa / a.pageSize) }

func (a *mockAllocator) AllocContig(npages int, low, high, alignment, boundary uintptr) ([]reserv.Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	step := 1
	if alignment > 0 {
		step = int(alignment / a.pageSize)
		if step == 0 {
			step = 1
		}
	}
	for start := 0; start+npages <= len(a.free); start += step {
		addr := uintptr(start) * a.pageSize
		if low != 0 && addr < low {
			continue
		}
		if high != 0 && addr+uintptr(npages)*a.pageSize > high {
			continue
		}
		ok := true
		for i := 0; i < npages; i++ {
			if !a.free[start+i] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		run := make([]reserv.Page, npages)
		for i := 0; i < npages; i++ {
			a.free[start+i] = false
			p := a.pages[start+i]
			p.obj, p.pindex, p.valid, p.psind = nil, 0, false, 0
			run[i] = p
		}
		return run, true
	}
	return nil, false
}

func (a *mockAllocator) AllocPage(object reserv.Object, pindex int64, reservedOnly bool) (reserv.Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, free := range a.free {
		if !free {
			continue
		}
		a.free[i] = false
		p := a.pages[i]
		p.obj, p.pindex, p.valid, p.psind = object, pindex, false, 0
		return p, true
	}
	return nil, false
}

func (a *mockAllocator) FreeContig(run []reserv.Page) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range run {
		mp := p.(*mockPage)
		a.free[a.indexOf(mp.phys)] = true
		mp.obj, mp.pindex, mp.valid, mp.psind = nil, 0, false, 0
	}
}

func (a *mockAllocator) FreePages(p reserv.Page) {
	a.FreeContig([]reserv.Page{p})
}

func (a *mockAllocator) CountOrderNPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for start := 0; start+a.nPages <= len(a.free); start += a.nPages {
		full := true
		for i := 0; i < a.nPages; i++ {
			if !a.free[start+i] {
				full = false
				break
			}
		}
		if full {
			n++
		}
	}
	return n
}

func (a *mockAllocator) ReclaimRun(count int, low, high uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reclaims++
	return true
}

// newTestEngine builds an Engine over a mockAllocator sized for
// totalSuper superpages of nPages pages each, plus the allocator
// itself (tests reach into it to simulate external frees/exhaustion).
func newTestEngine(totalSuper, nPages int, pageSize uintptr) (*Engine, *mockAllocator) {
	alloc := newMockAllocator(totalSuper*nPages, nPages, pageSize)
	e := New(alloc, nPages, pageSize)
	e.Startup(0, 0, uintptr(totalSuper*nPages)*pageSize)
	return e, alloc
}
