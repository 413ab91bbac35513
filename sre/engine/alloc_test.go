package engine

import (
	"testing"

	"sre/reserv"
)

const testPageSize = uintptr(4096)

// TestAllocPagePromotesOnFull is scenario S1: populating every slot of
// a fresh reservation promotes it (psind=1) and removes it from the
// PartPop queue. The sync-promotion threshold is covered separately by
// TestSatisfySyncPromotionThreshold.
func TestAllocPagePromotesOnFull(t *testing.T) {
	const nPages = 16
	e, _ := newTestEngine(4, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)

	var pages []reserv.Page
	var mpred reserv.Page
	for i := int64(0); i < nPages; i++ {
		p, ok := e.AllocPage(obj, i, mpred, nil)
		if !ok {
			t.Fatalf("AllocPage(%d) failed", i)
		}
		pages = append(pages, p)
		mpred = p
		if i < nPages-1 {
			if e.PartPopLen() != 1 {
				t.Errorf("after populate #%d: PartPopLen() = %d, want 1", i, e.PartPopLen())
			}
		}
	}

	if e.PartPopLen() != 0 {
		t.Errorf("after full population: PartPopLen() = %d, want 0", e.PartPopLen())
	}
	if pages[0].Psind() != 1 {
		t.Errorf("pages[0].Psind() = %d, want 1 (promoted)", pages[0].Psind())
	}
	if got := e.Level(pages[0]); got != 1 {
		t.Errorf("Level(pages[0]) = %d, want 1", got)
	}
}

// TestSatisfySyncPromotionThreshold checks the popcount gate on the
// fault-path promotion predicate independently of full promotion.
func TestSatisfySyncPromotionThreshold(t *testing.T) {
	const nPages = 8
	e, _ := newTestEngine(2, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)

	p0, ok := e.AllocPage(obj, 0, nil, nil)
	if !ok {
		t.Fatal("AllocPage(0) failed")
	}
	if e.SatisfySyncPromotion(p0, 2) {
		t.Error("expected SatisfySyncPromotion to be false with popcnt=1, threshold=2")
	}
	if !e.SatisfyAdjPromotion(p0) {
		t.Error("expected SatisfyAdjPromotion to be true for any parked partial reservation")
	}
	if _, ok := e.AllocPage(obj, 1, p0, nil); !ok {
		t.Fatal("AllocPage(1) failed")
	}
	if !e.SatisfySyncPromotion(p0, 2) {
		t.Error("expected SatisfySyncPromotion to be true once popcnt reaches threshold")
	}
}

// TestAllocPageThenFree is scenario S2: populate one page, free it, and
// confirm the reservation is fully released (invariant 4).
func TestAllocPageThenFree(t *testing.T) {
	const nPages = 8
	e, alloc := newTestEngine(2, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)

	p, ok := e.AllocPage(obj, 3, nil, nil)
	if !ok {
		t.Fatal("AllocPage failed")
	}
	if e.PartPopLen() != 1 {
		t.Fatalf("PartPopLen() = %d, want 1", e.PartPopLen())
	}

	freeBefore := alloc.CountOrderNPages()
	if !e.FreePage(p) {
		t.Fatal("FreePage reported no owning reservation")
	}
	if e.PartPopLen() != 0 {
		t.Errorf("PartPopLen() after last free = %d, want 0", e.PartPopLen())
	}
	if got := e.Counters().Freed; got != 1 {
		t.Errorf("Counters().Freed = %d, want 1", got)
	}
	if got := alloc.CountOrderNPages(); got != freeBefore+1 {
		t.Errorf("CountOrderNPages() after free = %d, want %d", got, freeBefore+1)
	}
}

// TestAllocPageReusesAdjacentReservation exercises the mpred/msucc
// adjacency reuse path (§4.3 step 2): a second page in the same
// reservation should not allocate a new physical run.
func TestAllocPageReusesAdjacentReservation(t *testing.T) {
	const nPages = 8
	e, alloc := newTestEngine(4, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)

	p0, ok := e.AllocPage(obj, 0, nil, nil)
	if !ok {
		t.Fatal("AllocPage(0) failed")
	}
	freeBefore := alloc.CountOrderNPages()
	p1, ok := e.AllocPage(obj, 1, p0, nil)
	if !ok {
		t.Fatal("AllocPage(1) failed")
	}
	if alloc.CountOrderNPages() != freeBefore {
		t.Error("reusing an existing reservation should not consume a new superpage")
	}
	if e.PartPopLen() != 1 {
		t.Errorf("PartPopLen() = %d, want 1 (single shared reservation)", e.PartPopLen())
	}
	mp1 := p1.(*mockPage)
	if mp1.phys-p0.(*mockPage).phys != testPageSize {
		t.Error("expected p1 to be the physical neighbor of p0")
	}
}

// TestAllocPageRejectsOutOfRangePindex covers feasibility check 1.
func TestAllocPageRejectsOutOfRangePindex(t *testing.T) {
	e, _ := newTestEngine(2, 8, testPageSize)
	obj := newMockObject(4, reserv.ObjAnon)
	if _, ok := e.AllocPage(obj, 10, nil, nil); ok {
		t.Error("expected AllocPage to reject a pindex beyond object.Size()")
	}
}

// TestAllocPageRefusesVnodeExtension covers feasibility check 4: a
// vnode-backed object cannot gain a reservation extending past its
// size.
func TestAllocPageRefusesVnodeExtension(t *testing.T) {
	const nPages = 8
	e, _ := newTestEngine(2, nPages, testPageSize)
	obj := newMockObject(3, reserv.ObjVnode) // smaller than nPages
	if _, ok := e.AllocPage(obj, 1, nil, nil); ok {
		t.Error("expected AllocPage to refuse extending a vnode object past its size")
	}
}

// TestAllocPageExhaustedAllocator covers the AllocatorExhausted error
// kind (§7): no free superpage run means alloc_page returns none.
func TestAllocPageExhaustedAllocator(t *testing.T) {
	const nPages = 8
	e, alloc := newTestEngine(1, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)
	// Drain the single superpage run by hand.
	run, ok := alloc.AllocContig(nPages, 0, 0, 0, 0)
	if !ok {
		t.Fatal("setup: AllocContig failed")
	}
	_ = run

	if _, ok := e.AllocPage(obj, 0, nil, nil); ok {
		t.Error("expected AllocPage to fail once the allocator is exhausted")
	}
}

// TestAllocContigSpansMultipleReservations populates a request larger
// than one superpage and checks both reservations end up populated
// only where requested.
func TestAllocContigSpansMultipleReservations(t *testing.T) {
	const nPages = 8
	e, _ := newTestEngine(4, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)

	run, ok := e.AllocContig(obj, 0, nPages+2, 0, 0, 0, 0, nil)
	if !ok {
		t.Fatal("AllocContig failed")
	}
	if len(run) != nPages+2 {
		t.Fatalf("len(run) = %d, want %d", len(run), nPages+2)
	}
	if e.PartPopLen() != 1 {
		t.Errorf("PartPopLen() = %d, want 1 (first reservation promoted out, second left partial)", e.PartPopLen())
	}
	if got := e.Level(run[0]); got != 1 {
		t.Errorf("Level(run[0]) = %d, want 1 (first reservation fully populated)", got)
	}
}

// TestAllocContigReturnsPagesAtRequestedOffset guards against returning
// the run's unpopulated leading pages when pindex does not fall on a
// reservation boundary: the caller asked for [pindex, pindex+npages),
// not [first, first+npages), and must get back exactly the pages that
// were populated.
func TestAllocContigReturnsPagesAtRequestedOffset(t *testing.T) {
	const nPages = 8
	e, alloc := newTestEngine(1, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)

	const pindex, npages = 2, 4
	run, ok := e.AllocContig(obj, pindex, npages, 0, 0, 0, 0, nil)
	if !ok {
		t.Fatal("AllocContig failed")
	}
	if len(run) != npages {
		t.Fatalf("len(run) = %d, want %d", len(run), npages)
	}

	base := run[0].(*mockPage).phys
	wantBase := uintptr(pindex) * testPageSize
	if base != wantBase {
		t.Errorf("run[0] physical address = %v, want %v (the slot at pindex, not at the reservation's base)", base, wantBase)
	}

	rv := e.ReservationFor(alloc.pages[0].phys)
	for i := 0; i < nPages; i++ {
		want := i >= pindex && i < pindex+npages
		if got := rv.Popmap().IsSet(i); got != want {
			t.Errorf("Popmap().IsSet(%d) = %v, want %v", i, got, want)
		}
	}
}

// TestAllocContigAbortsOnCollision covers the Collision error kind:
// requesting a range that overlaps an already-populated slot must
// abort the entire request and populate nothing.
func TestAllocContigAbortsOnCollision(t *testing.T) {
	const nPages = 8
	e, _ := newTestEngine(2, nPages, testPageSize)
	obj := newMockObject(1<<20, reserv.ObjAnon)

	if _, ok := e.AllocPage(obj, 2, nil, nil); !ok {
		t.Fatal("setup AllocPage failed")
	}
	before := e.Counters()
	if _, ok := e.AllocContig(obj, 0, nPages, 0, 0, 0, 0, nil); ok {
		t.Error("expected AllocContig to abort on collision with an already-populated slot")
	}
	after := e.Counters()
	if before != after {
		t.Error("an aborted AllocContig must not mutate any counters")
	}
}
