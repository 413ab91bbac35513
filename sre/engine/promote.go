package engine

import (
	"sre/bits"
	"sre/reserv"
)

// Level reports the superpage level of p: 1 if p is the first page of
// a fully populated reservation (eligible to be mapped as one large
// page), 0 otherwise.
func (e *Engine) Level(p reserv.Page) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() || !rv.IsFull() {
		return 0
	}
	if rv.Pages()[0].PhysAddr() != p.PhysAddr() {
		return 0
	}
	return 1
}

// LevelIfFullyPopulated reports the level p's reservation would be
// mapped at if promoted, without requiring p to be the first page —
// the fault path uses this to decide whether promoting the whole
// reservation around the faulting page is possible.
func (e *Engine) LevelIfFullyPopulated(p reserv.Page) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() || !rv.IsFull() {
		return 0
	}
	return 1
}

// ToSuperpage returns the first page of p's reservation and true if it
// is fully populated.
func (e *Engine) ToSuperpage(p reserv.Page) (reserv.Page, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() || !rv.IsFull() {
		return nil, false
	}
	return rv.Pages()[0], true
}

// IsPageFree reports whether the physical page at pa is unclaimed by
// any active reservation — true both for pages outside any
// reservation and for never-populated slots of an active one.
func (e *Engine) IsPageFree(pa uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(pa)
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return true
	}
	idx := int((pa - rv.Base()) / e.pageSize)
	if idx < 0 || idx >= rv.NPages() {
		return true
	}
	return rv.Popmap().IsClear(idx)
}

// SatisfySyncPromotion reports whether p's reservation is eligible for
// a synchronous superpage promotion at fault time (§4.6): p must
// belong to an active reservation, parked in the PartPop queue with no
// other flag set, and at least threshold slots populated.
func (e *Engine) SatisfySyncPromotion(p reserv.Page, threshold int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return false
	}
	idx := int((p.PhysAddr() - rv.Base()) / e.pageSize)
	if idx < 0 || idx >= rv.NPages() || rv.Popmap().IsClear(idx) {
		return false
	}
	if rv.Flags() != reserv.FlagInPartPopQ {
		return false
	}
	return rv.Popcnt() >= threshold
}

// SatisfyAdjPromotion is SatisfySyncPromotion without the popcount
// threshold, used for the cheaper adjacent-page promotion check.
func (e *Engine) SatisfyAdjPromotion(p reserv.Page) bool {
	return e.SatisfySyncPromotion(p, 0)
}

// PindexFromPage returns the object-relative logical offset of p.
func (e *Engine) PindexFromPage(p reserv.Page) int64 { return p.Pindex() }

// CopyPopmapFromPage returns a snapshot copy of p's reservation's
// popmap, or nil if p does not belong to an active reservation. The
// copy is safe to inspect without holding the engine's lock.
func (e *Engine) CopyPopmapFromPage(p reserv.Page) *bits.Popmap {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return nil
	}
	snap := bits.New(rv.NPages())
	snap.CopyFrom(rv.Popmap())
	return snap
}

// PopmapIsClear reports whether p's own slot is unpopulated.
func (e *Engine) PopmapIsClear(p reserv.Page) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return true
	}
	idx := int((p.PhysAddr() - rv.Base()) / e.pageSize)
	if idx < 0 || idx >= rv.NPages() {
		return true
	}
	return rv.Popmap().IsClear(idx)
}

// NextSetIndex and NextClearIndex return the next populated/clear slot
// index at or after p's own slot within p's reservation, or -1 if none
// (or p is not reservation-backed).
func (e *Engine) NextSetIndex(p reserv.Page) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return -1
	}
	idx := int((p.PhysAddr() - rv.Base()) / e.pageSize)
	return rv.Popmap().NextSet(idx)
}

func (e *Engine) NextClearIndex(p reserv.Page) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return -1
	}
	idx := int((p.PhysAddr() - rv.Base()) / e.pageSize)
	return rv.Popmap().NextClear(idx)
}

// MarkBad flags rv BAD (a reservation-intrinsic prepopulate failure
// the daemon should never retry). The queue lock must be held.
func (e *Engine) MarkBad(rv *reserv.Reservation) {
	e.lockassert()
	rv.SetFlag(reserv.FlagBad)
}

// IsFull reports whether every slot of rv is populated.
func (e *Engine) IsFull(rv *reserv.Reservation) bool { return rv.IsFull() }

// ReservationFor returns the candidate reservation for physical
// address pa, or nil if pa falls in an invalid slot.
func (e *Engine) ReservationFor(pa uintptr) *reserv.Reservation {
	e.mu.Lock()
	defer e.mu.Unlock()
	rv := e.arr.FromPhys(pa)
	if rv == nil || !rv.IsValid() {
		return nil
	}
	return rv
}
