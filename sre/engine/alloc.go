package engine

import (
	"sre/reserv"
	"sre/util"
)

// AllocPage implements alloc_page (C5): allocate a single page for
// (object, pindex), preferring to reuse an existing reservation that
// mpred or msucc already belongs to, then falling back to creating a
// new reservation, subject to the disjointness and vnode-size-extension
// checks of §4.3.
func (e *Engine) AllocPage(object reserv.Object, pindex int64, mpred, msucc reserv.Page) (reserv.Page, bool) {
	e.Lock()
	defer e.Unlock()
	return e.allocPageLocked(object, pindex, mpred, msucc)
}

func (e *Engine) allocPageLocked(object reserv.Object, pindex int64, mpred, msucc reserv.Page) (reserv.Page, bool) {
	e.lockassert()
	if pindex < 0 || pindex >= object.Size() {
		return nil, false
	}

	first := util.Rounddown(pindex, int64(e.nPages))

	if rv := e.reservationCovering(mpred, object, first); rv != nil {
		return e.populateExisting(rv, pindex)
	}
	if rv := e.reservationCovering(msucc, object, first); rv != nil {
		return e.populateExisting(rv, pindex)
	}

	if mpred != nil {
		if rv := e.arr.FromPhys(mpred.PhysAddr()); rv != nil && rv.IsValid() && rv.IsActive() && rv.Object() == object {
			if rv.Pindex()+int64(e.nPages) > first {
				return nil, false
			}
		}
	}
	if msucc != nil {
		if rv := e.arr.FromPhys(msucc.PhysAddr()); rv != nil && rv.IsValid() && rv.IsActive() && rv.Object() == object {
			if first+int64(e.nPages) > rv.Pindex() {
				return nil, false
			}
		}
	}

	if first+int64(e.nPages) > object.Size() && reserv.IsVnodeBacked(object) {
		return nil, false
	}

	superSize := e.pageSize * uintptr(e.nPages)
	run, ok := e.alloc.AllocContig(e.nPages, 0, 0, superSize, 0)
	if !ok {
		return nil, false
	}
	rv := e.bindRun(run, object, first)

	index := int(pindex - first)
	e.populate(rv, index)
	return run[index], true
}

// reservationCovering returns p's reservation if it is active, owned
// by object, and based exactly at first — i.e. it is the reservation
// AllocPage would need anyway, so it can be reused instead of
// requesting a new run (§4.3's "prefer a reservation mpred/msucc
// already belongs to").
func (e *Engine) reservationCovering(p reserv.Page, object reserv.Object, first int64) *reserv.Reservation {
	if p == nil {
		return nil
	}
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return nil
	}
	if rv.Object() != object || rv.Pindex() != first {
		return nil
	}
	return rv
}

func (e *Engine) populateExisting(rv *reserv.Reservation, pindex int64) (reserv.Page, bool) {
	index := int(pindex - rv.Pindex())
	if index < 0 || index >= rv.NPages() {
		return nil, false
	}
	if rv.Popmap().IsSet(index) {
		return nil, false
	}
	e.populate(rv, index)
	return rv.Pages()[index], true
}

// bindRun installs a freshly granted physical run into the array slot
// covering its base address and links it into object's rvq list. The
// slot's Reservation identity is fixed at array-construction time
// (rsvarray.New); bindRun rebinds that existing record rather than
// replacing it, since pages/base describe a physical region that
// outlives any one reservation's lifetime (§4.2).
func (e *Engine) bindRun(run []reserv.Page, object reserv.Object, first int64) *reserv.Reservation {
	base := run[0].PhysAddr()
	rv := e.arr.FromPhys(base)
	if rv == nil {
		panic("engine: contiguous allocator returned a misaligned base")
	}
	if rv.IsActive() {
		panic("engine: contiguous allocator returned an already-active run")
	}
	rv.Rebind(base, run, object, first)
	object.Lock()
	reserv.RVQInsertHead(object, rv)
	object.Unlock()
	return rv
}

// populate marks slot index of rv populated, moving it to the tail of
// the PartPop queue (touched-order) or promoting it to a superpage
// once full (§4.3).
func (e *Engine) populate(rv *reserv.Reservation, index int) {
	e.lockassert()
	if rv.Popmap().IsSet(index) {
		panic("engine: populate of an already-populated slot")
	}
	if rv.Popcnt() >= rv.NPages() {
		panic("engine: populate on a full reservation")
	}
	if rv.HasFlag(reserv.FlagInPartPopQ) {
		e.ppq.Remove(rv)
	}
	rv.SetSlot(index)
	rv.Touch(e.nextTick())
	if rv.Popcnt() < rv.NPages() {
		e.ppq.PushTail(rv)
	} else {
		rv.Pages()[0].SetPsind(1)
	}
}

// Populate exposes populate to callers that already hold the lock (the
// daemon's prepopulate loop, §4.6).
func (e *Engine) Populate(rv *reserv.Reservation, index int) {
	e.lockassert()
	e.populate(rv, index)
}

// depopulate clears slot index of rv. When popcnt reaches zero the
// reservation is unlinked from its object and its whole run is
// returned to the external allocator (§4.3's "zero reservations are
// released").
func (e *Engine) depopulate(rv *reserv.Reservation, index int) {
	e.lockassert()
	if rv.Popmap().IsClear(index) {
		panic("engine: depopulate of an already-clear slot")
	}
	if rv.Popcnt() <= 0 {
		panic("engine: depopulate on an empty reservation")
	}
	if rv.HasFlag(reserv.FlagInPartPopQ) {
		e.ppq.Remove(rv)
	}
	rv.ClearSlot(index)
	rv.Touch(e.nextTick())
	if rv.Popcnt() == 0 {
		object := rv.Object()
		pages := rv.Pages()
		object.Lock()
		reserv.RVQRemove(object, rv)
		object.Unlock()
		e.alloc.FreeContig(pages)
		rv.Reset()
		e.c.freed++
	} else {
		e.ppq.PushTail(rv)
	}
}

// FreePage implements free_page (C5): locate the reservation owning p,
// if any, and depopulate its slot. Returns false if p does not belong
// to any active reservation (the caller must free it directly through
// the generic page allocator in that case).
func (e *Engine) FreePage(p reserv.Page) bool {
	e.Lock()
	defer e.Unlock()
	rv := e.arr.FromPhys(p.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() {
		return false
	}
	idx := int((p.PhysAddr() - rv.Base()) / e.pageSize)
	if idx < 0 || idx >= rv.NPages() || rv.Popmap().IsClear(idx) {
		return false
	}
	e.depopulate(rv, idx)
	return true
}

// AllocContig implements alloc_contig (C5): allocate npages contiguous
// pages for (object, pindex), creating or extending the reservations
// that cover them. The run is normally rounded up to whole
// reservations; when msucc already owns the neighboring reservation,
// the run is instead capped to end exactly at pindex+npages so it does
// not collide, and no reservation is created for a trailing partial
// chunk.
func (e *Engine) AllocContig(object reserv.Object, pindex int64, npages int, low, high, alignment, boundary uintptr, msucc reserv.Page) ([]reserv.Page, bool) {
	e.Lock()
	defer e.Unlock()

	if pindex < 0 {
		return nil, false
	}
	if pindex+int64(npages) > object.Size() && reserv.IsVnodeBacked(object) {
		return nil, false
	}

	first := util.Rounddown(pindex, int64(e.nPages))
	last := util.Roundup(pindex+int64(npages), int64(e.nPages))

	// Collision pre-check: abort the whole request if any slot in the
	// target range is already populated by an existing reservation.
	for base := first; base < last; base += int64(e.nPages) {
		rv := reserv.RVQFindByPindex(object, base, nil)
		if rv == nil {
			continue
		}
		lo := util.Max(base, pindex)
		hi := util.Min(base+int64(e.nPages), pindex+int64(npages))
		for i := lo; i < hi; i++ {
			if rv.Popmap().IsSet(int(i - base)) {
				return nil, false
			}
		}
	}

	allocpages := int(last - first)
	if msucc != nil {
		if rv := e.arr.FromPhys(msucc.PhysAddr()); rv != nil && rv.IsValid() && rv.IsActive() && rv.Object() == object {
			if int64(allocpages) > rv.Pindex()-first {
				allocpages = int(pindex-first) + npages
			}
		}
	}

	align := util.Max(alignment, e.pageSize*uintptr(e.nPages))
	var bound uintptr
	if boundary > e.pageSize*uintptr(e.nPages) {
		bound = boundary
	}

	run, ok := e.alloc.AllocContig(allocpages, low, high, align, bound)
	if !ok {
		return nil, false
	}

	for off := 0; off+e.nPages <= len(run); off += e.nPages {
		base := run[off].PhysAddr()
		rv := e.arr.FromPhys(base)
		if rv == nil {
			panic("engine: contiguous allocator returned a misaligned base")
		}
		thisFirst := first + int64(off)
		if !rv.IsActive() {
			rv.Rebind(base, run[off:off+e.nPages], object, thisFirst)
			object.Lock()
			reserv.RVQInsertHead(object, rv)
			object.Unlock()
		} else if rv.Object() != object || rv.Pindex() != thisFirst {
			panic("engine: contiguous allocator returned an already-owned run")
		}
		for i := 0; i < e.nPages; i++ {
			idx := thisFirst + int64(i)
			if idx >= pindex && idx < pindex+int64(npages) && rv.Popmap().IsClear(i) {
				e.populate(rv, i)
			}
		}
	}

	// The run is laid out in ascending pindex order starting at first
	// (also when the msucc cap above shortened it); the caller asked for
	// [pindex, pindex+npages), not [first, ...), so the requested pages
	// sit at offset pindex-first.
	offset := int(pindex - first)
	return run[offset : offset+npages], true
}
