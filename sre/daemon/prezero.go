package daemon

import (
	"golang.org/x/sync/semaphore"

	"sre/reserv"
	"sre/util"
)

// eligiblePrezero reports whether rv is a candidate for asynchronous
// prepopulation (§4.6): anonymous or swap-backed, unshadowed, parked
// plainly in the PartPop queue (no other flag set), with enough
// existing population to be worth finishing.
func (d *Daemon) eligiblePrezero(rv *reserv.Reservation) bool {
	obj := rv.Object()
	if obj == nil {
		return false
	}
	if obj.Type() != reserv.ObjAnon && obj.Type() != reserv.ObjSwap {
		return false
	}
	if obj.BackingObject() != nil {
		return false
	}
	if rv.Flags() != reserv.FlagInPartPopQ {
		return false
	}
	return rv.Popcnt() >= d.tun.PopThreshold
}

// prezeroCycle scans the PartPop queue from the tail for up to
// pop_budget eligible reservations and prepopulates each, using the
// async marker to hold its scan position across prepopulate's
// lock-release windows.
func (d *Daemon) prezeroCycle() {
	e := d.eng
	e.Lock()
	defer e.Unlock()

	zeroSem := semaphore.NewWeighted(int64(util.Max(d.tun.ZeroBudget, 1)))

	budget := d.tun.PopBudget
	cur := e.PartPopBack()
	for budget > 0 && cur != nil {
		if cur.IsMarker() {
			cur = e.PartPopPrev(cur)
			continue
		}
		if !d.eligiblePrezero(cur) {
			cur = e.PartPopPrev(cur)
			continue
		}

		e.PartPopInsertBefore(d.asyncMarker, cur)
		target := cur
		d.prepopulate(target, zeroSem)
		prev, _ := e.PartPopRemoveMarker(d.asyncMarker)
		cur = prev
		budget--
	}
}

// prepopulate fills every remaining clear slot of rv (§4.6's
// contract). It is called with the queue lock held and always returns
// with it held, dropping and reacquiring it around each slot's slow
// path (object lock + page zeroing), re-validating rv's ownership each
// time it reacquires the lock since a concurrent break/depopulate can
// invalidate rv while the lock is released (S5/S6).
func (d *Daemon) prepopulate(rv *reserv.Reservation, zeroSem *semaphore.Weighted) {
	e := d.eng
	for {
		idx := rv.Popmap().NextClear(0)
		if idx < 0 {
			e.NotePopSucc()
			return
		}

		object := rv.Object()
		if object == nil {
			e.NotePopBroken()
			return
		}
		pindex := rv.Pindex() + int64(idx)

		e.Unlock()

		object.Lock()
		stillOwned := rv.IsActive() && rv.Object() == object
		object.Unlock()
		if !stillOwned {
			e.Lock()
			e.NotePopBroken()
			return
		}

		page, ok := e.Allocator().AllocPage(object, pindex, true)
		if !ok {
			e.Lock()
			e.MarkBad(rv)
			e.NotePopFail()
			return
		}

		needsZero := !page.Valid()
		zeroed := false
		if needsZero && zeroSem.TryAcquire(1) {
			page.ZeroIdle()
			zeroed = true
		}

		object.Lock()
		reassigned := !rv.IsActive() || rv.Object() != object || page.Object() != object
		if !reassigned {
			page.SetValid(true)
			page.Activate()
		}
		object.Unlock()
		page.Unbusy()

		e.Lock()
		if reassigned {
			e.NotePopFail()
			return
		}
		if !rv.IsActive() || rv.Object() != object {
			e.NotePopBroken()
			return
		}
		if zeroed {
			e.NoteAsyncPrezero(1)
		} else {
			e.NoteAsyncSkipZero(1)
		}
		e.Populate(rv, idx)
	}
}
