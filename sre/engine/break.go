package engine

import (
	"sre/bits"
	"sre/reserv"
	"sre/util"
)

// breakCore demotes rv back to ungrouped small pages: every slot it
// never populated is a free run the external allocator gets back; the
// slots it did populate remain valid mapped pages owned by the
// object — tearing down the reservation record does not free them,
// since the object layer (out of scope here) continues to manage
// them directly once they are no longer superpage-tracked.
//
// Property 7 (§8): the emitted runs' total length equals
// NPages() - prevPopcnt, asserted below.
func (e *Engine) breakCore(rv *reserv.Reservation) {
	e.lockassert()
	prevPopcnt := rv.Popcnt()
	freedLen := 0
	rv.Popmap().ClearRuns(func(run bits.Run) bool {
		e.alloc.FreeContig(rv.Pages()[run.Start : run.Start+run.Len])
		freedLen += run.Len
		return true
	})
	if freedLen != rv.NPages()-prevPopcnt {
		panic("engine: break run accounting mismatch")
	}
	object := rv.Object()
	object.Lock()
	reserv.RVQRemove(object, rv)
	object.Unlock()
	rv.Reset()
}

// Break implements break (C6): precondition rv is active and not
// linked in the PartPop queue.
func (e *Engine) Break(rv *reserv.Reservation) {
	e.lockassert()
	if !rv.IsActive() {
		panic("engine: break of an inactive reservation")
	}
	if rv.HasFlag(reserv.FlagInPartPopQ) {
		panic("engine: break of a reservation still linked in the PartPop queue")
	}
	e.breakCore(rv)
	e.c.broken++
}

// Reclaim implements reclaim (C6): same as Break but first unlinks rv
// from the PartPop queue if it is linked there.
func (e *Engine) Reclaim(rv *reserv.Reservation) {
	e.lockassert()
	if !rv.IsActive() {
		panic("engine: reclaim of an inactive reservation")
	}
	if rv.HasFlag(reserv.FlagInPartPopQ) {
		e.ppq.Remove(rv)
	}
	e.breakCore(rv)
	e.c.reclaimed++
}

// ReclaimInactive implements reclaim_inactive (C6): reclaim the least
// recently touched non-marker entry of the PartPop queue. Returns
// false if the queue holds no reclaimable entry.
func (e *Engine) ReclaimInactive() bool {
	e.lockassert()
	var target *reserv.Reservation
	e.ppq.WalkForward(func(r *reserv.Reservation) bool {
		target = r
		return false
	})
	if target == nil {
		return false
	}
	e.Reclaim(target)
	return true
}

// ReclaimContig implements reclaim_contig (C6): scan the PartPop queue
// head to tail for a reservation whose physical range overlaps
// [low, high) and whose popmap holds a clear run of at least npages
// slots satisfying alignment/boundary; reclaim the first match found.
func (e *Engine) ReclaimContig(npages int, low, high, alignment, boundary uintptr) bool {
	e.lockassert()
	var target *reserv.Reservation
	e.ppq.WalkForward(func(r *reserv.Reservation) bool {
		rangeLow := r.Base()
		rangeHigh := r.Base() + uintptr(r.NPages())*e.pageSize
		if rangeHigh <= low || rangeLow >= high {
			return true
		}
		found := false
		r.Popmap().ClearRuns(func(run bits.Run) bool {
			if run.Len < npages {
				return true
			}
			size := uintptr(npages) * e.pageSize
			start := r.Base() + uintptr(run.Start)*e.pageSize
			runEnd := start + uintptr(run.Len)*e.pageSize
			for start+size <= runEnd {
				if alignment != 0 && start%alignment != 0 {
					start = util.Roundup(start, alignment)
					continue
				}
				if boundary != 0 && start/boundary != (start+size-1)/boundary {
					start = util.Roundup(start+1, boundary)
					continue
				}
				found = true
				return false
			}
			return true
		})
		if found {
			target = r
			return false
		}
		return true
	})
	if target == nil {
		return false
	}
	e.Reclaim(target)
	return true
}

// BreakAll tears down every reservation belonging to object, used when
// the object itself is being destroyed (the caller frees the object's
// pages directly; BreakAll only reclaims each reservation's unused
// slack and drops the bookkeeping).
func (e *Engine) BreakAll(object reserv.Object) {
	e.Lock()
	defer e.Unlock()
	for {
		rv := object.RVQHead()
		if rv == nil {
			return
		}
		if rv.HasFlag(reserv.FlagInPartPopQ) {
			e.ppq.Remove(rv)
		}
		e.breakCore(rv)
		e.c.broken++
	}
}
