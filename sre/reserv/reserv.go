// Package reserv implements the reservation record (C3) and the
// partially-populated-reservation queue (C4), together with the
// capability interfaces the engine needs from the physical allocator,
// the object layer, and the page layer (§6 of the design). These are
// kept in one package, the way the teacher's mem package bundles
// Physmem_t with the Page_i interface it is accessed through, because
// the record and the interfaces it is built from are inseparable.
package reserv

import "sre/bits"

// Flags is the reservation flag bitset.
type Flags uint32

const (
	// FlagInPartPopQ is set iff the reservation is linked in the
	// PartPop queue.
	FlagInPartPopQ Flags = 1 << iota
	// FlagTransferred marks a reservation handed off by rename.
	FlagTransferred
	// FlagNeedsMigrate marks a reservation involved in a rename
	// pindex collision; the daemon's prepopulation skips it and its
	// eviction scan reclaims it regardless of age.
	FlagNeedsMigrate
	// FlagMarker identifies an inert sentinel used to hold a
	// position in the PartPop queue across a lock-release window.
	FlagMarker
	// FlagBad marks a reservation prepopulate gave up on for a
	// reservation-intrinsic reason; the daemon never retries it.
	FlagBad
)

// ObjectType enumerates the logical object kinds the allocation path
// must distinguish (anonymous/swap eligible for daemon prepopulation,
// vnode-backed subject to the size-extension refusal in AllocPage).
type ObjectType int

const (
	ObjUnknown ObjectType = iota
	ObjDefault
	ObjAnon
	ObjSwap
	ObjVnode
)

// Object is the capability interface consumed from the object/page-table
// layer (§6). Implementations own the write lock and the rvq list head;
// the engine only ever touches rvq through these accessors so that list
// mutation stays intrusive (no separately allocated container node).
type Object interface {
	Lock()
	Unlock()
	Size() int64
	Type() ObjectType
	BackingObject() Object

	// RVQHead/SetRVQHead expose the object's reservation list head so
	// the engine can splice *Reservation nodes in and out under the
	// object write lock + queue mutex, per the §5 ownership table.
	RVQHead() *Reservation
	SetRVQHead(*Reservation)
}

// IsVnodeBacked reports whether o is a vnode object or shadows one,
// walking the backing-object chain the way AllocPage's feasibility
// check (§4.3 step 4) requires.
func IsVnodeBacked(o Object) bool {
	for o != nil {
		if o.Type() == ObjVnode {
			return true
		}
		o = o.BackingObject()
	}
	return false
}

// Page is the capability interface consumed from the page layer (§6).
type Page interface {
	Object() Object
	Pindex() int64
	// PhysAddr returns the page's physical address, used to locate its
	// containing reservation (if any) via the reservation array.
	PhysAddr() uintptr
	Psind() int
	SetPsind(int)
	Valid() bool
	SetValid(bool)
	// ZeroIdle pre-zeros the page content (pmap_zero_idle).
	ZeroIdle()
	// Activate marks the page as active in the page cache (activate).
	Activate()
	// Unbusy releases the busy state acquired by allocation (xunbusy).
	Unbusy()
}

// PageAllocator is the capability interface consumed from the physical
// page allocator (§6), the buddy-style order-N free-list manager SRE
// treats as an external collaborator.
type PageAllocator interface {
	// AllocContig requests a contiguous run of npages pages satisfying
	// alignment and boundary within [low, high). It returns the run in
	// index order, or ok=false if the allocator is exhausted.
	AllocContig(npages int, low, high, alignment, boundary uintptr) (run []Page, ok bool)
	// AllocPage allocates a single page for (object, pindex). When
	// reservedOnly is set the allocator must satisfy the request only
	// from the calling reservation's own physical range, failing
	// rather than falling back to the generic free pool.
	AllocPage(object Object, pindex int64, reservedOnly bool) (Page, bool)
	// FreeContig returns a contiguous run to the allocator.
	FreeContig(run []Page)
	// FreePages returns a single page (order 0) to the allocator.
	FreePages(p Page)
	// CountOrderNPages reports the number of free superpage-sized runs,
	// used only for metrics (count_order_9).
	CountOrderNPages() int
	// ReclaimRun asks the allocator to migrate count pages out of
	// [low, high) so the eviction path can reuse the physical range.
	ReclaimRun(count int, low, high uintptr) bool
}

// Reservation is the central entity (C3): per-superpage metadata
// tracking how much of a physical run is populated.
type Reservation struct {
	nPages int

	object Object
	pindex int64
	pages  []Page // nil => invalid slot (never activated)
	base   uintptr

	popcnt    int
	timestamp uint64
	flags     Flags
	popmap    *bits.Popmap

	ppqPrev, ppqNext *Reservation
	objPrev, objNext *Reservation
}

// NewInvalid returns a slot representing an unusable region of the
// physical address space (one whose backing range does not fully
// align to a superpage). Its Pages() is always nil.
func NewInvalid(nPages int) *Reservation {
	return &Reservation{nPages: nPages}
}

// NewActive initializes a reservation over a freshly granted physical
// run, ready to be populated. It does not link the reservation into
// any queue; callers perform that under the queue lock.
func NewActive(nPages int, base uintptr, pages []Page, object Object, pindex int64) *Reservation {
	if len(pages) != nPages {
		panic("reserv: run length does not match reservation size")
	}
	return &Reservation{
		nPages: nPages,
		object: object,
		pindex: pindex,
		pages:  pages,
		base:   base,
		popmap: bits.New(nPages),
	}
}

// NPages returns the number of slots this reservation covers.
func (r *Reservation) NPages() int { return r.nPages }

// IsValid reports whether the slot backs a real physical run.
func (r *Reservation) IsValid() bool { return r.pages != nil }

// IsActive reports whether the reservation currently belongs to an
// object (invariant 2).
func (r *Reservation) IsActive() bool { return r.object != nil }

// IsMarker reports whether this is an inert queue-position sentinel.
func (r *Reservation) IsMarker() bool { return r.flags&FlagMarker != 0 }

// IsFull reports whether every slot is populated.
func (r *Reservation) IsFull() bool { return r.popcnt == r.nPages }

// Object returns the owning object, or nil if inactive. Per the design
// notes this is a weak observation: callers must re-validate it under
// the queue lock before trusting it, since it may be cleared
// concurrently by break/depopulate.
func (r *Reservation) Object() Object { return r.object }

// Pindex returns the logical offset of the reservation's first page.
func (r *Reservation) Pindex() int64 { return r.pindex }

// Base returns the physical base address of the reservation's run.
func (r *Reservation) Base() uintptr { return r.base }

// Pages returns the underlying page-descriptor run, or nil for an
// invalid slot.
func (r *Reservation) Pages() []Page { return r.pages }

// Popcnt returns the current population count.
func (r *Reservation) Popcnt() int { return r.popcnt }

// Popmap exposes the backing bit vector for read-only inspection
// (diagnostics, CopyPopmapFromPage).
func (r *Reservation) Popmap() *bits.Popmap { return r.popmap }

// Flags returns the current flag bitset.
func (r *Reservation) Flags() Flags { return r.flags }

// HasFlag reports whether every bit in f is set.
func (r *Reservation) HasFlag(f Flags) bool { return r.flags&f == f }

// Timestamp returns the tick of the last populate/depopulate.
func (r *Reservation) Timestamp() uint64 { return r.timestamp }

// SetFlag and ClearFlag mutate the flag bitset. Callers (engine,
// daemon) must hold the queue mutex (§5).
func (r *Reservation) SetFlag(f Flags)   { r.flags |= f }
func (r *Reservation) ClearFlag(f Flags) { r.flags &^= f }

// setFlag/clearFlag keep the unexported spelling available for use
// inside this package (the PartPop queue manages FlagInPartPopQ
// itself).
func (r *Reservation) setFlag(f Flags)   { r.flags |= f }
func (r *Reservation) clearFlag(f Flags) { r.flags &^= f }

// SetSlot marks slot i populated, updating both the popmap and popcnt.
// Callers must hold the queue mutex and must have checked the slot was
// previously clear (populate's precondition, §4.3).
func (r *Reservation) SetSlot(i int) {
	r.popmap.Set(i)
	r.popcnt++
}

// ClearSlot marks slot i free. Callers must hold the queue mutex and
// must have checked the slot was previously set (depopulate's
// precondition, §4.3).
func (r *Reservation) ClearSlot(i int) {
	r.popmap.Clear(i)
	r.popcnt--
}

// Touch records tick as the time of the last populate/depopulate,
// maintaining the PartPop queue's touched-order (invariant 8).
func (r *Reservation) Touch(tick uint64) { r.timestamp = tick }

// ClearObject drops the owning-object reference and nothing else.
// Teardown in depopulate and break/reclaim goes through Reset instead.
func (r *Reservation) ClearObject() { r.object = nil }

// SetObject re-parents the reservation, used by rename (C7).
func (r *Reservation) SetObject(o Object) { r.object = o }

// SetPindex updates the logical base offset, used by rename (C7).
func (r *Reservation) SetPindex(pindex int64) { r.pindex = pindex }

// Reset tears a reservation back down to its invalid/free baseline:
// object pointer cleared, popmap zeroed, all flags dropped (including
// BAD — a freshly granted reservation at this physical range is a new
// logical entity and must not inherit a stale BAD mark; this resolves
// the open question in §9 about clearing BAD).
func (r *Reservation) Reset() {
	r.object = nil
	r.pindex = 0
	r.popcnt = 0
	r.flags = 0
	if r.popmap != nil {
		r.popmap.Reset()
	}
	r.ppqPrev, r.ppqNext = nil, nil
	r.objPrev, r.objNext = nil, nil
}

// PartPopNext and PartPopPrev expose raw PartPop queue adjacency,
// markers included. The daemon's marker-protocol scans (§4.6) need
// this rather than WalkForward/WalkBackward, which silently skip
// markers; the daemon must see them to know where to stop single-stepping.
func (r *Reservation) PartPopNext() *Reservation { return r.ppqNext }
func (r *Reservation) PartPopPrev() *Reservation { return r.ppqPrev }

// Rebind re-activates an invalid/free slot as a new reservation over
// freshly granted pages, used by the allocation path when reusing a
// previously torn-down record rather than allocating a new Go value.
func (r *Reservation) Rebind(base uintptr, pages []Page, object Object, pindex int64) {
	if len(pages) != r.nPages {
		panic("reserv: run length does not match reservation size")
	}
	r.base = base
	r.pages = pages
	r.object = object
	r.pindex = pindex
	if r.popmap == nil {
		r.popmap = bits.New(r.nPages)
	}
}
