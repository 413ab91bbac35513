// Package rsvarray implements the reservation array (C2): a dense flat
// table, one slot per superpage-sized physical region covering all of
// RAM, giving O(1) lookup from any physical page to its candidate
// reservation. It trades memory for lookup speed exactly as the
// teacher's mem.Physmem_t trades a flat Pgs slice for O(1) Refaddr.
package rsvarray

import (
	"sre/reserv"
	"sre/util"
)

// Array is the reservation array. It is sized and zeroed once at
// startup (C10) from the physical segment map and never resized.
type Array struct {
	slots     []*reserv.Reservation
	base      uintptr // physical address of slot 0
	nPages    int     // pages per superpage (reservation size)
	superSize uintptr // bytes covered by one slot
}

// New sizes an Array to cover [base, base+highWater), starting every
// slot invalid (NewInvalid, pages == nil per invariant 1). A slot only
// becomes valid once the allocation path grants a physical run there
// and rebinds it (engine.bindRun/AllocContig); there is no real
// page-table layer here to supply live descriptors for every slot up
// front the way the teacher's startup banner does.
func New(base, highWater uintptr, nPages int, pageSize uintptr) *Array {
	if nPages <= 0 || pageSize == 0 {
		panic("rsvarray: invalid geometry")
	}
	superSize := pageSize * uintptr(nPages)
	span := highWater - base
	n := int(util.Roundup(span, superSize) / superSize)
	a := &Array{
		slots:     make([]*reserv.Reservation, n),
		base:      base,
		nPages:    nPages,
		superSize: superSize,
	}
	for i := range a.slots {
		a.slots[i] = reserv.NewInvalid(nPages)
	}
	return a
}

// Len returns the number of slots in the array.
func (a *Array) Len() int { return len(a.slots) }

// SlotIndex returns the slot index covering physical address pa.
func (a *Array) SlotIndex(pa uintptr) int {
	return int((pa - a.base) / a.superSize)
}

// FromPhys returns the candidate reservation slot covering pa.
// Callers must separately check IsValid()/IsActive() before trusting
// the slot, per invariant 1.
func (a *Array) FromPhys(pa uintptr) *reserv.Reservation {
	idx := a.SlotIndex(pa)
	if idx < 0 || idx >= len(a.slots) {
		return nil
	}
	return a.slots[idx]
}

// Walk invokes f for every valid slot (pages != nil), in index order,
// stopping early if f returns false. Observability (C9) uses this to
// scan for free/full superpage counts without touching invalid slots.
func (a *Array) Walk(f func(*reserv.Reservation) bool) {
	for _, r := range a.slots {
		if !r.IsValid() {
			continue
		}
		if !f(r) {
			return
		}
	}
}
