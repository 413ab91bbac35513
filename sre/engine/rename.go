package engine

import "sre/reserv"

// Rename implements rename (C7): re-parent the reservation covering
// page from oldObject to newObject, adjusting pindex by oldOffset (the
// standard object-collapse/shadow-copy transfer). If the new logical
// position already holds a reservation in newObject (a shadow-collapse
// pindex collision, invariant 6 / S4), both reservations are flagged
// NEEDS_MIGRATE rather than merged; a migrator elsewhere is
// responsible for reconciling them.
func (e *Engine) Rename(page reserv.Page, newObject, oldObject reserv.Object, oldOffset int64) {
	e.lockassert()
	rv := e.arr.FromPhys(page.PhysAddr())
	if rv == nil || !rv.IsValid() || !rv.IsActive() || rv.Object() != oldObject {
		return
	}

	oldObject.Lock()
	reserv.RVQRemove(oldObject, rv)
	oldObject.Unlock()

	rv.SetObject(newObject)
	rv.SetPindex(rv.Pindex() - oldOffset)

	newObject.Lock()
	reserv.RVQInsertHead(newObject, rv)
	collision := reserv.RVQFindByPindex(newObject, rv.Pindex(), rv)
	newObject.Unlock()

	if collision != nil {
		if !rv.HasFlag(reserv.FlagNeedsMigrate) {
			rv.SetFlag(reserv.FlagNeedsMigrate)
			e.c.numNeedsMigrate++
		}
		if !collision.HasFlag(reserv.FlagNeedsMigrate) {
			collision.SetFlag(reserv.FlagNeedsMigrate)
			e.c.numNeedsMigrate++
		}
	}
	rv.SetFlag(reserv.FlagTransferred)
}
