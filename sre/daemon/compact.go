package daemon

import "sre/reserv"

// evictable reports whether rv has aged past the inactivity threshold
// or was flagged by a rename collision (§4.6 item 2): either condition
// makes it dead weight in the PartPop queue that the daemon should
// reclaim rather than continue carrying.
func (d *Daemon) evictable(rv *reserv.Reservation, now uint64) bool {
	if rv.HasFlag(reserv.FlagNeedsMigrate) {
		return true
	}
	return now-rv.Timestamp() > d.tun.InactiveThresh
}

// compactCycle scans the PartPop queue from the head (least recently
// touched) for reservations past inactive_thre or marked
// NEEDS_MIGRATE, reclaiming each until migrate_budget pages have been
// returned. It uses the evict marker to hold its scan position the
// same way prezeroCycle uses the async marker, since Reclaim does not
// itself drop the queue lock but a future migrator step (§9 open
// question) might.
func (d *Daemon) compactCycle() {
	e := d.eng
	e.Lock()
	defer e.Unlock()

	budget := d.tun.MigrateBudget
	now := e.CurrentTick()
	cur := e.PartPopFront()
	for budget > 0 && cur != nil {
		if cur.IsMarker() {
			cur = e.PartPopNext(cur)
			continue
		}
		if !d.evictable(cur, now) {
			cur = e.PartPopNext(cur)
			continue
		}

		e.PartPopInsertAfter(d.evictMarker, cur)
		npages := cur.NPages()
		e.Reclaim(cur)
		_, after := e.PartPopRemoveMarker(d.evictMarker)
		cur = after
		budget -= npages
	}
}
