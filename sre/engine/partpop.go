package engine

import "sre/reserv"

// PartPopLen and WalkPartPop* acquire the lock themselves. The other
// methods in this file expose direct PartPop queue navigation to
// callers that already hold Lock() themselves — the daemon's marker
// protocol (§4.6), which must single-step across markers (invisible to
// WalkForward/WalkBackward) while splicing its own marker in and out
// across a lock-release window.

func (e *Engine) PartPopLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ppq.Len()
}

func (e *Engine) WalkPartPopForward(f func(*reserv.Reservation) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ppq.WalkForward(f)
}

func (e *Engine) WalkPartPopBackward(f func(*reserv.Reservation) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ppq.WalkBackward(f)
}

func (e *Engine) PartPopFront() *reserv.Reservation {
	e.lockassert()
	return e.ppq.Front()
}

func (e *Engine) PartPopBack() *reserv.Reservation {
	e.lockassert()
	return e.ppq.Back()
}

func (e *Engine) PartPopNext(r *reserv.Reservation) *reserv.Reservation {
	e.lockassert()
	return r.PartPopNext()
}

func (e *Engine) PartPopPrev(r *reserv.Reservation) *reserv.Reservation {
	e.lockassert()
	return r.PartPopPrev()
}

func (e *Engine) PartPopInsertBefore(marker, at *reserv.Reservation) {
	e.lockassert()
	e.ppq.InsertBefore(marker, at)
}

func (e *Engine) PartPopInsertAfter(marker, at *reserv.Reservation) {
	e.lockassert()
	e.ppq.InsertAfter(marker, at)
}

func (e *Engine) PartPopRemoveMarker(marker *reserv.Reservation) (prev, next *reserv.Reservation) {
	e.lockassert()
	return e.ppq.RemoveMarker(marker)
}
