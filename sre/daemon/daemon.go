package daemon

import (
	"context"
	"log"
	"time"

	"sre/engine"
	"sre/reserv"
	"sre/util"
)

// Daemon drives one engine's background prepopulation and eviction
// cycles. It holds two persistent markers (async, evict) that pin a
// queue position across the lock-release windows prepopulate and
// compaction need, per the marker protocol (§4.6).
type Daemon struct {
	eng *engine.Engine
	tun Tunables

	asyncMarker *reserv.Reservation
	evictMarker *reserv.Reservation

	stop chan struct{}
	done chan struct{}
}

// New constructs a Daemon bound to eng. Call Run to start the
// background loop.
func New(eng *engine.Engine, tun Tunables) *Daemon {
	return &Daemon{
		eng:         eng,
		tun:         tun,
		asyncMarker: reserv.NewMarker(),
		evictMarker: reserv.NewMarker(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run executes the daemon loop until ctx is done or Stop is called. It
// is meant to be launched in its own goroutine.
func (d *Daemon) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if d.tun.EnablePrezero {
			d.prezeroCycle()
		}
		if d.tun.EnableCompact {
			d.compactCycle()
		}
		if d.tun.Verbose {
			log.Printf("sre daemon: cycle complete, counters=%+v", d.eng.Counters())
		}

		if !d.tun.EnableSleep {
			continue
		}
		wait := d.sleepDuration()
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// sleepDuration implements §6's documented formula,
// sleep = wakeup_frequency * tick_hz / wakeup_time ticks: expressed in
// real time rather than ticks, a tick is 1/tick_hz seconds, so the
// tick_hz factors cancel and the sleep is WakeupFrequency/WakeupTime
// seconds.
func (d *Daemon) sleepDuration() time.Duration {
	freq := util.Max(d.tun.WakeupFrequency, 1)
	per := util.Max(d.tun.WakeupTime, 1)
	return time.Duration(freq) * time.Second / time.Duration(per)
}

// Stop signals Run to return and waits for it to do so.
func (d *Daemon) Stop() {
	close(d.stop)
	<-d.done
}
