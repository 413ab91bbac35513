// Package stats implements the observability surface (C9): cumulative
// counters forwarded from the engine, instantaneous scans over the
// reservation array and PartPop queue, and a couple of presentation
// helpers (a pprof-style profile snapshot, a human-readable dump)
// built on the teacher's declared-but-unexercised dependencies the way
// mem.go's startup banner (`fmt.Printf("Reserved %v pages...")`) is the
// teacher's analogous one-shot status line.
package stats

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"sre/engine"
	"sre/reserv"
)

// Snapshot is a point-in-time read of every C9 statistic.
type Snapshot struct {
	Cumulative engine.Counters

	FreeSuperpages  int
	FullReservation int
	PartPopLen      int
	NumNeedsMigrate int
	UnusedBytes     uint64

	// PopcountHist is indexed by popcount, 0..NPages inclusive; index
	// NPages counts fully populated (promoted) reservations, which are
	// not linked in the PartPop queue and so are invisible to a PartPop
	// walk alone.
	PopcountHist []int
}

// Collect reads every statistic off eng. Each component walk acquires
// the engine's queue lock for its own duration (§4.7's "walks must
// acquire the queue lock"); Collect does not hold one lock across all
// of them, so the snapshot is an approximation under concurrent
// mutation — the same best-effort consistency the original's sysctl
// handlers offer.
func Collect(eng *engine.Engine) Snapshot {
	nPages := eng.NPages()
	pageSize := eng.PageSize()
	s := Snapshot{
		Cumulative:      eng.Counters(),
		FreeSuperpages:  eng.CountFreeSuperpages(),
		FullReservation: eng.CountFullReservations(),
		PartPopLen:      eng.PartPopLen(),
		PopcountHist:    make([]int, nPages+1),
	}

	eng.WalkArray(func(r *reserv.Reservation) bool {
		if !r.IsActive() {
			return true
		}
		s.PopcountHist[r.Popcnt()]++
		if r.HasFlag(reserv.FlagNeedsMigrate) {
			s.NumNeedsMigrate++
		}
		if !r.IsFull() {
			s.UnusedBytes += uint64(nPages-r.Popcnt()) * uint64(pageSize)
		}
		return true
	})
	return s
}

// Dump renders s as a human-readable multi-line report, formatting the
// cumulative counters through an x/text message.Printer for
// locale-correct digit grouping — the ecosystem replacement for the
// teacher's plain fmt.Printf status lines.
func Dump(s Snapshot) string {
	p := message.NewPrinter(language.English)
	var b strings.Builder

	fmt.Fprintf(&b, "reservations: broken=%s freed=%s reclaimed=%s\n",
		p.Sprintf("%d", s.Cumulative.Broken),
		p.Sprintf("%d", s.Cumulative.Freed),
		p.Sprintf("%d", s.Cumulative.Reclaimed))
	fmt.Fprintf(&b, "prepopulate: succ=%s fail=%s broken=%s prezero=%s skipzero=%s\n",
		p.Sprintf("%d", s.Cumulative.PopSucc),
		p.Sprintf("%d", s.Cumulative.PopFail),
		p.Sprintf("%d", s.Cumulative.PopBroken),
		p.Sprintf("%d", s.Cumulative.AsyncPrezero),
		p.Sprintf("%d", s.Cumulative.AsyncSkipZero))
	fmt.Fprintf(&b, "instantaneous: free_superpages=%s full=%s partpop_len=%s needs_migrate=%s unused=%s bytes\n",
		p.Sprintf("%d", s.FreeSuperpages),
		p.Sprintf("%d", s.FullReservation),
		p.Sprintf("%d", s.PartPopLen),
		p.Sprintf("%d", s.NumNeedsMigrate),
		p.Sprintf("%d", s.UnusedBytes))
	return b.String()
}

// Profile renders the popcount histogram as a pprof profile.Profile
// sample set (one sample type, "reservations", one sample per non-empty
// popcount bucket) so it can be written out and opened with any pprof-compatible
// viewer instead of only being readable as a bespoke text dump.
func Profile(s Snapshot) *profile.Profile {
	loc := &profile.Location{ID: 1}
	fn := &profile.Function{ID: 1, Name: "popcount_bucket"}
	loc.Line = []profile.Line{{Function: fn, Line: 0}}

	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "reservations", Unit: "count"}},
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
		TimeNanos:  time.Now().UnixNano(),
	}
	for popcnt, count := range s.PopcountHist {
		if count == 0 {
			continue
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(count)},
			Label:    map[string][]string{"popcount": {fmt.Sprintf("%d", popcnt)}},
		})
	}
	return prof
}
