package remap

import (
	"sync"
)

// errorReport is one I/O failure handed off from the dispatcher hot path to
// the background analysis worker.
type errorReport struct {
	Sector Sector
	Length uint32
	Write  bool
}

// hotSpotLimit bounds the per-sector counter table the analysis worker
// keeps, so a pathological stream of distinct failing sectors can't grow it
// without bound.
const hotSpotLimit = 4096

// ErrorAnalyzer drains a buffered channel of error reports on its own
// goroutine and decides which sectors have crossed the trip threshold.
// Grounded on the stop-chan/WaitGroup shutdown coordination
// cznic-exp/dbm/dbm.go uses for its own background "victor" goroutines
// (db.stop, db.wg, db.close): a single close(stop) plus wg.Wait() is enough
// to guarantee the drain goroutine has exited before Close returns.
type ErrorAnalyzer struct {
	reports   chan errorReport
	threshold uint32

	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	counters map[Sector]uint32
	onTrip   func(Sector, uint32) // guarded by mu, same as counters
}

// SetOnTrip installs (or replaces) the trip callback. Safe to call after
// construction, before any Report has had a chance to fire it — callers
// that need to close over the analyzer's own owner (as Target does) must
// use this instead of a constructor argument.
func (a *ErrorAnalyzer) SetOnTrip(fn func(Sector, uint32)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTrip = fn
}

// NewErrorAnalyzer starts the drain goroutine. onTrip is invoked (on the
// analyzer's own goroutine, never the caller's) the first time a sector's
// error count reaches threshold. bufSize bounds how many reports can be
// queued; once the channel is full, Report drops further reports instead
// of blocking the dispatcher hot path.
func NewErrorAnalyzer(threshold uint32, bufSize int, onTrip func(Sector, uint32)) *ErrorAnalyzer {
	if threshold == 0 {
		threshold = 1
	}
	a := &ErrorAnalyzer{
		reports:   make(chan errorReport, bufSize),
		threshold: threshold,
		onTrip:    onTrip,
		stop:      make(chan struct{}),
		counters:  make(map[Sector]uint32),
	}

	a.wg.Add(1)
	go a.drain()

	return a
}

// Report hands off an observed I/O error. It never blocks: if the buffer is
// full the report is dropped rather than stalling the dispatcher. Analysis
// is best-effort; a future error on the same sector is counted as usual.
func (a *ErrorAnalyzer) Report(sector Sector, length uint32, write bool) {
	select {
	case a.reports <- errorReport{Sector: sector, Length: length, Write: write}:
	default:
	}
}

func (a *ErrorAnalyzer) drain() {
	defer a.wg.Done()

	for {
		select {
		case rep, ok := <-a.reports:
			if !ok {
				return
			}
			a.process(rep)
		case <-a.stop:
			// Drain whatever is already queued before exiting, so a Close
			// racing with in-flight Reports doesn't silently swallow them.
			for {
				select {
				case rep := <-a.reports:
					a.process(rep)
				default:
					return
				}
			}
		}
	}
}

func (a *ErrorAnalyzer) process(rep errorReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.counters[rep.Sector]; !exists && len(a.counters) >= hotSpotLimit {
		// Table is full: evict nothing, just stop tracking new sectors.
		// Counters are never removed, so the table stays full from here on.
		// Existing hot sectors still trip normally.
		return
	}

	a.counters[rep.Sector]++
	count := a.counters[rep.Sector]

	if count == a.threshold && a.onTrip != nil {
		a.onTrip(rep.Sector, count)
	}
}

// CountFor returns the current error count tracked for sector, for stats
// reporting and tests.
func (a *ErrorAnalyzer) CountFor(sector Sector) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[sector]
}

// TrackedSectors returns how many distinct sectors currently have a
// non-zero error count.
func (a *ErrorAnalyzer) TrackedSectors() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.counters)
}

// Close stops the drain goroutine after flushing whatever reports are
// already queued, and blocks until it has exited.
func (a *ErrorAnalyzer) Close() {
	close(a.stop)
	a.wg.Wait()
}
