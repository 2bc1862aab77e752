package remap

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Stats holds the sysfs-style counters exposed as a read-only file tree.
// Every field is updated with atomic ops from the dispatcher's
// hot path, so reading a snapshot never takes a lock — mirroring the
// text-exposition shape of github.com/prometheus/client_golang's Gather
// without pulling in a registry this package has no host to serve over
// HTTP for.
type Stats struct {
	totalReads   uint64
	totalWrites  uint64
	totalRemaps  uint64
	totalErrors  uint64
}

func (s *Stats) addRead()   { atomic.AddUint64(&s.totalReads, 1) }
func (s *Stats) addWrite()  { atomic.AddUint64(&s.totalWrites, 1) }
func (s *Stats) addRemap()  { atomic.AddUint64(&s.totalRemaps, 1) }
func (s *Stats) addError()  { atomic.AddUint64(&s.totalErrors, 1) }

// healthScore derives a 0..100 score from the error-to-request ratio, the
// simplest monotonic mapping onto a decimal 0..100 scale without requiring
// host-specific tuning knobs this package can't know.
func (s *Stats) healthScore(activeMappings uint32) uint32 {
	reads := atomic.LoadUint64(&s.totalReads)
	writes := atomic.LoadUint64(&s.totalWrites)
	errs := atomic.LoadUint64(&s.totalErrors)

	total := reads + writes
	if total == 0 {
		return 100
	}

	ratio := float64(errs) / float64(total)
	score := 100.0 - ratio*100.0
	if score < 0 {
		score = 0
	}
	return uint32(score)
}

// snapshot is an immutable copy of every statistic, for rendering.
type snapshot struct {
	HealthScore    uint32
	TotalReads     uint64
	TotalWrites    uint64
	TotalRemaps    uint64
	TotalErrors    uint64
	ActiveMappings uint32
}

func (s *Stats) snapshot(activeMappings uint32) snapshot {
	return snapshot{
		HealthScore:    s.healthScore(activeMappings),
		TotalReads:     atomic.LoadUint64(&s.totalReads),
		TotalWrites:    atomic.LoadUint64(&s.totalWrites),
		TotalRemaps:    atomic.LoadUint64(&s.totalRemaps),
		TotalErrors:    atomic.LoadUint64(&s.totalErrors),
		ActiveMappings: activeMappings,
	}
}

// render formats the snapshot as Prometheus-style "key value" lines, the
// shape expected at <mount>/all_stats.
func (sn snapshot) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "health_score %d\n", sn.HealthScore)
	fmt.Fprintf(&b, "total_reads %d\n", sn.TotalReads)
	fmt.Fprintf(&b, "total_writes %d\n", sn.TotalWrites)
	fmt.Fprintf(&b, "total_remaps %d\n", sn.TotalRemaps)
	fmt.Fprintf(&b, "total_errors %d\n", sn.TotalErrors)
	fmt.Fprintf(&b, "active_mappings %d\n", sn.ActiveMappings)
	return b.String()
}
