package remap

import (
	"sync"
	"time"
)

// RemapEntry records that [MainSector, MainSector+LengthSectors) has been
// redirected to [SpareSector, SpareSector+LengthSectors) on the spare
// device. Entries are created once (at first error or explicit admin
// insertion) and never mutated thereafter except ErrorCount — the table is
// append-only for the lifetime of a target instance.
type RemapEntry struct {
	MainSector     Sector
	SpareSector    Sector
	LengthSectors  uint32
	CreatedNs      uint64
	ErrorCount     uint32
	Flags          uint32
}

const (
	// loadFactorGrowPercent is the post-insert load factor (count*100/buckets)
	// above which the table doubles in size. There is no corresponding
	// shrink threshold: the table is append-only, so bucket count never
	// decreases once grown.
	loadFactorGrowPercent = 150

	minBuckets = 64
)

type bucketEntry struct {
	entry RemapEntry
	next  *bucketEntry
}

// RemapIndex is a concurrent main-sector -> RemapEntry map. Lookups are the
// hot path (reader-only, wait-free on a stable table snapshot); inserts take
// the writer lock and may trigger a resize. Grounded on the bucketed,
// RWMutex-guarded slot model of
// other_examples/a64145ea_..._slotcache.go.go, adapted from mmap'd file
// slots to an in-memory bucket array since this index never needs to
// survive a process restart on its own — persistence is C5's job via Iter.
type RemapIndex struct {
	mu      sync.RWMutex
	buckets []*bucketEntry
	count   int
}

// NewRemapIndex returns an empty index with the minimum bucket count.
func NewRemapIndex() *RemapIndex {
	return &RemapIndex{
		buckets: make([]*bucketEntry, minBuckets),
	}
}

// splitmix64 is a fast integer hash for already well-distributed 64-bit
// sector numbers — no cryptographic property is needed here, only good
// bucket spread, so a cryptographic hash would be pure overhead on the hot
// path.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x = x ^ (x >> 31)
	return x
}

func bucketFor(sector Sector, nbuckets int) int {
	return int(splitmix64(uint64(sector)) % uint64(nbuckets))
}

// Lookup returns the entry covering sector, if any. This is the hot path:
// it never acquires anything but the reader side of mu and never allocates.
// Entries are bucketed by MainSector, so a sector that is not the first
// sector of its entry is found by scanning every bucket.
func (ix *RemapIndex) Lookup(sector Sector) (RemapEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	b := bucketFor(sector, len(ix.buckets))
	for be := ix.buckets[b]; be != nil; be = be.next {
		e := be.entry
		if sector >= e.MainSector && sector < e.MainSector+Sector(e.LengthSectors) {
			return e, true
		}
	}
	for _, head := range ix.buckets {
		for be := head; be != nil; be = be.next {
			e := be.entry
			if sector >= e.MainSector && sector < e.MainSector+Sector(e.LengthSectors) {
				return e, true
			}
		}
	}
	return RemapEntry{}, false
}

// Insert adds a new entry, rejecting a duplicate MainSector. It returns the
// entry that ended up in the table (the argument on success, or the
// pre-existing one on a duplicate main sector) and whether it was this call
// that inserted it — the idempotent check-and-insert concurrent callers
// racing to remap the same sector after its first error both need.
func (ix *RemapIndex) Insert(e RemapEntry) (RemapEntry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b := bucketFor(e.MainSector, len(ix.buckets))
	for be := ix.buckets[b]; be != nil; be = be.next {
		if be.entry.MainSector == e.MainSector {
			return be.entry, false
		}
	}

	ix.buckets[b] = &bucketEntry{entry: e, next: ix.buckets[b]}
	ix.count++

	if ix.loadFactorPercent() > loadFactorGrowPercent {
		ix.resize(len(ix.buckets) * 2)
	}

	return e, true
}

// IncrementErrorCount bumps ErrorCount on the entry covering sector, the one
// field RemapEntry is allowed to mutate after creation.
func (ix *RemapIndex) IncrementErrorCount(sector Sector) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, head := range ix.buckets {
		for be := head; be != nil; be = be.next {
			e := &be.entry
			if sector >= e.MainSector && sector < e.MainSector+Sector(e.LengthSectors) {
				e.ErrorCount++
				return true
			}
		}
	}
	return false
}

func (ix *RemapIndex) loadFactorPercent() int {
	if len(ix.buckets) == 0 {
		return 0
	}
	return ix.count * 100 / len(ix.buckets)
}

// resize rehashes every entry into a new bucket array of size nbuckets. The
// caller must already hold the writer lock. O(buckets), amortized O(1) per
// insert.
func (ix *RemapIndex) resize(nbuckets int) {
	if nbuckets < minBuckets {
		nbuckets = minBuckets
	}
	newBuckets := make([]*bucketEntry, nbuckets)
	for _, head := range ix.buckets {
		for be := head; be != nil; {
			next := be.next
			b := bucketFor(be.entry.MainSector, nbuckets)
			be.next = newBuckets[b]
			newBuckets[b] = be
			be = next
		}
	}
	ix.buckets = newBuckets
}

// Iter returns a stable snapshot of every entry, in unspecified order, for
// persistence. This copies out rather than holding the lock for the
// duration of the caller's work, so a long-running persistence write never
// blocks the hot path.
func (ix *RemapIndex) Iter() []RemapEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]RemapEntry, 0, ix.count)
	for _, head := range ix.buckets {
		for be := head; be != nil; be = be.next {
			out = append(out, be.entry)
		}
	}
	return out
}

// Len returns the number of entries currently in the index.
func (ix *RemapIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

// nowNs is the monotonic-ish wall clock used to stamp RemapEntry.CreatedNs.
func nowNs() uint64 {
	return uint64(time.Now().UnixNano())
}
