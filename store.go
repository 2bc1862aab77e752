package remap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dsoprea/go-logging"
)

// storeState is the explicit lifecycle state machine a metadata store moves
// through: Probing -> Fresh/Loaded -> Degraded -> Closed. Grounded on the
// explicit
// generation/commit-phase tracking of
// other_examples/a64145ea_..._slotcache.go.go and cznic-exp/lldb/2pc.go's
// transaction-phase enum, in place of an implicit/ad-hoc state.
type storeState int

const (
	storeProbing storeState = iota
	storeFresh
	storeLoaded
	storeDegraded
	storeClosed
)

func (s storeState) String() string {
	switch s {
	case storeProbing:
		return "Probing"
	case storeFresh:
		return "Fresh"
	case storeLoaded:
		return "Loaded"
	case storeDegraded:
		return "Degraded"
	case storeClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// globalSequence is the process-wide monotonic counter that orders writes
// across redundant metadata copies, in place of the historical source's
// global mutable state — its lifecycle matches the process, and tests reset
// it explicitly (see ResetGlobalSequenceForTest).
var globalSequence uint64

func nextSequence() uint64 {
	return atomic.AddUint64(&globalSequence, 1)
}

// ResetGlobalSequenceForTest resets the process-wide monotonic sequence
// counter to zero. Only ever called from tests, to keep sequence numbers
// predictable across independent test cases.
func ResetGlobalSequenceForTest() {
	atomic.StoreUint64(&globalSequence, 0)
}

// copyResult is the outcome of attempting to write or read one metadata
// copy location.
type copyResult struct {
	Index int
	Err   error
}

// MetadataStore persists a MetadataRecord to every placement location on
// the spare device, discovers and reconciles on read, and repairs
// minority-corrupt copies.
type MetadataStore struct {
	mu sync.Mutex

	spare     BlockDevice
	placement PlacementDescriptor
	quorum    int // write-acceptance threshold; default 1

	state   storeState
	current *MetadataRecord
}

// NewMetadataStore constructs a store bound to spare and probes it
// immediately, transitioning from Probing to Fresh or Loaded.
// quorum is the minimum number of successful copy writes required to call
// a Write a success; pass 1 for the historical source's behavior, or
// (len(placement.Sectors())/2)+1 for a majority requirement.
func NewMetadataStore(spare BlockDevice, placement PlacementDescriptor, quorum int) (*MetadataStore, error) {
	if quorum < 1 {
		quorum = 1
	}

	s := &MetadataStore{
		spare:     spare,
		placement: placement,
		quorum:    quorum,
		state:     storeProbing,
	}

	if err := s.probe(); err != nil {
		return nil, err
	}

	return s, nil
}

// probe implements the Probing state: read every fixed copy location, fall
// back to a bounded scan if none validate, and resolve conflicts among the
// valid set.
func (s *MetadataStore) probe() error {
	records := s.readAllCopies(s.placement.Sectors())

	valid := validRecords(records)
	if len(valid) == 0 {
		scanned, err := s.scanForMagic()
		if err != nil {
			return err
		}
		valid = validRecords(scanned)
	}

	if len(valid) == 0 {
		s.state = storeFresh
		return nil
	}

	winner := selectAuthoritative(valid)
	s.current = &winner
	s.placement = winner.Placement
	s.state = storeLoaded

	s.repair(records, winner)

	return nil
}

// readAllCopies reads the record (if any) at each of the given sector
// offsets. A read or decode failure for one copy never aborts the others.
func (s *MetadataStore) readAllCopies(sectors []uint64) []*MetadataRecord {
	out := make([]*MetadataRecord, len(sectors))
	for i, sec := range sectors {
		buf := make([]byte, recordSize)
		if err := s.spare.ReadAt(buf, Sector(sec)); err != nil {
			continue
		}
		rec, err := DecodeMetadataRecord(buf)
		if err != nil {
			continue
		}
		out[i] = &rec
	}
	return out
}

// scanForMagic is the fallback when none of the five fixed locations
// validate: scan the spare in 8-sector steps looking for the magic number,
// bounded by device size. It is intentionally linear and slow — this path
// only runs when the fast path has already failed.
func (s *MetadataStore) scanForMagic() ([]*MetadataRecord, error) {
	const step = 8 // sectors

	total := s.spare.SizeSectors()
	var found []*MetadataRecord

	for off := Sector(0); off+metadataFootprintSectors <= total; off += step {
		buf := make([]byte, recordSize)
		if err := s.spare.ReadAt(buf, off); err != nil {
			continue
		}
		if defaultEncoding.Uint32(buf) != metadataMagic {
			continue
		}

		rec, err := DecodeMetadataRecord(buf)
		if err != nil {
			continue
		}
		found = append(found, &rec)

		if len(found) >= maxCopies {
			break
		}
	}

	return found, nil
}

func validRecords(records []*MetadataRecord) []*MetadataRecord {
	var out []*MetadataRecord
	for _, r := range records {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// selectAuthoritative picks the conflict-resolution winner among a set of
// valid copies: maximum monotonic_sequence, ties broken by maximum
// timestamp_ns, further ties by minimum copy_index.
func selectAuthoritative(valid []*MetadataRecord) MetadataRecord {
	best := valid[0]
	for _, r := range valid[1:] {
		if betterRecord(r, best) {
			best = r
		}
	}
	return *best
}

func betterRecord(candidate, current *MetadataRecord) bool {
	if candidate.Header.MonotonicSequence != current.Header.MonotonicSequence {
		return candidate.Header.MonotonicSequence > current.Header.MonotonicSequence
	}
	if candidate.Header.TimestampNs != current.Header.TimestampNs {
		return candidate.Header.TimestampNs > current.Header.TimestampNs
	}
	return candidate.Header.CopyIndex < current.Header.CopyIndex
}

// repair rewrites the winning record over any copy that was invalid or
// stale, so a subsequent probe sees every copy agreeing. Errors are logged,
// not propagated — repair is best-effort.
func (s *MetadataStore) repair(records []*MetadataRecord, winner MetadataRecord) {
	for i, sec := range winner.Placement.Sectors() {
		needsRepair := i >= len(records) || records[i] == nil ||
			records[i].Header.MonotonicSequence != winner.Header.MonotonicSequence
		if !needsRepair {
			continue
		}

		repaired := winner
		repaired.Header.CopyIndex = uint32(i)
		repaired.Header.TimestampNs = uint64(time.Now().UnixNano())

		buf, _, err := EncodeMetadataRecord(repaired)
		if err != nil {
			log.PrintError(log.Wrap(err))
			continue
		}
		if err := s.spare.WriteAt(buf, Sector(sec)); err != nil {
			log.PrintError(log.Wrap(err))
		}
	}
}

// Write persists record to every placement location, using the sequence
// generated by nextSequence. It succeeds once at least s.quorum copies
// were written; individual per-copy results are always returned alongside.
func (s *MetadataStore) Write(record MetadataRecord) ([]copyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == storeClosed {
		return nil, newErr(ErrKindShuttingDown, "store closed", nil)
	}

	record.Header.MonotonicSequence = nextSequence()
	record.Placement = s.placement

	results := make([]copyResult, len(s.placement.Sectors()))
	successes := 0

	for i, sec := range s.placement.Sectors() {
		cp := record
		cp.Header.CopyIndex = uint32(i)
		cp.Header.TimestampNs = uint64(time.Now().UnixNano())

		buf, _, err := EncodeMetadataRecord(cp)
		if err == nil {
			err = s.spare.WriteAt(buf, Sector(sec))
		}

		results[i] = copyResult{Index: i, Err: err}
		if err == nil {
			successes++
		}
	}

	if successes == 0 {
		s.state = storeDegraded
		return results, newErr(ErrKindPersistenceDegraded, "all metadata copy writes failed", nil)
	}

	if successes < s.quorum {
		s.state = storeDegraded
		return results, newErr(ErrKindPersistenceDegraded, "metadata write below quorum", nil)
	}

	s.current = &record
	s.state = storeLoaded

	return results, nil
}

// Current returns the most recently loaded or written record, and whether
// one exists (false on a Fresh store that has never been written to).
func (s *MetadataStore) Current() (MetadataRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return MetadataRecord{}, false
	}
	return *s.current, true
}

// State returns the store's current lifecycle state.
func (s *MetadataStore) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Close transitions the store to Closed; subsequent writes are rejected.
func (s *MetadataStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = storeClosed
}
