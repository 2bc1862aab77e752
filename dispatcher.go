package remap

import (
	"sync"
)

// Request describes one I/O operation submitted to a target.
type Request struct {
	Sector Sector
	Data   []byte // len(Data) must be a multiple of SectorSize
	Write  bool
}

// Result is what a dispatched Request produced.
type Result struct {
	Data []byte // populated on a successful read; nil on write
}

// Dispatcher routes each Request to either the main or spare device
// depending on whether the sector range is remapped, splitting a request
// that straddles a remap boundary, and reacting to a backing I/O error by
// allocating spare space and remapping the failing sector. Grounded on the
// teacher's directory-entry walk that dispatches each entry to a
// type-specific handler (navigator.go's ParseEntries loop), generalized
// from "one static table of entry types" to "two devices plus a dynamic
// remap table" — the one-request-in/one-handler-out shape is the same.
type Dispatcher struct {
	main  BlockDevice
	spare BlockDevice

	index     *RemapIndex
	allocator *BitmapAllocator
	analyzer  *ErrorAnalyzer
	stats     *Stats

	// insertMu serializes the check-then-allocate-then-insert sequence for a
	// newly-discovered bad sector. It is a plain (non-sleeping-in-steady-
	// state) mutex, never held across backing device I/O, so it never stalls
	// the read/write hot path of an unrelated sector — only concurrent
	// *first-time* errors serialize against each other (on any sectors).
	insertMu sync.Mutex

	unitSectors uint32

	shuttingDown bool
	mu           sync.RWMutex
}

// NewDispatcher wires together the index, allocator, and analyzer that
// already exist on a target into one request-routing surface.
func NewDispatcher(main, spare BlockDevice, index *RemapIndex, allocator *BitmapAllocator, analyzer *ErrorAnalyzer, stats *Stats) *Dispatcher {
	return &Dispatcher{
		main:        main,
		spare:       spare,
		index:       index,
		allocator:   allocator,
		analyzer:    analyzer,
		stats:       stats,
		unitSectors: allocator.UnitSectors(),
	}
}

// Submit routes req to the correct device(s), splitting it at any remap
// boundary it straddles, and returns the aggregate result. The common,
// already-remapped-or-never-failed case never acquires a sleeping lock:
// the happy path takes only reader locks (the shutdown-flag check and
// Lookup).
func (d *Dispatcher) Submit(req Request) (Result, error) {
	d.mu.RLock()
	down := d.shuttingDown
	d.mu.RUnlock()
	if down {
		return Result{}, newErr(ErrKindShuttingDown, "dispatcher shutting down", nil)
	}

	if len(req.Data)%SectorSize != 0 {
		return Result{}, newErr(ErrKindBadArgs, "request length not sector-aligned", nil)
	}
	length := uint32(len(req.Data) / SectorSize)

	if d.stats != nil {
		if req.Write {
			d.stats.addWrite()
		} else {
			d.stats.addRead()
		}
	}

	segments := d.splitRequest(req.Sector, length)

	out := make([]byte, 0, len(req.Data))
	for _, seg := range segments {
		buf := req.Data
		if req.Write {
			off := (seg.sector - req.Sector) * Sector(SectorSize)
			buf = req.Data[off : off+Sector(seg.length)*SectorSize]
		} else {
			buf = make([]byte, int(seg.length)*SectorSize)
		}

		if err := d.dispatchSegment(seg, buf, req.Write); err != nil {
			return Result{}, err
		}

		if !req.Write {
			out = append(out, buf...)
		}
	}

	if req.Write {
		return Result{}, nil
	}
	return Result{Data: out}, nil
}

type segment struct {
	sector Sector
	length uint32
	remapped bool
	target   Sector // spare sector, only meaningful if remapped
}

// splitRequest breaks [start, start+length) into runs that are each either
// entirely covered by one RemapEntry or entirely unremapped, so each run can
// be dispatched to a single device in one call, splitting at the boundaries
// of existing remap entries.
func (d *Dispatcher) splitRequest(start Sector, length uint32) []segment {
	var segs []segment

	cur := start
	remaining := length

	for remaining > 0 {
		if e, ok := d.index.Lookup(cur); ok {
			runEnd := e.MainSector + Sector(e.LengthSectors)
			avail := uint32(runEnd - cur)
			if avail > remaining {
				avail = remaining
			}
			offsetIntoEntry := cur - e.MainSector
			segs = append(segs, segment{
				sector:   cur,
				length:   avail,
				remapped: true,
				target:   e.SpareSector + offsetIntoEntry,
			})
			cur += Sector(avail)
			remaining -= avail
			continue
		}

		// Unremapped run: extend until the next sector that IS remapped, or
		// until we've covered the whole remaining request.
		runLen := uint32(1)
		for runLen < remaining {
			if _, ok := d.index.Lookup(cur + Sector(runLen)); ok {
				break
			}
			runLen++
		}
		segs = append(segs, segment{sector: cur, length: runLen, remapped: false})
		cur += Sector(runLen)
		remaining -= runLen
	}

	return segs
}

func (d *Dispatcher) dispatchSegment(seg segment, buf []byte, write bool) error {
	dev := d.main
	off := seg.sector
	if seg.remapped {
		dev = d.spare
		off = seg.target
	}

	var err error
	if write {
		err = dev.WriteAt(buf, off)
	} else {
		err = dev.ReadAt(buf, off)
	}

	if err == nil {
		return nil
	}

	if d.stats != nil {
		d.stats.addError()
	}

	if seg.remapped {
		// A remapped sector that still fails means the spare region itself
		// has gone bad, a harder failure than a main-device error; there is
		// no second remap of an already-remapped sector.
		return err
	}

	if d.analyzer != nil {
		d.analyzer.Report(seg.sector, seg.length, write)
	}

	if remapErr := d.remapAndRetry(seg, buf, write); remapErr != nil {
		return err
	}
	return nil
}

// remapAndRetry allocates spare space, inserts the remap entry idempotently,
// and retries the operation against the spare. It returns an error if
// allocation or the retry itself fails; the caller preserves the *original*
// backing error in that case since that's the one the requester should see.
func (d *Dispatcher) remapAndRetry(seg segment, buf []byte, write bool) error {
	d.insertMu.Lock()
	entry, existed := d.index.Lookup(seg.sector)
	if !existed {
		units := unitsFor(seg.length, d.unitSectors)
		r, err := d.allocator.Allocate(units)
		if err != nil {
			d.insertMu.Unlock()
			return err
		}

		entry = RemapEntry{
			MainSector:    seg.sector,
			SpareSector:   Sector(r.Start) * Sector(d.unitSectors),
			LengthSectors: uint32(r.Count) * d.unitSectors,
			CreatedNs:     nowNs(),
		}
		inserted, ok := d.index.Insert(entry)
		if !ok {
			// Someone else beat us to it: release our allocation and use
			// theirs instead.
			d.allocator.Release(r)
			entry = inserted
		} else if d.stats != nil {
			d.stats.addRemap()
		}
	}
	d.insertMu.Unlock()

	off := entry.SpareSector + (seg.sector - entry.MainSector)
	if write {
		return d.spare.WriteAt(buf, off)
	}
	return d.spare.ReadAt(buf, off)
}

// Shutdown marks the dispatcher as quiescing; subsequent Submit calls fail
// fast instead of touching either device.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shuttingDown = true
}
