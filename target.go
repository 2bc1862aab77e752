package remap

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dsoprea/go-logging"
)

// ErrUnitSizeMismatch is the BadArgs variant surfaced when a reassembled
// target's configured allocation-unit size disagrees with the one
// persisted in the metadata record. Silently adopting whichever value wins
// would let a single live index disagree with the allocator about where
// unit boundaries fall, corrupting every subsequent lookup.
var ErrUnitSizeMismatch = newErr(ErrKindBadArgs, "configured unit size does not match persisted metadata", nil)

// TableLineParams is the parsed form of the host-block-layer construction
// string:
//
//	<start_sector> <length_sectors> dm-remap-v4 <main_device_path> <spare_device_path>
type TableLineParams struct {
	StartSector   Sector
	LengthSectors uint64
	MainPath      string
	SparePath     string
}

// ParseTableLine parses the table line above. It validates shape only: it
// does not check that start_sector is 0 or that length_sectors equals the
// main device size, and ConstructTarget does not check either.
func ParseTableLine(line string) (TableLineParams, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return TableLineParams{}, newErr(ErrKindBadArgs, "table line must have 5 fields", nil)
	}
	if fields[2] != "dm-remap-v4" {
		return TableLineParams{}, newErr(ErrKindBadArgs, "unrecognized target type "+fields[2], nil)
	}

	start, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return TableLineParams{}, newErr(ErrKindBadArgs, "bad start_sector", err)
	}
	length, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return TableLineParams{}, newErr(ErrKindBadArgs, "bad length_sectors", err)
	}

	return TableLineParams{
		StartSector:   Sector(start),
		LengthSectors: length,
		MainPath:      fields[3],
		SparePath:     fields[4],
	}, nil
}

// ControlMessageKind tags one out-of-band control-channel command.
type ControlMessageKind int

const (
	ControlAddRemap ControlMessageKind = iota
	ControlSpareAdd
	ControlSpareRemove
	ControlStats
)

// ControlMessage is the parsed form of one line from the host's control
// channel.
type ControlMessage struct {
	Kind   ControlMessageKind
	Main   Sector // ControlAddRemap
	Spare  Sector // ControlAddRemap
	Length uint32 // ControlAddRemap
	Path   string // ControlSpareAdd / ControlSpareRemove
}

// ParseControlMessage parses one control-channel line: one of add_remap,
// spare_add, spare_remove, stats.
func ParseControlMessage(line string) (ControlMessage, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ControlMessage{}, newErr(ErrKindBadArgs, "empty control message", nil)
	}

	switch fields[0] {
	case "add_remap":
		if len(fields) != 4 {
			return ControlMessage{}, newErr(ErrKindBadArgs, "add_remap requires 3 arguments", nil)
		}
		main, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return ControlMessage{}, newErr(ErrKindBadArgs, "bad main sector", err)
		}
		spare, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return ControlMessage{}, newErr(ErrKindBadArgs, "bad spare sector", err)
		}
		length, err := strconv.ParseUint(fields[3], 10, 32)
		if err != nil {
			return ControlMessage{}, newErr(ErrKindBadArgs, "bad length", err)
		}
		return ControlMessage{Kind: ControlAddRemap, Main: Sector(main), Spare: Sector(spare), Length: uint32(length)}, nil

	case "spare_add":
		if len(fields) != 2 {
			return ControlMessage{}, newErr(ErrKindBadArgs, "spare_add requires 1 argument", nil)
		}
		return ControlMessage{Kind: ControlSpareAdd, Path: fields[1]}, nil

	case "spare_remove":
		if len(fields) != 2 {
			return ControlMessage{}, newErr(ErrKindBadArgs, "spare_remove requires 1 argument", nil)
		}
		return ControlMessage{Kind: ControlSpareRemove, Path: fields[1]}, nil

	case "stats":
		if len(fields) != 1 {
			return ControlMessage{}, newErr(ErrKindBadArgs, "stats takes no arguments", nil)
		}
		return ControlMessage{Kind: ControlStats}, nil

	default:
		return ControlMessage{}, newErr(ErrKindBadArgs, "unrecognized control message "+fields[0], nil)
	}
}

// targetState is the target-level lifecycle: the metadata store's own
// Probing/Loaded/Fresh distinction folds away before Construct returns, so
// callers only ever observe Running, Degraded, or Closed.
type targetState int

const (
	targetRunning targetState = iota
	targetDegraded
	targetClosed
)

func (s targetState) String() string {
	switch s {
	case targetRunning:
		return "Running"
	case targetDegraded:
		return "Degraded"
	case targetClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// sparePool is one attached spare: its device, allocator, and metadata
// store. Multi-spare support (spare_add/spare_remove) generalizes a single
// bitmap/store pair to a slice of these — the table-line/metadata format
// still treats sparePool[0] as the primary, required spare.
type sparePool struct {
	device      BlockDevice
	allocator   *BitmapAllocator
	store       *MetadataStore
	path        string
	fingerprint DeviceFingerprint
}

// Target is one constructed virtual device instance: the wiring of the
// index, allocator, metadata store, analyzer, and dispatcher into one
// construct/submit/destruct lifecycle, plus the external table-line and
// control-channel parsing surface. Grounded on the construct/destruct
// discipline of cznic-exp/dbm.DB.Create/Open/Close, generalized from "one
// B-tree-backed KV store" to "one remapping engine over two block
// devices."
type Target struct {
	mu sync.RWMutex

	cfg Config

	main    BlockDevice
	spares  []*sparePool
	index   *RemapIndex
	dispatcher *Dispatcher
	analyzer   *ErrorAnalyzer
	stats      *Stats

	inflight sync.WaitGroup
	state    targetState

	mainFingerprint DeviceFingerprint
}

// ConstructTarget runs the full construct sequence: open both devices,
// validate spare size, instantiate the metadata store
// and attempt to load existing metadata, verify the fingerprint on a
// successful load, instantiate the allocator and index, and start the
// analysis worker.
func ConstructTarget(mainPath, sparePath string, cfg Config, override bool) (*Target, error) {
	main, err := OpenFileBlockDevice(mainPath)
	if err != nil {
		return nil, err
	}

	spare, err := OpenFileBlockDevice(sparePath)
	if err != nil {
		main.Close()
		return nil, err
	}

	return constructFromDevices(main, spare, sparePath, cfg, override)
}

// constructFromDevices is the device-agnostic core of ConstructTarget,
// split out so tests can drive construction with MemBlockDevice without a
// real filesystem path.
func constructFromDevices(main, spare BlockDevice, sparePath string, cfg Config, override bool) (*Target, error) {
	spareSectors := uint64(spare.SizeSectors())

	placement, err := ChoosePlacement(spareSectors)
	if err != nil {
		main.Close()
		spare.Close()
		return nil, err
	}

	metadataRegions := metadataRegionsFor(placement, cfg.UnitSectors)

	store, err := NewMetadataStore(spare, placement, cfg.WriteQuorum)
	if err != nil {
		main.Close()
		spare.Close()
		return nil, err
	}

	mainFP := NewDeviceFingerprint(main)
	spareFP := NewDeviceFingerprint(spare)
	var remapSnapshot []RemapEntry

	if rec, ok := store.Current(); ok {
		if !override && !mainFP.Matches(rec.MainFingerprint) {
			main.Close()
			spare.Close()
			return nil, newErr(ErrKindFingerprintMismatch, "main device fingerprint mismatch", nil)
		}
		if rec.TargetConfig.UnitSectors != 0 && rec.TargetConfig.UnitSectors != cfg.UnitSectors {
			main.Close()
			spare.Close()
			return nil, ErrUnitSizeMismatch
		}
		mainFP = rec.MainFingerprint
		spareFP = rec.SpareFingerprint
		remapSnapshot = rec.RemapSnapshot
	}

	allocator, err := NewBitmapAllocator(spareSectors, cfg.UnitSectors, metadataRegions)
	if err != nil {
		main.Close()
		spare.Close()
		return nil, err
	}

	index := NewRemapIndex()
	for _, e := range remapSnapshot {
		index.Insert(e)
		units := unitsFor(e.LengthSectors, cfg.UnitSectors)
		start := uint64(unitOf(e.SpareSector, cfg.UnitSectors))
		if !allocator.IsAllocated(start, uint64(units)) {
			if _, err := allocator.Allocate(units); err != nil {
				log.PrintError(log.Wrap(err))
			}
		}
	}

	stats := &Stats{}
	analyzer := NewErrorAnalyzer(cfg.ErrorThreshold, cfg.AnalysisBufferSize, nil)

	pool := &sparePool{device: spare, allocator: allocator, store: store, path: sparePath, fingerprint: spareFP}

	t := &Target{
		cfg:             cfg,
		main:            main,
		spares:          []*sparePool{pool},
		index:           index,
		analyzer:        analyzer,
		stats:           stats,
		state:           targetRunning,
		mainFingerprint: mainFP,
	}

	// onTrip runs on the analyzer's own goroutine, which is free to take any
	// lock, sleep, or do I/O; Dispatcher.Submit itself never calls this.
	analyzer.SetOnTrip(func(sector Sector, count uint32) {
		t.persistAsync()
	})

	t.dispatcher = NewDispatcher(main, spare, index, allocator, analyzer, stats)

	return t, nil
}

// metadataRegionsFor converts a PlacementDescriptor's byte-sector copy
// locations into the allocator's unit-indexed reservation ranges.
func metadataRegionsFor(p PlacementDescriptor, unitSectors uint32) []UnitRange {
	var regions []UnitRange
	for _, sec := range p.Sectors() {
		start := uint64(unitOf(Sector(sec), unitSectors))
		count := uint64(unitsFor(metadataFootprintSectors, unitSectors))
		regions = append(regions, UnitRange{Start: start, Count: count})
	}
	return regions
}

// Submit forwards req to the dispatcher, tracking it in the in-flight
// reference count Destruct waits to drain before tearing anything down.
func (t *Target) Submit(req Request) (Result, error) {
	t.mu.RLock()
	if t.state == targetClosed {
		t.mu.RUnlock()
		return Result{}, newErr(ErrKindShuttingDown, "target closed", nil)
	}
	// inflight.Add happens while still holding the read lock, so Destruct's
	// write-lock acquisition (which flips state to Closed) can only proceed
	// once every Submit that observed a non-Closed state has already
	// registered itself — closing the race between "check state" and
	// "count this request" that a plain check-then-add would leave open.
	t.inflight.Add(1)
	t.mu.RUnlock()
	defer t.inflight.Done()

	return t.dispatcher.Submit(req)
}

// persistAsync snapshots the live index and writes it through the primary
// spare's metadata store. Errors flag the target Degraded rather than
// propagating.
func (t *Target) persistAsync() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == targetClosed {
		return
	}

	primary := t.spares[0]
	rec := MetadataRecord{
		MainFingerprint:  t.mainFingerprint,
		SpareFingerprint: primary.fingerprint,
		TargetConfig: TargetConfiguration{
			SizeSectors: uint64(t.main.SizeSectors()),
			UnitSectors: t.cfg.UnitSectors,
		},
		RemapSnapshot: t.index.Iter(),
	}

	if _, err := primary.store.Write(rec); err != nil {
		log.PrintError(log.Wrap(err))
		t.state = targetDegraded
		return
	}

	if t.state == targetDegraded {
		t.state = targetRunning
	}
}

// HandleControlMessage dispatches one parsed ControlMessage and returns the
// text response the host's control channel expects (empty for anything but
// stats).
func (t *Target) HandleControlMessage(msg ControlMessage) (string, error) {
	switch msg.Kind {
	case ControlAddRemap:
		entry := RemapEntry{
			MainSector:    msg.Main,
			SpareSector:   msg.Spare,
			LengthSectors: msg.Length,
			CreatedNs:     nowNs(),
		}
		t.index.Insert(entry)
		t.persistAsync()
		return "", nil

	case ControlSpareAdd:
		return "", t.addSpare(msg.Path)

	case ControlSpareRemove:
		return "", t.removeSpare(msg.Path)

	case ControlStats:
		return t.AllStats(), nil

	default:
		return "", newErr(ErrKindBadArgs, "unrecognized control message kind", nil)
	}
}

// addSpare attaches an additional spare device to the pool. The new spare
// gets its own bitmap allocator and metadata store; remap entries are
// never migrated onto it automatically.
func (t *Target) addSpare(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dev, err := OpenFileBlockDevice(path)
	if err != nil {
		return err
	}

	placement, err := ChoosePlacement(uint64(dev.SizeSectors()))
	if err != nil {
		dev.Close()
		return err
	}

	store, err := NewMetadataStore(dev, placement, t.cfg.WriteQuorum)
	if err != nil {
		dev.Close()
		return err
	}

	regions := metadataRegionsFor(placement, t.cfg.UnitSectors)
	allocator, err := NewBitmapAllocator(uint64(dev.SizeSectors()), t.cfg.UnitSectors, regions)
	if err != nil {
		dev.Close()
		return err
	}

	spareFP := NewDeviceFingerprint(dev)
	if rec, ok := store.Current(); ok {
		spareFP = rec.SpareFingerprint
	}

	t.spares = append(t.spares, &sparePool{device: dev, allocator: allocator, store: store, path: path, fingerprint: spareFP})
	return nil
}

// removeSpare detaches a non-primary spare. Removing the primary spare
// (index 0) is refused: the table line only ever names one spare, and the
// primary's allocator is assumed live by every already-remapped entry.
func (t *Target) removeSpare(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.spares {
		if p.path != path {
			continue
		}
		if i == 0 {
			return newErr(ErrKindBadArgs, "cannot remove primary spare", nil)
		}
		p.store.Close()
		p.device.Close()
		t.spares = append(t.spares[:i], t.spares[i+1:]...)
		return nil
	}
	return newErr(ErrKindBadArgs, "spare not attached: "+path, nil)
}

// AllStats renders every counter as Prometheus-style text exposition,
// suitable for a sysfs-like <mount>/all_stats file.
func (t *Target) AllStats() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.snapshot(uint32(t.index.Len())).render()
}

// HealthScore, TotalReads, TotalWrites, TotalRemaps, TotalErrors, and
// ActiveMappings expose the same counters individually, one per
// sysfs-style file, alongside AllStats' combined rendering.
func (t *Target) HealthScore() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats.healthScore(uint32(t.index.Len()))
}

func (t *Target) TotalReads() uint64 { return t.stats.snapshot(0).TotalReads }
func (t *Target) TotalWrites() uint64 { return t.stats.snapshot(0).TotalWrites }
func (t *Target) TotalRemaps() uint64 { return t.stats.snapshot(0).TotalRemaps }
func (t *Target) TotalErrors() uint64 { return t.stats.snapshot(0).TotalErrors }

func (t *Target) ActiveMappings() uint32 {
	return uint32(t.index.Len())
}

// State reports the target's current lifecycle state as a string.
func (t *Target) State() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.String()
}

// Destruct runs an ordered shutdown: mark shutting-down, drain in-flight
// requests, cancel-then-drain the analysis worker, flush a final metadata
// write, then release the backing devices. Each step only begins once the
// previous one has fully completed, which is what keeps shutdown from
// racing a request still in flight.
func (t *Target) Destruct() error {
	t.mu.Lock()
	if t.state == targetClosed {
		t.mu.Unlock()
		return nil
	}
	t.dispatcher.Shutdown()
	t.state = targetClosed
	t.mu.Unlock()

	// Step 2: wait for in-flight requests (tracked via inflight WaitGroup)
	// to complete. Submit already rejects new ones via the Shutdown flag
	// above and the dispatcher's own shuttingDown check.
	t.inflight.Wait()

	// Step 3: cancel and drain the analysis worker. Close already drains
	// whatever was queued before returning.
	t.analyzer.Close()

	// Step 4: flush final state.
	t.persistFinal()

	// Step 5/6: release devices. The worker queue (analyzer) is already
	// destroyed above, strictly after draining, never while work is
	// outstanding.
	var firstErr error
	for _, p := range t.spares {
		p.store.Close()
		if err := p.device.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.main.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

func (t *Target) persistFinal() {
	t.mu.Lock()
	defer t.mu.Unlock()

	primary := t.spares[0]
	rec := MetadataRecord{
		MainFingerprint:  t.mainFingerprint,
		SpareFingerprint: primary.fingerprint,
		TargetConfig: TargetConfiguration{
			SizeSectors: uint64(t.main.SizeSectors()),
			UnitSectors: t.cfg.UnitSectors,
		},
		RemapSnapshot: t.index.Iter(),
	}

	if _, err := primary.store.Write(rec); err != nil {
		log.PrintError(log.Wrap(fmt.Errorf("final flush: %w", err)))
	}
}
