package remap

import (
	"bytes"
	"testing"
)

func newTestDispatcher(t *testing.T, mainSectors, spareSectors Sector) (*Dispatcher, *MemBlockDevice, *MemBlockDevice, *RemapIndex, *BitmapAllocator) {
	t.Helper()

	main := NewMemBlockDevice(mainSectors, "mem-main")
	spare := NewMemBlockDevice(spareSectors, "mem-spare")

	index := NewRemapIndex()
	allocator, err := NewBitmapAllocator(uint64(spareSectors), DefaultUnitSectors, nil)
	if err != nil {
		t.Fatalf("unexpected allocator error: %v", err)
	}

	d := NewDispatcher(main, spare, index, allocator, nil, nil)
	return d, main, spare, index, allocator
}

func TestDispatcher_passthroughOnHealthyMain(t *testing.T) {
	d, main, _, _, _ := newTestDispatcher(t, 10000, 1000)

	payload := bytes.Repeat([]byte{0xAB}, SectorSize)
	if _, err := d.Submit(Request{Sector: 500, Data: payload, Write: true}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	res, err := d.Submit(Request{Sector: 500, Data: make([]byte, SectorSize), Write: false})
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !bytes.Equal(res.Data, payload) {
		t.Fatalf("read did not return what was written")
	}

	direct := make([]byte, SectorSize)
	if err := main.ReadAt(direct, 500); err != nil {
		t.Fatalf("unexpected direct read error: %v", err)
	}
	if !bytes.Equal(direct, payload) {
		t.Fatalf("data should have landed on the main device for a healthy sector")
	}
}

func TestDispatcher_remapsOnBackingError(t *testing.T) {
	d, main, _, index, allocator := newTestDispatcher(t, 10000, 1000)

	main.FailSector(300)

	payload := bytes.Repeat([]byte{0xCD}, SectorSize)
	if _, err := d.Submit(Request{Sector: 300, Data: payload, Write: true}); err != nil {
		t.Fatalf("unexpected error: expected the write to succeed via remap, got %v", err)
	}

	entry, ok := index.Lookup(300)
	if !ok {
		t.Fatalf("expected sector 300 to have been remapped")
	}
	if allocator.AllocatedUnits() == 0 {
		t.Fatalf("expected the allocator to have allocated spare space")
	}

	res, err := d.Submit(Request{Sector: 300, Data: make([]byte, SectorSize), Write: false})
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if !bytes.Equal(res.Data, payload) {
		t.Fatalf("remapped read did not return what was written")
	}
	if entry.LengthSectors == 0 {
		t.Fatalf("expected a non-zero remap length")
	}
}

func TestDispatcher_idempotentConcurrentFirstError(t *testing.T) {
	d, main, _, index, _ := newTestDispatcher(t, 10000, 1000)
	main.FailSector(700)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := d.Submit(Request{Sector: 700, Data: make([]byte, SectorSize), Write: false})
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected error from concurrent remap race: %v", err)
		}
	}

	if index.Len() != 1 {
		t.Fatalf("expected exactly one remap entry despite concurrent first errors, got %d", index.Len())
	}
}

func TestDispatcher_splitRequestAcrossRemapBoundary(t *testing.T) {
	d, _, _, index, allocator := newTestDispatcher(t, 10000, 1000)

	r, err := allocator.Allocate(1)
	if err != nil {
		t.Fatalf("unexpected allocator error: %v", err)
	}
	index.Insert(RemapEntry{
		MainSector:    1000,
		SpareSector:   Sector(r.Start) * Sector(allocator.UnitSectors()),
		LengthSectors: allocator.UnitSectors(),
	})

	segs := d.splitRequest(999, 3)
	if len(segs) != 2 {
		t.Fatalf("expected the request to split into 2 segments, got %d", len(segs))
	}
	if segs[0].remapped {
		t.Fatalf("first segment (sector 999) should not be remapped")
	}
	if !segs[1].remapped {
		t.Fatalf("second segment (sector 1000+) should be remapped")
	}
}

func TestDispatcher_shutdownRejectsNewRequests(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(t, 10000, 1000)
	d.Shutdown()

	_, err := d.Submit(Request{Sector: 0, Data: make([]byte, SectorSize), Write: false})
	if err == nil {
		t.Fatalf("expected shutdown dispatcher to reject new requests")
	}
	if !IsKind(err, ErrKindShuttingDown) {
		t.Fatalf("expected ErrKindShuttingDown, got: %v", err)
	}
}
