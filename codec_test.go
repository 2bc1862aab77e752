package remap

import (
	"testing"

	uuid "github.com/satori/go.uuid"
)

func sampleRecord(nEntries int) MetadataRecord {
	entries := make([]RemapEntry, nEntries)
	for i := range entries {
		entries[i] = RemapEntry{
			MainSector:    Sector(1000 + i),
			SpareSector:   Sector(2000 + i),
			LengthSectors: 8,
			CreatedNs:     uint64(i),
			ErrorCount:    uint32(i % 3),
		}
	}

	mainFP := DeviceFingerprint{DeviceUUID: uuid.Must(uuid.NewV4()), OriginalPath: "/dev/main", SizeSectors: 4096, SectorSizeBytes: 512}
	mainFP.FingerprintCRC = mainFP.computeCRC()

	spareFP := DeviceFingerprint{DeviceUUID: uuid.Must(uuid.NewV4()), OriginalPath: "/dev/spare", SizeSectors: 1024, SectorSizeBytes: 512}
	spareFP.FingerprintCRC = spareFP.computeCRC()

	placement, err := ChoosePlacement(1024)
	if err != nil {
		panic(err)
	}

	return MetadataRecord{
		Header: RecordHeader{MonotonicSequence: 7, CopyIndex: 0, TimestampNs: 42},
		MainFingerprint:  mainFP,
		SpareFingerprint: spareFP,
		TargetConfig: TargetConfiguration{
			ParamsString:  "0 409600 dm-remap-v4 /dev/main /dev/spare",
			SizeSectors:   4096,
			UnitSectors:   8,
			SysfsSnapshot: "health_score 100",
		},
		Placement:     placement,
		RemapSnapshot: entries,
	}
}

func TestEncodeDecodeMetadataRecord_roundTrip(t *testing.T) {
	rec := sampleRecord(10)

	buf, truncated, err := EncodeMetadataRecord(rec)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if truncated {
		t.Fatalf("did not expect truncation for 10 entries")
	}
	if len(buf) != recordSize {
		t.Fatalf("expected buffer of size %d, got %d", recordSize, len(buf))
	}

	decoded, err := DecodeMetadataRecord(buf)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}

	if decoded.Header.MonotonicSequence != rec.Header.MonotonicSequence {
		t.Fatalf("monotonic sequence did not round-trip")
	}
	if len(decoded.RemapSnapshot) != len(rec.RemapSnapshot) {
		t.Fatalf("expected %d entries, got %d", len(rec.RemapSnapshot), len(decoded.RemapSnapshot))
	}
	for i, e := range decoded.RemapSnapshot {
		if e != rec.RemapSnapshot[i] {
			t.Fatalf("entry %d did not round-trip: got %+v, expected %+v", i, e, rec.RemapSnapshot[i])
		}
	}
	if decoded.TargetConfig.ParamsString != rec.TargetConfig.ParamsString {
		t.Fatalf("target config params did not round-trip")
	}
	if decoded.TargetConfig.UnitSectors != rec.TargetConfig.UnitSectors {
		t.Fatalf("target config unit size did not round-trip")
	}
	if decoded.MainFingerprint.OriginalPath != rec.MainFingerprint.OriginalPath {
		t.Fatalf("main fingerprint path did not round-trip")
	}
	if decoded.Placement.Strategy != rec.Placement.Strategy {
		t.Fatalf("placement strategy did not round-trip")
	}
}

func TestEncodeMetadataRecord_truncatesOversizedSnapshot(t *testing.T) {
	rec := sampleRecord(maxRemapEntriesInRecord + 50)

	buf, truncated, err := EncodeMetadataRecord(rec)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if !truncated {
		t.Fatalf("expected truncation for an oversized snapshot")
	}

	decoded, err := DecodeMetadataRecord(buf)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(decoded.RemapSnapshot) != maxRemapEntriesInRecord {
		t.Fatalf("expected decode to see exactly maxRemapEntriesInRecord entries, got %d", len(decoded.RemapSnapshot))
	}
}

func TestDecodeMetadataRecord_rejectsBadMagic(t *testing.T) {
	rec := sampleRecord(1)
	buf, _, err := EncodeMetadataRecord(rec)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	buf[0] ^= 0xFF

	if _, err := DecodeMetadataRecord(buf); err == nil {
		t.Fatalf("expected decode to fail on corrupted magic")
	} else if !IsKind(err, ErrKindMetadataUnreadable) {
		t.Fatalf("expected ErrKindMetadataUnreadable, got: %v", err)
	}
}

func TestDecodeMetadataRecord_detectsBodyTamper(t *testing.T) {
	rec := sampleRecord(1)
	buf, _, err := EncodeMetadataRecord(rec)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	// Flip a byte inside the body (well past the header, well before the
	// footer) without touching any CRC field directly — overall_crc must
	// still catch it.
	buf[offLegacySection+10] ^= 0xFF

	if _, err := DecodeMetadataRecord(buf); err == nil {
		t.Fatalf("expected decode to fail on tampered body")
	}
}

func TestDecodeMetadataRecord_wrongSize(t *testing.T) {
	if _, err := DecodeMetadataRecord(make([]byte, 100)); err == nil {
		t.Fatalf("expected decode to fail on wrong buffer size")
	}
}

func TestChoosePlacement_strategySelection(t *testing.T) {
	cases := []struct {
		spareSectors uint64
		strategy     PlacementStrategy
		expectErr    bool
	}{
		{10, StrategyImpossible, true},
		{100, StrategyMinimal, false},
		{2000, StrategyLinear, false},
		{10000, StrategyGeometric, false},
	}

	for _, c := range cases {
		pd, err := ChoosePlacement(c.spareSectors)
		if c.expectErr {
			if err == nil {
				t.Fatalf("spareSectors=%d: expected error", c.spareSectors)
			}
			continue
		}
		if err != nil {
			t.Fatalf("spareSectors=%d: unexpected error: %v", c.spareSectors, err)
		}
		if pd.Strategy != c.strategy {
			t.Fatalf("spareSectors=%d: expected strategy %v, got %v", c.spareSectors, c.strategy, pd.Strategy)
		}
		if pd.CopyCount < 1 || pd.CopyCount > maxCopies {
			t.Fatalf("spareSectors=%d: copy count out of range: %d", c.spareSectors, pd.CopyCount)
		}
	}
}

func TestChoosePlacement_geometricFixedOffsets(t *testing.T) {
	pd, err := ChoosePlacement(200 * 1024 * 1024 / SectorSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []uint64{0, 1024, 2048, 4096, 8192}
	got := pd.Sectors()
	if len(got) != len(expected) {
		t.Fatalf("expected %d copies, got %d", len(expected), len(got))
	}
	for i, v := range expected {
		if got[i] != v {
			t.Fatalf("copy %d: expected sector %d, got %d", i, v, got[i])
		}
	}
}
