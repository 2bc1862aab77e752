package remap

import (
	"testing"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AnalysisBufferSize = 16
	return cfg
}

func TestConstructTarget_freshDevice(t *testing.T) {
	ResetGlobalSequenceForTest()

	main := NewMemBlockDevice(200*1024*1024/SectorSize, "mem-main")
	spare := NewMemBlockDevice(32*1024*1024/SectorSize, "mem-spare")

	target, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected construct error: %v", err)
	}
	defer target.Destruct()

	if target.ActiveMappings() != 0 {
		t.Fatalf("expected 0 active mappings on a fresh device, got %d", target.ActiveMappings())
	}
	if target.State() != "Running" {
		t.Fatalf("expected Running state, got %s", target.State())
	}
}

func TestTarget_remapOnErrorThenDestructThenReassemble(t *testing.T) {
	ResetGlobalSequenceForTest()

	main := NewMemBlockDevice(200*1024*1024/SectorSize, "mem-main")
	spare := NewMemBlockDevice(32*1024*1024/SectorSize, "mem-spare")

	target, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected construct error: %v", err)
	}

	main.FailSector(50000)

	pattern := make([]byte, SectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	if _, err := target.Submit(Request{Sector: 50000, Data: pattern, Write: true}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	if target.ActiveMappings() != 1 {
		t.Fatalf("expected 1 active mapping after the remap, got %d", target.ActiveMappings())
	}

	// Persist explicitly rather than relying on the analyzer's trip
	// callback, which runs asynchronously on the analyzer goroutine.
	target.persistAsync()

	if err := target.Destruct(); err != nil {
		t.Fatalf("unexpected destruct error: %v", err)
	}

	target2, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected reconstruct error: %v", err)
	}
	defer target2.Destruct()

	if target2.ActiveMappings() != 1 {
		t.Fatalf("expected the remap to survive reassembly, got %d active mappings", target2.ActiveMappings())
	}

	res, err := target2.Submit(Request{Sector: 50000, Data: make([]byte, SectorSize), Write: false})
	if err != nil {
		t.Fatalf("unexpected read error after reassembly: %v", err)
	}
	for i := range pattern {
		if res.Data[i] != pattern[i] {
			t.Fatalf("reassembled read did not return the pre-reboot pattern at byte %d", i)
		}
	}
}

func TestTarget_fingerprintMismatchRefusesConstruct(t *testing.T) {
	ResetGlobalSequenceForTest()

	main := NewMemBlockDevice(200*1024*1024/SectorSize, "mem-main")
	spare := NewMemBlockDevice(32*1024*1024/SectorSize, "mem-spare")

	target, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected construct error: %v", err)
	}
	target.persistAsync()
	if err := target.Destruct(); err != nil {
		t.Fatalf("unexpected destruct error: %v", err)
	}

	otherMain := NewMemBlockDevice(200*1024*1024/SectorSize, "mem-main-different")

	if _, err := constructFromDevices(otherMain, spare, "mem-spare", testConfig(), false); err == nil {
		t.Fatalf("expected fingerprint mismatch to refuse construction")
	} else if !IsKind(err, ErrKindFingerprintMismatch) {
		t.Fatalf("expected ErrKindFingerprintMismatch, got: %v", err)
	}

	// An explicit override bypasses the check.
	if _, err := constructFromDevices(otherMain, spare, "mem-spare", testConfig(), true); err != nil {
		t.Fatalf("expected override to allow construction, got: %v", err)
	}
}

func TestTarget_destructIsQuiescentAndIdempotent(t *testing.T) {
	ResetGlobalSequenceForTest()

	main := NewMemBlockDevice(200*1024*1024/SectorSize, "mem-main")
	spare := NewMemBlockDevice(32*1024*1024/SectorSize, "mem-spare")

	target, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected construct error: %v", err)
	}

	if err := target.Destruct(); err != nil {
		t.Fatalf("unexpected destruct error: %v", err)
	}
	if target.State() != "Closed" {
		t.Fatalf("expected Closed state after destruct, got %s", target.State())
	}

	// Calling Destruct again must not hang or double-close anything.
	if err := target.Destruct(); err != nil {
		t.Fatalf("unexpected error on repeated destruct: %v", err)
	}

	if _, err := target.Submit(Request{Sector: 0, Data: make([]byte, SectorSize), Write: false}); err == nil {
		t.Fatalf("expected Submit to fail after destruct")
	} else if !IsKind(err, ErrKindShuttingDown) {
		t.Fatalf("expected ErrKindShuttingDown, got: %v", err)
	}
}

func TestParseTableLine(t *testing.T) {
	p, err := ParseTableLine("0 409600 dm-remap-v4 /dev/sdb /dev/sdc")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if p.StartSector != 0 || p.LengthSectors != 409600 || p.MainPath != "/dev/sdb" || p.SparePath != "/dev/sdc" {
		t.Fatalf("table line did not parse correctly: %+v", p)
	}

	if _, err := ParseTableLine("0 409600 dm-remap-v3 /dev/sdb /dev/sdc"); err == nil {
		t.Fatalf("expected unrecognized target type to fail")
	}
	if _, err := ParseTableLine("garbage"); err == nil {
		t.Fatalf("expected malformed table line to fail")
	}
}

func TestParseControlMessage(t *testing.T) {
	msg, err := ParseControlMessage("add_remap 100 5000 8")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if msg.Kind != ControlAddRemap || msg.Main != 100 || msg.Spare != 5000 || msg.Length != 8 {
		t.Fatalf("add_remap did not parse correctly: %+v", msg)
	}

	if msg, err := ParseControlMessage("stats"); err != nil || msg.Kind != ControlStats {
		t.Fatalf("stats did not parse correctly: %+v, %v", msg, err)
	}

	if _, err := ParseControlMessage("unknown_command"); err == nil {
		t.Fatalf("expected unrecognized control message to fail")
	}
}

func TestTarget_handleControlMessageAddRemapAndStats(t *testing.T) {
	ResetGlobalSequenceForTest()

	main := NewMemBlockDevice(200*1024*1024/SectorSize, "mem-main")
	spare := NewMemBlockDevice(32*1024*1024/SectorSize, "mem-spare")

	target, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected construct error: %v", err)
	}
	defer target.Destruct()

	msg, err := ParseControlMessage("add_remap 10 20 1")
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if _, err := target.HandleControlMessage(msg); err != nil {
		t.Fatalf("unexpected error handling add_remap: %v", err)
	}
	if target.ActiveMappings() != 1 {
		t.Fatalf("expected add_remap to insert one mapping")
	}

	statsMsg, _ := ParseControlMessage("stats")
	out, err := target.HandleControlMessage(statsMsg)
	if err != nil {
		t.Fatalf("unexpected error handling stats: %v", err)
	}
	if out == "" {
		t.Fatalf("expected a non-empty stats rendering")
	}
}

func TestTarget_minimalPlacementSmallDevice(t *testing.T) {
	ResetGlobalSequenceForTest()

	main := NewMemBlockDevice(10*1024*1024/SectorSize, "mem-main")
	spare := NewMemBlockDevice(40*1024/SectorSize, "mem-spare") // 80 sectors

	target, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected construct error: %v", err)
	}
	defer target.Destruct()

	msg, _ := ParseControlMessage("add_remap 5 200 1")
	if _, err := target.HandleControlMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	target.persistAsync()
	if err := target.Destruct(); err != nil {
		t.Fatalf("unexpected destruct error: %v", err)
	}

	target2, err := constructFromDevices(main, spare, "mem-spare", testConfig(), false)
	if err != nil {
		t.Fatalf("unexpected reconstruct error: %v", err)
	}
	defer target2.Destruct()

	if target2.ActiveMappings() != 1 {
		t.Fatalf("expected the remap to survive reassembly on a minimal-placement device")
	}
}
