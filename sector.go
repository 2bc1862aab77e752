// Package remap implements the core of dm-remap: a concurrent remap index,
// a spare-device bitmap allocator, a redundant on-disk metadata format, and
// the I/O dispatch pipeline that ties them together. The host block-layer
// adapter (a device-mapper target or equivalent), CLI/packaging, statistics
// export to monitoring systems, demo scripts, and predictive-failure
// heuristics are out of scope; this package exposes the external
// collaborator interfaces (table-line parsing, control messages, on-disk
// format) those layers would drive.
package remap

import (
	"hash/crc32"
)

// SectorSize is the fixed size, in bytes, of one sector.
const SectorSize = 512

// DefaultUnitSectors is the default allocation-unit granularity (4 KiB).
const DefaultUnitSectors = 8

// Sector is a 64-bit sector index on either the main or the spare device.
type Sector uint64

// AllocUnit is an index into the spare bitmap, i.e. a Sector divided by the
// allocator's unit size.
type AllocUnit uint64

var crcTable = crc32.IEEETable

// crc32Of returns the CRC32 (IEEE polynomial) of b. The wire format (§6)
// doesn't call out a polynomial, and IEEE is what crc32.ChecksumIEEE already
// gives every Go program for free, so copies stay byte-compatible across any
// build of this engine without needing to agree on a table out of band.
func crc32Of(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}

// unitOf converts a sector index to the allocation unit that contains it,
// given a unit size in sectors.
func unitOf(s Sector, unitSectors uint32) AllocUnit {
	return AllocUnit(uint64(s) / uint64(unitSectors))
}

// unitsFor returns the number of allocation units needed to cover a run of
// lengthSectors sectors, rounding up.
func unitsFor(lengthSectors uint32, unitSectors uint32) uint32 {
	return (lengthSectors + unitSectors - 1) / unitSectors
}
