package remap

import (
	"os"
	"sync"

	"github.com/dsoprea/go-logging"
)

// BlockDevice is the abstraction standing in for the host block-layer
// adapter. It is addressed in sectors, not bytes, matching every other
// interface in this package.
type BlockDevice interface {
	// ReadAt reads len(b)/SectorSize sectors starting at sector off.
	ReadAt(b []byte, off Sector) error

	// WriteAt writes len(b)/SectorSize sectors starting at sector off.
	WriteAt(b []byte, off Sector) error

	// SizeSectors returns the device size in sectors.
	SizeSectors() Sector

	// Identity returns a stable, implementation-defined identity string
	// (e.g. model+serial) used to build a DeviceFingerprint. It need not be
	// human-meaningful, only stable across opens of the same device.
	Identity() string

	// Path returns the path/name the device was opened from.
	Path() string

	// Close releases any resources held by the device.
	Close() error
}

// FileBlockDevice implements BlockDevice over an *os.File, the common case
// for both the main and spare device.
type FileBlockDevice struct {
	f    *os.File
	path string
	size Sector
}

// OpenFileBlockDevice opens path and wraps it as a BlockDevice. The device's
// size is computed once at open time, stat-then-parse at construction.
func OpenFileBlockDevice(path string) (*FileBlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, newErr(ErrKindDeviceOpen, "open "+path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr(ErrKindDeviceOpen, "stat "+path, err)
	}

	return &FileBlockDevice{
		f:    f,
		path: path,
		size: Sector(fi.Size() / SectorSize),
	}, nil
}

// ReadAt implements BlockDevice.
func (d *FileBlockDevice) ReadAt(b []byte, off Sector) error {
	mustSectorAligned(len(b))
	_, err := d.f.ReadAt(b, int64(off)*SectorSize)
	if err != nil {
		return newErr(ErrKindBackingIOError, "read", err)
	}
	return nil
}

// WriteAt implements BlockDevice.
func (d *FileBlockDevice) WriteAt(b []byte, off Sector) error {
	mustSectorAligned(len(b))
	_, err := d.f.WriteAt(b, int64(off)*SectorSize)
	if err != nil {
		return newErr(ErrKindBackingIOError, "write", err)
	}
	return nil
}

// SizeSectors implements BlockDevice.
func (d *FileBlockDevice) SizeSectors() Sector {
	return d.size
}

// Identity implements BlockDevice. A real implementation would read the
// model/serial out of sysfs; here we fall back to the path, which is stable
// for the lifetime of a single host — enough to detect gross
// device-identity mismatches across reassembly.
func (d *FileBlockDevice) Identity() string {
	return d.path
}

// Path implements BlockDevice.
func (d *FileBlockDevice) Path() string {
	return d.path
}

// Close implements BlockDevice.
func (d *FileBlockDevice) Close() error {
	return d.f.Close()
}

// MemBlockDevice is an in-memory BlockDevice, used by tests and by an
// external error-injection harness simulating bad sectors. Grounded on the
// []byte-backed Filer used throughout cznic-exp/lldb's own test suite
// (memfiler.go).
type MemBlockDevice struct {
	mu       sync.Mutex
	data     []byte
	identity string
	path     string

	// failSectors, when non-nil, marks sectors that should fail ReadAt or
	// WriteAt with a synthetic I/O error, the knob a test harness drives to
	// simulate a bad sector.
	failSectors map[Sector]bool
}

// NewMemBlockDevice returns a zero-filled in-memory device of the given size.
func NewMemBlockDevice(sizeSectors Sector, path string) *MemBlockDevice {
	return &MemBlockDevice{
		data:        make([]byte, int64(sizeSectors)*SectorSize),
		identity:    path,
		path:        path,
		failSectors: make(map[Sector]bool),
	}
}

// FailSector marks sector s to fail on the next ReadAt/WriteAt that touches
// it, and every access thereafter until ClearFailure is called.
func (d *MemBlockDevice) FailSector(s Sector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSectors[s] = true
}

// ClearFailure removes a previously-injected failure for sector s.
func (d *MemBlockDevice) ClearFailure(s Sector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failSectors, s)
}

func (d *MemBlockDevice) rangeFails(off Sector, n int) bool {
	sectors := n / SectorSize
	for i := 0; i < sectors; i++ {
		if d.failSectors[off+Sector(i)] {
			return true
		}
	}
	return false
}

// ReadAt implements BlockDevice.
func (d *MemBlockDevice) ReadAt(b []byte, off Sector) error {
	mustSectorAligned(len(b))

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rangeFails(off, len(b)) {
		return newErr(ErrKindBackingIOError, "injected read failure", nil)
	}

	start := int64(off) * SectorSize
	if start < 0 || start+int64(len(b)) > int64(len(d.data)) {
		return newErr(ErrKindBackingIOError, "read out of range", nil)
	}
	copy(b, d.data[start:start+int64(len(b))])
	return nil
}

// WriteAt implements BlockDevice.
func (d *MemBlockDevice) WriteAt(b []byte, off Sector) error {
	mustSectorAligned(len(b))

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rangeFails(off, len(b)) {
		return newErr(ErrKindBackingIOError, "injected write failure", nil)
	}

	start := int64(off) * SectorSize
	if start < 0 || start+int64(len(b)) > int64(len(d.data)) {
		return newErr(ErrKindBackingIOError, "write out of range", nil)
	}
	copy(d.data[start:start+int64(len(b))], b)
	return nil
}

// SizeSectors implements BlockDevice.
func (d *MemBlockDevice) SizeSectors() Sector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Sector(len(d.data) / SectorSize)
}

// Identity implements BlockDevice.
func (d *MemBlockDevice) Identity() string {
	return d.identity
}

// Path implements BlockDevice.
func (d *MemBlockDevice) Path() string {
	return d.path
}

// Close implements BlockDevice.
func (d *MemBlockDevice) Close() error {
	return nil
}

var _ BlockDevice = (*FileBlockDevice)(nil)
var _ BlockDevice = (*MemBlockDevice)(nil)

func mustSectorAligned(n int) {
	if n%SectorSize != 0 {
		log.Panicf("buffer length (%d) is not sector-aligned", n)
	}
}
