package remap

import (
	"bytes"
	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// defaultEncoding is the byte order for every multi-byte field in the
// on-disk format: little-endian throughout.
var defaultEncoding = binary.LittleEndian

const (
	// recordSize is the fixed size of one metadata copy.
	recordSize = 4096

	metadataMagic       uint32 = 0x444D5234 // "DMR4"
	metadataFooterMagic uint32 = 0x34524D44

	currentVersion uint32 = 1

	// metadataFootprintSectors is the fixed per-copy footprint used for
	// placement-strategy math. It equals recordSize/SectorSize.
	metadataFootprintSectors = recordSize / SectorSize // 8

	maxCopies = 5

	offMagic        = 0x000
	offVersion      = 0x004
	offSeq          = 0x008
	offTotalSize    = 0x010
	offHeaderCRC    = 0x014
	offDataCRC      = 0x018
	offCopyIndex    = 0x01C
	offTimestampNs  = 0x020
	offLegacySection = 0x028
	offFooterMagic  = recordSize - 8
	offOverallCRC   = recordSize - 4

	headerCoveredBytes = 0x028 // bytes 0x000..0x028 covered by header_crc
)

// RecordHeader is the fixed-offset header of a MetadataRecord.
type RecordHeader struct {
	Magic              uint32
	Version            uint32
	MonotonicSequence  uint64
	TotalSize          uint32
	HeaderCRC32        uint32
	DataCRC32          uint32
	CopyIndex          uint32
	TimestampNs        uint64
}

// TargetConfiguration is the target's construction parameters as persisted
// alongside its metadata.
type TargetConfiguration struct {
	ParamsString  string
	SizeSectors   uint64
	UnitSectors   uint32 // the spare allocation-unit size, persisted so reassembly can validate it
	SysfsSnapshot string
	ConfigCRC32   uint32
}

// PlacementStrategy is a tagged variant in place of dynamic polymorphism
// across placement strategies.
type PlacementStrategy int

const (
	StrategyImpossible PlacementStrategy = iota
	StrategyMinimal
	StrategyLinear
	StrategyGeometric
)

func (s PlacementStrategy) String() string {
	switch s {
	case StrategyMinimal:
		return "Minimal"
	case StrategyLinear:
		return "Linear"
	case StrategyGeometric:
		return "Geometric"
	default:
		return "Impossible"
	}
}

// PlacementDescriptor records where the (up to five) redundant metadata
// copies live on the spare device.
type PlacementDescriptor struct {
	Strategy    PlacementStrategy
	CopyCount   int
	CopySectors [maxCopies]uint64
}

// Sectors returns the copy locations as a slice, the shared accessor the
// tagged variant exposes instead of per-strategy inheritance.
func (p PlacementDescriptor) Sectors() []uint64 {
	return p.CopySectors[:p.CopyCount]
}

// ChoosePlacement implements the placement-strategy table: Impossible below
// the minimum footprint, Minimal/Linear/Geometric copy counts scaling with
// spare device size.
func ChoosePlacement(spareSectors uint64) (PlacementDescriptor, error) {
	const m = metadataFootprintSectors

	switch {
	case spareSectors < 72:
		return PlacementDescriptor{}, newErr(ErrKindSpareTooSmall, "spare too small for any placement", nil)

	case spareSectors < 1024:
		count := int(spareSectors / m)
		if count > maxCopies {
			count = maxCopies
		}
		if count < 1 {
			count = 1
		}
		pd := PlacementDescriptor{Strategy: StrategyMinimal, CopyCount: count}
		for i := 0; i < count; i++ {
			pd.CopySectors[i] = uint64(i) * m
		}
		return pd, nil

	case spareSectors < 8192:
		count := int(spareSectors / m)
		if count > maxCopies {
			count = maxCopies
		}
		if count < 1 {
			count = 1
		}
		pd := PlacementDescriptor{Strategy: StrategyLinear, CopyCount: count}
		if count == 1 {
			pd.CopySectors[0] = 0
			return pd, nil
		}
		spacing := (spareSectors - m) / uint64(count-1)
		for i := 0; i < count; i++ {
			pd.CopySectors[i] = uint64(i) * spacing
		}
		return pd, nil

	default:
		pd := PlacementDescriptor{
			Strategy:  StrategyGeometric,
			CopyCount: maxCopies,
			CopySectors: [maxCopies]uint64{0, 1024, 2048, 4096, 8192},
		}
		return pd, nil
	}
}

// MetadataRecord is the full content of one on-disk metadata copy.
type MetadataRecord struct {
	Header           RecordHeader
	MainFingerprint  DeviceFingerprint
	SpareFingerprint DeviceFingerprint
	TargetConfig     TargetConfiguration
	Placement        PlacementDescriptor
	RemapSnapshot    []RemapEntry
}

// onDiskRemapEntry is the fixed-shape, restruct-packable projection of a
// RemapEntry. A homogeneous array of same-shaped records is exactly what
// restruct is good at, whereas the header/footer's fixed absolute offsets
// are handled directly with encoding/binary below.
type onDiskRemapEntry struct {
	MainSector    uint64
	SpareSector   uint64
	LengthSectors uint32
	CreatedNs     uint64
	ErrorCount    uint32
	Flags         uint32
}

const onDiskRemapEntrySize = 8 + 8 + 4 + 8 + 4 + 4 // 36 bytes

// fingerprintEncodedSize, targetConfigEncodedSize and placementEncodedSize
// mirror the byte counts writeFingerprint/writeTargetConfig/writePlacement
// actually produce, so maxRemapEntriesInRecord below reflects the real
// layout instead of a guess.
const (
	fingerprintEncodedSize   = 16 + pathFieldSize + 8 + 4 + 4 + 4
	targetConfigEncodedSize  = targetConfigParamsSize + 8 + 4 + targetConfigSysfsSize + 4
	placementEncodedSize     = 4 + 4 + maxCopies*8
	remapCountFieldSize      = 4
	bodyFixedOverhead        = 2*fingerprintEncodedSize + targetConfigEncodedSize + placementEncodedSize + remapCountFieldSize
	bodyCapacity             = recordSize - offLegacySection - 8 // minus footer (magic+crc)
)

// maxRemapEntriesInRecord bounds how many entries the fixed 4KiB record can
// snapshot. A live index larger than this is a real scaling limit of the
// fixed-size on-disk format: the in-memory index can track far more entries
// than one 4KiB copy can hold, so the store persists only the first
// maxRemapEntriesInRecord entries and flags the record as truncated. This
// is not true data loss: whatever didn't fit is recovered by
// re-discovering the error on the next access and re-remapping it, exactly
// as if it had never been persisted at all.
const maxRemapEntriesInRecord = (bodyCapacity - bodyFixedOverhead) / onDiskRemapEntrySize

// EncodeMetadataRecord serializes r into a fixed 4096-byte buffer, computing
// the data, header and overall CRC32s in that order; the header and overall
// CRCs are each computed with only their own field zeroed. truncated reports
// whether r.RemapSnapshot was larger than maxRemapEntriesInRecord and had
// to be cut down to fit.
func EncodeMetadataRecord(r MetadataRecord) (buf []byte, truncated bool, err error) {
	buf = make([]byte, recordSize)

	defaultEncoding.PutUint32(buf[offMagic:], metadataMagic)
	defaultEncoding.PutUint32(buf[offVersion:], currentVersion)
	defaultEncoding.PutUint64(buf[offSeq:], r.Header.MonotonicSequence)
	defaultEncoding.PutUint32(buf[offTotalSize:], recordSize)
	defaultEncoding.PutUint32(buf[offCopyIndex:], r.Header.CopyIndex)
	defaultEncoding.PutUint64(buf[offTimestampNs:], r.Header.TimestampNs)
	// header_crc and data_crc left zero for now, filled in below.

	body, truncated, err := encodeBody(r)
	if err != nil {
		return nil, false, err
	}
	copy(buf[offLegacySection:offFooterMagic], body)

	defaultEncoding.PutUint32(buf[offFooterMagic:], metadataFooterMagic)

	dataCRC := crc32Of(buf[offLegacySection:offFooterMagic])
	defaultEncoding.PutUint32(buf[offDataCRC:], dataCRC)

	headerCRC := crc32Of(withZeroedHeaderCRC(buf[:headerCoveredBytes]))
	defaultEncoding.PutUint32(buf[offHeaderCRC:], headerCRC)

	overallCRC := crc32Of(withZeroedOverallCRC(buf))
	defaultEncoding.PutUint32(buf[offOverallCRC:], overallCRC)

	return buf, truncated, nil
}

func withZeroedHeaderCRC(b []byte) []byte {
	out := append([]byte(nil), b...)
	defaultEncoding.PutUint32(out[offHeaderCRC:], 0)
	return out
}

func withZeroedOverallCRC(b []byte) []byte {
	out := append([]byte(nil), b...)
	defaultEncoding.PutUint32(out[offOverallCRC:], 0)
	return out
}

// encodeBody packs everything between the header and the footer: the two
// fingerprints, the target configuration, the placement descriptor, and the
// remap snapshot.
func encodeBody(r MetadataRecord) (data []byte, truncated bool, err error) {
	var buf bytes.Buffer

	if err := writeFingerprint(&buf, r.MainFingerprint); err != nil {
		return nil, false, err
	}
	if err := writeFingerprint(&buf, r.SpareFingerprint); err != nil {
		return nil, false, err
	}
	if err := writeTargetConfig(&buf, r.TargetConfig); err != nil {
		return nil, false, err
	}
	writePlacement(&buf, r.Placement)

	entries := r.RemapSnapshot
	if len(entries) > maxRemapEntriesInRecord {
		entries = entries[:maxRemapEntriesInRecord]
		truncated = true
	}

	if err := binary.Write(&buf, defaultEncoding, uint32(len(entries))); err != nil {
		return nil, false, newErr(ErrKindBadArgs, "write remap count", err)
	}

	for _, e := range entries {
		od := onDiskRemapEntry{
			MainSector:    uint64(e.MainSector),
			SpareSector:   uint64(e.SpareSector),
			LengthSectors: e.LengthSectors,
			CreatedNs:     e.CreatedNs,
			ErrorCount:    e.ErrorCount,
			Flags:         e.Flags,
		}
		packed, err := restruct.Pack(defaultEncoding, &od)
		if err != nil {
			return nil, false, newErr(ErrKindBadArgs, "pack remap entry", err)
		}
		buf.Write(packed)
	}

	return buf.Bytes(), truncated, nil
}

const pathFieldSize = 256

func writeFingerprint(buf *bytes.Buffer, fp DeviceFingerprint) error {
	var pathBuf [pathFieldSize]byte
	copy(pathBuf[:], fp.OriginalPath)

	buf.Write(fp.DeviceUUID.Bytes())
	buf.Write(pathBuf[:])
	binary.Write(buf, defaultEncoding, fp.SizeSectors)
	binary.Write(buf, defaultEncoding, fp.SectorSizeBytes)
	binary.Write(buf, defaultEncoding, fp.ModelSerialHash)
	binary.Write(buf, defaultEncoding, fp.FingerprintCRC)
	return nil
}

func readFingerprint(r *bytes.Reader) (DeviceFingerprint, error) {
	var fp DeviceFingerprint

	var uuidBytes [16]byte
	if _, err := r.Read(uuidBytes[:]); err != nil {
		return fp, newErr(ErrKindBadArgs, "read fingerprint uuid", err)
	}
	u, err := fingerprintUUIDFromBytes(uuidBytes[:])
	if err != nil {
		return fp, err
	}
	fp.DeviceUUID = u

	var pathBuf [pathFieldSize]byte
	if _, err := r.Read(pathBuf[:]); err != nil {
		return fp, newErr(ErrKindBadArgs, "read fingerprint path", err)
	}
	fp.OriginalPath = cStringFromBytes(pathBuf[:])

	if err := binary.Read(r, defaultEncoding, &fp.SizeSectors); err != nil {
		return fp, newErr(ErrKindBadArgs, "read fingerprint size", err)
	}
	if err := binary.Read(r, defaultEncoding, &fp.SectorSizeBytes); err != nil {
		return fp, newErr(ErrKindBadArgs, "read fingerprint sector size", err)
	}
	if err := binary.Read(r, defaultEncoding, &fp.ModelSerialHash); err != nil {
		return fp, newErr(ErrKindBadArgs, "read fingerprint model hash", err)
	}
	if err := binary.Read(r, defaultEncoding, &fp.FingerprintCRC); err != nil {
		return fp, newErr(ErrKindBadArgs, "read fingerprint crc", err)
	}

	return fp, nil
}

func cStringFromBytes(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

const targetConfigParamsSize = 512
const targetConfigSysfsSize = 512

func writeTargetConfig(buf *bytes.Buffer, tc TargetConfiguration) error {
	var params [targetConfigParamsSize]byte
	copy(params[:], tc.ParamsString)
	var sysfs [targetConfigSysfsSize]byte
	copy(sysfs[:], tc.SysfsSnapshot)

	buf.Write(params[:])
	binary.Write(buf, defaultEncoding, tc.SizeSectors)
	binary.Write(buf, defaultEncoding, tc.UnitSectors)
	buf.Write(sysfs[:])

	crc := crc32Of(append(append([]byte{}, params[:]...), sysfs[:]...))
	binary.Write(buf, defaultEncoding, crc)
	return nil
}

func readTargetConfig(r *bytes.Reader) (TargetConfiguration, error) {
	var tc TargetConfiguration

	var params [targetConfigParamsSize]byte
	if _, err := r.Read(params[:]); err != nil {
		return tc, newErr(ErrKindBadArgs, "read target config params", err)
	}
	tc.ParamsString = cStringFromBytes(params[:])

	if err := binary.Read(r, defaultEncoding, &tc.SizeSectors); err != nil {
		return tc, newErr(ErrKindBadArgs, "read target config size", err)
	}
	if err := binary.Read(r, defaultEncoding, &tc.UnitSectors); err != nil {
		return tc, newErr(ErrKindBadArgs, "read target config unit size", err)
	}

	var sysfs [targetConfigSysfsSize]byte
	if _, err := r.Read(sysfs[:]); err != nil {
		return tc, newErr(ErrKindBadArgs, "read target config sysfs", err)
	}
	tc.SysfsSnapshot = cStringFromBytes(sysfs[:])

	if err := binary.Read(r, defaultEncoding, &tc.ConfigCRC32); err != nil {
		return tc, newErr(ErrKindBadArgs, "read target config crc", err)
	}

	return tc, nil
}

func writePlacement(buf *bytes.Buffer, p PlacementDescriptor) {
	binary.Write(buf, defaultEncoding, uint32(p.Strategy))
	binary.Write(buf, defaultEncoding, uint32(p.CopyCount))
	for _, s := range p.CopySectors {
		binary.Write(buf, defaultEncoding, s)
	}
}

func readPlacement(r *bytes.Reader) (PlacementDescriptor, error) {
	var p PlacementDescriptor

	var strategy, count uint32
	if err := binary.Read(r, defaultEncoding, &strategy); err != nil {
		return p, newErr(ErrKindBadArgs, "read placement strategy", err)
	}
	if err := binary.Read(r, defaultEncoding, &count); err != nil {
		return p, newErr(ErrKindBadArgs, "read placement count", err)
	}
	p.Strategy = PlacementStrategy(strategy)
	p.CopyCount = int(count)
	if p.CopyCount > maxCopies {
		return p, newErr(ErrKindBadArgs, "placement copy count out of range", nil)
	}

	for i := 0; i < maxCopies; i++ {
		if err := binary.Read(r, defaultEncoding, &p.CopySectors[i]); err != nil {
			return p, newErr(ErrKindBadArgs, "read placement copy sector", err)
		}
	}

	return p, nil
}

// DecodeMetadataRecord parses and validates buf (which must be recordSize
// bytes), returning ErrKindMetadataUnreadable (wrapped) if the header, data
// or overall CRC or either magic number doesn't check out. The fingerprint
// and target-configuration CRCs are read back but not verified. Unknown
// (newer) versions are refused rather than partially interpreted.
func DecodeMetadataRecord(buf []byte) (MetadataRecord, error) {
	var r MetadataRecord

	if len(buf) != recordSize {
		return r, newErr(ErrKindMetadataUnreadable, "wrong record size", nil)
	}

	magic := defaultEncoding.Uint32(buf[offMagic:])
	if magic != metadataMagic {
		return r, newErr(ErrKindMetadataUnreadable, "bad magic", nil)
	}

	version := defaultEncoding.Uint32(buf[offVersion:])
	if version != currentVersion {
		return r, newErr(ErrKindMetadataUnreadable, "unsupported version", nil)
	}

	headerCRC := defaultEncoding.Uint32(buf[offHeaderCRC:])
	if crc32Of(withZeroedHeaderCRC(buf[:headerCoveredBytes])) != headerCRC {
		return r, newErr(ErrKindMetadataUnreadable, "header crc mismatch", nil)
	}

	overallCRC := defaultEncoding.Uint32(buf[offOverallCRC:])
	if crc32Of(withZeroedOverallCRC(buf)) != overallCRC {
		return r, newErr(ErrKindMetadataUnreadable, "overall crc mismatch", nil)
	}

	footerMagic := defaultEncoding.Uint32(buf[offFooterMagic:])
	if footerMagic != metadataFooterMagic {
		return r, newErr(ErrKindMetadataUnreadable, "bad footer magic", nil)
	}

	dataCRC := defaultEncoding.Uint32(buf[offDataCRC:])
	if crc32Of(buf[offLegacySection:offFooterMagic]) != dataCRC {
		return r, newErr(ErrKindMetadataUnreadable, "data crc mismatch", nil)
	}

	r.Header = RecordHeader{
		Magic:             magic,
		Version:           version,
		MonotonicSequence: defaultEncoding.Uint64(buf[offSeq:]),
		TotalSize:         defaultEncoding.Uint32(buf[offTotalSize:]),
		HeaderCRC32:       headerCRC,
		DataCRC32:         dataCRC,
		CopyIndex:         defaultEncoding.Uint32(buf[offCopyIndex:]),
		TimestampNs:       defaultEncoding.Uint64(buf[offTimestampNs:]),
	}

	if err := decodeBody(buf[offLegacySection:offFooterMagic], &r); err != nil {
		return MetadataRecord{}, err
	}

	return r, nil
}

func decodeBody(body []byte, r *MetadataRecord) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			e, ok := errRaw.(error)
			if !ok {
				e = newErr(ErrKindMetadataUnreadable, "decode panic", nil)
			}
			log.PrintError(log.Wrap(e))
			err = newErr(ErrKindMetadataUnreadable, "record body decode panicked", e)
		}
	}()

	rd := bytes.NewReader(body)

	mfp, err := readFingerprint(rd)
	if err != nil {
		return err
	}
	r.MainFingerprint = mfp

	sfp, err := readFingerprint(rd)
	if err != nil {
		return err
	}
	r.SpareFingerprint = sfp

	tc, err := readTargetConfig(rd)
	if err != nil {
		return err
	}
	r.TargetConfig = tc

	pd, err := readPlacement(rd)
	if err != nil {
		return err
	}
	r.Placement = pd

	var count uint32
	if err := binary.Read(rd, defaultEncoding, &count); err != nil {
		return newErr(ErrKindMetadataUnreadable, "read remap count", err)
	}
	if count > maxRemapEntriesInRecord {
		return newErr(ErrKindMetadataUnreadable, "remap count out of range", nil)
	}

	remaining := make([]byte, rd.Len())
	if _, err := rd.Read(remaining); err != nil {
		return newErr(ErrKindMetadataUnreadable, "read remap entries", err)
	}

	entries := make([]RemapEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		start := int(i) * onDiskRemapEntrySize
		end := start + onDiskRemapEntrySize
		if end > len(remaining) {
			return newErr(ErrKindMetadataUnreadable, "remap entry array truncated", nil)
		}

		var od onDiskRemapEntry
		if err := restruct.Unpack(remaining[start:end], defaultEncoding, &od); err != nil {
			return newErr(ErrKindMetadataUnreadable, "unpack remap entry", err)
		}

		entries = append(entries, RemapEntry{
			MainSector:    Sector(od.MainSector),
			SpareSector:   Sector(od.SpareSector),
			LengthSectors: od.LengthSectors,
			CreatedNs:     od.CreatedNs,
			ErrorCount:    od.ErrorCount,
			Flags:         od.Flags,
		})
	}
	r.RemapSnapshot = entries

	return nil
}
