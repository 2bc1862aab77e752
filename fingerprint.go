package remap

import (
	"encoding/binary"

	uuid "github.com/satori/go.uuid"
)

// DeviceFingerprint identifies a backing device well enough to detect that a
// reassembled target has been pointed at the wrong device. Grounded on the
// UUID + CRC32 fingerprint go-diskfs computes for an ext4 volume
// (other_examples/80b55384_..._ext4-superblock.go.go), adapted from a
// filesystem UUID to a device-instance UUID minted the first time this
// engine sees the device.
type DeviceFingerprint struct {
	DeviceUUID      uuid.UUID
	OriginalPath    string
	SizeSectors     uint64
	SectorSizeBytes uint32
	ModelSerialHash uint32
	FingerprintCRC  uint32
}

// NewDeviceFingerprint fingerprints dev, minting a fresh random DeviceUUID
// to label this fingerprint instance. DeviceUUID is a label only — Matches
// compares ModelSerialHash (derived from BlockDevice.Identity) instead, so
// a freshly-minted UUID on reassembly never defeats the device-swap check.
func NewDeviceFingerprint(dev BlockDevice) DeviceFingerprint {
	fp := DeviceFingerprint{
		DeviceUUID:      uuid.Must(uuid.NewV4()),
		OriginalPath:    dev.Path(),
		SizeSectors:     uint64(dev.SizeSectors()),
		SectorSizeBytes: SectorSize,
		ModelSerialHash: crc32Of([]byte(dev.Identity())),
	}
	fp.FingerprintCRC = fp.computeCRC()
	return fp
}

func (fp DeviceFingerprint) computeCRC() uint32 {
	buf := make([]byte, 16+len(fp.OriginalPath)+8+4+4)
	n := 0
	n += copy(buf[n:], fp.DeviceUUID.Bytes())
	n += copy(buf[n:], []byte(fp.OriginalPath))
	binary.LittleEndian.PutUint64(buf[n:], fp.SizeSectors)
	n += 8
	binary.LittleEndian.PutUint32(buf[n:], fp.SectorSizeBytes)
	n += 4
	binary.LittleEndian.PutUint32(buf[n:], fp.ModelSerialHash)
	n += 4
	return crc32Of(buf[:n])
}

// Valid reports whether fp's own CRC matches its contents.
func (fp DeviceFingerprint) Valid() bool {
	return fp.computeCRC() == fp.FingerprintCRC
}

// fingerprintUUIDFromBytes parses a raw 16-byte UUID, used by the codec when
// decoding a persisted fingerprint.
func fingerprintUUIDFromBytes(b []byte) (uuid.UUID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, newErr(ErrKindMetadataUnreadable, "bad fingerprint uuid", err)
	}
	return u, nil
}

// Matches reports whether fp and other describe the same device instance.
// This is the check a target's construction runs to detect a device swap: a
// mismatch is fatal unless the caller passes an explicit override. The
// comparison deliberately excludes DeviceUUID, which is minted fresh on
// every NewDeviceFingerprint call and so never survives a reassembly;
// ModelSerialHash (derived from BlockDevice.Identity, stable across opens
// of the same device) is the actual identity signal.
func (fp DeviceFingerprint) Matches(other DeviceFingerprint) bool {
	return fp.ModelSerialHash == other.ModelSerialHash &&
		fp.SizeSectors == other.SizeSectors &&
		fp.SectorSizeBytes == other.SectorSizeBytes
}
