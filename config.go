package remap

// Config collects the construct-time tunables the engine leaves as
// defaults a host can override without touching Target's signature.
type Config struct {
	// WriteQuorum is the minimum number of metadata copies that must write
	// successfully for MetadataStore.Write to report success. Default 1:
	// the store's repair-on-read pass, not the write quorum, is what closes
	// the "second failure before the next write" window, so raising this
	// above 1 only trades availability for a durability gain already
	// mostly covered elsewhere.
	WriteQuorum int

	// HeadroomPercent is the recommended minimum spare size relative to the
	// main device, expressed as a percentage (default 2% of main device
	// size, overridable). It is advisory only — construction is refused
	// solely on the minimum-viable-size threshold, never on headroom.
	HeadroomPercent int

	// UnitSectors is the spare allocation unit granularity, folded into the
	// persisted Target Configuration and validated on reassembly (see
	// ErrUnitSizeMismatch in target.go).
	UnitSectors uint32

	// ErrorThreshold is how many observed errors on a sector the analysis
	// worker counts before invoking its trip callback (which, in a Target,
	// writes the metadata). The dispatcher remaps a failing sector on its
	// first error regardless of this value.
	ErrorThreshold uint32

	// AnalysisBufferSize bounds the analysis worker's report channel.
	AnalysisBufferSize int
}

// DefaultConfig returns the engine's documented defaults.
func DefaultConfig() Config {
	return Config{
		WriteQuorum:        1,
		HeadroomPercent:    2,
		UnitSectors:        DefaultUnitSectors,
		ErrorThreshold:     1,
		AnalysisBufferSize: 256,
	}
}
