package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/amigatomte/dm-remap"
)

type rootParameters struct {
	SparePath string `short:"s" long:"spare-path" description:"File-path of the spare device" required:"true"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	spare, err := remap.OpenFileBlockDevice(rootArguments.SparePath)
	log.PanicIf(err)

	defer spare.Close()

	placement, err := remap.ChoosePlacement(uint64(spare.SizeSectors()))
	log.PanicIf(err)

	store, err := remap.NewMetadataStore(spare, placement, 1)
	log.PanicIf(err)

	defer store.Close()

	fmt.Printf("spare device: %s (%s)\n", rootArguments.SparePath, humanize.Bytes(uint64(spare.SizeSectors())*remap.SectorSize))
	fmt.Printf("placement strategy: %d copies, strategy index %d\n", placement.CopyCount, int(placement.Strategy))
	fmt.Printf("store state: %s\n", store.State())

	rec, ok := store.Current()
	if !ok {
		fmt.Println("no valid metadata found")
		return
	}

	fmt.Printf("monotonic sequence: %d\n", rec.Header.MonotonicSequence)
	fmt.Printf("remap entries: %d\n", len(rec.RemapSnapshot))
	fmt.Printf("main device size: %s\n", humanize.Bytes(rec.TargetConfig.SizeSectors*remap.SectorSize))
}
