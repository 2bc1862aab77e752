package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/amigatomte/dm-remap"
)

type rootParameters struct {
	MainPath  string `short:"m" long:"main-path" description:"File-path of the main device" required:"true"`
	SparePath string `short:"s" long:"spare-path" description:"File-path of the spare device" required:"true"`
	Message   string `short:"c" long:"control-message" description:"Single control-channel message to send (add_remap/spare_add/spare_remove/stats); reads stdin if omitted"`
	Override  bool   `long:"override-fingerprint" description:"Proceed even if the main device's fingerprint does not match persisted metadata"`
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

	cfg := remap.DefaultConfig()

	target, err := remap.ConstructTarget(rootArguments.MainPath, rootArguments.SparePath, cfg, rootArguments.Override)
	log.PanicIf(err)

	defer target.Destruct()

	if rootArguments.Message != "" {
		runMessage(target, rootArguments.Message)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		runMessage(target, line)
	}
	log.PanicIf(scanner.Err())
}

func runMessage(target *remap.Target, line string) {
	msg, err := remap.ParseControlMessage(line)
	log.PanicIf(err)

	out, err := target.HandleControlMessage(msg)
	log.PanicIf(err)

	if out != "" {
		fmt.Println(out)
	}
}
