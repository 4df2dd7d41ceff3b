// cmd/rdso/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple tool to apply Reed-Solomon encoding to files. Provides facilities
// to check the integrity of encoded files and to recover corrupt files.
// The part files of split backups can be protected this way after the
// fact.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/mmp/bkcrypt/rdso"
	u "github.com/mmp/bkcrypt/util"
	flag "github.com/spf13/pflag"
)

func usage() {
	fmt.Printf("usage: rdso encode [--nshards n] [--nparity n] [--hashrate r] <files...>\n")
	fmt.Printf("usage: rdso <check,restore> <files...>\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	log := u.NewLogger(true /*verbose*/, false /*debug*/)

	switch os.Args[1] {
	case "encode":
		encode(os.Args[2:], log)
	case "check":
		for _, fn := range os.Args[2:] {
			if err := rdso.CheckFile(fn, log); err != nil {
				log.Error("%s", err)
			}
		}
	case "restore":
		for _, fn := range os.Args[2:] {
			if err := rdso.RestoreFile(fn, log); err != nil {
				log.Error("%s", err)
			}
		}
	default:
		usage()
	}

	if log.Errors() > 0 {
		os.Exit(1)
	}
}

func encode(args []string, log *u.Logger) {
	flags := flag.NewFlagSet("encode", flag.ContinueOnError)
	nShards := flags.Int("nshards", rdso.DefaultParams.DataShards, "number of data shards")
	nParity := flags.Int("nparity", rdso.DefaultParams.ParityShards, "number of parity shards")
	hashRate := flags.Int64("hashrate", 1024*1024, "chunk size for file hashes")
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}

	p := rdso.Params{DataShards: *nShards, ParityShards: *nParity, HashRate: *hashRate}
	for _, fn := range flags.Args() {
		if strings.HasSuffix(fn, ".rs") {
			log.Print("%s: skipping Reed-Solomon encoding of .rs file", fn)
			continue
		}
		if err := rdso.EncodeFile(fn, p); err != nil {
			log.Error("%s: %s", fn, err)
			continue
		}
		log.Verbose("%s: created Reed-Solomon encoding file", rdso.SidecarPath(fn))
	}
}
