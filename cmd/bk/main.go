// cmd/bk/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mmp/bkcrypt/archive"
	"github.com/mmp/bkcrypt/backup"
	"github.com/mmp/bkcrypt/container"
	"github.com/mmp/bkcrypt/executor"
	"github.com/mmp/bkcrypt/fragment"
	"github.com/mmp/bkcrypt/rdso"
	u "github.com/mmp/bkcrypt/util"
	flag "github.com/spf13/pflag"
)

var log *u.Logger

func usage() {
	fmt.Printf(`usage: bk <command> [options]
commands:
  backup   --sources <dir,...> --output-dir <dir> [--algo zip|gzip|bzip2|xz]
           [--dest-type hdd|usb_split|cloud] [--split-chunk-mb n] [--encrypt]
           [--parity] [--upload-limit bytes/s]
  restore  --source <path> --restore-to <dir> [--is-split
           --original-base-filename <name>] [--repair]
  inspect  <container files...>
  verify   --dir <dir> --base <name> [--repair]
  format   describe the on-disk formats
common options: [--workers n] [--config file] [-v] [--debug]
`)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "backup":
		runBackup(os.Args[2:])
	case "restore":
		runRestore(os.Args[2:])
	case "inspect":
		inspect(os.Args[2:])
	case "verify":
		verify(os.Args[2:])
	case "format":
		fmt.Print(formatText)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "bk: %s: unknown command\n", os.Args[1])
		usage()
	}

	if log.Errors() > 0 {
		os.Exit(1)
	}
}

// common holds the options that all of the commands take.
type common struct {
	workers        *int
	config         *string
	verbose, debug *bool
}

func newFlagSet(name string) (*flag.FlagSet, common) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	c := common{
		workers: flags.Int("workers", 0, "number of concurrent workers (0: one per CPU)"),
		config:  flags.String("config", "", "YAML file with default option values (default $BK_CONFIG)"),
		verbose: flags.BoolP("verbose", "v", false, "verbose output"),
		debug:   flags.Bool("debug", false, "debugging output"),
	}
	return flags, c
}

// parse parses the command line, fills in unset options from the
// configuration file and sets up the logger.
func parse(flags *flag.FlagSet, c common, args []string) {
	if err := flags.Parse(args); err != nil {
		os.Exit(1)
	}
	cfgErr := applyConfig(flags, *c.config)
	log = u.NewLogger(*c.verbose, *c.debug)
	log.CheckError(cfgErr)
}

///////////////////////////////////////////////////////////////////////////
// backup

func runBackup(args []string) {
	flags, c := newFlagSet("backup")
	sources := flags.StringSlice("sources", nil, "directories to back up")
	outputDir := flags.String("output-dir", "", "directory to store the backup in")
	algo := flags.String("algo", "zip", "compression algorithm: zip, gzip, bzip2 or xz")
	dest := flags.String("dest-type", "hdd", "destination: hdd, usb_split or cloud")
	splitMB := flags.Int64("split-chunk-mb", 0, "part size in MiB for usb_split")
	encrypt := flags.Bool("encrypt", false, "encrypt the backup")
	parity := flags.Bool("parity", false, "write Reed-Solomon parity files for usb_split parts")
	uploadLimit := flags.Int("upload-limit", 0, "cloud upload bandwidth limit in bytes per second")
	parse(flags, c, args)

	// Allow the sources to be given as arguments as well.
	srcs := append(*sources, flags.Args()...)

	a, err := archive.ParseAlgorithm(*algo)
	log.CheckError(err)
	d, err := backup.ParseDestType(*dest)
	log.CheckError(err)

	opts := backup.BackupOptions{
		Sources:              srcs,
		OutputDir:            *outputDir,
		Algorithm:            a,
		Dest:                 d,
		SplitChunkBytes:      *splitMB * 1024 * 1024,
		Encrypt:              *encrypt,
		Passphrase:           passphrase(true),
		UploadBytesPerSecond: *uploadLimit,
	}
	if *parity {
		opts.Parity = rdso.DefaultParams
	}

	o := orchestrator(c)
	art, err := o.Backup(opts)
	log.CheckError(err)
	if art.BaseName != "" && d == backup.USBSplit {
		log.Print("restore with: bk restore --source %s --is-split --original-base-filename %s "+
			"--restore-to <dir>", art.Path, art.BaseName)
	}
}

func orchestrator(c common) *backup.Orchestrator {
	return &backup.Orchestrator{
		Executor: executor.New(*c.workers, log),
		Log:      log,
	}
}

///////////////////////////////////////////////////////////////////////////
// restore

func runRestore(args []string) {
	flags, c := newFlagSet("restore")
	source := flags.String("source", "", "backup file, or directory of parts with --is-split")
	restoreTo := flags.String("restore-to", "", "directory to restore into")
	isSplit := flags.Bool("is-split", false, "restore from a directory of parts")
	base := flags.String("original-base-filename", "", "name the parts were split from, e.g. backup_20240102_030405.zip.enc")
	repair := flags.Bool("repair", false, "repair corrupt parts using their Reed-Solomon parity files")
	parse(flags, c, args)

	o := orchestrator(c)
	_, err := o.Restore(backup.RestoreOptions{
		Source:               *source,
		RestoreTo:            *restoreTo,
		IsSplit:              *isSplit,
		OriginalBaseFilename: *base,
		Passphrase:           passphrase(false),
		Repair:               *repair,
	})
	log.CheckError(err)
}

///////////////////////////////////////////////////////////////////////////
// inspect

func inspect(args []string) {
	flags, c := newFlagSet("inspect")
	parse(flags, c, args)
	if flags.NArg() == 0 {
		usage()
	}

	for _, fn := range flags.Args() {
		f, err := os.Open(fn)
		if err != nil {
			log.Error("%s", err)
			continue
		}
		s, err := container.Inspect(f)
		f.Close()
		if err != nil {
			log.Error("%s: %s", fn, err)
			continue
		}

		fmt.Printf("%s:\n", fn)
		fmt.Printf("  salt        %s\n", hex.EncodeToString(s.Salt))
		fmt.Printf("  records     %d\n", s.Records())
		fmt.Printf("  ciphertext  %s\n", u.FmtBytes(s.CiphertextBytes()))
		if n := s.Records(); n > 0 {
			fmt.Printf("  last record %d bytes\n", s.RecordSizes[n-1])
		}
	}
}

///////////////////////////////////////////////////////////////////////////
// verify

func verify(args []string) {
	flags, c := newFlagSet("verify")
	dir := flags.String("dir", "", "directory holding the parts")
	base := flags.String("base", "", "base name of the parts")
	repair := flags.Bool("repair", false, "repair corrupt parts in place")
	parse(flags, c, args)
	if *dir == "" || *base == "" {
		usage()
	}

	parts, err := fragment.Parts(*dir, *base)
	log.CheckError(err)

	ex := executor.New(*c.workers, log)
	var nUnprotected atomic.Int64
	err = ex.Run(len(parts), func(i int) error {
		p := parts[i]
		if _, err := os.Stat(rdso.SidecarPath(p)); os.IsNotExist(err) {
			log.Warning("%s: no Reed-Solomon parity file", p)
			nUnprotected.Add(1)
			return nil
		}

		var err error
		if *repair {
			err = rdso.RestoreFile(p, log)
		} else {
			err = rdso.CheckFile(p, log)
		}
		if err != nil {
			log.Error("%s", err)
		} else {
			log.Verbose("%s: ok", p)
		}
		return nil
	})
	log.CheckError(err)

	if log.Errors() == 0 {
		log.Print("%d parts checked, %d without parity files", len(parts), nUnprotected.Load())
	}
}
