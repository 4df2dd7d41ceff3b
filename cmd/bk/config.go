// cmd/bk/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

// Config gives defaults for command-line options. Options given on the
// command line take precedence.
type Config struct {
	OutputDir    string   `yaml:"output_dir"`
	Sources      []string `yaml:"sources"`
	Algo         string   `yaml:"algo"`
	DestType     string   `yaml:"dest_type"`
	SplitChunkMB int64    `yaml:"split_chunk_mb"`
	Encrypt      bool     `yaml:"encrypt"`
	Parity       bool     `yaml:"parity"`
	UploadLimit  int      `yaml:"upload_limit"`
	Workers      int      `yaml:"workers"`
	Verbose      bool     `yaml:"verbose"`
	Debug        bool     `yaml:"debug"`
}

func readConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err = yaml.UnmarshalStrict(data, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// values returns the configuration's settings as flag values, keyed by
// flag name. Zero values are left out.
func (c Config) values() map[string]string {
	v := make(map[string]string)
	set := func(name, value string, ok bool) {
		if ok {
			v[name] = value
		}
	}
	set("output-dir", c.OutputDir, c.OutputDir != "")
	set("sources", strings.Join(c.Sources, ","), len(c.Sources) > 0)
	set("algo", c.Algo, c.Algo != "")
	set("dest-type", c.DestType, c.DestType != "")
	set("split-chunk-mb", strconv.FormatInt(c.SplitChunkMB, 10), c.SplitChunkMB != 0)
	set("encrypt", "true", c.Encrypt)
	set("parity", "true", c.Parity)
	set("upload-limit", strconv.Itoa(c.UploadLimit), c.UploadLimit != 0)
	set("workers", strconv.Itoa(c.Workers), c.Workers != 0)
	set("verbose", "true", c.Verbose)
	set("debug", "true", c.Debug)
	return v
}

// applyConfig reads the configuration file given by path, or by
// $BK_CONFIG if path is empty, and uses it to set any of the flags that
// weren't given on the command line. No file at all is fine.
func applyConfig(flags *flag.FlagSet, path string) error {
	if path == "" {
		path = os.Getenv("BK_CONFIG")
	}
	if path == "" {
		return nil
	}

	c, err := readConfig(path)
	if err != nil {
		return err
	}
	for name, value := range c.values() {
		if flags.Lookup(name) == nil || flags.Changed(name) {
			continue
		}
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("%s: %s: %w", path, name, err)
		}
	}
	return nil
}
