// backup/dest.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"strings"

	"github.com/mmp/bkcrypt/archive"
)

// DestType says where a finished backup goes.
type DestType int

const (
	// HDD leaves the backup as a single file in the output directory.
	HDD DestType = iota
	// USBSplit splits the backup into fixed-size parts in a directory of
	// their own.
	USBSplit
	// Cloud hands the backup to a (simulated) upload.
	Cloud
)

var destNames = []string{
	HDD:      "hdd",
	USBSplit: "usb_split",
	Cloud:    "cloud",
}

// ParseDestType maps a destination name to a DestType. Unknown names are
// reported as archive.ErrUnsupportedAlgorithm, the same as unknown
// compression algorithms.
func ParseDestType(s string) (DestType, error) {
	for i, n := range destNames {
		if n == strings.ToLower(s) {
			return DestType(i), nil
		}
	}
	return 0, fmt.Errorf("destination %q: %w", s, archive.ErrUnsupportedAlgorithm)
}

func (d DestType) String() string {
	if d < 0 || int(d) >= len(destNames) {
		return fmt.Sprintf("DestType(%d)", int(d))
	}
	return destNames[d]
}

func (d DestType) valid() bool {
	return d >= 0 && int(d) < len(destNames)
}
