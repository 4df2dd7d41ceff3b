// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files. Backups split
// into parts for removable media use these to write a ".rs" sidecar next
// to each part.

package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bkcrypt/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrFileCorrupt   = errors.New("file contents don't match Reed-Solomon hashes")
	ErrUnrecoverable = errors.New("too many corrupt shards to recover file")
	ErrBadParams     = errors.New("invalid Reed-Solomon parameters")
)

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// Params describes how a file is sharded. The zero value means no
// Reed-Solomon encoding.
type Params struct {
	DataShards, ParityShards int
	// Each shard is hashed in pieces of this many bytes, which sets the
	// granularity at which corruption is detected and repaired.
	HashRate int64
}

var DefaultParams = Params{DataShards: 17, ParityShards: 3, HashRate: 64 * 1024}

func (p Params) Enabled() bool {
	return p.DataShards > 0 && p.ParityShards > 0
}

func (p Params) validate() error {
	if !p.Enabled() || p.HashRate <= 0 || p.DataShards+p.ParityShards > 256 {
		return fmt.Errorf("%w: %+v", ErrBadParams, p)
	}
	return nil
}

// SidecarPath returns the path of the Reed-Solomon file for the given
// data file.
func SidecarPath(fn string) string {
	return fn + ".rs"
}

// ReedSolomonFile is what's stored (gob-encoded) in a .rs file.
type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// Encode computes parity shards and hashes for data and writes the
// gob-encoded ReedSolomonFile to w.
func Encode(data []byte, w io.Writer, p Params) error {
	if err := p.validate(); err != nil {
		return err
	}
	rs := ReedSolomonFile{
		FileSize:      int64(len(data)),
		NDataShards:   p.DataShards,
		NParityShards: p.ParityShards,
		HashRate:      p.HashRate,
	}

	// Nothing to protect in an empty file; the sidecar just records the
	// size.
	if len(data) > 0 {
		dataShards := shardData(data, rs.FileSize, rs.NDataShards)

		// Allocate storage for the parity shards.
		for i := 0; i < rs.NParityShards; i++ {
			rs.ParityShards = append(rs.ParityShards,
				make([]byte, len(dataShards[0])))
		}

		enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
		if err != nil {
			return err
		}
		allShards := append(dataShards, rs.ParityShards...)
		if err = enc.Encode(allShards); err != nil {
			return err
		}
		if ok, err := enc.Verify(allShards); !ok || err != nil {
			return fmt.Errorf("parity verification failed after encoding: %v", err)
		}

		for _, s := range allShards {
			rs.Hashes = append(rs.Hashes, hash(shard(s, rs.HashRate)))
		}
	}

	return gob.NewEncoder(w).Encode(rs)
}

// Check verifies data against the Reed-Solomon file read from rs,
// returning ErrFileCorrupt if any shard doesn't match its hash.
func Check(data []byte, rs io.Reader) error {
	_, err := checkOrRestore(data, rs, nil, false)
	return err
}

// Restore verifies data against the Reed-Solomon file read from rs and
// returns the repaired contents. If data was fine, it's returned as is.
func Restore(data []byte, rs io.Reader) ([]byte, error) {
	return checkOrRestore(data, rs, nil, true)
}

// shardData copies data into nShards equally-sized shards, zero padding
// (or truncating) to what a file of the given size would need.
func shardData(data []byte, size int64, nShards int) [][]byte {
	shardSize := (size + int64(nShards) - 1) / int64(nShards)
	buf := make([]byte, int64(nShards)*shardSize)
	copy(buf, data)
	return shard(buf, shardSize)
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

func checkOrRestore(data []byte, rsr io.Reader, log *u.Logger, restore bool) ([]byte, error) {
	var rs ReedSolomonFile
	if err := gob.NewDecoder(rsr).Decode(&rs); err != nil {
		return nil, err
	}

	if rs.FileSize == 0 {
		if len(data) != 0 {
			warn(log, "expected empty file, got %d bytes", len(data))
			if !restore {
				return nil, ErrFileCorrupt
			}
		}
		return []byte{}, nil
	}

	dataShards := shardData(data, rs.FileSize, rs.NDataShards)

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	if len(rs.Hashes) != len(allShards) {
		return nil, fmt.Errorf("%w: %d hash lists for %d shards", ErrBadParams,
			len(rs.Hashes), len(allShards))
	}

	// A file of the wrong length is corrupt even if the shards happen to
	// hash correctly.
	errors := 0
	if int64(len(data)) != rs.FileSize {
		warn(log, "file size %d, expected %d", len(data), rs.FileSize)
		errors++
	}

	// Loop over the hash chunks
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) != rs.Hashes[s][hc] {
				kind, idx := "data", s
				if s >= len(dataShards) {
					kind, idx = "parity", s-len(dataShards)
				}
				warn(log, "%s shard %d hash %d mismatch", kind, idx, hc)
				errors++
				// nil it out (in case we're going to try and recover)
				allShards[s][hc] = nil
			}
		}
	}

	if errors == 0 {
		return data, nil
	}
	if !restore {
		return nil, ErrFileCorrupt
	}

	// Try to recover the file.
	enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
	if err != nil {
		return nil, err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing == 0 {
			continue
		}
		if missing > rs.NParityShards {
			return nil, ErrUnrecoverable
		}
		if err = enc.ReconstructData(recon); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecoverable, err)
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
		}
	}

	var out bytes.Buffer
	w := &limitedWriter{&out, rs.FileSize}
	for _, shard := range dataShards {
		if _, err = w.Write(shard); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

// warn reports a problem if there's someone to report it to; Check and
// Restore are silent.
func warn(log *u.Logger, f string, args ...interface{}) {
	if log != nil {
		log.Warning(f, args...)
	}
}

type limitedWriter struct {
	W io.Writer
	N int64
}

func (w *limitedWriter) Write(data []byte) (int, error) {
	if int64(len(data)) > w.N {
		data = data[:w.N]
	}
	n, err := w.W.Write(data)
	w.N -= int64(n)
	return n, err
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon sidecar for the file fn.
func EncodeFile(fn string, p Params) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	return EncodeBytes(fn, data, p)
}

// EncodeBytes writes the Reed-Solomon sidecar for fn given its contents,
// for callers that already have them in memory.
func EncodeBytes(fn string, data []byte, p Params) error {
	var buf bytes.Buffer
	if err := Encode(data, &buf, p); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return os.WriteFile(SidecarPath(fn), buf.Bytes(), 0644)
}

func CheckFile(fn string, log *u.Logger) error {
	data, rs, err := readFiles(fn)
	if err != nil {
		return err
	}
	if _, err = checkOrRestore(data, bytes.NewReader(rs), log, false); err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	return nil
}

// RestoreFile repairs fn in place if it doesn't match its sidecar.
func RestoreFile(fn string, log *u.Logger) error {
	data, rs, err := readFiles(fn)
	if err != nil {
		return err
	}
	fixed, err := checkOrRestore(data, bytes.NewReader(rs), log, true)
	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	if bytes.Equal(fixed, data) {
		return nil
	}

	// Write out new file, then move it into place.
	tmp := fn + ".recovered"
	if err := os.WriteFile(tmp, fixed, 0644); err != nil {
		return err
	}
	log.Verbose("%s: recovered from Reed-Solomon parity", fn)
	return os.Rename(tmp, fn)
}

// ReadVerified returns the contents of fn, checked against (and if repair
// is set, repaired using) its sidecar. Files without a sidecar are
// returned unchecked.
func ReadVerified(fn string, repair bool, log *u.Logger) ([]byte, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	rs, err := os.ReadFile(SidecarPath(fn))
	if os.IsNotExist(err) {
		return data, nil
	} else if err != nil {
		return nil, err
	}
	fixed, err := checkOrRestore(data, bytes.NewReader(rs), log, repair)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	return fixed, nil
}

func readFiles(fn string) ([]byte, []byte, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, nil, err
	}
	rs, err := os.ReadFile(SidecarPath(fn))
	if err != nil {
		return nil, nil, err
	}
	return data, rs, nil
}
