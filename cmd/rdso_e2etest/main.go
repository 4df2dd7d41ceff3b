// cmd/rdso_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"errors"
	"math/rand"
	"os"

	"github.com/mmp/bkcrypt/rdso"
	u "github.com/mmp/bkcrypt/util"
)

func main() {
	log := u.NewLogger(true /*verbose*/, false /*debug*/)

	seed := int64(os.Getpid())
	log.Verbose("Seed = %d", seed)
	rng := rand.New(rand.NewSource(seed))

	// Make a file full of random bytes.
	len := 64 + rng.Intn(32*1024*1024)
	log.Verbose("File length %d", len)
	buf := make([]byte, len)
	_, _ = rng.Read(buf)

	f, err := os.CreateTemp("", "rdso_e2e")
	if err != nil {
		log.Fatal("%s", err)
	}
	name := f.Name()
	defer os.Remove(name)
	defer os.Remove(rdso.SidecarPath(name))

	if _, err = f.Write(buf); err != nil {
		log.Fatal("%s", err)
	}
	if err = f.Close(); err != nil {
		log.Fatal("%s", err)
	}

	p := rdso.Params{
		DataShards:   1 + rng.Intn(24),
		ParityShards: 1 + rng.Intn(8),
		HashRate:     int64(128 + (1 << uint(rng.Intn(24)))),
	}
	log.Verbose("%+v", p)
	if err = rdso.EncodeFile(name, p); err != nil {
		log.Fatal("%s", err)
	}
	if err = rdso.CheckFile(name, log); err != nil {
		log.Fatal("%s", err)
	}

	// Corrupt at most as many bytes as there are parity shards, which is
	// always recoverable.
	nErrors := 1 + rng.Intn(p.ParityShards)
	f, err = os.OpenFile(name, os.O_RDWR, 0644)
	if err != nil {
		log.Fatal("%s: %s", name, err)
	}
	for i := 0; i < nErrors; i++ {
		offset := rng.Int63n(int64(len))
		var b [1]byte
		if _, err = f.ReadAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}
		b[0] += byte(1 + rng.Intn(254))
		if _, err = f.WriteAt(b[:], offset); err != nil {
			log.Fatal("%s", err)
		}
	}
	f.Close()

	if err = rdso.CheckFile(name, nil); !errors.Is(err, rdso.ErrFileCorrupt) {
		log.Fatal("CheckFile of corrupted file: got %v", err)
	}
	if err = rdso.RestoreFile(name, log); err != nil {
		log.Fatal("%s", err)
	}
	if err = rdso.CheckFile(name, log); err != nil {
		log.Fatal("check of recovered failed: %s", err)
	}

	restored, err := os.ReadFile(name)
	if err != nil {
		log.Fatal("%s", err)
	}
	if !bytes.Equal(restored, buf) {
		log.Fatal("%s: recovered contents don't match original", name)
	}
	log.Print("ok")
}
