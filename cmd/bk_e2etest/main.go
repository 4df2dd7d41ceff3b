// cmd/bk_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// bk_e2etest repeatedly modifies a random directory hierarchy, backs it up
// with the bk binary (with a random compression algorithm, destination and
// encryption setting), restores it and checks that the restored files
// match.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var nDirs = 1

const BkDir = "/tmp/bk_e2e"

func main() {
	seed := os.Getpid()
	log.Printf("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(BkDir)
	if err := os.Mkdir(BkDir, 0700); err != nil {
		log.Fatal(err)
	}
	os.Setenv("BK_PASSPHRASE", "foobar")
	backupTest(randBool(), 10)
}

func randBool() bool {
	return rand.Float32() < .5
}

func randChoice(s ...string) string {
	return s[rand.Intn(len(s))]
}

func expSize() int64 {
	logSize := rand.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(c string, args ...string) ([]byte, error) {
	log.Printf("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}

	killed := false
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(12))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Printf("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Printf("Kill error! %v", err)
			} else {
				log.Printf("Killed process sucessfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Printf("Wait result %v", err)
	}
	if killed {
		// An interrupted run may leave intermediates behind; they're
		// always safe to delete.
		err := filepath.Walk(BkDir,
			func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if strings.HasPrefix(info.Name(), "temp_") {
					log.Printf("Removing %s", path)
					if err := os.RemoveAll(path); err != nil {
						return err
					}
					if info.IsDir() {
						return filepath.SkipDir
					}
				}
				return nil
			})
		if err != nil {
			log.Fatal(err)
		}
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

func backupTest(randomlyKill bool, iters int) {
	tmpSrc, err := os.MkdirTemp("", "bk-test-src")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local src directory: %s", tmpSrc)
	defer os.RemoveAll(tmpSrc)

	tmpDst, err := os.MkdirTemp("", "bk-test-dst")
	if err != nil {
		log.Fatalf("%s", err)
	}
	log.Printf("Local dst directory: %s", tmpDst)
	defer os.RemoveAll(tmpDst)

	for i := 0; i < iters; i++ {
		// Backups are named by the second they were made at.
		time.Sleep(time.Second)

		if err := update(tmpSrc); err != nil {
			log.Fatalf("%s\n", err)
		}

		out := filepath.Join(BkDir, fmt.Sprintf("bk-%d", i))
		b, err := backup(tmpSrc, out, randomlyKill)
		if err != nil {
			log.Fatalf("%s\n", err)
		}

		// restore to second tmp dir
		if err := restore(b, tmpDst); err != nil {
			log.Fatalf("%s\n", err)
		}

		restored := filepath.Join(tmpDst, filepath.Base(tmpSrc))
		if err = compare(tmpSrc, restored); err != nil {
			log.Fatalf("%s", err)
		}
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rand.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Printf("Updating %s", dir)

	return filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						err := os.Mkdir(n, 0700)
						log.Printf("%s: created directory", n)
						if err != nil {
							return err
						}
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						buf := make([]byte, expSize())
						_, _ = rand.Read(buf)
						if err := os.WriteFile(n, buf, 0644); err != nil {
							return err
						}
						log.Printf("%s: created file. length %d", n, len(buf))
					}
				}
				filesLeftToCreate -= filesToCreate
				return nil
			}

			if randBool() {
				// Advance the modified time.  Don't go into the future.
				for {
					ms := rand.Intn(10000)
					t := stat.ModTime().Add(time.Duration(ms) * time.Millisecond)
					if t.Before(time.Now()) {
						err := os.Chtimes(path, t, t)
						if err != nil {
							return err
						}
						log.Printf("%s: advanced modification time to %s", path, t.String())
						break
					}
				}
			}

			perms := stat.Mode()
			if randBool() {
				// change permissions
				newp := rand.Intn(0777) | 0400
				err := os.Chmod(path, os.FileMode(newp))
				if err != nil {
					return err
				}
				log.Printf("%s: changed permissions to %#o", path, newp)
				perms = os.FileMode(newp)
			}

			if randBool() && (perms&0600) == 0600 {
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				// seek somewhere and write some stuff
				offset := int64(0)
				if stat.Size() > 0 {
					offset = rand.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rand.Read(b)
				_, err = f.WriteAt(b, offset)
				log.Printf("%s: wrote %d bytes at offset %d", path, len(b), offset)
				if err != nil {
					return err
				}

				if randBool() && stat.Size() > 0 {
					// truncate it as well
					sz := rand.Int63n(stat.Size())
					err := f.Truncate(int64(sz))
					if err != nil {
						return err
					}
					log.Printf("%s: truncated at %d", path, sz)
				}
			}

			return nil
		})
}

// A finished backup, as found in its output directory.
type result struct {
	path    string
	isSplit bool
	base    string
	parity  bool
}

func backup(dir, out string, randomlyKill bool) (result, error) {
	log.Printf("Starting backup")

	dest := randChoice("hdd", "usb_split", "cloud")
	cmd := fmt.Sprintf("bk backup --sources %s --output-dir %s --algo %s --dest-type %s "+
		"--workers %d", dir, out, randChoice("zip", "gzip", "bzip2", "xz"),
		dest, 1+rand.Intn(8))
	if randBool() {
		cmd += " --encrypt"
	}
	parity := false
	if dest == "usb_split" {
		cmd += " --split-chunk-mb 1"
		if parity = randBool(); parity {
			cmd += " --parity"
		}
	}
	if dest == "cloud" && randBool() {
		cmd += " --upload-limit 67108864"
	}

	for {
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(cmd)
		} else {
			_, err = runCommand(cmd)
		}

		if err == errKilled {
			// A killed run may or may not have finished; start over.
			_ = os.RemoveAll(out)
			continue
		} else if err != nil {
			return result{}, err
		}
		break
	}

	storeDir := out
	if dest == "cloud" {
		storeDir = filepath.Join(out, "cloud_upload_mock")
	}
	entries, err := os.ReadDir(storeDir)
	if err != nil {
		return result{}, err
	}
	var found []string
	for _, e := range entries {
		if e.Name() != "cloud_upload_mock" {
			found = append(found, e.Name())
		}
	}
	if len(found) != 1 {
		return result{}, fmt.Errorf("%s: expected a single backup, found %v", storeDir, found)
	}

	r := result{path: filepath.Join(storeDir, found[0]), parity: parity}
	if dest == "usb_split" {
		r.isSplit = true
		r.base = strings.TrimSuffix(found[0], "_parts")
	}
	return r, nil
}

func restore(b result, dir string) (err error) {
	log.Printf("Starting restore")

	err = os.RemoveAll(dir)
	if err != nil {
		log.Fatal(err)
	}

	cmd := fmt.Sprintf("bk restore --source %s --restore-to %s", b.path, dir)
	if b.isSplit {
		cmd += " --is-split --original-base-filename " + b.base
		if b.parity {
			if err := corruptPart(b.path); err != nil {
				return err
			}
			cmd += " --repair"
		}
	}
	_, err = runCommand(cmd)
	return err
}

// corruptPart flips a byte in a random part; restoring with --repair
// should still succeed.
func corruptPart(dir string) error {
	parts, err := filepath.Glob(filepath.Join(dir, "*.part[0-9][0-9][0-9]"))
	if err != nil || len(parts) == 0 {
		return err
	}
	p := parts[rand.Intn(len(parts))]
	b, err := os.ReadFile(p)
	if err != nil || len(b) == 0 {
		return err
	}
	off := rand.Intn(len(b))
	b[off] ^= byte(1 + rand.Intn(255))
	log.Printf("%s: corrupted byte at offset %d", p, off)
	return os.WriteFile(p, b, 0644)
}

func compare(patha, pathb string) error {
	mismatches := 0
	err := filepath.Walk(patha,
		func(pa string, stata os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			// compute corresponding pathname for second file
			rest := pa[len(patha):]
			pb := filepath.Join(pathb, rest)

			statb, err := os.Stat(pb)
			if os.IsNotExist(err) {
				if stata.IsDir() {
					// Archives only hold files; empty directories
					// aren't restored.
					return nil
				}
				log.Printf("%s: not found\n", pb)
				mismatches++
				return nil
			}

			if stata.IsDir() != statb.IsDir() {
				log.Printf("%s: is file/is directory "+
					"mismatch with %s\n", pa, pb)
				mismatches++
				return nil
			}
			if stata.IsDir() {
				return nil
			}

			// compare permissions
			if stata.Mode() != statb.Mode() {
				log.Printf("%s: permissions %#o mismatch "+
					"%s permissions %#o\n", pa, stata.Mode(), pb, statb.Mode())
				mismatches++
			}

			// compare modification times; archives keep them to the
			// second.
			if stata.ModTime().Unix() != statb.ModTime().Unix() {
				log.Printf("%s: mod time %s mismatches "+
					"%s mod time %s\n", pa, stata.ModTime().String(),
					pb, statb.ModTime().String())
				mismatches++
			}

			// compare sizes
			if stata.Size() != statb.Size() {
				log.Printf("%s: size %d mismatches "+
					"%s size %d\n", pa, stata.Size(), pb, statb.Size())
				mismatches++
				return nil
			}

			// compare contents
			cmp := exec.Command("cmp", pa, pb)
			if err := cmp.Run(); err != nil {
				log.Printf("%s and %s differ", pa, pb)
				mismatches++
			}
			return nil
		})

	if err != nil {
		return err
	} else if mismatches > 0 {
		return fmt.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
