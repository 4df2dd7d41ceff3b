// container/codec.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package container implements the chunked encryption container used for
// backup artifacts. A container is a 16-byte salt followed by a sequence
// of records, one per 64 KiB chunk of the source stream:
//
//	[salt: 16 bytes]
//	repeated {
//		[iv: 16 bytes]
//		[ciphertext: up to 64 KiB (+16 for the last record), block aligned]
//	}
//
// Each record carries its own random IV and is encrypted with AES-256-CBC
// independently of its neighbors, so records can be encrypted and
// decrypted in parallel. Only the final chunk is padded. There's no
// explicit record length: every record but the last holds exactly
// ChunkSize bytes of ciphertext, and the last record is whatever follows
// the final IV. (If the final plaintext chunk is a full ChunkSize bytes,
// its padding adds one more block, which is the only case where a record
// is longer than ChunkSize.)
//
// Note that there's no integrity protection; a wrong passphrase is
// usually, but not always, detected through invalid padding in the last
// record.
package container

import (
	"bufio"
	"crypto/aes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mmp/bkcrypt/executor"
	u "github.com/mmp/bkcrypt/util"
)

const (
	SaltSize  = 16
	KeySize   = 32
	BlockSize = aes.BlockSize
	IVSize    = aes.BlockSize
	ChunkSize = 64 * 1024
)

var (
	ErrInvalidInputLength = errors.New("invalid input length")
	ErrEmptyPassphrase    = errors.New("cannot use an empty passphrase")
	ErrPadding            = errors.New("invalid padding; wrong passphrase or corrupt container")
	ErrCorruptContainer   = errors.New("corrupt container")
)

// Codec encrypts and decrypts containers. The zero value is ready to use;
// it processes chunks on the calling goroutine.
type Codec struct {
	// Executor runs the per-chunk encryption and decryption tasks.
	Executor executor.Executor
	// Iterations overrides the number of key derivation rounds; zero means
	// Iterations. It is not stored in the container, so decoding must use
	// the value encoding did.
	Iterations int
	// Rand is the source of salts and IVs; crypto/rand if nil. All random
	// values are drawn sequentially in stream order.
	Rand io.Reader
	Log  *u.Logger
}

var defaultCodec = &Codec{}

// Encode encrypts src into dst using the default codec.
func Encode(src io.Reader, dst io.Writer, passphrase []byte) error {
	return defaultCodec.Encode(src, dst, passphrase)
}

// Decode decrypts the container in src into dst using the default codec.
func Decode(src io.Reader, dst io.Writer, passphrase []byte) error {
	return defaultCodec.Decode(src, dst, passphrase)
}

// EncodeFile encrypts the file srcPath to a new container at dstPath
// using the default codec.
func EncodeFile(srcPath, dstPath string, passphrase []byte) error {
	return defaultCodec.EncodeFile(srcPath, dstPath, passphrase)
}

// DecodeFile decrypts the container srcPath to dstPath using the default
// codec.
func DecodeFile(srcPath, dstPath string, passphrase []byte) error {
	return defaultCodec.DecodeFile(srcPath, dstPath, passphrase)
}

func (c *Codec) executor() executor.Executor {
	if c.Executor == nil {
		return executor.Inline()
	}
	return c.Executor
}

func (c *Codec) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

// Number of chunks handed to the executor at once; this bounds memory use
// to a few chunks per worker.
func (c *Codec) window() int {
	return 4 * c.executor().Workers()
}

func (c *Codec) randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(c.rand(), b)
	return b, err
}

// record is one (iv, data) pair; data is plaintext or ciphertext depending
// on where we are in the pipeline.
type record struct {
	iv, data []byte
}

///////////////////////////////////////////////////////////////////////////
// Encoding

// Encode reads all of src, encrypts it with a key derived from the
// passphrase, and writes the resulting container to dst.
func (c *Codec) Encode(src io.Reader, dst io.Writer, passphrase []byte) error {
	salt, err := c.randomBytes(SaltSize)
	if err != nil {
		return err
	}
	key, err := DeriveKeyIterations(passphrase, salt, c.Iterations)
	if err != nil {
		return err
	}
	if _, err := dst.Write(salt); err != nil {
		return err
	}

	br := bufio.NewReaderSize(src, ChunkSize)
	ex := c.executor()
	nRecords := 0
	for done := false; !done; {
		// Gather the next window of chunks. IVs are generated here, in
		// stream order, rather than in the tasks.
		var recs []record
		for len(recs) < c.window() && !done {
			chunk, last, err := readChunk(br)
			if err != nil {
				return err
			}
			done = last
			if chunk == nil {
				break
			}
			iv, err := c.randomBytes(IVSize)
			if err != nil {
				return err
			}
			if last {
				chunk = Pad(chunk)
			}
			recs = append(recs, record{iv: iv, data: chunk})
		}

		err := ex.Run(len(recs), func(i int) error {
			ct, err := EncryptChunk(recs[i].data, key, recs[i].iv)
			if err != nil {
				return err
			}
			recs[i].data = ct
			return nil
		})
		if err != nil {
			return err
		}

		// Results are indexed by position, so whatever order the tasks
		// finished in, they go out in stream order.
		for _, r := range recs {
			if _, err := dst.Write(r.iv); err != nil {
				return err
			}
			if _, err := dst.Write(r.data); err != nil {
				return err
			}
		}
		nRecords += len(recs)
	}

	c.Log.Debug("encrypted %d records", nRecords)
	return nil
}

// readChunk returns the next ChunkSize bytes from the reader (or fewer at
// the end of the stream) and reports whether it's the last chunk. An empty
// stream gives a nil chunk.
func readChunk(br *bufio.Reader) ([]byte, bool, error) {
	buf := make([]byte, ChunkSize)
	n, err := io.ReadFull(br, buf)
	switch err {
	case nil:
		// Look ahead to see whether this full chunk ends the stream.
		if _, err := br.Peek(1); err == io.EOF {
			return buf, true, nil
		} else if err != nil {
			return nil, false, err
		}
		return buf, false, nil
	case io.ErrUnexpectedEOF:
		return buf[:n], true, nil
	case io.EOF:
		return nil, true, nil
	default:
		return nil, false, err
	}
}

///////////////////////////////////////////////////////////////////////////
// Decoding

// Decode decrypts the container in src with a key derived from the
// passphrase, writing the plaintext to dst. If it returns an error, any
// data already written to dst must be discarded.
func (c *Codec) Decode(src io.Reader, dst io.Writer, passphrase []byte) error {
	br := bufio.NewReaderSize(src, ChunkSize+2*IVSize)
	salt, err := readSalt(br)
	if err != nil {
		return err
	}
	key, err := DeriveKeyIterations(passphrase, salt, c.Iterations)
	if err != nil {
		return err
	}

	ex := c.executor()
	nRecords := 0
	for done := false; !done; {
		var recs []record
		for len(recs) < c.window() && !done {
			rec, last, err := readRecord(br)
			if err != nil {
				return err
			}
			done = last
			if rec.iv == nil {
				break
			}
			recs = append(recs, rec)
		}

		err := ex.Run(len(recs), func(i int) error {
			pt, err := DecryptChunk(recs[i].data, key, recs[i].iv)
			if err != nil {
				return err
			}
			recs[i].data = pt
			return nil
		})
		if err != nil {
			return err
		}

		if done && len(recs) > 0 {
			last := &recs[len(recs)-1]
			if last.data, err = Unpad(last.data); err != nil {
				return err
			}
		}

		for _, r := range recs {
			if _, err := dst.Write(r.data); err != nil {
				return err
			}
		}
		nRecords += len(recs)
	}

	c.Log.Debug("decrypted %d records", nRecords)
	return nil
}

func readSalt(br *bufio.Reader) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(br, salt); err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("%w: missing salt", ErrCorruptContainer)
	} else if err != nil {
		return nil, err
	}
	return salt, nil
}

// readRecord reads the next (iv, ciphertext) record and reports whether
// it's the last one. At the end of the container it returns a record with
// a nil iv.
func readRecord(br *bufio.Reader) (record, bool, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(br, iv); err == io.EOF {
		return record{}, true, nil
	} else if err == io.ErrUnexpectedEOF {
		return record{}, false, fmt.Errorf("%w: truncated IV", ErrCorruptContainer)
	} else if err != nil {
		return record{}, false, err
	}

	data := make([]byte, ChunkSize, ChunkSize+BlockSize)
	n, err := io.ReadFull(br, data)
	last := false
	switch err {
	case nil:
		// A full window. It's the last record if nothing follows, or if
		// only a single block follows; that's the padding of a final
		// chunk that was exactly ChunkSize bytes long. (A real record
		// needs at least an IV and one block.)
		next, err := br.Peek(IVSize + 1)
		switch {
		case len(next) == 0 && err == io.EOF:
			last = true
		case len(next) == BlockSize && err == io.EOF:
			data = append(data, next...)
			if _, err := br.Discard(len(next)); err != nil {
				return record{}, false, err
			}
			last = true
		case err != nil && err != io.EOF:
			return record{}, false, err
		}
	case io.ErrUnexpectedEOF:
		data = data[:n]
		last = true
	case io.EOF:
		return record{}, false, fmt.Errorf("%w: IV without ciphertext", ErrCorruptContainer)
	default:
		return record{}, false, err
	}

	if len(data)%BlockSize != 0 {
		return record{}, false, fmt.Errorf("%w: record of %d bytes isn't block aligned",
			ErrCorruptContainer, len(data))
	}
	return record{iv: iv, data: data}, last, nil
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile encrypts the file at srcPath into a new container at
// dstPath. On failure, dstPath is removed.
func (c *Codec) EncodeFile(srcPath, dstPath string, passphrase []byte) error {
	return transformFile(srcPath, dstPath, func(r io.Reader, w io.Writer) error {
		return c.Encode(r, w, passphrase)
	})
}

// DecodeFile decrypts the container at srcPath to dstPath. On failure,
// including a padding error, dstPath is removed so that no partial
// plaintext is left behind.
func (c *Codec) DecodeFile(srcPath, dstPath string, passphrase []byte) error {
	return transformFile(srcPath, dstPath, func(r io.Reader, w io.Writer) error {
		return c.Decode(r, w, passphrase)
	})
}

func transformFile(srcPath, dstPath string, f func(io.Reader, io.Writer) error) (err error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dstPath)
		}
	}()

	bw := bufio.NewWriterSize(out, ChunkSize)
	if err = f(in, bw); err != nil {
		return fmt.Errorf("%s: %w", srcPath, err)
	}
	return bw.Flush()
}

///////////////////////////////////////////////////////////////////////////
// Inspection

// Stats describes the structure of a container.
type Stats struct {
	Salt []byte
	// Ciphertext length of each record, in order.
	RecordSizes []int
}

func (s Stats) Records() int {
	return len(s.RecordSizes)
}

// CiphertextBytes returns the total number of ciphertext bytes in all
// records, not counting IVs.
func (s Stats) CiphertextBytes() int64 {
	var n int64
	for _, sz := range s.RecordSizes {
		n += int64(sz)
	}
	return n
}

// Inspect walks the records of a container without decrypting anything.
func Inspect(r io.Reader) (Stats, error) {
	br := bufio.NewReaderSize(r, ChunkSize+2*IVSize)
	var s Stats
	var err error
	if s.Salt, err = readSalt(br); err != nil {
		return s, err
	}
	for {
		rec, last, err := readRecord(br)
		if err != nil {
			return s, err
		}
		if rec.iv != nil {
			s.RecordSizes = append(s.RecordSizes, len(rec.data))
		}
		if last {
			return s, nil
		}
	}
}
