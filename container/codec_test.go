// container/codec_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package container

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/bkcrypt/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shuffled is an executor that runs its tasks one at a time in a random
// order, to simulate tasks finishing in arbitrary order.
type shuffled struct {
	rng *rand.Rand
}

func (s shuffled) Run(n int, task func(i int) error) error {
	for _, i := range s.rng.Perm(n) {
		if err := task(i); err != nil {
			return err
		}
	}
	return nil
}

func (s shuffled) Workers() int { return 3 }

func randomBytes(t *testing.T, n int) []byte {
	seed := int64(os.Getpid()) + int64(n)
	rng := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, _ = rng.Read(b)
	return b
}

func roundTrip(t *testing.T, c *Codec, data []byte, passphrase string) []byte {
	var enc bytes.Buffer
	require.NoError(t, c.Encode(bytes.NewReader(data), &enc, []byte(passphrase)))

	var dec bytes.Buffer
	require.NoError(t, c.Decode(bytes.NewReader(enc.Bytes()), &dec, []byte(passphrase)))
	return dec.Bytes()
}

func TestRoundTripSizes(t *testing.T) {
	codecs := map[string]*Codec{
		"inline":   {Iterations: 1000},
		"parallel": {Iterations: 1000, Executor: executor.NewParallel(4)},
	}
	sizes := []int{0, 1, BlockSize, ChunkSize - 1, ChunkSize, ChunkSize + 1,
		2 * ChunkSize, 3*1024*1024 + 123}

	for name, c := range codecs {
		for _, n := range sizes {
			data := randomBytes(t, n)
			got := roundTrip(t, c, data, "passphrase")
			if !bytes.Equal(data, got) {
				t.Errorf("%s: size %d: round trip mismatch (got %d bytes)", name, n, len(got))
			}
		}
	}
}

func TestScenario130KiB(t *testing.T) {
	data := randomBytes(t, 130*1024)

	var enc bytes.Buffer
	require.NoError(t, Encode(bytes.NewReader(data), &enc, []byte("correct")))

	stats, err := Inspect(bytes.NewReader(enc.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Records())
	assert.Equal(t, []int{ChunkSize, ChunkSize, 2*1024 + BlockSize}, stats.RecordSizes)
	assert.Equal(t, SaltSize+3*IVSize+int(stats.CiphertextBytes()), enc.Len())

	var dec bytes.Buffer
	require.NoError(t, Decode(bytes.NewReader(enc.Bytes()), &dec, []byte("correct")))
	assert.Equal(t, data, dec.Bytes())

	var wrong bytes.Buffer
	err = Decode(bytes.NewReader(enc.Bytes()), &wrong, []byte("wrong"))
	// There's a small chance that garbage happens to look like valid
	// padding; in that case the output must at least be garbled.
	if err == nil {
		assert.NotEqual(t, data, wrong.Bytes())
	} else {
		assert.ErrorIs(t, err, ErrPadding)
	}
}

func TestExactChunkMultiple(t *testing.T) {
	c := &Codec{Iterations: 1000}
	for _, n := range []int{ChunkSize, 3 * ChunkSize} {
		data := randomBytes(t, n)
		var enc bytes.Buffer
		require.NoError(t, c.Encode(bytes.NewReader(data), &enc, []byte("pw")))

		stats, err := Inspect(bytes.NewReader(enc.Bytes()))
		require.NoError(t, err)
		require.Equal(t, n/ChunkSize, stats.Records())
		// Padding of the final full chunk spills one block past the
		// window.
		assert.Equal(t, ChunkSize+BlockSize, stats.RecordSizes[stats.Records()-1])

		var dec bytes.Buffer
		require.NoError(t, c.Decode(bytes.NewReader(enc.Bytes()), &dec, []byte("pw")))
		assert.Equal(t, data, dec.Bytes())
	}
}

func TestEmptyContainer(t *testing.T) {
	c := &Codec{Iterations: 1000}
	var enc bytes.Buffer
	require.NoError(t, c.Encode(bytes.NewReader(nil), &enc, []byte("pw")))
	assert.Equal(t, SaltSize, enc.Len())

	stats, err := Inspect(bytes.NewReader(enc.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Records())
}

func TestWrongPassphrase(t *testing.T) {
	c := &Codec{Iterations: 1000}
	failures := 0
	for i := 0; i < 8; i++ {
		data := randomBytes(t, 1000+i)
		var enc bytes.Buffer
		require.NoError(t, c.Encode(bytes.NewReader(data), &enc, []byte("right")))

		var dec bytes.Buffer
		err := c.Decode(bytes.NewReader(enc.Bytes()), &dec, []byte("wrong"))
		if err != nil {
			assert.ErrorIs(t, err, ErrPadding)
			failures++
		} else {
			assert.NotEqual(t, data, dec.Bytes())
		}
	}
	// Each of these has a ~1/256 chance of slipping through as valid
	// padding.
	assert.Greater(t, failures, 4)
}

func TestOrderInvariance(t *testing.T) {
	data := randomBytes(t, 20*ChunkSize+777)
	encodeWith := func(ex executor.Executor) []byte {
		c := &Codec{
			Iterations: 1000,
			Executor:   ex,
			Rand:       rand.New(rand.NewSource(42)),
		}
		var enc bytes.Buffer
		require.NoError(t, c.Encode(bytes.NewReader(data), &enc, []byte("pw")))
		return enc.Bytes()
	}

	reference := encodeWith(executor.Inline())
	for seed := int64(0); seed < 4; seed++ {
		got := encodeWith(shuffled{rand.New(rand.NewSource(seed))})
		require.True(t, bytes.Equal(reference, got), "shuffled seed %d", seed)
	}
	require.True(t, bytes.Equal(reference, encodeWith(executor.NewParallel(8))))

	for seed := int64(0); seed < 4; seed++ {
		c := &Codec{Iterations: 1000, Executor: shuffled{rand.New(rand.NewSource(seed))}}
		var dec bytes.Buffer
		require.NoError(t, c.Decode(bytes.NewReader(reference), &dec, []byte("pw")))
		require.True(t, bytes.Equal(data, dec.Bytes()), "shuffled decode seed %d", seed)
	}
}

func TestCorruptContainers(t *testing.T) {
	c := &Codec{Iterations: 1000}
	var enc bytes.Buffer
	require.NoError(t, c.Encode(bytes.NewReader(randomBytes(t, 5000)), &enc, []byte("pw")))
	full := enc.Bytes()

	for name, b := range map[string][]byte{
		"empty":          nil,
		"short salt":     full[:SaltSize-1],
		"truncated iv":   full[:SaltSize+IVSize-3],
		"iv only":        full[:SaltSize+IVSize],
		"unaligned tail": full[:len(full)-5],
	} {
		var dec bytes.Buffer
		err := c.Decode(bytes.NewReader(b), &dec, []byte("pw"))
		assert.ErrorIs(t, err, ErrCorruptContainer, name)

		_, err = Inspect(bytes.NewReader(b))
		assert.ErrorIs(t, err, ErrCorruptContainer, name)
	}

	// Trailing garbage shorter than an IV after the last record.
	var dec bytes.Buffer
	err := c.Decode(bytes.NewReader(append(dupe(full), 1, 2, 3)), &dec, []byte("pw"))
	assert.Error(t, err)
}

func TestDecodeFileRemovesOutputOnFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain")
	enc := filepath.Join(dir, "plain.enc")
	dec := filepath.Join(dir, "plain.dec")

	data := randomBytes(t, 3*ChunkSize+5)
	require.NoError(t, os.WriteFile(src, data, 0600))

	c := &Codec{Iterations: 1000, Executor: executor.NewParallel(2)}
	require.NoError(t, c.EncodeFile(src, enc, []byte("correct")))
	require.NoError(t, c.DecodeFile(enc, dec, []byte("correct")))
	got, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, os.Remove(dec))
	err = c.DecodeFile(enc, dec, []byte("incorrect"))
	if err != nil {
		assert.True(t, errors.Is(err, ErrPadding))
		_, statErr := os.Stat(dec)
		assert.True(t, os.IsNotExist(statErr))
	}

	err = c.EncodeFile(filepath.Join(dir, "missing"), filepath.Join(dir, "x.enc"), []byte("pw"))
	assert.True(t, os.IsNotExist(errors.Unwrap(err)) || os.IsNotExist(err))
}

func dupe(b []byte) []byte {
	return append([]byte(nil), b...)
}
