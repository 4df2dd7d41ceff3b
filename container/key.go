// container/key.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package container

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// Iterations is the number of PBKDF2 rounds used to derive a key from a
// passphrase; it's deliberately slow so that brute-forcing passphrases is
// expensive.
const Iterations = 100000

// DeriveKey derives a KeySize-byte encryption key from the given
// passphrase and salt using PBKDF2 with Iterations rounds of HMAC-SHA256.
func DeriveKey(passphrase, salt []byte) ([]byte, error) {
	return DeriveKeyIterations(passphrase, salt, Iterations)
}

// DeriveKeyIterations is like DeriveKey but with a caller-provided number
// of rounds. The same value must be used for encoding and decoding.
func DeriveKeyIterations(passphrase, salt []byte, iterations int) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	if len(salt) != SaltSize {
		return nil, ErrInvalidInputLength
	}
	if iterations <= 0 {
		iterations = Iterations
	}
	return pbkdf2.Key(passphrase, salt, iterations, KeySize, sha256.New), nil
}
