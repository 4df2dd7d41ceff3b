// container/chunk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package container

import (
	"crypto/aes"
	"crypto/cipher"
)

// EncryptChunk encrypts a single block-aligned chunk of plaintext with
// AES-256 in CBC mode using the given key and initialization vector. No
// chaining state is carried from one call to the next, so chunks can be
// encrypted independently and in any order.
func EncryptChunk(plaintext, key, iv []byte) ([]byte, error) {
	mode, err := chunkMode(plaintext, key, iv, true)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	mode.CryptBlocks(ciphertext, plaintext)
	return ciphertext, nil
}

// DecryptChunk is the inverse of EncryptChunk.
func DecryptChunk(ciphertext, key, iv []byte) ([]byte, error) {
	mode, err := chunkMode(ciphertext, key, iv, false)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	mode.CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

func chunkMode(data, key, iv []byte, encrypt bool) (cipher.BlockMode, error) {
	if len(data)%BlockSize != 0 || len(iv) != IVSize || len(key) != KeySize {
		return nil, ErrInvalidInputLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCBCEncrypter(block, iv), nil
	}
	return cipher.NewCBCDecrypter(block, iv), nil
}
