// container/padding.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package container

import "bytes"

// Pad applies PKCS#7 padding so that the result is a multiple of
// BlockSize. Input that's already aligned gets a full block of padding, so
// Unpad can always tell how much to strip.
func Pad(data []byte) []byte {
	n := BlockSize - len(data)%BlockSize
	padded := make([]byte, len(data), len(data)+n)
	copy(padded, data)
	return append(padded, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Unpad removes padding added by Pad. It returns ErrPadding if the
// trailing bytes aren't a valid padding pattern, which after decryption
// usually means the wrong passphrase was given.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 || len(padded)%BlockSize != 0 {
		return nil, ErrPadding
	}
	n := int(padded[len(padded)-1])
	if n == 0 || n > BlockSize {
		return nil, ErrPadding
	}
	for _, b := range padded[len(padded)-n:] {
		if int(b) != n {
			return nil, ErrPadding
		}
	}
	return padded[:len(padded)-n], nil
}
