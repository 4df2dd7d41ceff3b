// cmd/bk/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var formatText = `

This document describes the files that bk writes in sufficient detail that
(if ever necessary) a backup can be restored without the bk source code.
We'll proceed from the outside in: first how a backup is named and stored,
then the encrypted container format, then the archive inside it.

# Backup names and destinations

A backup made at a given time is named backup_YYYYmmdd_HHMMSS followed by
the archive extension (.zip, .tar.gz, .tar.bz2 or .tar.xz) and then, if it
is encrypted, .enc. For example: backup_20240102_030405.tar.gz.enc.

With the "hdd" destination, that file is left in the output directory. With
"cloud", it's put in the cloud_upload_mock/ subdirectory of the output
directory. With "usb_split", the output directory gets a directory named
after the backup with "_parts" appended, holding the parts described below.

Files and directories with names starting with "temp_" are intermediates
of a backup or restore that was interrupted and may be deleted.

# Parts

A split backup is cut into parts of a fixed size (the last one may be
shorter). The parts of backup_20240102_030405.zip are named
backup_20240102_030405.zip.part001, .part002, and so forth; the index is
1-based and at least three digits. Concatenating the parts in index order
gives back the original file. A zero-length file gives a single empty part.

# Reed-Solomon encoding

If parity was requested, each part has a Reed-Solomon parity file with .rs
appended to its name. The .rs files are based on the Go "gob" encoding
package; they just store the following structure:

const HashSize = 64
type Hash [HashSize]byte

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

The part is zero-padded to a multiple of NDataShards bytes and cut into
NDataShards equal shards. Each shard (data and parity) is hashed with
SHAKE256 in pieces of HashRate bytes; a piece whose hash doesn't match is
treated as missing and reconstructed from the others.

# Encrypted containers

An encrypted backup starts with a 16-byte random salt. The 32-byte AES-256
key is derived from the passphrase and the salt using PBKDF2 with
HMAC-SHA256 and 100000 iterations:

	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)

After the salt come records, one per 64 KiB chunk of the plaintext. Each
record is a random 16-byte IV followed by that chunk encrypted with AES-256
in CBC mode, starting fresh with the record's IV. Record lengths aren't
stored: every record but the last holds exactly 65536 bytes of
ciphertext. Only the last chunk is padded, using PKCS#7 padding to a
multiple of 16 bytes, so the last record holds between 16 and 65552 bytes.

To decrypt, read the salt, then repeatedly read a 16-byte IV and up to
65536 bytes of ciphertext. If fewer bytes were available, or none remain
afterward, that record is the last one. If exactly 16 bytes remain, they
belong to the last record too (its padding spilled over a full chunk).
Remove the padding from the last record's plaintext after decryption.

An empty input gives a file holding just the salt.

There is no authentication: a wrong passphrase is usually (but not
always) detected by invalid padding in the last record.

# Archives

The decrypted data (or the backup itself, if it wasn't encrypted) is a
standard zip file, or a tar file compressed with gzip, bzip2 or xz, as
indicated by its extension. Entries are named by their path relative to
the parent of the directory that was backed up, so each backed-up
directory's own name is the first path component.

`
