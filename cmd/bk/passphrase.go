// cmd/bk/passphrase.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/mmp/bkcrypt/backup"
	"golang.org/x/term"
)

// passphrase returns a backup.PassphraseFunc that takes the passphrase
// from $BK_PASSPHRASE if it's set and otherwise asks for it on the
// terminal, twice if confirm is true.
func passphrase(confirm bool) backup.PassphraseFunc {
	return func() ([]byte, error) {
		if p := os.Getenv("BK_PASSPHRASE"); p != "" {
			return []byte(p), nil
		}

		p, err := prompt("Passphrase: ")
		if err != nil {
			return nil, err
		}
		if len(p) == 0 {
			return nil, errors.New("passphrase cannot be empty")
		}
		if confirm {
			again, err := prompt("Confirm passphrase: ")
			if err != nil {
				return nil, err
			}
			if !bytes.Equal(p, again) {
				return nil, errors.New("passphrases do not match")
			}
		}
		return p, nil
	}
}

func prompt(msg string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no terminal to ask for a passphrase; set BK_PASSPHRASE")
	}
	fmt.Fprint(os.Stderr, msg)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return p, nil
}
