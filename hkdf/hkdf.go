// Package hkdf derives the 32-byte keys used by pairing and session encryption.
package hkdf

import (
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Sha512 returns a 32-byte key derived from master with HKDF-SHA-512.
func Sha512(master, salt, info []byte) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha512.New, master, salt, info)
	_, err := io.ReadFull(r, out[:])
	return out, err
}
