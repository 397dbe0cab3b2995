// Package curve25519 provides the X25519 key agreement used by pair-verify.
package curve25519

import (
	"io"

	"golang.org/x/crypto/curve25519"
)

// GenerateKeyPair returns a new ephemeral public and private key read from rand.
func GenerateKeyPair(rand io.Reader) (public, private [32]byte, err error) {
	if _, err = io.ReadFull(rand, private[:]); err != nil {
		return
	}
	var pub []byte
	if pub, err = curve25519.X25519(private[:], curve25519.Basepoint); err != nil {
		return
	}
	copy(public[:], pub)
	return
}

// SharedSecret returns the X25519 shared secret. It fails for low-order
// public keys which would yield an all-zero secret.
func SharedSecret(private, public [32]byte) ([32]byte, error) {
	var out [32]byte
	b, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
