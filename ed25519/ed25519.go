// Package ed25519 signs and verifies with the long-term identity keys.
package ed25519

import (
	"errors"
	"io"

	"golang.org/x/crypto/ed25519"
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SeedSize       = ed25519.SeedSize
	SignatureSize  = ed25519.SignatureSize
)

// GenerateKeyPair returns a new public and private key read from rand.
func GenerateKeyPair(rand io.Reader) ([]byte, []byte, error) {
	public, private, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, nil, err
	}
	return public, private, nil
}

// KeyPairFromSeed returns the key pair for a 32-byte seed.
func KeyPairFromSeed(seed []byte) ([]byte, []byte, error) {
	if len(seed) != SeedSize {
		return nil, nil, errors.New("ed25519: invalid seed size")
	}
	private := ed25519.NewKeyFromSeed(seed)
	return []byte(private.Public().(ed25519.PublicKey)), private, nil
}

// Signature signs data with a 64-byte private key.
func Signature(key, data []byte) ([]byte, error) {
	if len(key) != PrivateKeySize {
		return nil, errors.New("ed25519: invalid private key size")
	}
	return ed25519.Sign(ed25519.PrivateKey(key), data), nil
}

// ValidateSignature reports whether signature is a valid signature of data by key.
func ValidateSignature(key, data, signature []byte) bool {
	if len(key) != PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), data, signature)
}
