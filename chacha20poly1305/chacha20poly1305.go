// Package chacha20poly1305 seals and opens HAP messages.
//
// HAP nonces are 8 bytes: either a little-endian frame counter or a message
// label such as "PS-Msg05". They are left-padded with 4 zero bytes to the
// 12-byte nonce of the AEAD.
package chacha20poly1305

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Overhead is the length of the authentication tag.
const Overhead = chacha20poly1305.Overhead

// ErrAuthenticationFailed is returned when a tag does not match.
var ErrAuthenticationFailed = errors.New("chacha20poly1305: message authentication failed")

// Nonce returns the 12-byte AEAD nonce for an 8-byte HAP nonce.
func Nonce(nonce []byte) ([]byte, error) {
	if len(nonce) != 8 {
		return nil, fmt.Errorf("chacha20poly1305: nonce must be 8 bytes, got %d", len(nonce))
	}
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n[4:], nonce)
	return n, nil
}

// Seal encrypts plaintext and returns ciphertext followed by the tag.
func Seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	n, err := Nonce(nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, n, plaintext, aad), nil
}

// Open decrypts ciphertext followed by the tag.
func Open(key, nonce, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	n, err := Nonce(nonce)
	if err != nil {
		return nil, err
	}
	if len(sealed) < Overhead {
		return nil, ErrAuthenticationFailed
	}
	out, err := aead.Open(nil, n, sealed, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return out, nil
}

// EncryptAndSeal returns the ciphertext and the tag separately.
func EncryptAndSeal(key, nonce, message, add []byte) ([]byte, [16]byte, error) {
	var mac [16]byte
	sealed, err := Seal(key, nonce, message, add)
	if err != nil {
		return nil, mac, err
	}
	n := len(sealed) - Overhead
	copy(mac[:], sealed[n:])
	return sealed[:n], mac, nil
}

// DecryptAndVerify opens a ciphertext whose tag is passed separately.
func DecryptAndVerify(key, nonce, message []byte, mac [16]byte, add []byte) ([]byte, error) {
	sealed := make([]byte, 0, len(message)+Overhead)
	sealed = append(sealed, message...)
	sealed = append(sealed, mac[:]...)
	return Open(key, nonce, sealed, add)
}
