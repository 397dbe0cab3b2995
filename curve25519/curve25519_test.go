package curve25519

import (
	"crypto/rand"
	"testing"
)

func TestSharedSecret(t *testing.T) {
	aPub, aPriv, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	bPub, bPriv, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ab, err := SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if ab != ba {
		t.Fatal("shared secrets differ")
	}
}

func TestSharedSecretRejectsLowOrder(t *testing.T) {
	_, priv, _ := GenerateKeyPair(rand.Reader)
	if _, err := SharedSecret(priv, [32]byte{}); err == nil {
		t.Fatal("zero public key accepted")
	}
}
