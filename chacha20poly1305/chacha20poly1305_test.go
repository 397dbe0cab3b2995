package chacha20poly1305

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	msg := []byte("pair setup message")

	sealed, err := Seal(key, []byte("PS-Msg05"), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != len(msg)+Overhead {
		t.Fatalf("sealed length %d", len(sealed))
	}
	out, err := Open(key, []byte("PS-Msg05"), sealed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, msg) {
		t.Fatalf("got %q", out)
	}

	if _, err := Open(key, []byte("PS-Msg06"), sealed, nil); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong nonce: got %v", err)
	}
	if _, err := Open(key, []byte("PS-Msg05"), sealed[:10], nil); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("short input: got %v", err)
	}
}

func TestEncryptAndSealSplitsTag(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	aad := []byte{4, 0}

	ct, mac, err := EncryptAndSeal(key, make([]byte, 8), []byte("ping"), aad)
	if err != nil {
		t.Fatal(err)
	}
	if len(ct) != 4 {
		t.Fatalf("ciphertext length %d", len(ct))
	}
	pt, err := DecryptAndVerify(key, make([]byte, 8), ct, mac, aad)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "ping" {
		t.Fatalf("got %q", pt)
	}

	mac[0] ^= 1
	if _, err := DecryptAndVerify(key, make([]byte, 8), ct, mac, aad); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("got %v", err)
	}
}

func TestNonceLayout(t *testing.T) {
	n, err := Nonce([]byte("PV-Msg02"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(n, append([]byte{0, 0, 0, 0}, "PV-Msg02"...)) {
		t.Fatalf("got % x", n)
	}
	if _, err := Nonce([]byte("short")); err == nil {
		t.Fatal("expected error for short nonce")
	}
}
