package pgstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/hkontrol/hkpair"
)

// newStore connects to the database named by HKPAIR_TEST_DSN, e.g.
// "host=localhost port=5432 database=hkpair user=postgres sslmode=disable".
func newStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("HKPAIR_TEST_DSN")
	if dsn == "" {
		t.Skip("HKPAIR_TEST_DSN not set")
	}
	st, err := New(context.Background(), dsn, "test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("failed New, got error %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		st.DB.Exec(ctx, `DELETE FROM hap_pairing WHERE owner = $1`, st.Owner)
		st.DB.Exec(ctx, `DELETE FROM hap_identity WHERE owner = $1`, st.Owner)
		st.Close()
	})
	return st
}

func TestIdentity(t *testing.T) {
	st := newStore(t)

	if _, err := st.Identity(); !errors.Is(err, hkpair.ErrIdentityNotFound) {
		t.Fatalf("got %v, want ErrIdentityNotFound", err)
	}
	id := hkpair.Identity{
		Id:      "AA:BB:CC:DD:EE:FF",
		KeyPair: hkpair.KeyPair{Public: bytes.Repeat([]byte{1}, 32), Private: bytes.Repeat([]byte{2}, 64)},
	}
	if err := st.SaveIdentity(id); err != nil {
		t.Fatal(err)
	}
	got, err := st.Identity()
	if err != nil {
		t.Fatal(err)
	}
	if got.Id != id.Id || !bytes.Equal(got.Private, id.Private) {
		t.Errorf("got %+v, want %+v", got, id)
	}
}

func TestPairings(t *testing.T) {
	st := newStore(t)

	a := hkpair.Pairing{Id: "A", PublicKey: bytes.Repeat([]byte{0xA}, 32), Permission: hkpair.PermissionAdmin}
	b := hkpair.Pairing{Id: "B", PublicKey: bytes.Repeat([]byte{0xB}, 32)}
	for _, p := range []hkpair.Pairing{b, a} {
		if err := st.SavePairing(p); err != nil {
			t.Fatal(err)
		}
	}
	// upsert
	a.Permission = hkpair.PermissionUser
	if err := st.SavePairing(a); err != nil {
		t.Fatal(err)
	}

	got, err := st.Pairing("A")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsAdmin() {
		t.Errorf("permission not updated: %+v", got)
	}

	pp, err := st.Pairings()
	if err != nil {
		t.Fatal(err)
	}
	if len(pp) != 2 || pp[0].Id != "A" || pp[1].Id != "B" {
		t.Errorf("got %+v", pp)
	}

	if err := st.DeletePairing("A"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Pairing("A"); !errors.Is(err, hkpair.ErrPairingNotFound) {
		t.Errorf("got %v, want ErrPairingNotFound", err)
	}
}
