package hkpair

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hkontrol/hkpair/ed25519"
)

// Pairing is a paired peer: its pairing identifier and long-term public key.
type Pairing struct {
	Id         string `json:"id"`
	PublicKey  []byte `json:"publicKey"`
	Permission byte   `json:"permission"`
}

// IsAdmin reports whether the peer may manage pairings.
func (p Pairing) IsAdmin() bool {
	return p.Permission&PermissionAdmin != 0
}

// KeyPair is an Ed25519 long-term key pair. Private is the 64-byte key whose
// first 32 bytes are the seed.
type KeyPair struct {
	Public  []byte `json:"PublicKey"`
	Private []byte `json:"PrivateKey"`
}

// Identity is the own pairing identifier with its long-term key pair.
type Identity struct {
	Id string `json:"id"`
	KeyPair
}

// Pairing returns the identity as seen by peers.
func (id Identity) Pairing() Pairing {
	return Pairing{Id: id.Id, PublicKey: id.Public, Permission: PermissionAdmin}
}

func generateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	public, private, err := ed25519.GenerateKeyPair(r)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: public, Private: private}, nil
}

// NewControllerID returns a new controller pairing identifier.
func NewControllerID() string {
	return strings.ToUpper(uuid.NewString())
}

// NewAccessoryID returns a new accessory device id in the XX:XX:XX:XX:XX:XX form.
func NewAccessoryID(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	var b [6]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}

// PairingStore persists the own identity and the pairings with peers.
// Implementations must be safe for concurrent use.
type PairingStore interface {
	Identity() (Identity, error)
	SaveIdentity(Identity) error

	// Pairing returns ErrPairingNotFound for unknown ids.
	Pairing(id string) (Pairing, error)
	// SavePairing inserts or replaces the pairing with the same id.
	SavePairing(Pairing) error
	DeletePairing(id string) error
	Pairings() ([]Pairing, error)
}

// loadIdentity returns the stored identity or creates and saves one with the
// id returned by newID.
func loadIdentity(st PairingStore, r io.Reader, newID func() (string, error)) (Identity, error) {
	id, err := st.Identity()
	if err == nil {
		return id, nil
	}
	kp, err := generateKeyPair(r)
	if err != nil {
		return Identity{}, fmt.Errorf("generating keypair failed: %w", err)
	}
	name, err := newID()
	if err != nil {
		return Identity{}, fmt.Errorf("generating pairing id failed: %w", err)
	}
	id = Identity{Id: name, KeyPair: kp}
	if err := st.SaveIdentity(id); err != nil {
		return Identity{}, fmt.Errorf("saving keypair failed: %w", err)
	}
	return id, nil
}

// registry wraps a PairingStore. Lookups run concurrently; writes for the
// same peer id are serialized.
type registry struct {
	st PairingStore

	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func newRegistry(st PairingStore) *registry {
	return &registry{st: st, locks: map[string]*idLock{}}
}

// lock blocks until the caller owns id and returns the release function.
func (r *registry) lock(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &idLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

// Lookup returns the public key of a paired peer. Unknown peers give
// ErrNotPaired, store failures are returned as they are.
func (r *registry) Lookup(id string) (Pairing, error) {
	p, err := r.st.Pairing(id)
	switch {
	case errors.Is(err, ErrPairingNotFound):
		return Pairing{}, fmt.Errorf("%w: %s", ErrNotPaired, id)
	case err != nil:
		return Pairing{}, fmt.Errorf("looking up pairing %s: %w", id, err)
	}
	return p, nil
}

func (r *registry) Save(p Pairing) error {
	if p.Id == "" || len(p.Id) > maxIdentifierLength {
		return fmt.Errorf("invalid pairing id %q", p.Id)
	}
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key length %d", len(p.PublicKey))
	}
	defer r.lock(p.Id)()
	return r.st.SavePairing(p)
}

func (r *registry) Remove(id string) error {
	defer r.lock(id)()
	return r.st.DeletePairing(id)
}

func (r *registry) All() ([]Pairing, error) {
	return r.st.Pairings()
}
