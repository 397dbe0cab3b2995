// Package boltstore provides a hkpair.PairingStore that keeps the identity and
// the pairings in a single file bbolt database.
package boltstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/hkontrol/hkpair"
)

const connectTimeout = 5 * time.Second

var (
	identityBucket = []byte("identity")
	pairingBucket  = []byte("pairings")
	identityKey    = []byte("self")
)

type identityRecord struct {
	Id         string `cbor:"1,keyasint"`
	PublicKey  []byte `cbor:"2,keyasint"`
	PrivateKey []byte `cbor:"3,keyasint"`
}

type pairingRecord struct {
	Id         string `cbor:"1,keyasint"`
	PublicKey  []byte `cbor:"2,keyasint"`
	Permission byte   `cbor:"3,keyasint"`
}

// Store keeps the database open until Close. Lookups run in concurrent read
// transactions; bbolt serializes the writes.
type Store struct {
	db *bolt.DB
}

// New opens the database file at dbpath and creates the buckets.
// It errors if the file is locked by another process for longer than
// connectTimeout.
func New(dbpath string) (*Store, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed connecting to database: %w", err)
	}
	st := &Store{db: db}
	err = st.update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{identityBucket, pairingBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed %s bucket creation: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed db initialization: %w", err)
	}
	return st, nil
}

// Close releases the database file.
func (st *Store) Close() error {
	return st.db.Close()
}

func (st *Store) update(fn func(*bolt.Tx) error) error {
	return st.db.Update(fn)
}

func (st *Store) view(fn func(*bolt.Tx) error) error {
	return st.db.View(fn)
}

func (st *Store) Identity() (hkpair.Identity, error) {
	var id hkpair.Identity
	err := st.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(identityBucket).Get(identityKey)
		if v == nil {
			return hkpair.ErrIdentityNotFound
		}
		var rec identityRecord
		if err := cbor.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed cbor.Unmarshal(identity): %w", err)
		}
		id = hkpair.Identity{Id: rec.Id, KeyPair: hkpair.KeyPair{Public: rec.PublicKey, Private: rec.PrivateKey}}
		return nil
	})
	return id, err
}

func (st *Store) SaveIdentity(id hkpair.Identity) error {
	v, err := cbor.Marshal(identityRecord{Id: id.Id, PublicKey: id.Public, PrivateKey: id.Private})
	if err != nil {
		return fmt.Errorf("failed cbor.Marshal(identity): %w", err)
	}
	return st.update(func(tx *bolt.Tx) error {
		return tx.Bucket(identityBucket).Put(identityKey, v)
	})
}

func (st *Store) Pairing(id string) (hkpair.Pairing, error) {
	var p hkpair.Pairing
	err := st.view(func(tx *bolt.Tx) error {
		v := tx.Bucket(pairingBucket).Get([]byte(id))
		if v == nil {
			return hkpair.ErrPairingNotFound
		}
		var err error
		p, err = decodePairing(v)
		return err
	})
	return p, err
}

func (st *Store) SavePairing(p hkpair.Pairing) error {
	if p.Id == "" {
		return errors.New("empty pairing id")
	}
	v, err := cbor.Marshal(pairingRecord{Id: p.Id, PublicKey: p.PublicKey, Permission: p.Permission})
	if err != nil {
		return fmt.Errorf("failed cbor.Marshal(pairing): %w", err)
	}
	return st.update(func(tx *bolt.Tx) error {
		return tx.Bucket(pairingBucket).Put([]byte(p.Id), v)
	})
}

// DeletePairing removes the pairing; unknown ids are not an error.
func (st *Store) DeletePairing(id string) error {
	return st.update(func(tx *bolt.Tx) error {
		return tx.Bucket(pairingBucket).Delete([]byte(id))
	})
}

// Pairings returns all pairings ordered by id.
func (st *Store) Pairings() ([]hkpair.Pairing, error) {
	var pp []hkpair.Pairing
	err := st.view(func(tx *bolt.Tx) error {
		return tx.Bucket(pairingBucket).ForEach(func(_, v []byte) error {
			p, err := decodePairing(v)
			if err != nil {
				return err
			}
			pp = append(pp, p)
			return nil
		})
	})
	return pp, err
}

func decodePairing(v []byte) (hkpair.Pairing, error) {
	var rec pairingRecord
	if err := cbor.Unmarshal(v, &rec); err != nil {
		return hkpair.Pairing{}, fmt.Errorf("failed cbor.Unmarshal(pairing): %w", err)
	}
	return hkpair.Pairing{Id: rec.Id, PublicKey: rec.PublicKey, Permission: rec.Permission}, nil
}

var _ hkpair.PairingStore = (*Store)(nil)
