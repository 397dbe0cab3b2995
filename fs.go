package hkpair

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is a key/value store for small records.
type Store interface {
	Set(key string, value []byte) error
	// Get returns fs.ErrNotExist for unknown keys.
	Get(key string) ([]byte, error)
	Delete(key string) error
	KeysWithSuffix(suffix string) ([]string, error)
}

type fsStore struct {
	Path string

	mu sync.RWMutex
}

// NewFsStore returns a store keeping one file per key in dir.
func NewFsStore(dir string) (Store, error) {
	// Ensure that execute permission bit is set on all created dirs
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &fsStore{Path: dir}, nil
}

func (s *fsStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.filePathToFile(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePathToFile(key))
}

func (s *fsStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return os.ReadFile(s.filePathToFile(key))
}

// Delete removes the file for the corresponding key.
func (s *fsStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.filePathToFile(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fsStore) KeysWithSuffix(suffix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

func (s *fsStore) filePathToFile(file string) string {
	return filepath.Join(s.Path, sanitizeFilename(file))
}

type memStore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemStore returns a store that lives in memory.
func NewMemStore() Store {
	return &memStore{m: map[string][]byte{}}
}

func (s *memStore) Set(key string, value []byte) error {
	s.mu.Lock()
	s.m[key] = append([]byte{}, value...)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte{}, v...), nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) KeysWithSuffix(suffix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.m {
		if strings.HasSuffix(k, suffix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// storer implements PairingStore on top of a Store using JSON records.
type storer struct {
	Store
}

// NewPairingStore returns a PairingStore backed by s.
func NewPairingStore(s Store) PairingStore {
	return &storer{s}
}

func (st *storer) Identity() (Identity, error) {
	var id Identity
	b, err := st.Get("identity")
	if errors.Is(err, fs.ErrNotExist) {
		return id, ErrIdentityNotFound
	}
	if err != nil {
		return id, err
	}
	err = json.Unmarshal(b, &id)
	return id, err
}

func (st *storer) SaveIdentity(id Identity) error {
	b, err := json.Marshal(&id)
	if err != nil {
		return err
	}
	return st.Set("identity", b)
}

// Pairing returns the pairing with the given id.
func (st *storer) Pairing(id string) (Pairing, error) {
	return st.pairingForKey(keyForPairingID(id))
}

// SavePairing saves the given pairing.
func (st *storer) SavePairing(p Pairing) error {
	b, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	return st.Set(keyForPairingID(p.Id), b)
}

// DeletePairing deletes the pairing with a given id.
func (st *storer) DeletePairing(id string) error {
	return st.Delete(keyForPairingID(id))
}

// Pairings returns all known pairings.
func (st *storer) Pairings() ([]Pairing, error) {
	ks, err := st.KeysWithSuffix(".pairing")
	if err != nil {
		return nil, err
	}
	var arr []Pairing
	for _, k := range ks {
		p, err := st.pairingForKey(k)
		if err != nil {
			return nil, err
		}
		arr = append(arr, p)
	}
	return arr, nil
}

func (st *storer) pairingForKey(key string) (p Pairing, err error) {
	var b []byte
	b, err = st.Get(key)
	if errors.Is(err, fs.ErrNotExist) {
		return p, ErrPairingNotFound
	}
	if err == nil {
		err = json.Unmarshal(b, &p)
	}
	return
}

func keyForPairingID(s string) string {
	return hex.EncodeToString([]byte(s)) + ".pairing"
}

// sanitizeFilename returns a valid file name by removing invalid characters (e.g. colon ":" which is not allowed in file names on Windows)
func sanitizeFilename(filename string) string {
	return strings.Replace(filename, ":", "", -1)
}
