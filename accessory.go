package hkpair

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hkontrol/hkpair/log"
	"github.com/hkontrol/hkpair/tlv8"
)

const (
	defaultMaxPeers     = 16
	defaultMaxTries     = 100
	defaultSetupTimeout = 30 * time.Second
)

type AccessoryConfig struct {
	// Id is the accessory pairing identifier. When empty, the stored one is
	// used or a new XX:XX:XX:XX:XX:XX id is generated.
	Id string
	// Pin is the setup code in the XXX-XX-XXX form.
	Pin string
	// Store keeps the accessory identity and the controller pairings.
	// Defaults to an in-memory store.
	Store PairingStore
	// Rand is the entropy source for key generation. Defaults to crypto/rand.
	Rand io.Reader

	LoggerFactory logging.LoggerFactory

	// MaxPeers is the max number of pairings. Defaults to 16.
	MaxPeers int
	// MaxTries is the number of failed pair-setup attempts after which the
	// accessory refuses to pair. Defaults to 100.
	MaxTries int
	// SetupTimeout is how long a pair-setup may sit idle between two messages
	// before another session can take over. Defaults to 30s.
	SetupTimeout time.Duration
}

// Accessory answers pairing requests. Every controller connection is
// identified by a caller chosen session id; handshakes on different
// sessions run independently.
type Accessory struct {
	id   Identity
	pin  string
	reg  *registry
	rand io.Reader
	log  logging.LeveledLogger

	maxPeers     int
	maxTries     int
	setupTimeout time.Duration

	// setupMu guards the single pair-setup in flight
	setupMu    sync.Mutex
	setup      *pairSetupServer
	setupOwner string
	setupSeen  time.Time
	tries      int

	mu       sync.Mutex
	sessions map[string]*peerSession
	revoked  []string
}

// peerSession is the pair-verify state of one controller connection.
type peerSession struct {
	mu     sync.Mutex
	verify *pairVerifyServer
	peer   *Pairing
	ss     *Session
}

func NewAccessory(cfg AccessoryConfig) (*Accessory, error) {
	if err := ValidatePin(cfg.Pin); err != nil {
		return nil, err
	}
	st := cfg.Store
	if st == nil {
		st = NewPairingStore(NewMemStore())
	}
	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = defaultMaxTries
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}

	id, err := loadIdentity(st, r, func() (string, error) {
		if cfg.Id != "" {
			return cfg.Id, nil
		}
		return NewAccessoryID(r)
	})
	if err != nil {
		return nil, err
	}
	if cfg.Id != "" && cfg.Id != id.Id {
		return nil, fmt.Errorf("store belongs to accessory %s, not %s", id.Id, cfg.Id)
	}

	a := &Accessory{
		id:       id,
		pin:      cfg.Pin,
		reg:      newRegistry(st),
		rand:     r,
		log:      log.New(cfg.LoggerFactory, "hap-accessory"),
		maxPeers: cfg.MaxPeers,
		maxTries: cfg.MaxTries,
		sessions: map[string]*peerSession{},

		setupTimeout: cfg.SetupTimeout,
	}
	a.log.Debugf("accessory %s ready", id.Id)
	return a, nil
}

// Id returns the accessory pairing identifier.
func (a *Accessory) Id() string {
	return a.id.Id
}

// IsPaired reports whether any controller is paired.
func (a *Accessory) IsPaired() bool {
	pp, err := a.reg.All()
	return err == nil && len(pp) > 0
}

// Pairing returns the accessory as seen by controllers.
func (a *Accessory) Pairing() Pairing {
	return a.id.Pairing()
}

// Pairings returns the paired controllers.
func (a *Accessory) Pairings() ([]Pairing, error) {
	return a.reg.All()
}

// IsVerified reports whether pair-verify completed on the session and the
// controller is still paired.
func (a *Accessory) IsVerified(sid string) bool {
	_, ok := a.Peer(sid)
	return ok
}

// Session returns the secure session of sid, or nil before pair-verify.
func (a *Accessory) Session(sid string) *Session {
	ps := a.lookupSession(sid)
	if ps == nil {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.ss
}

// Peer returns the verified controller of sid.
func (a *Accessory) Peer(sid string) (Pairing, bool) {
	ps := a.lookupSession(sid)
	if ps == nil {
		return Pairing{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.peer == nil {
		return Pairing{}, false
	}
	return *ps.peer, true
}

// CloseSession forgets all state of sid, including a pair-setup it started.
func (a *Accessory) CloseSession(sid string) {
	a.mu.Lock()
	delete(a.sessions, sid)
	a.mu.Unlock()

	a.setupMu.Lock()
	if a.setupOwner == sid && a.setup != nil {
		a.setup.wipe()
		a.setup = nil
		a.setupOwner = ""
	}
	a.setupMu.Unlock()
}

func (a *Accessory) lookupSession(sid string) *peerSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sid]
}

func (a *Accessory) peerSession(sid string) *peerSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps, ok := a.sessions[sid]
	if !ok {
		ps = &peerSession{}
		a.sessions[sid] = ps
	}
	return ps
}

// takeRevoked returns the sessions whose controller pairing was removed
// since the last call.
func (a *Accessory) takeRevoked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.revoked
	a.revoked = nil
	return r
}

// Handle consumes one pairing request of session sid and returns the
// response body. A non-nil response must be sent even when err is set; err
// only explains why the exchange failed.
func (a *Accessory) Handle(ctx context.Context, sid string, path string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch path {
	case PathPairSetup:
		return a.handlePairSetup(sid, body)
	case PathPairVerify:
		return a.handlePairVerify(sid, body)
	case PathPairings:
		return a.handlePairings(sid, body)
	}
	return nil, fmt.Errorf("%w: unknown path %s", ErrProtocolState, path)
}

func (a *Accessory) handlePairSetup(sid string, body []byte) ([]byte, error) {
	st, err := readState(body)
	if err != nil {
		return errorResponse(M2, TlvErrorUnknown), &PairSetupError{"M1", err}
	}

	a.setupMu.Lock()
	defer a.setupMu.Unlock()

	if st.State == M1 {
		switch {
		case a.IsPaired():
			return errorResponse(M2, TlvErrorUnavailable), &PairSetupError{"M1", TlvErrorUnavailable}
		case a.tries >= a.maxTries:
			return errorResponse(M2, TlvErrorMaxTries), &PairSetupError{"M1", TlvErrorMaxTries}
		case a.setup != nil && a.setupOwner != sid && time.Since(a.setupSeen) < a.setupTimeout:
			return errorResponse(M2, TlvErrorBusy), &PairSetupError{"M1", TlvErrorBusy}
		}
		if a.setup != nil {
			if a.setupOwner != sid {
				a.log.Infof("dropping pair-setup of %s, idle for %s", a.setupOwner, time.Since(a.setupSeen).Round(time.Millisecond))
			}
			a.setup.wipe()
		}
		a.setup = newPairSetupServer(a.id, a.pin)
		a.setupOwner = sid
	} else if a.setup == nil || a.setupOwner != sid {
		return errorResponse(st.State+1, TlvErrorUnknown),
			&PairSetupError{stepName(st.State), fmt.Errorf("%w: no pair-setup in progress", ErrProtocolState)}
	}

	res, err := a.setup.Handle(body)
	a.setupSeen = time.Now()
	if err != nil {
		if isAuthFailure(err) {
			a.tries++
			a.log.Warnf("pair-setup from %s: wrong setup code (%d/%d)", sid, a.tries, a.maxTries)
		} else {
			a.log.Warnf("pair-setup from %s: %v", sid, err)
		}
		a.setup = nil
		a.setupOwner = ""
		return res, err
	}
	if !a.setup.Done() {
		return res, nil
	}

	peer, _ := a.setup.Peer()
	a.setup = nil
	a.setupOwner = ""
	if err := a.reg.Save(peer); err != nil {
		return errorResponse(M6, TlvErrorUnknown), &PairSetupError{"M6", fmt.Errorf("saving pairing failed: %w", err)}
	}
	a.log.Infof("paired with controller %s", peer.Id)
	return res, nil
}

func (a *Accessory) handlePairVerify(sid string, body []byte) ([]byte, error) {
	st, err := readState(body)
	if err != nil {
		return errorResponse(M2, TlvErrorUnknown), &PairVerifyError{"M1", err}
	}

	ps := a.peerSession(sid)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if st.State == M1 {
		ps.verify = newPairVerifyServer(a.id, a.reg.Lookup, a.rand)
		ps.peer = nil
		ps.ss = nil
	} else if ps.verify == nil {
		return errorResponse(st.State+1, TlvErrorUnknown),
			&PairVerifyError{stepName(st.State), fmt.Errorf("%w: no pair-verify in progress", ErrProtocolState)}
	}

	res, err := ps.verify.Handle(body)
	if err != nil {
		a.log.Warnf("pair-verify from %s: %v", sid, err)
		ps.verify = nil
		return res, err
	}
	if ps.verify.Done() {
		peer := ps.verify.peer
		ps.peer = &peer
		ps.ss = ps.verify.session
		ps.verify = nil
		a.log.Debugf("verified controller %s on %s", peer.Id, sid)
	}
	return res, nil
}

func (a *Accessory) handlePairings(sid string, body []byte) ([]byte, error) {
	peer, ok := a.Peer(sid)
	if !ok {
		return errorResponse(M2, TlvErrorAuthentication), ErrNotVerified
	}
	// the pairing may be gone since verification
	current, err := a.reg.Lookup(peer.Id)
	switch {
	case err != nil && !errors.Is(err, ErrNotPaired):
		return errorResponse(M2, TlvErrorUnknown), err
	case err != nil || !current.IsAdmin():
		return errorResponse(M2, TlvErrorAuthentication), fmt.Errorf("controller %s is not admin", peer.Id)
	}

	var req pairingsRequest
	if err := tlv8.Unmarshal(body, &req); err != nil {
		return errorResponse(M2, TlvErrorUnknown), err
	}
	if req.State != M1 {
		return errorResponse(M2, TlvErrorUnknown), fmt.Errorf("%w: state %x, expected: %x", ErrProtocolState, req.State, M1)
	}

	switch req.Method {
	case MethodAddPairing:
		return a.addPairing(req)
	case MethodDeletePairing:
		return a.deletePairing(req)
	case MethodListPairings:
		pp, err := a.reg.All()
		if err != nil {
			return errorResponse(M2, TlvErrorUnknown), err
		}
		sort.Slice(pp, func(i, j int) bool { return pp[i].Id < pp[j].Id })
		return encodePairingList(pp), nil
	}
	return errorResponse(M2, TlvErrorUnknown), fmt.Errorf("%w: method %x", ErrProtocolState, req.Method)
}

func (a *Accessory) addPairing(req pairingsRequest) ([]byte, error) {
	p := Pairing{Id: req.Identifier, PublicKey: req.PublicKey, Permission: req.Permissions}

	existing, err := a.reg.Lookup(p.Id)
	switch {
	case err == nil:
		if !bytes.Equal(existing.PublicKey, p.PublicKey) {
			return errorResponse(M2, TlvErrorUnknown), fmt.Errorf("pairing %s exists with another key", p.Id)
		}
	case !errors.Is(err, ErrNotPaired):
		return errorResponse(M2, TlvErrorUnknown), err
	default:
		pp, err := a.reg.All()
		if err != nil {
			return errorResponse(M2, TlvErrorUnknown), err
		}
		if len(pp) >= a.maxPeers {
			return errorResponse(M2, TlvErrorMaxPeers), TlvErrorMaxPeers
		}
	}

	if err := a.reg.Save(p); err != nil {
		return errorResponse(M2, TlvErrorUnknown), err
	}
	a.log.Infof("added pairing %s (permission %d)", p.Id, p.Permission)
	return okResponse(), nil
}

func (a *Accessory) deletePairing(req pairingsRequest) ([]byte, error) {
	if err := a.reg.Remove(req.Identifier); err != nil && !errors.Is(err, ErrPairingNotFound) {
		return errorResponse(M2, TlvErrorUnknown), err
	}
	removed := map[string]bool{req.Identifier: true}
	a.log.Infof("removed pairing %s", req.Identifier)

	pp, err := a.reg.All()
	if err != nil {
		return errorResponse(M2, TlvErrorUnknown), err
	}
	admin := false
	for _, p := range pp {
		admin = admin || p.IsAdmin()
	}
	if !admin {
		for _, p := range pp {
			if err := a.reg.Remove(p.Id); err != nil {
				return errorResponse(M2, TlvErrorUnknown), err
			}
			removed[p.Id] = true
		}
		if len(pp) > 0 {
			a.log.Infof("last admin removed, removed all %d pairings", len(pp))
		}
	}

	a.revoke(removed)
	return okResponse(), nil
}

// revoke drops the verified state of the sessions of removed controllers.
func (a *Accessory) revoke(removed map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sid, ps := range a.sessions {
		ps.mu.Lock()
		if ps.peer != nil && removed[ps.peer.Id] {
			a.revoked = append(a.revoked, sid)
			ps.peer = nil
		}
		ps.mu.Unlock()
	}
}

func okResponse() []byte {
	b, _ := tlv8.Marshal(pairingsResPayload{State: M2})
	return b
}
