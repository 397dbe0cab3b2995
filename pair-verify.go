package hkpair

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/hkontrol/hkpair/chacha20poly1305"
	"github.com/hkontrol/hkpair/curve25519"
	"github.com/hkontrol/hkpair/ed25519"
	"github.com/hkontrol/hkpair/tlv8"
)

type pairVerifyM1Payload struct {
	State     byte   `tlv8:"6"`
	PublicKey []byte `tlv8:"3"`
}

type pairVerifyM2Payload struct {
	State         byte   `tlv8:"6"`
	Error         byte   `tlv8:"7,omitempty"`
	PublicKey     []byte `tlv8:"3,omitempty"`
	EncryptedData []byte `tlv8:"5,omitempty"`
}

type pairVerifyM3Payload struct {
	State         byte   `tlv8:"6"`
	EncryptedData []byte `tlv8:"5"`
}

type pairVerifyM4Payload struct {
	State byte `tlv8:"6"`
	Error byte `tlv8:"7,omitempty"`
}

// lookupFunc returns the long-term key of a paired peer, ErrNotPaired for
// unknown ones.
type lookupFunc func(id string) (Pairing, error)

// verifyKeys is the ephemeral material of one pair-verify attempt.
type verifyKeys struct {
	localPublic  [32]byte
	localPrivate [32]byte
	remotePublic [32]byte
	shared       [32]byte
	encKey       [32]byte
}

func (k *verifyKeys) generate(r io.Reader) error {
	if r == nil {
		r = rand.Reader
	}
	var err error
	k.localPublic, k.localPrivate, err = curve25519.GenerateKeyPair(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return nil
}

// agree computes the shared secret with remote and the message key.
func (k *verifyKeys) agree(remote []byte) error {
	if len(remote) != 32 {
		return fmt.Errorf("%w: wrong remote public key length %d", ErrProtocolState, len(remote))
	}
	copy(k.remotePublic[:], remote)
	var err error
	if k.shared, err = curve25519.SharedSecret(k.localPrivate, k.remotePublic); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	k.encKey, err = deriveKey(k.shared[:], "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	return err
}

func (k *verifyKeys) wipe() {
	*k = verifyKeys{}
}

// pairVerifyClient is the controller side of pair-verify.
type pairVerifyClient struct {
	id     Identity
	lookup lookupFunc
	state  handshakeState
	keys   verifyKeys

	peer Pairing
}

func newPairVerifyClient(id Identity, lookup lookupFunc, r io.Reader) (*pairVerifyClient, error) {
	c := &pairVerifyClient{id: id, lookup: lookup}
	if err := c.keys.generate(r); err != nil {
		return nil, &PairVerifyError{"M1", err}
	}
	return c, nil
}

func (c *pairVerifyClient) fail(step byte, err error) error {
	c.state = stateFailed
	c.keys.wipe()
	return &PairVerifyError{stepName(step), err}
}

// Peer returns the accessory identified in M2.
func (c *pairVerifyClient) Peer() Pairing {
	return c.peer
}

// M1 sends the ephemeral public key.
func (c *pairVerifyClient) M1() ([]byte, error) {
	if c.state != stateStart {
		return nil, c.fail(M1, fmt.Errorf("%w: %s", ErrProtocolState, c.state))
	}
	b, err := tlv8.Marshal(pairVerifyM1Payload{State: M1, PublicKey: c.keys.localPublic[:]})
	if err != nil {
		return nil, c.fail(M1, err)
	}
	c.state = stateM1Sent
	return b, nil
}

// M3 authenticates the accessory from M2 and returns the sealed controller
// signature.
func (c *pairVerifyClient) M3(res []byte) ([]byte, error) {
	if c.state != stateM1Sent {
		return nil, c.fail(M2, fmt.Errorf("%w: %s", ErrProtocolState, c.state))
	}
	var m2 pairVerifyM2Payload
	if err := tlv8.Unmarshal(res, &m2); err != nil {
		return nil, c.fail(M2, err)
	}
	if err := expectState(m2.State, M2, m2.Error); err != nil {
		return nil, c.fail(M2, err)
	}
	if err := c.keys.agree(m2.PublicKey); err != nil {
		return nil, c.fail(M2, err)
	}

	plain, err := chacha20poly1305.Open(c.keys.encKey[:], []byte("PV-Msg02"), m2.EncryptedData, nil)
	if err != nil {
		return nil, c.fail(M2, err)
	}
	var info signedInfo
	if err := tlv8.Unmarshal(plain, &info); err != nil {
		return nil, c.fail(M2, err)
	}
	if len(info.Signature) == 0 {
		return nil, c.fail(M2, fmt.Errorf("%w: no signature from accessory", ErrProtocolState))
	}

	peer, err := c.lookup(info.Identifier)
	if err != nil {
		return nil, c.fail(M2, err)
	}
	c.peer = peer
	if !ed25519.ValidateSignature(peer.PublicKey,
		material(c.keys.remotePublic[:], []byte(info.Identifier), c.keys.localPublic[:]), info.Signature) {
		return nil, c.fail(M2, fmt.Errorf("%w: signature invalid", ErrCryptoFailure))
	}

	signature, err := ed25519.Signature(c.id.Private,
		material(c.keys.localPublic[:], []byte(c.id.Id), c.keys.remotePublic[:]))
	if err != nil {
		return nil, c.fail(M3, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}
	plain, err = tlv8.Marshal(signedInfo{Identifier: c.id.Id, Signature: signature})
	if err != nil {
		return nil, c.fail(M3, err)
	}
	sealed, err := chacha20poly1305.Seal(c.keys.encKey[:], []byte("PV-Msg03"), plain, nil)
	if err != nil {
		return nil, c.fail(M3, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}
	b, err := tlv8.Marshal(pairVerifyM3Payload{State: M3, EncryptedData: sealed})
	if err != nil {
		return nil, c.fail(M3, err)
	}
	c.state = stateM3Sent
	return b, nil
}

// Finish checks M4 and returns the secure session.
func (c *pairVerifyClient) Finish(res []byte) (*Session, error) {
	if c.state != stateM3Sent {
		return nil, c.fail(M4, fmt.Errorf("%w: %s", ErrProtocolState, c.state))
	}
	var m4 pairVerifyM4Payload
	if err := tlv8.Unmarshal(res, &m4); err != nil {
		return nil, c.fail(M4, err)
	}
	if err := expectState(m4.State, M4, m4.Error); err != nil {
		return nil, c.fail(M4, err)
	}
	ss, err := newControllerSession(c.keys.shared)
	if err != nil {
		return nil, c.fail(M4, err)
	}
	c.state = stateDone
	c.keys.wipe()
	return ss, nil
}

// pairVerifyServer is the accessory side of pair-verify for one connection.
type pairVerifyServer struct {
	id     Identity
	lookup lookupFunc
	rand   io.Reader
	state  handshakeState
	keys   verifyKeys

	peer    Pairing
	session *Session
}

func newPairVerifyServer(id Identity, lookup lookupFunc, r io.Reader) *pairVerifyServer {
	return &pairVerifyServer{id: id, lookup: lookup, rand: r}
}

func (s *pairVerifyServer) reject(state byte, te *TlvError, err error) ([]byte, error) {
	s.state = stateFailed
	s.keys.wipe()
	return errorResponse(state, te), &PairVerifyError{stepName(state), err}
}

// Done reports whether the controller has been verified.
func (s *pairVerifyServer) Done() bool {
	return s.state == stateDone
}

// Handle consumes one controller message.
func (s *pairVerifyServer) Handle(req []byte) ([]byte, error) {
	st, err := readState(req)
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	switch st.State {
	case M1:
		return s.handleM1(req)
	case M3:
		return s.handleM3(req)
	}
	return s.reject(st.State+1, TlvErrorUnknown, fmt.Errorf("%w: unexpected state %x", ErrProtocolState, st.State))
}

func (s *pairVerifyServer) handleM1(req []byte) ([]byte, error) {
	if s.state != stateStart {
		return s.reject(M2, TlvErrorUnknown, fmt.Errorf("%w: %s", ErrProtocolState, s.state))
	}
	var m1 pairVerifyM1Payload
	if err := tlv8.Unmarshal(req, &m1); err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	if err := s.keys.generate(s.rand); err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	if err := s.keys.agree(m1.PublicKey); err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}

	signature, err := ed25519.Signature(s.id.Private,
		material(s.keys.localPublic[:], []byte(s.id.Id), s.keys.remotePublic[:]))
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}
	plain, err := tlv8.Marshal(signedInfo{Identifier: s.id.Id, Signature: signature})
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	sealed, err := chacha20poly1305.Seal(s.keys.encKey[:], []byte("PV-Msg02"), plain, nil)
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}
	b, err := tlv8.Marshal(pairVerifyM2Payload{
		State:         M2,
		PublicKey:     s.keys.localPublic[:],
		EncryptedData: sealed,
	})
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	s.state = stateM2Sent
	return b, nil
}

func (s *pairVerifyServer) handleM3(req []byte) ([]byte, error) {
	if s.state != stateM2Sent {
		return s.reject(M4, TlvErrorUnknown, fmt.Errorf("%w: %s", ErrProtocolState, s.state))
	}
	var m3 pairVerifyM3Payload
	if err := tlv8.Unmarshal(req, &m3); err != nil {
		return s.reject(M4, TlvErrorUnknown, err)
	}
	plain, err := chacha20poly1305.Open(s.keys.encKey[:], []byte("PV-Msg03"), m3.EncryptedData, nil)
	if err != nil {
		return s.reject(M4, TlvErrorAuthentication, err)
	}
	var info signedInfo
	if err := tlv8.Unmarshal(plain, &info); err != nil {
		return s.reject(M4, TlvErrorUnknown, err)
	}

	peer, err := s.lookup(info.Identifier)
	if errors.Is(err, ErrNotPaired) {
		return s.reject(M4, TlvErrorAuthentication, err)
	} else if err != nil {
		// the controller must not take a store failure for a rejection
		return s.reject(M4, TlvErrorUnknown, err)
	}
	if !ed25519.ValidateSignature(peer.PublicKey,
		material(s.keys.remotePublic[:], []byte(info.Identifier), s.keys.localPublic[:]), info.Signature) {
		return s.reject(M4, TlvErrorAuthentication, fmt.Errorf("%w: signature invalid", ErrCryptoFailure))
	}

	ss, err := newAccessorySession(s.keys.shared)
	if err != nil {
		return s.reject(M4, TlvErrorUnknown, err)
	}
	b, err := tlv8.Marshal(pairVerifyM4Payload{State: M4})
	if err != nil {
		return s.reject(M4, TlvErrorUnknown, err)
	}
	s.peer = peer
	s.session = ss
	s.state = stateDone
	s.keys.wipe()
	return b, nil
}
