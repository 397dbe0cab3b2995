package hkpair

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/hkontrol/hkpair/chacha20poly1305"
	"github.com/hkontrol/hkpair/ed25519"
	"github.com/hkontrol/hkpair/tlv8"
)

type pairSetupM1Payload struct {
	Method byte   `tlv8:"0"`
	State  byte   `tlv8:"6"`
	Flags  uint32 `tlv8:"19,omitempty"`
}

type pairSetupM2Payload struct {
	State      byte     `tlv8:"6"`
	Error      byte     `tlv8:"7,omitempty"`
	Salt       []byte   `tlv8:"2,omitempty"`
	PublicKey  *big.Int `tlv8:"3,omitempty"`
	RetryDelay uint16   `tlv8:"8,omitempty"`
}

type pairSetupM3Payload struct {
	State     byte     `tlv8:"6"`
	PublicKey *big.Int `tlv8:"3"`
	Proof     []byte   `tlv8:"4"`
}

type pairSetupM4Payload struct {
	State byte   `tlv8:"6"`
	Error byte   `tlv8:"7,omitempty"`
	Proof []byte `tlv8:"4,omitempty"`
}

type pairSetupEncPayload struct {
	State         byte   `tlv8:"6"`
	Error         byte   `tlv8:"7,omitempty"`
	EncryptedData []byte `tlv8:"5,omitempty"`
}

// pairSetupClient is the controller side of pair-setup. Each method consumes
// the previous accessory response and returns the next request.
type pairSetupClient struct {
	id    Identity
	pin   string
	state handshakeState

	srp    *pairSetupClientSession
	encKey [32]byte
}

func newPairSetupClient(id Identity, pin string) (*pairSetupClient, error) {
	if err := ValidatePin(pin); err != nil {
		return nil, err
	}
	return &pairSetupClient{id: id, pin: pin}, nil
}

func (c *pairSetupClient) fail(step byte, err error) error {
	c.state = stateFailed
	c.wipe()
	return &PairSetupError{stepName(step), err}
}

func (c *pairSetupClient) wipe() {
	if c.srp != nil {
		c.srp.wipe()
		c.srp = nil
	}
	c.encKey = [32]byte{}
}

// M1 starts the exchange.
func (c *pairSetupClient) M1() ([]byte, error) {
	if c.state != stateStart {
		return nil, c.fail(M1, fmt.Errorf("%w: %s", ErrProtocolState, c.state))
	}
	b, err := tlv8.Marshal(pairSetupM1Payload{
		Method: MethodPairSetupWithAuth,
		State:  M1,
	})
	if err != nil {
		return nil, c.fail(M1, err)
	}
	c.state = stateM1Sent
	return b, nil
}

// M3 processes the salt and B of M2 and returns A with the client proof.
func (c *pairSetupClient) M3(res []byte) ([]byte, error) {
	if c.state != stateM1Sent {
		return nil, c.fail(M2, fmt.Errorf("%w: %s", ErrProtocolState, c.state))
	}
	var m2 pairSetupM2Payload
	if err := tlv8.Unmarshal(res, &m2); err != nil {
		return nil, c.fail(M2, err)
	}
	if err := expectState(m2.State, M2, m2.Error); err != nil {
		return nil, c.fail(M2, err)
	}
	if len(m2.Salt) == 0 || m2.PublicKey == nil {
		return nil, c.fail(M2, fmt.Errorf("%w: missing salt or public key", ErrProtocolState))
	}

	srp, err := newPairSetupClientSession(m2.Salt, m2.PublicKey.Bytes(), c.pin)
	if err != nil {
		return nil, c.fail(M2, err)
	}
	c.srp = srp

	b, err := tlv8.Marshal(pairSetupM3Payload{
		State:     M3,
		PublicKey: new(big.Int).SetBytes(srp.PublicKey),
		Proof:     srp.Proof,
	})
	if err != nil {
		return nil, c.fail(M3, err)
	}
	c.state = stateM3Sent
	return b, nil
}

// M5 checks the accessory proof of M4 and returns the sealed controller info.
func (c *pairSetupClient) M5(res []byte) ([]byte, error) {
	if c.state != stateM3Sent {
		return nil, c.fail(M4, fmt.Errorf("%w: %s", ErrProtocolState, c.state))
	}
	var m4 pairSetupM4Payload
	if err := tlv8.Unmarshal(res, &m4); err != nil {
		return nil, c.fail(M4, err)
	}
	if err := expectState(m4.State, M4, m4.Error); err != nil {
		return nil, c.fail(M4, err)
	}
	if !c.srp.VerifyServerProof(m4.Proof) {
		return nil, c.fail(M4, fmt.Errorf("%w: server proof is not valid", ErrAuthenticationFailed))
	}

	var err error
	c.encKey, err = deriveKey(c.srp.SessionKey, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		return nil, c.fail(M5, err)
	}
	sign, err := deriveKey(c.srp.SessionKey, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	if err != nil {
		return nil, c.fail(M5, err)
	}
	signature, err := ed25519.Signature(c.id.Private, material(sign[:], []byte(c.id.Id), c.id.Public))
	if err != nil {
		return nil, c.fail(M5, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}

	plain, err := tlv8.Marshal(signedInfo{
		Identifier: c.id.Id,
		PublicKey:  c.id.Public,
		Signature:  signature,
	})
	if err != nil {
		return nil, c.fail(M5, err)
	}
	sealed, err := chacha20poly1305.Seal(c.encKey[:], []byte("PS-Msg05"), plain, nil)
	if err != nil {
		return nil, c.fail(M5, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}
	b, err := tlv8.Marshal(pairSetupEncPayload{State: M5, EncryptedData: sealed})
	if err != nil {
		return nil, c.fail(M5, err)
	}
	c.state = stateM5Sent
	return b, nil
}

// Finish opens M6 and returns the accessory pairing.
func (c *pairSetupClient) Finish(res []byte) (Pairing, error) {
	if c.state != stateM5Sent {
		return Pairing{}, c.fail(M6, fmt.Errorf("%w: %s", ErrProtocolState, c.state))
	}
	var m6 pairSetupEncPayload
	if err := tlv8.Unmarshal(res, &m6); err != nil {
		return Pairing{}, c.fail(M6, err)
	}
	if err := expectState(m6.State, M6, m6.Error); err != nil {
		return Pairing{}, c.fail(M6, err)
	}

	plain, err := chacha20poly1305.Open(c.encKey[:], []byte("PS-Msg06"), m6.EncryptedData, nil)
	if err != nil {
		return Pairing{}, c.fail(M6, err)
	}
	var info signedInfo
	if err := tlv8.Unmarshal(plain, &info); err != nil {
		return Pairing{}, c.fail(M6, err)
	}

	sign, err := deriveKey(c.srp.SessionKey, "Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info")
	if err != nil {
		return Pairing{}, c.fail(M6, err)
	}
	if !ed25519.ValidateSignature(info.PublicKey, material(sign[:], []byte(info.Identifier), info.PublicKey), info.Signature) {
		return Pairing{}, c.fail(M6, fmt.Errorf("%w: m6 signature is not valid", ErrCryptoFailure))
	}

	c.state = stateDone
	c.wipe()
	return Pairing{Id: info.Identifier, PublicKey: info.PublicKey, Permission: PermissionAdmin}, nil
}

// pairSetupServer is the accessory side of pair-setup for one controller.
type pairSetupServer struct {
	id    Identity
	pin   string
	state handshakeState

	srp    *pairSetupServerSession
	encKey [32]byte
	peer   *Pairing
}

func newPairSetupServer(id Identity, pin string) *pairSetupServer {
	return &pairSetupServer{id: id, pin: pin}
}

// Done reports whether M6 was produced; Peer is valid from then on.
func (s *pairSetupServer) Done() bool {
	return s.state == stateDone
}

// Peer returns the controller pairing after a successful exchange.
func (s *pairSetupServer) Peer() (Pairing, bool) {
	if s.peer == nil {
		return Pairing{}, false
	}
	return *s.peer, true
}

// Failed reports whether the attempt has been aborted.
func (s *pairSetupServer) Failed() bool {
	return s.state == stateFailed
}

func (s *pairSetupServer) wipe() {
	if s.srp != nil {
		s.srp.wipe()
		s.srp = nil
	}
	s.encKey = [32]byte{}
}

// reject aborts the attempt and returns the error response for state.
func (s *pairSetupServer) reject(state byte, te *TlvError, err error) ([]byte, error) {
	s.state = stateFailed
	s.wipe()
	return errorResponse(state, te), &PairSetupError{stepName(state), err}
}

// Handle consumes one controller message. On failure the returned response
// still carries the Error item to send back.
func (s *pairSetupServer) Handle(req []byte) ([]byte, error) {
	st, err := readState(req)
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	switch st.State {
	case M1:
		return s.handleM1(st)
	case M3:
		return s.handleM3(req)
	case M5:
		return s.handleM5(req)
	}
	return s.reject(st.State+1, TlvErrorUnknown, fmt.Errorf("%w: unexpected state %x", ErrProtocolState, st.State))
}

func (s *pairSetupServer) handleM1(m1 statePayload) ([]byte, error) {
	if s.state != stateStart {
		return s.reject(M2, TlvErrorUnknown, fmt.Errorf("%w: %s", ErrProtocolState, s.state))
	}
	if m1.Method != MethodPairSetup && m1.Method != MethodPairSetupWithAuth {
		return s.reject(M2, TlvErrorUnknown, fmt.Errorf("%w: method %x", ErrProtocolState, m1.Method))
	}
	srp, err := newPairSetupServerSession(s.pin)
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	s.srp = srp

	b, err := tlv8.Marshal(pairSetupM2Payload{
		State:     M2,
		Salt:      srp.Salt,
		PublicKey: new(big.Int).SetBytes(srp.PublicKey),
	})
	if err != nil {
		return s.reject(M2, TlvErrorUnknown, err)
	}
	s.state = stateM2Sent
	return b, nil
}

func (s *pairSetupServer) handleM3(req []byte) ([]byte, error) {
	if s.state != stateM2Sent {
		return s.reject(M4, TlvErrorUnknown, fmt.Errorf("%w: %s", ErrProtocolState, s.state))
	}
	var m3 pairSetupM3Payload
	if err := tlv8.Unmarshal(req, &m3); err != nil {
		return s.reject(M4, TlvErrorUnknown, err)
	}
	if m3.PublicKey == nil || len(m3.Proof) == 0 {
		return s.reject(M4, TlvErrorUnknown, fmt.Errorf("%w: missing public key or proof", ErrProtocolState))
	}

	// important to compute key before verify client
	if err := s.srp.ComputeKey(m3.PublicKey.Bytes()); err != nil {
		return s.reject(M4, TlvErrorAuthentication, err)
	}
	proof, err := s.srp.VerifyClientProof(m3.Proof)
	if err != nil {
		return s.reject(M4, TlvErrorAuthentication, err)
	}

	b, err := tlv8.Marshal(pairSetupM4Payload{State: M4, Proof: proof})
	if err != nil {
		return s.reject(M4, TlvErrorUnknown, err)
	}
	s.state = stateM4Sent
	return b, nil
}

func (s *pairSetupServer) handleM5(req []byte) ([]byte, error) {
	if s.state != stateM4Sent {
		return s.reject(M6, TlvErrorUnknown, fmt.Errorf("%w: %s", ErrProtocolState, s.state))
	}
	var m5 pairSetupEncPayload
	if err := tlv8.Unmarshal(req, &m5); err != nil {
		return s.reject(M6, TlvErrorUnknown, err)
	}

	var err error
	s.encKey, err = deriveKey(s.srp.SessionKey, "Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info")
	if err != nil {
		return s.reject(M6, TlvErrorUnknown, err)
	}
	plain, err := chacha20poly1305.Open(s.encKey[:], []byte("PS-Msg05"), m5.EncryptedData, nil)
	if err != nil {
		return s.reject(M6, TlvErrorAuthentication, err)
	}
	var info signedInfo
	if err := tlv8.Unmarshal(plain, &info); err != nil {
		return s.reject(M6, TlvErrorUnknown, err)
	}
	if info.Identifier == "" || len(info.Identifier) > maxIdentifierLength {
		return s.reject(M6, TlvErrorUnknown, fmt.Errorf("%w: invalid identifier %q", ErrProtocolState, info.Identifier))
	}

	ctlSign, err := deriveKey(s.srp.SessionKey, "Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info")
	if err != nil {
		return s.reject(M6, TlvErrorUnknown, err)
	}
	if !ed25519.ValidateSignature(info.PublicKey, material(ctlSign[:], []byte(info.Identifier), info.PublicKey), info.Signature) {
		return s.reject(M6, TlvErrorAuthentication, fmt.Errorf("%w: m5 signature is not valid", ErrCryptoFailure))
	}

	accSign, err := deriveKey(s.srp.SessionKey, "Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info")
	if err != nil {
		return s.reject(M6, TlvErrorUnknown, err)
	}
	signature, err := ed25519.Signature(s.id.Private, material(accSign[:], []byte(s.id.Id), s.id.Public))
	if err != nil {
		return s.reject(M6, TlvErrorUnknown, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}
	plain, err = tlv8.Marshal(signedInfo{
		Identifier: s.id.Id,
		PublicKey:  s.id.Public,
		Signature:  signature,
	})
	if err != nil {
		return s.reject(M6, TlvErrorUnknown, err)
	}
	sealed, err := chacha20poly1305.Seal(s.encKey[:], []byte("PS-Msg06"), plain, nil)
	if err != nil {
		return s.reject(M6, TlvErrorUnknown, fmt.Errorf("%w: %v", ErrCryptoFailure, err))
	}
	b, err := tlv8.Marshal(pairSetupEncPayload{State: M6, EncryptedData: sealed})
	if err != nil {
		return s.reject(M6, TlvErrorUnknown, err)
	}

	s.peer = &Pairing{Id: info.Identifier, PublicKey: info.PublicKey, Permission: PermissionAdmin}
	s.state = stateDone
	s.wipe()
	return b, nil
}

// isAuthFailure reports whether err means a wrong setup code or signature.
func isAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, TlvErrorAuthentication)
}
