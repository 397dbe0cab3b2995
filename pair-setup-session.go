package hkpair

import (
	"crypto/sha512"
	"fmt"

	"github.com/tadglines/go-pkgs/crypto/srp"

	"github.com/hkontrol/hkpair/hkdf"
)

// Main SRP algorithm is described in http://srp.stanford.edu/design.html
// The HAP uses the SRP-6a Stanford implementation with the following characteristics
//
//	x = H(s | H(I | ":" | P)) -> called the key derivative function
//	M1 = H(H(N) xor H(g), H(I), s, A, B, K)
const (
	srpGroup      = "rfc5054.3072" // N (modulo) => 384 byte
	srpSaltLength = 16
	srpUsername   = "Pair-Setup"
)

func newSRP() (*srp.SRP, error) {
	s, err := srp.NewSRP(srpGroup, sha512.New, keyDerivativeFuncRFC2945(sha512.New, []byte(srpUsername)))
	if err != nil {
		return nil, err
	}
	s.SaltLength = srpSaltLength
	return s, nil
}

// pairSetupClientSession is the controller half of the SRP exchange.
type pairSetupClientSession struct {
	PublicKey  []byte // A
	SessionKey []byte // K
	Proof      []byte // M1

	session *srp.ClientSession
}

// newPairSetupClientSession runs the client steps for the salt and B of M2.
func newPairSetupClientSession(salt, serverB []byte, pin string) (*pairSetupClientSession, error) {
	s, err := newSRP()
	if err != nil {
		return nil, err
	}
	client := s.NewClientSession([]byte(srpUsername), []byte(pin))
	key, err := client.ComputeKey(salt, serverB)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return &pairSetupClientSession{
		session:    client,
		PublicKey:  client.GetA(),
		SessionKey: key,
		Proof:      client.ComputeAuthenticator(),
	}, nil
}

// VerifyServerProof checks M2 of the accessory.
func (s *pairSetupClientSession) VerifyServerProof(proof []byte) bool {
	return s.session.VerifyServerAuthenticator(proof)
}

func (s *pairSetupClientSession) wipe() {
	wipe(s.SessionKey)
	s.session = nil
}

// pairSetupServerSession is the accessory half of the SRP exchange.
type pairSetupServerSession struct {
	Salt       []byte // s
	PublicKey  []byte // B
	SessionKey []byte // K

	session *srp.ServerSession
}

// newPairSetupServerSession computes the verifier for pin and a fresh B.
func newPairSetupServerSession(pin string) (*pairSetupServerSession, error) {
	s, err := newSRP()
	if err != nil {
		return nil, err
	}
	salt, verifier, err := s.ComputeVerifier([]byte(pin))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	server := s.NewServerSession([]byte(srpUsername), salt, verifier)
	return &pairSetupServerSession{
		Salt:      salt,
		PublicKey: server.GetB(),
		session:   server,
	}, nil
}

// ComputeKey derives K from the client public key A. It has to run before
// the client proof is checked.
func (s *pairSetupServerSession) ComputeKey(clientA []byte) error {
	key, err := s.session.ComputeKey(clientA)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	s.SessionKey = key
	return nil
}

// VerifyClientProof checks M1 and returns the server proof M2.
func (s *pairSetupServerSession) VerifyClientProof(proof []byte) ([]byte, error) {
	if !s.session.VerifyClientAuthenticator(proof) {
		return nil, ErrAuthenticationFailed
	}
	return s.session.ComputeAuthenticator(proof), nil
}

func (s *pairSetupServerSession) wipe() {
	wipe(s.SessionKey)
	s.session = nil
}

// keyDerivativeFuncRFC2945 returns the SRP-6a key derivative function which does
//
//	x = H(s | H(I | ":" | P))
func keyDerivativeFuncRFC2945(h srp.HashFunc, id []byte) srp.KeyDerivationFunc {
	return func(salt, pin []byte) []byte {
		h := h()
		h.Write(id)
		h.Write([]byte(":"))
		h.Write(pin)
		t2 := h.Sum(nil)
		h.Reset()
		h.Write(salt)
		h.Write(t2)
		return h.Sum(nil)
	}
}

// deriveKey is hkdf.Sha512 with string labels.
func deriveKey(secret []byte, salt, info string) ([32]byte, error) {
	k, err := hkdf.Sha512(secret, []byte(salt), []byte(info))
	if err != nil {
		return k, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return k, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
