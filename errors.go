package hkpair

import (
	"errors"
	"fmt"

	"github.com/hkontrol/hkpair/chacha20poly1305"
	"github.com/hkontrol/hkpair/tlv8"
)

var (
	// ErrMalformedTLV is returned when a message is not valid TLV8.
	ErrMalformedTLV = tlv8.ErrMalformedTLV
	// ErrCryptoFailure is returned when a signature, key derivation or key
	// agreement fails.
	ErrCryptoFailure = errors.New("crypto failure")
	// ErrProtocolState is returned for unexpected states and out-of-order messages.
	ErrProtocolState = errors.New("unexpected protocol state")
	// ErrNotPaired is returned when pair-verify meets an unknown peer.
	ErrNotPaired = errors.New("not paired")
	// ErrAuthenticationFailed is returned for an SRP proof mismatch or an
	// AEAD tag mismatch.
	ErrAuthenticationFailed = chacha20poly1305.ErrAuthenticationFailed
	// ErrNonceExhausted is returned when a session counter would repeat.
	ErrNonceExhausted = errors.New("session nonce exhausted")

	ErrPairingNotFound  = errors.New("pairing not found")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrInvalidPin       = errors.New("invalid setup code")
	ErrNotVerified      = errors.New("connection not verified")
	ErrNoTransport      = errors.New("no transport available")
)

type PairVerifyError struct {
	Step string
	err  error
}

func (e *PairVerifyError) Unwrap() error {
	return e.err
}

func (e *PairVerifyError) Error() string {
	return fmt.Sprintf("pair-verify error on step %s: %v", e.Step, e.err)
}

type PairSetupError struct {
	Step string
	err  error
}

func (p *PairSetupError) Error() string {
	return fmt.Sprintf("pair-setup error on step %s: %v", p.Step, p.err)
}

func (p *PairSetupError) Unwrap() error {
	return p.err
}

// TlvError is a negative response carried in the Error item.
type TlvError struct {
	Code    byte
	Message string
}

func (t *TlvError) Error() string {
	return fmt.Sprintf("tlv error %x: %s", t.Code, t.Message)
}

// Is matches TlvErrors by code so callers can use errors.Is with the values below.
func (t *TlvError) Is(target error) bool {
	var o *TlvError
	if errors.As(target, &o) {
		return o.Code == t.Code
	}
	return false
}

// Error codes for TLV8 communication.
var (
	TlvErrorUnknown        = &TlvError{0x1, "unknown"}
	TlvErrorAuthentication = &TlvError{0x2, "setup code or signature verification failed"}
	TlvErrorBackoff        = &TlvError{0x3,
		"client must look at the retry delay TLV item and wait that many seconds before retrying"}
	TlvErrorMaxPeers    = &TlvError{0x4, "server cannot accept any more pairings"}
	TlvErrorMaxTries    = &TlvError{0x5, "server reached its maximum number of authentication attempts"}
	TlvErrorUnavailable = &TlvError{0x6, "server is already paired with another controller"}
	TlvErrorBusy        = &TlvError{0x7, "server is busy and cannot accept a pairing request at this time"}

	tlvErrors = []*TlvError{
		TlvErrorUnknown, TlvErrorAuthentication,
		TlvErrorBackoff, TlvErrorMaxPeers,
		TlvErrorMaxTries, TlvErrorUnavailable, TlvErrorBusy,
	}
)

func TlvErrorFromCode(code byte) error {
	for _, e := range tlvErrors {
		if e.Code == code {
			return e
		}
	}
	return TlvErrorUnknown
}

// errorCode maps a local failure onto the code sent to the peer.
func errorCode(err error) byte {
	var te *TlvError
	if errors.As(err, &te) {
		return te.Code
	}
	return TlvErrorAuthentication.Code
}
