package hkpair

import (
	"bytes"
	"fmt"

	"github.com/hkontrol/hkpair/tlv8"
)

// handshakeState is the progress of one pair-setup or pair-verify attempt.
// The controller walks the odd states, the accessory the even ones.
type handshakeState byte

const (
	stateStart handshakeState = iota
	stateM1Sent
	stateM2Sent
	stateM3Sent
	stateM4Sent
	stateM5Sent
	stateDone
	stateFailed
)

func (s handshakeState) String() string {
	switch s {
	case stateStart:
		return "start"
	case stateM1Sent:
		return "M1 sent"
	case stateM2Sent:
		return "M2 sent"
	case stateM3Sent:
		return "M3 sent"
	case stateM4Sent:
		return "M4 sent"
	case stateM5Sent:
		return "M5 sent"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", byte(s))
}

// stepName returns "M1".."M6" for a state byte.
func stepName(state byte) string {
	return fmt.Sprintf("M%d", state)
}

type statePayload struct {
	Method byte `tlv8:"0"`
	State  byte `tlv8:"6"`
}

func readState(b []byte) (statePayload, error) {
	var p statePayload
	if err := tlv8.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.State == 0 {
		return p, fmt.Errorf("%w: missing state", ErrProtocolState)
	}
	return p, nil
}

type errorPayload struct {
	State byte `tlv8:"6"`
	Error byte `tlv8:"7"`
}

// errorResponse encodes a negative response for state.
func errorResponse(state byte, te *TlvError) []byte {
	b, _ := tlv8.Marshal(errorPayload{State: state, Error: te.Code})
	return b
}

// expectState checks the state of a response and turns an Error item into a
// TlvError.
func expectState(got, want, code byte) error {
	if code != 0 {
		return TlvErrorFromCode(code)
	}
	if got != want {
		return fmt.Errorf("%w: state %x, expected: %x", ErrProtocolState, got, want)
	}
	return nil
}

// signedInfo is the plaintext inside the EncryptedData item.
type signedInfo struct {
	Identifier string `tlv8:"1"`
	PublicKey  []byte `tlv8:"3,omitempty"`
	Signature  []byte `tlv8:"10"`
}

func material(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}
