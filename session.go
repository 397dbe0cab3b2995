package hkpair

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hkontrol/hkpair/chacha20poly1305"
)

const (
	// packetLengthMax is the max plaintext length of an encrypted frame
	packetLengthMax = 0x400

	frameHeaderLength = 2
	frameTagLength    = chacha20poly1305.Overhead
)

// Session is the symmetric state of a verified connection. Frames are
//
//	[ length (2 bytes LE) ] [ ciphertext ] [ auth (16 bytes) ]
//
// with the length as additional authenticated data and the frame counter as
// nonce. Encrypt and Decrypt may run concurrently with each other, but each
// of them must only be called from one goroutine at a time.
type Session struct {
	encryptKey [32]byte
	decryptKey [32]byte

	encryptCount uint64
	decryptCount uint64

	carry   []byte // incomplete inbound frame
	readErr error  // sticky decrypt failure
}

func newSession(shared [32]byte, controller bool) (*Session, error) {
	read, err := deriveKey(shared[:], "Control-Salt", "Control-Read-Encryption-Key")
	if err != nil {
		return nil, err
	}
	write, err := deriveKey(shared[:], "Control-Salt", "Control-Write-Encryption-Key")
	if err != nil {
		return nil, err
	}
	if controller {
		return &Session{encryptKey: write, decryptKey: read}, nil
	}
	return &Session{encryptKey: read, decryptKey: write}, nil
}

// newControllerSession returns the session of the controller.
func newControllerSession(shared [32]byte) (*Session, error) {
	return newSession(shared, true)
}

// newAccessorySession returns the session of the accessory. Its keys are the
// controller keys swapped.
func newAccessorySession(shared [32]byte) (*Session, error) {
	return newSession(shared, false)
}

// EncryptCount returns the number of frames sealed so far.
func (s *Session) EncryptCount() uint64 {
	return s.encryptCount
}

// DecryptCount returns the number of frames opened so far.
func (s *Session) DecryptCount() uint64 {
	return s.decryptCount
}

// Buffered returns the number of bytes held back waiting for a full frame.
func (s *Session) Buffered() int {
	return len(s.carry)
}

func counterNonce(count uint64) []byte {
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], count)
	return nonce[:]
}

// Encrypt returns the frames for b. An empty b produces no frames.
func (s *Session) Encrypt(b []byte) ([]byte, error) {
	frames := (len(b) + packetLengthMax - 1) / packetLengthMax
	if uint64(frames) > math.MaxUint64-s.encryptCount {
		return nil, ErrNonceExhausted
	}
	out := make([]byte, 0, len(b)+frames*(frameHeaderLength+frameTagLength))
	for len(b) > 0 {
		n := len(b)
		if n > packetLengthMax {
			n = packetLengthMax
		}
		length := binary.LittleEndian.AppendUint16(nil, uint16(n))

		sealed, err := chacha20poly1305.Seal(s.encryptKey[:], counterNonce(s.encryptCount), b[:n], length)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		out = append(out, length...)
		out = append(out, sealed...)
		s.encryptCount++
		b = b[n:]
	}
	return out, nil
}

// Decrypt feeds b into the session and returns the plaintext of every frame
// completed by it. Bytes of an incomplete frame are kept for the next call,
// so an underflow returns no plaintext and no error. A frame that fails
// authentication breaks the session: this and all later calls fail.
func (s *Session) Decrypt(b []byte) ([]byte, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	s.carry = append(s.carry, b...)

	var out []byte
	buf := s.carry
	for len(buf) >= frameHeaderLength {
		length := int(binary.LittleEndian.Uint16(buf))
		if length > packetLengthMax {
			s.readErr = fmt.Errorf("%w: frame length %d exceeds %d", ErrProtocolState, length, packetLengthMax)
			return nil, s.readErr
		}
		end := frameHeaderLength + length + frameTagLength
		if len(buf) < end {
			break
		}
		if s.decryptCount == math.MaxUint64 {
			s.readErr = ErrNonceExhausted
			return nil, s.readErr
		}
		plain, err := chacha20poly1305.Open(s.decryptKey[:], counterNonce(s.decryptCount), buf[frameHeaderLength:end], buf[:frameHeaderLength])
		if err != nil {
			s.readErr = fmt.Errorf("data decryption failed: %w", ErrAuthenticationFailed)
			s.carry = nil
			return nil, s.readErr
		}
		out = append(out, plain...)
		s.decryptCount++
		buf = buf[end:]
	}
	// keep the remainder in its own array so callers can reuse b
	s.carry = append([]byte(nil), buf...)
	return out, nil
}
