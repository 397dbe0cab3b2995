package hkpair

import (
	"fmt"

	"github.com/hkontrol/hkpair/tlv8"
)

// pairingsRequest is the body of a /pairings request. Remove and list leave
// the key and permissions out.
type pairingsRequest struct {
	Method      byte   `tlv8:"0"`
	State       byte   `tlv8:"6"`
	Identifier  string `tlv8:"1,omitempty"`
	PublicKey   []byte `tlv8:"3,omitempty"`
	Permissions byte   `tlv8:"11,omitempty"`
}

// pairAddReqPayload always carries the permissions, a user pairing included.
type pairAddReqPayload struct {
	Method      byte   `tlv8:"0"`
	State       byte   `tlv8:"6"`
	Identifier  string `tlv8:"1"`
	PublicKey   []byte `tlv8:"3"`
	Permissions byte   `tlv8:"11"`
}

type pairingsResPayload struct {
	State byte `tlv8:"6"`
	Error byte `tlv8:"7,omitempty"`
}

type pairingPayload struct {
	Identifier string `tlv8:"1"`
	PublicKey  []byte `tlv8:"3"`
	Permission byte   `tlv8:"11"`
}

// encodePairingList returns the M2 of a list request, with a separator
// between consecutive pairings.
func encodePairingList(pp []Pairing) []byte {
	var c tlv8.Container
	c.AddByte(TypeState, M2)
	for i, p := range pp {
		if i > 0 {
			c.Add(TypeSeparator, nil)
		}
		c.Add(TypeIdentifier, []byte(p.Id))
		c.Add(TypePublicKey, p.PublicKey)
		c.AddByte(TypePermissions, p.Permission)
	}
	return c.Bytes()
}

// decodePairingList parses the M2 of a list request.
func decodePairingList(b []byte) ([]Pairing, error) {
	var res pairingsResPayload
	if err := tlv8.Unmarshal(b, &res); err != nil {
		return nil, err
	}
	if err := expectState(res.State, M2, res.Error); err != nil {
		return nil, err
	}

	segments, err := tlv8.Split(b)
	if err != nil {
		return nil, err
	}
	var result []Pairing
	for _, seg := range segments {
		var p pairingPayload
		if err := tlv8.Unmarshal(seg, &p); err != nil {
			return nil, err
		}
		if p.Identifier == "" {
			continue
		}
		if len(p.PublicKey) == 0 {
			return nil, fmt.Errorf("%w: pairing %s without public key", ErrProtocolState, p.Identifier)
		}
		result = append(result, Pairing{Id: p.Identifier, PublicKey: p.PublicKey, Permission: p.Permission})
	}
	return result, nil
}
