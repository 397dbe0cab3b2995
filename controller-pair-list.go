package hkpair

import (
	"context"
	"fmt"

	"github.com/hkontrol/hkpair/tlv8"
)

type pairListReqPayload struct {
	Method byte `tlv8:"0"`
	State  byte `tlv8:"6"`
}

// ListPairings lists all controllers of device.
func (d *Device) ListPairings(ctx context.Context) ([]Pairing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.verified {
		return nil, ErrNotVerified
	}

	b, err := tlv8.Marshal(pairListReqPayload{
		State:  M1,
		Method: MethodListPairings,
	})
	if err != nil {
		return nil, err
	}
	all, err := d.post(ctx, PathPairings, b)
	if err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	return decodePairingList(all)
}
