package hkpair

import (
	"context"
	"fmt"

	"github.com/hkontrol/hkpair/tlv8"
)

// PairAdd serves to pair another controller.
// The accessory accepts it only from an admin controller.
func (d *Device) PairAdd(ctx context.Context, p Pairing) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.verified {
		return ErrNotVerified
	}

	b, err := tlv8.Marshal(pairAddReqPayload{
		State:       M1,
		Method:      MethodAddPairing,
		Identifier:  p.Id,
		PublicKey:   p.PublicKey,
		Permissions: p.Permission,
	})
	if err != nil {
		return err
	}
	all, err := d.post(ctx, PathPairings, b)
	if err != nil {
		return fmt.Errorf("add pairing %s: %w", p.Id, err)
	}
	var m2 pairingsResPayload
	if err := tlv8.Unmarshal(all, &m2); err != nil {
		return err
	}
	if err := expectState(m2.State, M2, m2.Error); err != nil {
		return fmt.Errorf("add pairing %s: %w", p.Id, err)
	}
	return nil
}
