package hkpair

import (
	"context"
	"fmt"

	"github.com/hkontrol/hkpair/tlv8"
)

// PairRemove removes this controller from the accessory. The local pairing is
// deleted only when the accessory confirms.
func (d *Device) PairRemove(ctx context.Context) error {
	d.mu.Lock()
	err := d.removePairing(ctx, d.c.id.Id)
	if err == nil {
		d.log.Infof("unpaired %s", d.Id)
		d.forget()
	}
	d.mu.Unlock()

	if err != nil {
		return err
	}
	d.Emit(EventUnpaired)
	return nil
}

// RemovePairing removes another controller from the accessory. Requires an
// admin pairing.
func (d *Device) RemovePairing(ctx context.Context, id string) error {
	if id == d.c.id.Id {
		return d.PairRemove(ctx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removePairing(ctx, id)
}

func (d *Device) removePairing(ctx context.Context, id string) error {
	if !d.verified {
		return ErrNotVerified
	}

	b, err := tlv8.Marshal(pairingsRequest{
		State:      M1,
		Method:     MethodDeletePairing,
		Identifier: id,
	})
	if err != nil {
		return err
	}
	all, err := d.post(ctx, PathPairings, b)
	if err != nil {
		return fmt.Errorf("remove pairing %s: %w", id, err)
	}
	var m2 pairingsResPayload
	if err := tlv8.Unmarshal(all, &m2); err != nil {
		return err
	}
	if err := expectState(m2.State, M2, m2.Error); err != nil {
		return fmt.Errorf("remove pairing %s: %w", id, err)
	}
	return nil
}
