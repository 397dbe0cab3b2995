package hkpair

import (
	"context"
	"errors"
	"fmt"
)

// PairSetup pairs with the accessory using its setup code, stores the
// accessory pairing and returns it.
//
// A TlvErrorUnavailable cause means the accessory already belongs to another
// controller; TlvErrorAuthentication means a wrong setup code.
func (d *Device) PairSetup(ctx context.Context, pin string) (Pairing, error) {
	d.mu.Lock()
	peer, err := d.setupLocked(ctx, pin)
	d.mu.Unlock()
	if err != nil {
		return Pairing{}, err
	}
	d.Emit(EventPaired)
	return peer, nil
}

func (d *Device) setupLocked(ctx context.Context, pin string) (Pairing, error) {
	peer, err := d.pairSetup(ctx, pin)
	if err != nil {
		switch {
		case errors.Is(err, TlvErrorUnavailable):
			d.log.Warnf("pair-setup %s: accessory is already paired with another controller", d.Id)
		case isAuthFailure(err):
			d.log.Warnf("pair-setup %s: wrong setup code", d.Id)
		default:
			d.log.Warnf("pair-setup %s: %v", d.Id, err)
		}
		return Pairing{}, err
	}

	if err := d.c.reg.Save(peer); err != nil {
		return Pairing{}, &PairSetupError{"M6", fmt.Errorf("saving pairing failed: %w", err)}
	}
	d.log.Infof("paired with %s", d.Id)
	return peer, nil
}

func (d *Device) pairSetup(ctx context.Context, pin string) (Pairing, error) {
	client, err := newPairSetupClient(d.c.id, pin)
	if err != nil {
		return Pairing{}, &PairSetupError{"M1", err}
	}
	// drop the srp state if the exchange does not reach the end
	defer client.wipe()

	m1, err := client.M1()
	if err != nil {
		return Pairing{}, err
	}
	m2, err := d.post(ctx, PathPairSetup, m1)
	if err != nil {
		return Pairing{}, &PairSetupError{"M1", err}
	}

	m3, err := client.M3(m2)
	if err != nil {
		return Pairing{}, err
	}
	m4, err := d.post(ctx, PathPairSetup, m3)
	if err != nil {
		return Pairing{}, &PairSetupError{"M3", err}
	}

	m5, err := client.M5(m4)
	if err != nil {
		return Pairing{}, err
	}
	m6, err := d.post(ctx, PathPairSetup, m5)
	if err != nil {
		return Pairing{}, &PairSetupError{"M5", err}
	}

	peer, err := client.Finish(m6)
	if err != nil {
		return Pairing{}, err
	}
	if d.Id != peer.Id {
		return Pairing{}, &PairSetupError{"M6", fmt.Errorf("%w: accessory identifies as %s", ErrProtocolState, peer.Id)}
	}
	return peer, nil
}
