package hkpair

import (
	"context"
	"errors"
	"fmt"
)

// PairVerify runs pair-verify with a paired accessory and returns the session.
// When the transport supports it, all following traffic is encrypted.
func (d *Device) PairVerify(ctx context.Context) (*Session, error) {
	d.mu.Lock()
	ss, topic, err := d.verifyLocked(ctx)
	d.mu.Unlock()

	// callbacks may call back into the device
	if topic != "" {
		d.Emit(topic)
	}
	return ss, err
}

// verifyLocked returns the event to emit once d.mu is released.
func (d *Device) verifyLocked(ctx context.Context) (*Session, string, error) {
	if _, err := d.c.reg.Lookup(d.Id); err != nil {
		return nil, "", &PairVerifyError{"M1", err}
	}
	d.ss = nil
	d.verified = false

	ss, rejected, err := d.pairVerify(ctx)
	if err != nil {
		d.log.Warnf("pair-verify %s: %v", d.Id, err)
		if d.shouldForget(err, rejected) {
			d.log.Infof("removing pairing with %s after failed pair-verify", d.Id)
			d.forget()
			return nil, EventUnpaired, err
		}
		return nil, "", err
	}

	if u, ok := d.t.(upgrader); ok {
		u.UpgradeEnc(ss)
	}
	d.ss = ss
	d.verified = true
	d.log.Debugf("verified %s", d.Id)
	return ss, EventVerified, nil
}

// pairVerify reports rejected when the accessory answered M4 with an
// authentication error.
func (d *Device) pairVerify(ctx context.Context) (*Session, bool, error) {
	client, err := newPairVerifyClient(d.c.id, d.lookup, d.c.rand)
	if err != nil {
		return nil, false, err
	}
	defer client.keys.wipe()

	m1, err := client.M1()
	if err != nil {
		return nil, false, err
	}
	m2, err := d.post(ctx, PathPairVerify, m1)
	if err != nil {
		return nil, false, &PairVerifyError{"M1", err}
	}

	m3, err := client.M3(m2)
	if err != nil {
		return nil, false, err
	}
	m4, err := d.post(ctx, PathPairVerify, m3)
	if err != nil {
		return nil, false, &PairVerifyError{"M3", err}
	}

	ss, err := client.Finish(m4)
	if err != nil {
		return nil, errors.Is(err, TlvErrorAuthentication), err
	}
	return ss, false, nil
}

// lookup only accepts the accessory this device stands for.
func (d *Device) lookup(id string) (Pairing, error) {
	if id != d.Id {
		return Pairing{}, fmt.Errorf("%w: accessory identifies as %s", ErrNotPaired, id)
	}
	return d.c.reg.Lookup(id)
}

func (d *Device) shouldForget(err error, rejected bool) bool {
	switch d.c.policy {
	case KeepPairing:
		return false
	case RemoveOnFailure:
		// handshake errors only, a broken network must not unpair
		var pv *PairVerifyError
		if !errors.As(err, &pv) {
			return false
		}
		var se *StatusError
		return !errors.As(err, &se) && !isTransportError(err)
	}
	return rejected
}

// isTransportError reports whether err comes from the transport rather than
// from the handshake itself.
func isTransportError(err error) bool {
	return !errors.Is(err, ErrMalformedTLV) &&
		!errors.Is(err, ErrCryptoFailure) &&
		!errors.Is(err, ErrProtocolState) &&
		!errors.Is(err, ErrAuthenticationFailed) &&
		!errors.Is(err, ErrNotPaired) &&
		!isTlvError(err)
}

func isTlvError(err error) bool {
	var te *TlvError
	return errors.As(err, &te)
}
