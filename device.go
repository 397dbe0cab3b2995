package hkpair

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/olebedev/emitter"
	"github.com/pion/logging"
)

// Device events.
const (
	EventPaired   = "paired"
	EventVerified = "verified"
	EventUnpaired = "unpaired"
	EventClose    = "close"
)

type eventCallback func(*emitter.Event)

// Device is an accessory as seen by the controller.
type Device struct {
	emitter.Emitter

	Id string

	c   *Controller
	log logging.LeveledLogger

	// mu serializes handshakes and requests on the transport
	mu       sync.Mutex
	t        Transport
	ss       *Session
	verified bool
}

func newDevice(id string, c *Controller) *Device {
	d := &Device{
		Id:      id,
		c:       c,
		log:     c.log,
		Emitter: emitter.Emitter{},
	}
	// flat callbacks
	d.Use("*", emitter.Void)

	return d
}

// OnEvent registers callback for one of the device events. Callbacks run on
// the emitting goroutine, after the device lock is released.
func (d *Device) OnEvent(topic string, callback eventCallback) {
	d.On(topic, callback)
}

// SetTransport replaces the transport. The device is no longer verified.
func (d *Device) SetTransport(t Transport) {
	d.mu.Lock()
	d.t = t
	d.ss = nil
	d.verified = false
	d.mu.Unlock()
}

// IsPaired returns true if device is paired by this controller.
// If another client is paired with device it will return false.
func (d *Device) IsPaired() bool {
	_, err := d.c.reg.Lookup(d.Id)
	return err == nil
}

// IsVerified returns true if /pair-verify step was completed by this controller.
func (d *Device) IsVerified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verified
}

// Session returns the session of the last successful pair-verify, or nil.
func (d *Device) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ss
}

// post sends a pairing message. d.mu must be held.
func (d *Device) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	if d.t == nil {
		return nil, ErrNoTransport
	}
	return d.t.Post(ctx, path, HTTPContentTypePairingTLV8, body)
}

// Post sends body to path over the verified connection.
func (d *Device) Post(ctx context.Context, path string, contentType string, body []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.verified {
		return nil, ErrNotVerified
	}
	return d.t.Post(ctx, path, contentType, body)
}

// Get sends a GET request for path over the verified connection. The
// transport must support GET.
func (d *Device) Get(ctx context.Context, path string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.verified {
		return nil, ErrNotVerified
	}
	g, ok := d.t.(interface {
		Get(ctx context.Context, path string) ([]byte, error)
	})
	if !ok {
		return nil, errors.New("transport does not support GET")
	}
	return g.Get(ctx, path)
}

// Close closes the transport and drops the session.
func (d *Device) Close() error {
	d.mu.Lock()
	t := d.t
	d.t = nil
	d.ss = nil
	d.verified = false
	d.mu.Unlock()

	var err error
	if cl, ok := t.(io.Closer); ok {
		err = cl.Close()
	}
	d.Emit(EventClose)
	return err
}

// forget drops the local pairing and the session. d.mu must be held; the
// caller emits EventUnpaired after releasing it.
func (d *Device) forget() {
	if err := d.c.reg.Remove(d.Id); err != nil {
		d.log.Warnf("removing pairing %s: %v", d.Id, err)
	}
	d.ss = nil
	d.verified = false
}
