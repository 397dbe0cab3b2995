package hkpair

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/hkontrol/hkpair/log"
)

// VerifyFailurePolicy decides what happens to the local pairing when
// pair-verify fails.
type VerifyFailurePolicy int

const (
	// RemoveOnRejection deletes the pairing only when the accessory answers
	// M4 with an authentication error, i.e. it no longer knows us.
	RemoveOnRejection VerifyFailurePolicy = iota
	// KeepPairing never deletes the pairing.
	KeepPairing
	// RemoveOnFailure deletes the pairing on any handshake error. Transport
	// errors do not count.
	RemoveOnFailure
)

func (p VerifyFailurePolicy) String() string {
	switch p {
	case RemoveOnRejection:
		return "remove-on-rejection"
	case KeepPairing:
		return "keep"
	case RemoveOnFailure:
		return "remove-on-failure"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

type ControllerConfig struct {
	// Store keeps the controller identity and the accessory pairings.
	// Defaults to an in-memory store.
	Store PairingStore
	// Rand is the entropy source for key generation. Defaults to crypto/rand.
	Rand io.Reader

	LoggerFactory logging.LoggerFactory

	VerifyFailurePolicy VerifyFailurePolicy
	// DialTimeout bounds Dial. Defaults to 10s.
	DialTimeout time.Duration
}

// Controller pairs with accessories and verifies connections to them.
type Controller struct {
	id     Identity
	reg    *registry
	rand   io.Reader
	policy VerifyFailurePolicy

	dialTimeout   time.Duration
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger

	mu      sync.Mutex
	devices map[string]*Device
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	st := cfg.Store
	if st == nil {
		st = NewPairingStore(NewMemStore())
	}
	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	id, err := loadIdentity(st, r, func() (string, error) {
		return NewControllerID(), nil
	})
	if err != nil {
		return nil, err
	}

	lf := log.Or(cfg.LoggerFactory)
	c := &Controller{
		id:            id,
		reg:           newRegistry(st),
		rand:          r,
		policy:        cfg.VerifyFailurePolicy,
		dialTimeout:   cfg.DialTimeout,
		loggerFactory: lf,
		log:           lf.NewLogger("hap-controller"),
		devices:       make(map[string]*Device),
	}
	c.log.Debugf("controller %s ready", id.Id)
	return c, nil
}

// Id returns the controller pairing identifier.
func (c *Controller) Id() string {
	return c.id.Id
}

// Pairing returns the controller as seen by accessories, e.g. to add it to
// an accessory from another admin controller.
func (c *Controller) Pairing() Pairing {
	return c.id.Pairing()
}

// NewDevice returns the device with the given accessory id, creating it if
// needed, and makes t its transport.
func (c *Controller) NewDevice(id string, t Transport) *Device {
	c.mu.Lock()
	d, ok := c.devices[id]
	if !ok {
		d = newDevice(id, c)
		c.devices[id] = d
	}
	c.mu.Unlock()

	if t != nil {
		d.SetTransport(t)
	}
	return d
}

// Dial connects to the accessory at addr over TCP and returns its device.
func (c *Controller) Dial(ctx context.Context, id string, addr string) (*Device, error) {
	c.log.Debugf("dialing %s at %s", id, addr)
	t, err := dialHTTP(ctx, addr, c.dialTimeout, c.loggerFactory.NewLogger("hap-conn"))
	if err != nil {
		return nil, err
	}
	return c.NewDevice(id, t), nil
}

// Device returns a known device or nil.
func (c *Controller) Device(id string) *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[id]
}

// Devices returns all known devices sorted by id.
func (c *Controller) Devices() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	dd := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		dd = append(dd, d)
	}
	sort.Slice(dd, func(i, j int) bool {
		return dd[i].Id < dd[j].Id
	})
	return dd
}

// LoadPairings creates a device without transport for every stored pairing.
func (c *Controller) LoadPairings() error {
	pp, err := c.reg.All()
	if err != nil {
		return err
	}
	for _, p := range pp {
		c.NewDevice(p.Id, nil)
	}
	return nil
}
