package hkpair

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/olebedev/emitter"

	"github.com/hkontrol/hkpair/log"
)

// loopback hands pairing messages of one session straight to an accessory.
// Other paths echo the body once the session is verified.
type loopback struct {
	acc *Accessory
	sid string
}

func (l *loopback) Post(ctx context.Context, path string, contentType string, body []byte) ([]byte, error) {
	switch path {
	case PathPairSetup, PathPairVerify, PathPairings:
		res, _ := l.acc.Handle(ctx, l.sid, path, body)
		if res == nil {
			return nil, &StatusError{Path: path, Code: 400}
		}
		return res, nil
	}
	if !l.acc.IsVerified(l.sid) {
		return nil, &StatusError{Path: path, Code: StatusConnectionAuthorizationRequired}
	}
	return body, nil
}

type brokenTransport struct{}

func (brokenTransport) Post(context.Context, string, string, []byte) ([]byte, error) {
	return nil, errors.New("connection reset by peer")
}

// flakyStore fails lookups while down is set.
type flakyStore struct {
	PairingStore
	down atomic.Bool
}

func (s *flakyStore) Pairing(id string) (Pairing, error) {
	if s.down.Load() {
		return Pairing{}, errors.New("failed connecting to database: timeout")
	}
	return s.PairingStore.Pairing(id)
}

func newTestAccessory(t *testing.T, cfg AccessoryConfig) *Accessory {
	t.Helper()
	if cfg.Pin == "" {
		cfg.Pin = testPin
	}
	if cfg.Id == "" {
		cfg.Id = "AA:BB:CC:DD:EE:FF"
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = log.Discard()
	}
	acc, err := NewAccessory(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return acc
}

func newTestController(t *testing.T, cfg ControllerConfig) *Controller {
	t.Helper()
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = log.Discard()
	}
	c, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// events collects the topics emitted by d.
func events(d *Device, topics ...string) <-chan string {
	ch := make(chan string, 16)
	for _, topic := range topics {
		topic := topic
		d.OnEvent(topic, func(*emitter.Event) {
			ch <- topic
		})
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got event %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no %q event", want)
	}
}

// pairAndVerify pairs ctl with acc on session sid.
func pairAndVerify(t *testing.T, ctl *Controller, acc *Accessory, sid string) *Device {
	t.Helper()
	ctx := context.Background()
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: sid})
	if _, err := d.PairSetup(ctx, testPin); err != nil {
		t.Fatal(err)
	}
	if _, err := d.PairVerify(ctx); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestPairSetupAndVerify(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{})
	ctl := newTestController(t, ControllerConfig{})

	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})
	ev := events(d, EventPaired, EventVerified)

	if d.IsPaired() || acc.IsPaired() {
		t.Fatal("paired before pair-setup")
	}
	if _, err := d.PairSetup(ctx, testPin); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ev, EventPaired)

	if !d.IsPaired() || !acc.IsPaired() {
		t.Fatal("not paired after pair-setup")
	}
	pp, err := acc.Pairings()
	if err != nil {
		t.Fatal(err)
	}
	if len(pp) != 1 || pp[0].Id != ctl.Id() || !pp[0].IsAdmin() {
		t.Fatalf("accessory pairings: %+v", pp)
	}

	ss, err := d.PairVerify(ctx)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ev, EventVerified)
	if !d.IsVerified() || !acc.IsVerified("s1") {
		t.Fatal("not verified on both sides")
	}
	if peer, _ := acc.Peer("s1"); peer.Id != ctl.Id() {
		t.Fatalf("accessory verified %s", peer.Id)
	}

	enc, err := ss.Encrypt([]byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	dec, err := acc.Session("s1").Decrypt(enc)
	if err != nil || string(dec) != "ping" {
		t.Fatalf("got %q, %v", dec, err)
	}

	if acc.IsVerified("s2") {
		t.Fatal("unrelated session verified")
	}
}

func TestPairSetupUnavailable(t *testing.T) {
	acc := newTestAccessory(t, AccessoryConfig{})
	pairAndVerify(t, newTestController(t, ControllerConfig{}), acc, "s1")

	other := newTestController(t, ControllerConfig{})
	d := other.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s2"})
	_, err := d.PairSetup(context.Background(), testPin)
	if !errors.Is(err, TlvErrorUnavailable) {
		t.Fatalf("got %v, want TlvErrorUnavailable", err)
	}
	if d.IsPaired() {
		t.Fatal("second controller paired")
	}
}

func TestPairSetupMaxTries(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{MaxTries: 2})
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})

	for i := 0; i < 2; i++ {
		if _, err := d.PairSetup(ctx, "123-45-679"); !errors.Is(err, TlvErrorAuthentication) {
			t.Fatalf("try %d: got %v, want TlvErrorAuthentication", i, err)
		}
	}
	if _, err := d.PairSetup(ctx, testPin); !errors.Is(err, TlvErrorMaxTries) {
		t.Fatalf("got %v, want TlvErrorMaxTries", err)
	}
	if d.IsPaired() || acc.IsPaired() {
		t.Fatal("paired after max tries")
	}
}

func TestPairSetupBusy(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{})

	// session a starts pair-setup and stalls after M1
	client, err := newPairSetupClient(newTestIdentity(t, "stalled"), testPin)
	if err != nil {
		t.Fatal(err)
	}
	m1, _ := client.M1()
	if _, err := acc.Handle(ctx, "a", PathPairSetup, m1); err != nil {
		t.Fatal(err)
	}

	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "b"})
	if _, err := d.PairSetup(ctx, testPin); !errors.Is(err, TlvErrorBusy) {
		t.Fatalf("got %v, want TlvErrorBusy", err)
	}

	acc.CloseSession("a")
	if _, err := d.PairSetup(ctx, testPin); err != nil {
		t.Fatalf("after the stalled session closed: %v", err)
	}
}

func TestPairVerifyNotPaired(t *testing.T) {
	acc := newTestAccessory(t, AccessoryConfig{})
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})

	if _, err := d.PairVerify(context.Background()); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("got %v, want ErrNotPaired", err)
	}
	if acc.IsVerified("s1") {
		t.Fatal("accessory verified an unpaired controller")
	}
}

func TestVerifyFailurePolicy(t *testing.T) {
	tests := []struct {
		policy     VerifyFailurePolicy
		broken     bool
		wantPaired bool
	}{
		{RemoveOnRejection, false, false},
		{RemoveOnRejection, true, true},
		{KeepPairing, false, true},
		{RemoveOnFailure, false, false},
		{RemoveOnFailure, true, true},
	}
	for _, tt := range tests {
		name := tt.policy.String()
		if tt.broken {
			name += "/broken"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := newTestAccessory(t, AccessoryConfig{})
			ctl := newTestController(t, ControllerConfig{VerifyFailurePolicy: tt.policy})
			d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})
			if _, err := d.PairSetup(ctx, testPin); err != nil {
				t.Fatal(err)
			}

			// the accessory forgets the controller behind its back
			if err := acc.reg.Remove(ctl.Id()); err != nil {
				t.Fatal(err)
			}
			if tt.broken {
				d.SetTransport(brokenTransport{})
			}

			if _, err := d.PairVerify(ctx); err == nil {
				t.Fatal("pair-verify succeeded")
			}
			if d.IsPaired() != tt.wantPaired {
				t.Fatalf("paired: %v, want %v", d.IsPaired(), tt.wantPaired)
			}
			if d.IsVerified() {
				t.Fatal("verified after failure")
			}
		})
	}
}

func TestPairVerifyRejectionEmitsUnpaired(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{})
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})
	if _, err := d.PairSetup(ctx, testPin); err != nil {
		t.Fatal(err)
	}
	ev := events(d, EventUnpaired)

	acc.reg.Remove(ctl.Id())
	_, err := d.PairVerify(ctx)
	if !errors.Is(err, TlvErrorAuthentication) {
		t.Fatalf("got %v, want TlvErrorAuthentication", err)
	}
	waitEvent(t, ev, EventUnpaired)
}

func TestRequestsNeedVerification(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{})
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})

	if _, err := d.Post(ctx, "/accessories", HTTPContentTypeHAPJson, nil); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("got %v, want ErrNotVerified", err)
	}
	if _, err := d.ListPairings(ctx); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("got %v, want ErrNotVerified", err)
	}

	// the accessory refuses unverified sessions too
	l := &loopback{acc: acc, sid: "s2"}
	if _, err := l.Post(ctx, "/accessories", HTTPContentTypeHAPJson, nil); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("got %v, want ErrNotVerified", err)
	}

	if _, err := d.PairSetup(ctx, testPin); err != nil {
		t.Fatal(err)
	}
	if _, err := d.PairVerify(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := d.Post(ctx, "/accessories", HTTPContentTypeHAPJson, []byte("{}"))
	if err != nil || string(res) != "{}" {
		t.Fatalf("got %q, %v", res, err)
	}
}

func TestNoTransport(t *testing.T) {
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice("AA:BB:CC:DD:EE:FF", nil)
	if _, err := d.PairSetup(context.Background(), testPin); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("got %v, want ErrNoTransport", err)
	}
}

func TestPairings(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{})
	admin := newTestController(t, ControllerConfig{})
	d := pairAndVerify(t, admin, acc, "admin")

	user := newTestController(t, ControllerConfig{})
	up := user.Pairing()
	up.Permission = PermissionUser
	if err := d.PairAdd(ctx, up); err != nil {
		t.Fatal(err)
	}

	pp, err := d.ListPairings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pp) != 2 {
		t.Fatalf("got %d pairings", len(pp))
	}
	byID := map[string]Pairing{}
	for _, p := range pp {
		byID[p.Id] = p
	}
	if !byID[admin.Id()].IsAdmin() {
		t.Error("admin controller lost admin permission")
	}
	if p, ok := byID[user.Id()]; !ok || p.IsAdmin() {
		t.Errorf("user pairing: %+v", p)
	}

	// adding the same id with another key is refused
	clash := user.Pairing()
	clash.PublicKey = newTestIdentity(t, "x").Public
	if err := d.PairAdd(ctx, clash); !errors.Is(err, TlvErrorUnknown) {
		t.Fatalf("got %v, want TlvErrorUnknown", err)
	}

	// the user controller was provisioned with the accessory key out of band
	if err := user.reg.Save(acc.Pairing()); err != nil {
		t.Fatal(err)
	}
	ud := user.NewDevice(acc.Id(), &loopback{acc: acc, sid: "user"})
	if _, err := ud.PairVerify(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ud.ListPairings(ctx); !errors.Is(err, TlvErrorAuthentication) {
		t.Fatalf("user listing pairings: got %v, want TlvErrorAuthentication", err)
	}

	if err := d.RemovePairing(ctx, user.Id()); err != nil {
		t.Fatal(err)
	}
	if acc.IsVerified("user") {
		t.Fatal("removed controller still verified")
	}
	if revoked := acc.takeRevoked(); len(revoked) != 1 || revoked[0] != "user" {
		t.Fatalf("revoked sessions: %v", revoked)
	}

	ev := events(d, EventUnpaired)
	if err := d.PairRemove(ctx); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, ev, EventUnpaired)
	if d.IsPaired() || acc.IsPaired() {
		t.Fatal("still paired after remove")
	}
}

func TestRemoveLastAdmin(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{})
	admin := newTestController(t, ControllerConfig{})
	d := pairAndVerify(t, admin, acc, "admin")

	for i := 0; i < 3; i++ {
		p := newTestIdentity(t, NewControllerID()).Pairing()
		p.Permission = PermissionUser
		if err := d.PairAdd(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	if err := d.PairRemove(ctx); err != nil {
		t.Fatal(err)
	}
	pp, err := acc.Pairings()
	if err != nil {
		t.Fatal(err)
	}
	if len(pp) != 0 {
		t.Fatalf("%d pairings left without an admin", len(pp))
	}
	if acc.IsVerified("admin") {
		t.Fatal("session of removed admin still verified")
	}
}

func TestMaxPeers(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{MaxPeers: 2})
	d := pairAndVerify(t, newTestController(t, ControllerConfig{}), acc, "admin")

	if err := d.PairAdd(ctx, newTestIdentity(t, "second").Pairing()); err != nil {
		t.Fatal(err)
	}
	if err := d.PairAdd(ctx, newTestIdentity(t, "third").Pairing()); !errors.Is(err, TlvErrorMaxPeers) {
		t.Fatalf("got %v, want TlvErrorMaxPeers", err)
	}
}

func TestControllerReload(t *testing.T) {
	st := NewPairingStore(NewMemStore())
	acc := newTestAccessory(t, AccessoryConfig{})

	ctl := newTestController(t, ControllerConfig{Store: st})
	pairAndVerify(t, ctl, acc, "s1")

	again := newTestController(t, ControllerConfig{Store: st})
	if again.Id() != ctl.Id() {
		t.Fatalf("controller id changed: %s != %s", again.Id(), ctl.Id())
	}
	if err := again.LoadPairings(); err != nil {
		t.Fatal(err)
	}
	dd := again.Devices()
	if len(dd) != 1 || dd[0].Id != acc.Id() || !dd[0].IsPaired() {
		t.Fatalf("devices after reload: %v", dd)
	}

	dd[0].SetTransport(&loopback{acc: acc, sid: "s2"})
	if _, err := dd[0].PairVerify(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestAccessoryIdentityMismatch(t *testing.T) {
	st := NewPairingStore(NewMemStore())
	newTestAccessory(t, AccessoryConfig{Store: st})
	if _, err := NewAccessory(AccessoryConfig{Id: "11:22:33:44:55:66", Pin: testPin, Store: st}); err == nil {
		t.Fatal("accessory accepted a store of another accessory")
	}
	if _, err := NewAccessory(AccessoryConfig{Pin: "111-11-111"}); !errors.Is(err, ErrInvalidPin) {
		t.Fatalf("got %v, want ErrInvalidPin", err)
	}
}

func TestPairVerifyAccessoryStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{PairingStore: NewPairingStore(NewMemStore())}
	acc := newTestAccessory(t, AccessoryConfig{Store: st})
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})
	if _, err := d.PairSetup(ctx, testPin); err != nil {
		t.Fatal(err)
	}

	st.down.Store(true)
	_, err := d.PairVerify(ctx)
	if !errors.Is(err, TlvErrorUnknown) || errors.Is(err, TlvErrorAuthentication) {
		t.Fatalf("got %v, want TlvErrorUnknown", err)
	}
	if !d.IsPaired() {
		t.Fatal("controller dropped its pairing on an accessory store failure")
	}
	if acc.IsVerified("s1") {
		t.Fatal("verified without a pairing lookup")
	}

	st.down.Store(false)
	if _, err := d.PairVerify(ctx); err != nil {
		t.Fatalf("after the store came back: %v", err)
	}
}

func TestPairVerifyControllerStoreFailure(t *testing.T) {
	for _, policy := range []VerifyFailurePolicy{RemoveOnRejection, RemoveOnFailure} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := context.Background()
			acc := newTestAccessory(t, AccessoryConfig{})
			st := &flakyStore{PairingStore: NewPairingStore(NewMemStore())}
			ctl := newTestController(t, ControllerConfig{Store: st, VerifyFailurePolicy: policy})
			d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})
			if _, err := d.PairSetup(ctx, testPin); err != nil {
				t.Fatal(err)
			}

			st.down.Store(true)
			_, err := d.PairVerify(ctx)
			if err == nil || errors.Is(err, ErrNotPaired) {
				t.Fatalf("got %v, want a store error", err)
			}
			st.down.Store(false)
			if !d.IsPaired() {
				t.Fatal("pairing removed after a store failure")
			}
		})
	}
}

func TestEventCallbacksCallDevice(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{})
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})

	seen := make(chan bool, 3)
	d.OnEvent(EventPaired, func(*emitter.Event) {
		seen <- d.IsPaired() && !d.IsVerified()
	})
	d.OnEvent(EventVerified, func(*emitter.Event) {
		seen <- d.IsVerified() && d.Session() != nil
	})
	d.OnEvent(EventUnpaired, func(*emitter.Event) {
		seen <- !d.IsVerified() && d.Session() == nil
	})

	done := make(chan error, 1)
	go func() {
		if _, err := d.PairSetup(ctx, testPin); err != nil {
			done <- err
			return
		}
		if _, err := d.PairVerify(ctx); err != nil {
			done <- err
			return
		}
		done <- d.PairRemove(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event callback blocked on the device")
	}

	for _, topic := range []string{EventPaired, EventVerified, EventUnpaired} {
		if !<-seen {
			t.Errorf("%s: wrong device state in the callback", topic)
		}
	}
}

func TestPairSetupReturnsPairing(t *testing.T) {
	acc := newTestAccessory(t, AccessoryConfig{})
	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})

	p, err := d.PairSetup(context.Background(), testPin)
	if err != nil {
		t.Fatal(err)
	}
	want := acc.Pairing()
	if p.Id != want.Id || string(p.PublicKey) != string(want.PublicKey) {
		t.Fatalf("got %+v, want %+v", p, want)
	}
	stored, err := ctl.reg.Lookup(acc.Id())
	if err != nil || string(stored.PublicKey) != string(p.PublicKey) {
		t.Fatalf("stored %+v, %v", stored, err)
	}
}

func TestPairSetupStaleSession(t *testing.T) {
	ctx := context.Background()
	acc := newTestAccessory(t, AccessoryConfig{SetupTimeout: 300 * time.Millisecond})

	// session a sends M1 and goes quiet
	client, err := newPairSetupClient(newTestIdentity(t, "stalled"), testPin)
	if err != nil {
		t.Fatal(err)
	}
	m1, _ := client.M1()
	m2, err := acc.Handle(ctx, "a", PathPairSetup, m1)
	if err != nil {
		t.Fatal(err)
	}

	ctl := newTestController(t, ControllerConfig{})
	d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "b"})
	if _, err := d.PairSetup(ctx, testPin); !errors.Is(err, TlvErrorBusy) {
		t.Fatalf("got %v, want TlvErrorBusy", err)
	}

	time.Sleep(400 * time.Millisecond)
	if _, err := d.PairSetup(ctx, testPin); err != nil {
		t.Fatalf("after session a went stale: %v", err)
	}

	// the stale session lost its exchange
	m3, err := client.M3(m2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acc.Handle(ctx, "a", PathPairSetup, m3); !errors.Is(err, ErrProtocolState) {
		t.Fatalf("stale session: got %v, want ErrProtocolState", err)
	}
}

func TestPairSetupBadSignatureNotStored(t *testing.T) {
	ctx := context.Background()

	t.Run("controller", func(t *testing.T) {
		acc := newTestAccessory(t, AccessoryConfig{})
		ctl := newTestController(t, ControllerConfig{})
		ctl.id.Private = newTestIdentity(t, "other").Private
		d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})

		if _, err := d.PairSetup(ctx, testPin); !errors.Is(err, TlvErrorAuthentication) {
			t.Fatalf("got %v, want TlvErrorAuthentication", err)
		}
		pp, err := acc.Pairings()
		if err != nil {
			t.Fatal(err)
		}
		if len(pp) != 0 || d.IsPaired() {
			t.Fatalf("pairing stored: %+v", pp)
		}
	})

	t.Run("accessory", func(t *testing.T) {
		acc := newTestAccessory(t, AccessoryConfig{})
		acc.id.Private = newTestIdentity(t, "other").Private
		ctl := newTestController(t, ControllerConfig{})
		d := ctl.NewDevice(acc.Id(), &loopback{acc: acc, sid: "s1"})

		if _, err := d.PairSetup(ctx, testPin); !errors.Is(err, ErrCryptoFailure) {
			t.Fatalf("got %v, want ErrCryptoFailure", err)
		}
		if d.IsPaired() {
			t.Fatal("controller stored an accessory with a bad signature")
		}
	})
}
