package hkpair

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hkontrol/hkpair/tlv8"
)

const testPin = "123-45-678"

func newTestIdentity(t *testing.T, id string) Identity {
	t.Helper()
	kp, err := generateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	return Identity{Id: id, KeyPair: kp}
}

func TestPairSetup(t *testing.T) {
	ctl := newTestIdentity(t, "5C9F5E0E-3F4B-4E1B-8A3B-2E7A1C2B3D4E")
	acc := newTestIdentity(t, "AA:BB:CC:DD:EE:FF")

	client, err := newPairSetupClient(ctl, testPin)
	if err != nil {
		t.Fatal(err)
	}
	server := newPairSetupServer(acc, testPin)

	m1, err := client.M1()
	if err != nil {
		t.Fatal(err)
	}
	m2, err := server.Handle(m1)
	if err != nil {
		t.Fatal(err)
	}
	m3, err := client.M3(m2)
	if err != nil {
		t.Fatal(err)
	}
	m4, err := server.Handle(m3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(client.srp.SessionKey, server.srp.SessionKey) {
		t.Fatal("session keys differ after M4")
	}
	m5, err := client.M5(m4)
	if err != nil {
		t.Fatal(err)
	}
	m6, err := server.Handle(m5)
	if err != nil {
		t.Fatal(err)
	}
	peer, err := client.Finish(m6)
	if err != nil {
		t.Fatal(err)
	}

	if peer.Id != acc.Id || !bytes.Equal(peer.PublicKey, acc.Public) {
		t.Errorf("controller got %+v, want accessory %s", peer, acc.Id)
	}
	ctlPeer, ok := server.Peer()
	if !ok || ctlPeer.Id != ctl.Id || !bytes.Equal(ctlPeer.PublicKey, ctl.Public) {
		t.Errorf("accessory got %+v, want controller %s", ctlPeer, ctl.Id)
	}
	if !ctlPeer.IsAdmin() {
		t.Error("pair-setup controller is not admin")
	}
	if !server.Done() || client.state != stateDone {
		t.Error("handshakes not done")
	}
	if client.srp != nil || server.srp != nil {
		t.Error("srp state kept after completion")
	}
}

func TestPairSetupWrongPin(t *testing.T) {
	ctl := newTestIdentity(t, "controller")
	acc := newTestIdentity(t, "AA:BB:CC:DD:EE:FF")

	client, err := newPairSetupClient(ctl, "123-45-679")
	if err != nil {
		t.Fatal(err)
	}
	server := newPairSetupServer(acc, testPin)

	m1, _ := client.M1()
	m2, err := server.Handle(m1)
	if err != nil {
		t.Fatal(err)
	}
	m3, err := client.M3(m2)
	if err != nil {
		t.Fatal(err)
	}

	m4, err := server.Handle(m3)
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("accessory: got %v, want ErrAuthenticationFailed", err)
	}
	if !server.Failed() {
		t.Error("accessory did not fail")
	}
	if _, ok := server.Peer(); ok {
		t.Error("accessory created a pairing")
	}

	_, err = client.M5(m4)
	if !errors.Is(err, TlvErrorAuthentication) {
		t.Fatalf("controller: got %v, want TlvErrorAuthentication", err)
	}
	var pse *PairSetupError
	if !errors.As(err, &pse) || pse.Step != "M4" {
		t.Errorf("got %v, want a M4 PairSetupError", err)
	}
}

func TestPairSetupOutOfOrder(t *testing.T) {
	acc := newTestIdentity(t, "AA:BB:CC:DD:EE:FF")
	server := newPairSetupServer(acc, testPin)

	m3, _ := tlv8.Marshal(statePayload{State: M3})
	res, err := server.Handle(m3)
	if !errors.Is(err, ErrProtocolState) {
		t.Fatalf("got %v, want ErrProtocolState", err)
	}
	var m4 pairSetupM4Payload
	if err := tlv8.Unmarshal(res, &m4); err != nil {
		t.Fatal(err)
	}
	if m4.State != M4 || m4.Error != TlvErrorUnknown.Code {
		t.Errorf("got %+v", m4)
	}

	ctl := newTestIdentity(t, "controller")
	client, _ := newPairSetupClient(ctl, testPin)
	if _, err := client.M5(nil); !errors.Is(err, ErrProtocolState) {
		t.Errorf("controller M5 before M3: got %v", err)
	}
}

func TestPairSetupMalformed(t *testing.T) {
	acc := newTestIdentity(t, "AA:BB:CC:DD:EE:FF")
	server := newPairSetupServer(acc, testPin)

	if _, err := server.Handle([]byte{0x06, 0x05, 0x01}); !errors.Is(err, ErrMalformedTLV) {
		t.Fatalf("got %v, want ErrMalformedTLV", err)
	}
}

func TestPairSetupInvalidPin(t *testing.T) {
	if _, err := newPairSetupClient(newTestIdentity(t, "c"), "12345678"); !errors.Is(err, ErrInvalidPin) {
		t.Fatalf("got %v, want ErrInvalidPin", err)
	}
}

// mismatchedIdentity advertises one public key and signs with another.
func mismatchedIdentity(t *testing.T, id string) Identity {
	t.Helper()
	self := newTestIdentity(t, id)
	self.Private = newTestIdentity(t, id).Private
	return self
}

func TestPairSetupBadSignature(t *testing.T) {
	tests := []struct {
		name      string
		ctl, acc  Identity
		accFailed bool
	}{
		{"controller", mismatchedIdentity(t, "controller"), newTestIdentity(t, "AA:BB:CC:DD:EE:FF"), true},
		{"accessory", newTestIdentity(t, "controller"), mismatchedIdentity(t, "AA:BB:CC:DD:EE:FF"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := newPairSetupClient(tt.ctl, testPin)
			if err != nil {
				t.Fatal(err)
			}
			server := newPairSetupServer(tt.acc, testPin)

			m1, _ := client.M1()
			m2, err := server.Handle(m1)
			if err != nil {
				t.Fatal(err)
			}
			m3, err := client.M3(m2)
			if err != nil {
				t.Fatal(err)
			}
			m4, err := server.Handle(m3)
			if err != nil {
				t.Fatal(err)
			}
			m5, err := client.M5(m4)
			if err != nil {
				t.Fatal(err)
			}
			m6, err := server.Handle(m5)

			if tt.accFailed {
				if !errors.Is(err, ErrCryptoFailure) {
					t.Fatalf("accessory: got %v, want ErrCryptoFailure", err)
				}
				if !server.Failed() {
					t.Error("accessory did not fail")
				}
				if _, ok := server.Peer(); ok {
					t.Error("accessory created a pairing")
				}
				var res pairSetupEncPayload
				if err := tlv8.Unmarshal(m6, &res); err != nil {
					t.Fatal(err)
				}
				if res.State != M6 || res.Error != TlvErrorAuthentication.Code || len(res.EncryptedData) != 0 {
					t.Errorf("got %+v", res)
				}
				if _, err := client.Finish(m6); !errors.Is(err, TlvErrorAuthentication) {
					t.Errorf("controller: got %v, want TlvErrorAuthentication", err)
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}
			peer, err := client.Finish(m6)
			if !errors.Is(err, ErrCryptoFailure) {
				t.Fatalf("controller: got %v, want ErrCryptoFailure", err)
			}
			if client.state != stateFailed {
				t.Errorf("controller state %s", client.state)
			}
			if peer.Id != "" || peer.PublicKey != nil {
				t.Errorf("controller got pairing %+v", peer)
			}
			if client.srp != nil {
				t.Error("srp state kept after failure")
			}
		})
	}
}
