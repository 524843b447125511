package client

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cat4igp/cat4igp/internal/domain"
)

type fakeDevices struct {
	present    map[string]bool
	configured map[string]wgtypes.Config
	peers      map[string][]wgtypes.Peer
}

func (f *fakeDevices) Device(name string) (*wgtypes.Device, error) {
	if !f.present[name] {
		return nil, os.ErrNotExist
	}
	return &wgtypes.Device{Name: name, Peers: f.peers[name]}, nil
}

func (f *fakeDevices) ConfigureDevice(name string, cfg wgtypes.Config) error {
	f.configured[name] = cfg
	return nil
}

func (f *fakeDevices) Close() error { return nil }

func TestWireGuardApplierConfiguresSinglePeer(t *testing.T) {
	t.Parallel()

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	dev := &fakeDevices{present: map[string]bool{"igp0": true}, configured: map[string]wgtypes.Config{}}
	w := &WireGuardApplier{wg: dev, log: discardLogger()}
	endpoint := "203.0.113.9:51820"

	err = w.Apply(context.Background(), domain.TunnelIntent{
		InterfaceName: "igp0",
		PeerNodeID:    2,
		PeerPublicKey: priv.PublicKey().String(),
		PeerEndpoint:  &endpoint,
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg, ok := dev.configured["igp0"]
	if !ok {
		t.Fatal("device not configured")
	}
	if !cfg.ReplacePeers || len(cfg.Peers) != 1 {
		t.Fatalf("config = %+v", cfg)
	}
	peer := cfg.Peers[0]
	if peer.PublicKey != priv.PublicKey() || peer.Endpoint.String() != endpoint || len(peer.AllowedIPs) != 2 {
		t.Fatalf("peer = %+v", peer)
	}
}

func TestWireGuardApplierMissingInterface(t *testing.T) {
	t.Parallel()

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	dev := &fakeDevices{present: map[string]bool{}, configured: map[string]wgtypes.Config{}}
	w := &WireGuardApplier{wg: dev, log: discardLogger()}
	endpoint := "203.0.113.9:51820"

	err = w.Apply(context.Background(), domain.TunnelIntent{
		InterfaceName: "igp1",
		PeerPublicKey: priv.PublicKey().String(),
		PeerEndpoint:  &endpoint,
	})
	if !errors.Is(err, ErrInterfaceMissing) {
		t.Fatalf("err = %v, want ErrInterfaceMissing", err)
	}
	if len(dev.configured) != 0 {
		t.Fatal("missing interface must not be configured")
	}
}

func TestWireGuardApplierConfirmedNeedsHandshake(t *testing.T) {
	t.Parallel()

	peerKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	otherKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	intent := domain.TunnelIntent{InterfaceName: "igp0", PeerPublicKey: peerKey.PublicKey().String()}

	tests := []struct {
		name  string
		peers []wgtypes.Peer
		want  bool
	}{
		{name: "no peers"},
		{name: "configured without handshake", peers: []wgtypes.Peer{{PublicKey: peerKey.PublicKey()}}},
		{name: "handshake with another key", peers: []wgtypes.Peer{{PublicKey: otherKey.PublicKey(), LastHandshakeTime: time.Now()}}},
		{name: "handshake done", peers: []wgtypes.Peer{{PublicKey: peerKey.PublicKey(), LastHandshakeTime: time.Now()}}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dev := &fakeDevices{
				present:    map[string]bool{"igp0": true},
				configured: map[string]wgtypes.Config{},
				peers:      map[string][]wgtypes.Peer{"igp0": tt.peers},
			}
			w := &WireGuardApplier{wg: dev, log: discardLogger()}
			got, err := w.Confirmed(context.Background(), intent)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("Confirmed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWireGuardApplierConfirmedMissingInterface(t *testing.T) {
	t.Parallel()

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	w := &WireGuardApplier{wg: &fakeDevices{present: map[string]bool{}}, log: discardLogger()}
	ok, err := w.Confirmed(context.Background(), domain.TunnelIntent{InterfaceName: "igp2", PeerPublicKey: priv.PublicKey().String()})
	if ok || !errors.Is(err, ErrInterfaceMissing) {
		t.Fatalf("Confirmed = %v, %v; want false, ErrInterfaceMissing", ok, err)
	}
}
