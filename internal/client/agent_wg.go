package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cat4igp/cat4igp/internal/domain"
)

const wgKeepalive = 25 * time.Second

// ErrInterfaceMissing means the tunnel's interface has not been created yet.
// The tunnel stays unanswered until it exists.
var ErrInterfaceMissing = errors.New("wireguard interface not present")

// deviceConfigurer is the slice of wgctrl the applier needs.
type deviceConfigurer interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// WireGuardApplier programs the remote peer into an existing WireGuard
// interface named after the tunnel. Each tunnel interface carries exactly
// one peer, so the peer list is replaced and every address is allowed.
type WireGuardApplier struct {
	mu  sync.Mutex
	wg  deviceConfigurer
	log *slog.Logger
}

// NewWireGuardApplier opens the kernel or userspace WireGuard control
// interface.
func NewWireGuardApplier(logger *slog.Logger) (*WireGuardApplier, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WireGuardApplier{wg: c, log: logger}, nil
}

func (w *WireGuardApplier) Apply(_ context.Context, intent domain.TunnelIntent) error {
	if intent.PeerEndpoint == nil {
		return errors.New("peer endpoint unknown")
	}
	peerKey, err := wgtypes.ParseKey(intent.PeerPublicKey)
	if err != nil {
		return fmt.Errorf("peer public key: %w", err)
	}
	network := "udp4"
	if intent.EndpointIPv6 {
		network = "udp6"
	}
	endpoint, err := net.ResolveUDPAddr(network, *intent.PeerEndpoint)
	if err != nil {
		return fmt.Errorf("peer endpoint: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.wg.Device(intent.InterfaceName); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrInterfaceMissing, intent.InterfaceName)
		}
		return err
	}
	keepalive := wgKeepalive
	cfg := wgtypes.Config{
		ReplacePeers: true,
		Peers: []wgtypes.PeerConfig{{
			PublicKey:                   peerKey,
			Endpoint:                    endpoint,
			PersistentKeepaliveInterval: &keepalive,
			ReplaceAllowedIPs:           true,
			AllowedIPs: []net.IPNet{
				{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
				{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)},
			},
		}},
	}
	if err := w.wg.ConfigureDevice(intent.InterfaceName, cfg); err != nil {
		return fmt.Errorf("configure %s: %w", intent.InterfaceName, err)
	}
	w.log.Info("wireguard peer configured", "interface", intent.InterfaceName, "peer_node_id", intent.PeerNodeID, "endpoint", endpoint.String())
	return nil
}

// Confirmed reports whether the interface's peer has completed a handshake.
func (w *WireGuardApplier) Confirmed(_ context.Context, intent domain.TunnelIntent) (bool, error) {
	peerKey, err := wgtypes.ParseKey(intent.PeerPublicKey)
	if err != nil {
		return false, fmt.Errorf("peer public key: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	dev, err := w.wg.Device(intent.InterfaceName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrInterfaceMissing, intent.InterfaceName)
		}
		return false, err
	}
	for _, p := range dev.Peers {
		if p.PublicKey == peerKey {
			return !p.LastHandshakeTime.IsZero(), nil
		}
	}
	return false, nil
}

// Close releases the control handle.
func (w *WireGuardApplier) Close() error {
	return w.wg.Close()
}
