// Package negotiator drives the endpoint exchange of a WireGuard tunnel
// between its two peers.
//
// A tunnel moves from proposed through the per-peer endpoint states to
// established once both peers have answered. Each peer writes only its own
// slot, so the two peers never race on the same column. Retirement is
// terminal and can happen in any state. Nothing here times out; stalled
// tunnels are handled by the topology engine.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/cat4igp/cat4igp/internal/domain"
)

// Backend is the tunnel persistence the negotiator drives.
type Backend interface {
	GetTunnel(ctx context.Context, id int64) (domain.WireguardTunnel, error)
	SetTunnelEndpoint(ctx context.Context, tunnelID int64, slot domain.PeerSlot, endpoint string, ipv6 bool) error
	MarkTunnelAnswered(ctx context.Context, tunnelID int64, slot domain.PeerSlot) error
	RetireTunnel(ctx context.Context, tunnelID int64) error
}

// Notifier is told which nodes should refetch their tunnels.
type Notifier interface {
	TunnelsChanged(nodeIDs ...int64)
}

// Negotiator applies peer reports to tunnels.
type Negotiator struct {
	backend  Backend
	notifier Notifier
	log      *slog.Logger
}

// New returns a Negotiator. notifier may be nil.
func New(backend Backend, notifier Notifier, logger *slog.Logger) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{backend: backend, notifier: notifier, log: logger}
}

// SlotFor returns the slot nodeID occupies in t.
func SlotFor(t domain.WireguardTunnel, nodeID int64) (domain.PeerSlot, error) {
	slot, ok := t.SlotOf(nodeID)
	if !ok {
		return 0, domain.ErrNotTunnelPeer
	}
	return slot, nil
}

// ParseEndpoint validates a "host:port" endpoint and checks it against the
// tunnel's address family. IPv4-mapped IPv6 addresses count as IPv4.
func ParseEndpoint(endpoint string, ipv6 bool) (string, error) {
	ap, err := netip.ParseAddrPort(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidEndpoint, err)
	}
	if ap.Port() == 0 {
		return "", fmt.Errorf("%w: port must be nonzero", domain.ErrInvalidEndpoint)
	}
	addr := ap.Addr().Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsMulticast() {
		return "", fmt.Errorf("%w: unusable address %s", domain.ErrInvalidEndpoint, addr)
	}
	if addr.Is6() != ipv6 {
		return "", domain.ErrAddressFamily
	}
	return netip.AddrPortFrom(addr, ap.Port()).String(), nil
}

// State returns the derived negotiation state of a tunnel.
func (n *Negotiator) State(ctx context.Context, tunnelID int64) (domain.TunnelState, error) {
	t, err := n.backend.GetTunnel(ctx, tunnelID)
	if err != nil {
		return "", &domain.TunnelError{TunnelID: tunnelID, Op: "state", Err: err}
	}
	return t.State(), nil
}

// SetEndpoint records the endpoint for one slot. ipv6 must match the
// tunnel's endpoint_ipv6 flag.
func (n *Negotiator) SetEndpoint(ctx context.Context, tunnelID int64, slot domain.PeerSlot, endpoint string, ipv6 bool) error {
	if !slot.Valid() {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "set_endpoint", Err: fmt.Errorf("invalid %s", slot)}
	}
	normalized, err := ParseEndpoint(endpoint, ipv6)
	if err != nil {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "set_endpoint", Err: err}
	}
	if err := n.backend.SetTunnelEndpoint(ctx, tunnelID, slot, normalized, ipv6); err != nil {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "set_endpoint", Err: err}
	}
	n.log.Debug("tunnel endpoint set", "tunnel_id", tunnelID, "slot", slot.String())
	return nil
}

// MarkAnswered records that slot has configured its side. The flag is
// never cleared.
func (n *Negotiator) MarkAnswered(ctx context.Context, tunnelID int64, slot domain.PeerSlot) error {
	if !slot.Valid() {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "mark_answered", Err: fmt.Errorf("invalid %s", slot)}
	}
	if err := n.backend.MarkTunnelAnswered(ctx, tunnelID, slot); err != nil {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "mark_answered", Err: err}
	}
	n.log.Debug("tunnel answered", "tunnel_id", tunnelID, "slot", slot.String())
	return nil
}

// Retire ends a tunnel regardless of its state. Only the topology engine
// and operators call this.
func (n *Negotiator) Retire(ctx context.Context, tunnelID int64) error {
	t, err := n.backend.GetTunnel(ctx, tunnelID)
	if err != nil {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "retire", Err: err}
	}
	if err := n.backend.RetireTunnel(ctx, tunnelID); err != nil {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "retire", Err: err}
	}
	if t.RetiredAt == nil {
		n.log.Info("tunnel retired", "tunnel_id", tunnelID, "state", string(t.State()))
		n.notify(t.Peer1.NodeID, t.Peer2.NodeID)
	}
	return nil
}

// ReportEndpoint is the agent-facing form of SetEndpoint: the caller's slot
// is resolved from its node id and the other peer is notified.
func (n *Negotiator) ReportEndpoint(ctx context.Context, tunnelID, nodeID int64, endpoint string, ipv6 bool) (domain.WireguardTunnel, error) {
	t, slot, err := n.resolve(ctx, tunnelID, nodeID, "set_endpoint")
	if err != nil {
		return domain.WireguardTunnel{}, err
	}
	if err := n.SetEndpoint(ctx, tunnelID, slot, endpoint, ipv6); err != nil {
		return domain.WireguardTunnel{}, err
	}
	n.notify(t.Peer(slot.Other()).NodeID)
	return n.reload(ctx, tunnelID, "set_endpoint")
}

// ReportAnswered is the agent-facing form of MarkAnswered.
func (n *Negotiator) ReportAnswered(ctx context.Context, tunnelID, nodeID int64) (domain.WireguardTunnel, error) {
	t, slot, err := n.resolve(ctx, tunnelID, nodeID, "mark_answered")
	if err != nil {
		return domain.WireguardTunnel{}, err
	}
	if err := n.MarkAnswered(ctx, tunnelID, slot); err != nil {
		return domain.WireguardTunnel{}, err
	}
	n.notify(t.Peer(slot.Other()).NodeID)
	updated, err := n.reload(ctx, tunnelID, "mark_answered")
	if err == nil && updated.State() == domain.TunnelStateEstablished && t.State() != domain.TunnelStateEstablished {
		n.log.Info("tunnel established", "tunnel_id", tunnelID, "pair", updated.Pair().String())
	}
	return updated, err
}

func (n *Negotiator) resolve(ctx context.Context, tunnelID, nodeID int64, op string) (domain.WireguardTunnel, domain.PeerSlot, error) {
	t, err := n.backend.GetTunnel(ctx, tunnelID)
	if err != nil {
		return domain.WireguardTunnel{}, 0, &domain.TunnelError{TunnelID: tunnelID, Op: op, Err: err}
	}
	slot, err := SlotFor(t, nodeID)
	if err != nil {
		return domain.WireguardTunnel{}, 0, &domain.TunnelError{TunnelID: tunnelID, Op: op, Err: err}
	}
	if t.RetiredAt != nil {
		return domain.WireguardTunnel{}, 0, &domain.TunnelError{TunnelID: tunnelID, Op: op, Err: domain.ErrTunnelRetired}
	}
	return t, slot, nil
}

func (n *Negotiator) reload(ctx context.Context, tunnelID int64, op string) (domain.WireguardTunnel, error) {
	t, err := n.backend.GetTunnel(ctx, tunnelID)
	if err != nil {
		return domain.WireguardTunnel{}, &domain.TunnelError{TunnelID: tunnelID, Op: op, Err: err}
	}
	return t, nil
}

func (n *Negotiator) notify(ids ...int64) {
	if n.notifier == nil {
		return
	}
	n.notifier.TunnelsChanged(ids...)
}

// IsPeerError reports whether err came from a caller that is not allowed to
// act on the tunnel, as opposed to a server-side failure.
func IsPeerError(err error) bool {
	return errors.Is(err, domain.ErrNotTunnelPeer) ||
		errors.Is(err, domain.ErrTunnelRetired) ||
		errors.Is(err, domain.ErrAddressFamily) ||
		errors.Is(err, domain.ErrInvalidEndpoint)
}
