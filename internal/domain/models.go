// Package domain defines the core data types shared across the cat4igp
// control plane, store, and agent API layers.
package domain

import (
	"fmt"
	"time"
)

// Node is a registered mesh participant. IDs fit the 15-bit peer field of
// an interface identifier.
type Node struct {
	ID          int64
	Name        string
	AuthKeyHash string
	CreatedAt   time.Time
	LastSeen    *time.Time
}

// MaxNodeID is the largest node id an interface identifier can carry.
const MaxNodeID = 1<<15 - 1

// WireguardStaticKey is a node's long-lived WireGuard public key.
type WireguardStaticKey struct {
	NodeID    int64
	PublicKey string
	CreatedAt time.Time
}

// PeerSlot selects one side of a tunnel.
type PeerSlot int

const (
	Peer1 PeerSlot = 1
	Peer2 PeerSlot = 2
)

func (s PeerSlot) String() string {
	switch s {
	case Peer1:
		return "peer1"
	case Peer2:
		return "peer2"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// Valid reports whether s is Peer1 or Peer2.
func (s PeerSlot) Valid() bool {
	return s == Peer1 || s == Peer2
}

// Other returns the opposite slot.
func (s PeerSlot) Other() PeerSlot {
	if s == Peer1 {
		return Peer2
	}
	return Peer1
}

// PeerView is the part of a tunnel owned by one peer.
type PeerView struct {
	NodeID   int64
	Endpoint *string
	Answered bool
}

// TunnelState is derived from a tunnel's fields; it is never stored.
type TunnelState string

// Tunnel negotiation states.
const (
	TunnelStateProposed         TunnelState = "proposed"
	TunnelStatePeer1EndpointSet TunnelState = "peer1_endpoint_set"
	TunnelStatePeer2EndpointSet TunnelState = "peer2_endpoint_set"
	TunnelStateBothEndpointsSet TunnelState = "both_endpoints_set"
	TunnelStateEstablished      TunnelState = "established"
	TunnelStateRetired          TunnelState = "retired"
)

// WireguardTunnel is a point-to-point WireGuard link between two nodes.
// Peer1.NodeID is always the lower node id.
type WireguardTunnel struct {
	ID           int64
	Peer1        PeerView
	Peer2        PeerView
	MTU          int
	EndpointIPv6 bool
	// FEC and FakeTCP are carried in the interface name for wrappers that
	// run outside cat4igp.
	FEC          bool
	FakeTCP      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RetiredAt    *time.Time
}

// Pair returns the tunnel's canonical node pair.
func (t WireguardTunnel) Pair() Pair {
	return Pair{Low: t.Peer1.NodeID, High: t.Peer2.NodeID}
}

// Peer returns the view for slot.
func (t WireguardTunnel) Peer(slot PeerSlot) PeerView {
	if slot == Peer2 {
		return t.Peer2
	}
	return t.Peer1
}

// SlotOf returns the slot nodeID occupies, if any.
func (t WireguardTunnel) SlotOf(nodeID int64) (PeerSlot, bool) {
	switch nodeID {
	case t.Peer1.NodeID:
		return Peer1, true
	case t.Peer2.NodeID:
		return Peer2, true
	}
	return 0, false
}

// State derives the negotiation state.
func (t WireguardTunnel) State() TunnelState {
	switch {
	case t.RetiredAt != nil:
		return TunnelStateRetired
	case t.Peer1.Answered && t.Peer2.Answered:
		return TunnelStateEstablished
	case t.Peer1.Endpoint != nil && t.Peer2.Endpoint != nil:
		return TunnelStateBothEndpointsSet
	case t.Peer1.Endpoint != nil:
		return TunnelStatePeer1EndpointSet
	case t.Peer2.Endpoint != nil:
		return TunnelStatePeer2EndpointSet
	default:
		return TunnelStateProposed
	}
}

// Pair is an unordered node pair kept in canonical order, Low < High.
type Pair struct {
	Low  int64
	High int64
}

// NewPair orders a and b. It fails when they are equal.
func NewPair(a, b int64) (Pair, error) {
	if a == b {
		return Pair{}, fmt.Errorf("pair %d-%d: %w", a, b, ErrSameNode)
	}
	if a > b {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

func (p Pair) String() string {
	return fmt.Sprintf("%d-%d", p.Low, p.High)
}

// Contains reports whether nodeID is one end of p.
func (p Pair) Contains(nodeID int64) bool {
	return p.Low == nodeID || p.High == nodeID
}

// Invite gates enrollment of new nodes.
type Invite struct {
	ID        int64      `json:"id"`
	Code      string     `json:"code"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UsedCount int        `json:"used_count"`
	MaxUses   *int       `json:"max_uses,omitempty"` // nil = unlimited
	// JoinMesh overrides the default mesh group for nodes enrolled with
	// this invite. nil uses the default; 0 joins no group.
	JoinMesh *int64 `json:"join_mesh,omitempty"`
}

// Usable reports whether the invite can still be redeemed at now.
func (i Invite) Usable(now time.Time) bool {
	if i.ExpiresAt != nil && !now.Before(*i.ExpiresAt) {
		return false
	}
	return i.MaxUses == nil || i.UsedCount < *i.MaxUses
}

// MeshGroup is a named set of nodes that may auto-manage a WireGuard mesh.
type MeshGroup struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	AutoWireguard    bool      `json:"auto_wireguard"`
	AutoWireguardMTU int       `json:"auto_wireguard_mtu"` // 0 = default_wireguard_mtu setting
	CreatedAt        time.Time `json:"created_at"`
}

// MeshGroupMembership links a node to a mesh group.
type MeshGroupMembership struct {
	ID          int64
	MeshGroupID int64
	NodeID      int64
	CreatedAt   time.Time
}

// Setting is a process-wide key/value pair.
type Setting struct {
	ID        int64
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
