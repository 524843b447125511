package domain

import "time"

// RegisterRequest is the JSON body a new node sends to redeem an invite.
type RegisterRequest struct {
	InviteCode string `json:"invite_code"`
	Name       string `json:"name"`
	PublicKey  string `json:"public_key,omitempty"`
}

// RegisterResponse carries the node's credential. It is returned exactly
// once; the server only keeps a hash.
type RegisterResponse struct {
	NodeID     int64  `json:"node_id"`
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

// NodeInfo is the public view of a node.
type NodeInfo struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// RenameRequest changes the caller's node name.
type RenameRequest struct {
	Name string `json:"name"`
}

// StaticKeyRequest uploads the caller's WireGuard public key.
type StaticKeyRequest struct {
	PublicKey string `json:"public_key"`
}

// StaticKeyResponse returns a node's WireGuard public key.
type StaticKeyResponse struct {
	NodeID    int64  `json:"node_id"`
	PublicKey string `json:"public_key"`
}

// TunnelIntent is one tunnel as seen from the requesting node.
type TunnelIntent struct {
	TunnelID      int64       `json:"tunnel_id"`
	InterfaceName string      `json:"interface_name"`
	LinkLocal     string      `json:"link_local"`
	LocalSlot     string      `json:"local_slot"`
	PeerNodeID    int64       `json:"peer_node_id"`
	PeerName      string      `json:"peer_name,omitempty"`
	PeerPublicKey string      `json:"peer_public_key,omitempty"`
	LocalEndpoint *string     `json:"local_endpoint,omitempty"`
	PeerEndpoint  *string     `json:"peer_endpoint,omitempty"`
	LocalAnswered bool        `json:"local_answered"`
	PeerAnswered  bool        `json:"peer_answered"`
	MTU           int         `json:"mtu"`
	EndpointIPv6  bool        `json:"endpoint_ipv6"`
	FEC           bool        `json:"fec"`
	FakeTCP       bool        `json:"faketcp"`
	State         TunnelState `json:"state"`
}

// EndpointRequest reports the caller's endpoint for a tunnel.
type EndpointRequest struct {
	Endpoint string `json:"endpoint"`
	IPv6     bool   `json:"ipv6"`
}

// InviteRequest creates an invite.
type InviteRequest struct {
	MaxUses   *int       `json:"max_uses,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	JoinMesh  *int64     `json:"join_mesh,omitempty"`
}

// MeshRequest creates a mesh group.
type MeshRequest struct {
	Name             string `json:"name"`
	AutoWireguard    bool   `json:"auto_wireguard"`
	AutoWireguardMTU int    `json:"auto_wireguard_mtu,omitempty"`
}

// MembershipRequest adds a node to a mesh group.
type MembershipRequest struct {
	NodeID int64 `json:"node_id"`
}

// SettingRequest writes a setting.
type SettingRequest struct {
	Value string `json:"value"`
}

// ReconcileResponse summarizes an applied topology diff.
type ReconcileResponse struct {
	Created  int      `json:"created"`
	Attached int      `json:"attached"`
	Released int      `json:"released"`
	Retired  int      `json:"retired"`
	Errors   []string `json:"errors,omitempty"`
}

// Event is pushed to agents over the watch channel.
type Event struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// EventTunnelsChanged tells an agent to refetch its tunnels.
const EventTunnelsChanged = "tunnels_changed"

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
