package domain

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrUnauthorized indicates missing or invalid credentials. It never
	// says whether the node exists.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNodeNotFound means the requested node ID does not exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeIDSpaceExhausted is returned when a new node would not fit
	// the 15-bit peer id of an interface identifier.
	ErrNodeIDSpaceExhausted = errors.New("node id space exhausted")

	ErrInviteNotFound  = errors.New("invite not found")
	ErrInviteExpired   = errors.New("invite expired")
	ErrInviteExhausted = errors.New("invite exhausted")

	// ErrTunnelNotFound means the requested tunnel ID does not exist.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrTunnelConflict is returned to the loser of a concurrent create for
	// the same node pair. The existing tunnel is authoritative.
	ErrTunnelConflict = errors.New("tunnel already exists for pair")

	// ErrTunnelRetired rejects negotiation on a retired tunnel.
	ErrTunnelRetired = errors.New("tunnel retired")

	// ErrNotTunnelPeer means the caller is neither peer of the tunnel.
	ErrNotTunnelPeer = errors.New("node is not a peer of this tunnel")

	// ErrAddressFamily means an endpoint's address family does not match
	// the tunnel's endpoint_ipv6 flag.
	ErrAddressFamily = errors.New("endpoint address family mismatch")

	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrSameNode        = errors.New("peers must be distinct nodes")

	ErrMeshNotFound  = errors.New("mesh group not found")
	ErrMeshNameInUse = errors.New("mesh group name already in use")

	ErrInvalidPublicKey  = errors.New("invalid wireguard public key")
	ErrStaticKeyNotFound = errors.New("wireguard static key not found")

	ErrSettingNotFound = errors.New("setting not found")

	// ErrInvalidArgument marks input that failed validation.
	ErrInvalidArgument = errors.New("invalid argument")
)

// InviteErrorKind classifies a failed redemption.
type InviteErrorKind int

const (
	InviteNotFound InviteErrorKind = iota + 1
	InviteExpired
	InviteExhausted
)

func (k InviteErrorKind) sentinel() error {
	switch k {
	case InviteExpired:
		return ErrInviteExpired
	case InviteExhausted:
		return ErrInviteExhausted
	default:
		return ErrInviteNotFound
	}
}

func (k InviteErrorKind) String() string {
	switch k {
	case InviteExpired:
		return "expired"
	case InviteExhausted:
		return "exhausted"
	default:
		return "not_found"
	}
}

// InviteError reports why an invite could not be redeemed. Redemption has
// no side effects when it fails.
type InviteError struct {
	Kind InviteErrorKind
}

func (e *InviteError) Error() string {
	return e.Kind.sentinel().Error()
}

func (e *InviteError) Unwrap() error {
	return e.Kind.sentinel()
}

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	TunnelID int64
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != 0 {
		return "tunnel " + strconv.FormatInt(e.TunnelID, 10) + ": " + e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
