// Package registry owns node identity: credential issuance, authentication,
// liveness, and WireGuard static keys.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/cat4igp/cat4igp/internal/auth"
	"github.com/cat4igp/cat4igp/internal/domain"
)

// MaxNameLen bounds node display names.
const MaxNameLen = 64

// Backend is the node persistence the registry needs.
type Backend interface {
	GetNode(ctx context.Context, id int64) (domain.Node, error)
	ListNodes(ctx context.Context) ([]domain.Node, error)
	RenameNode(ctx context.Context, id int64, name string) error
	TouchNode(ctx context.Context, id int64) error
	UpsertStaticKey(ctx context.Context, nodeID int64, publicKey string) (domain.WireguardStaticKey, error)
	GetStaticKey(ctx context.Context, nodeID int64) (domain.WireguardStaticKey, error)
}

// Enroller persists a new node. Registration is only reachable through an
// enroller that consumes an invite in the same transaction.
type Enroller func(ctx context.Context, name, authKeyHash string) (domain.Node, error)

// Registry authenticates nodes against peppered credential hashes.
type Registry struct {
	backend Backend
	pepper  string
	log     *slog.Logger

	// dummyHash is compared against when the node id is unknown so the
	// failure path costs the same as a bad secret.
	dummyHash string
}

// New returns a Registry. pepper must be stable across restarts.
func New(backend Backend, pepper string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend:   backend,
		pepper:    pepper,
		log:       logger,
		dummyHash: auth.HashSecret("cat4igp-unknown-node", pepper),
	}
}

// NormalizeName trims name and checks its length.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: node name is required", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(name) > MaxNameLen {
		return "", fmt.Errorf("%w: node name must be at most %d characters", domain.ErrInvalidArgument, MaxNameLen)
	}
	return name, nil
}

// Register creates a node through enroll and returns it along with its
// bearer credential. The credential is not recoverable afterwards.
func (r *Registry) Register(ctx context.Context, name string, enroll Enroller) (domain.Node, string, error) {
	name, err := NormalizeName(name)
	if err != nil {
		return domain.Node{}, "", err
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return domain.Node{}, "", fmt.Errorf("generate secret: %w", err)
	}
	node, err := enroll(ctx, name, auth.HashSecret(secret, r.pepper))
	if err != nil {
		return domain.Node{}, "", err
	}
	r.log.Info("node registered", "node_id", node.ID, "name", node.Name)
	return node, auth.FormatCredential(node.ID, secret), nil
}

// Authenticate verifies a "<node_id>.<secret>" credential. Every failure is
// reported as [domain.ErrUnauthorized].
func (r *Registry) Authenticate(ctx context.Context, credential string) (domain.Node, error) {
	id, secret, err := auth.ParseCredential(credential)
	if err != nil {
		auth.ConstantTimeHashEquals(r.dummyHash, auth.HashSecret("", r.pepper))
		return domain.Node{}, domain.ErrUnauthorized
	}
	return r.AuthenticateID(ctx, id, secret)
}

// AuthenticateID verifies secret for node id.
func (r *Registry) AuthenticateID(ctx context.Context, id int64, secret string) (domain.Node, error) {
	presented := auth.HashSecret(secret, r.pepper)
	node, err := r.backend.GetNode(ctx, id)
	if err != nil {
		auth.ConstantTimeHashEquals(r.dummyHash, presented)
		if errors.Is(err, domain.ErrNodeNotFound) {
			return domain.Node{}, domain.ErrUnauthorized
		}
		return domain.Node{}, err
	}
	if !auth.ConstantTimeHashEquals(node.AuthKeyHash, presented) {
		return domain.Node{}, domain.ErrUnauthorized
	}
	return node, nil
}

// Touch records contact from a node. Writes are throttled by the backend.
func (r *Registry) Touch(ctx context.Context, id int64) error {
	return r.backend.TouchNode(ctx, id)
}

// Get returns a node.
func (r *Registry) Get(ctx context.Context, id int64) (domain.Node, error) {
	return r.backend.GetNode(ctx, id)
}

// List returns every node.
func (r *Registry) List(ctx context.Context) ([]domain.Node, error) {
	return r.backend.ListNodes(ctx)
}

// Rename changes a node's display name.
func (r *Registry) Rename(ctx context.Context, id int64, name string) error {
	name, err := NormalizeName(name)
	if err != nil {
		return err
	}
	return r.backend.RenameNode(ctx, id, name)
}

// SetStaticKey validates and stores a node's WireGuard public key. The key
// is stored in canonical base64 form.
func (r *Registry) SetStaticKey(ctx context.Context, id int64, publicKey string) (domain.WireguardStaticKey, error) {
	key, err := ParsePublicKey(publicKey)
	if err != nil {
		return domain.WireguardStaticKey{}, err
	}
	return r.backend.UpsertStaticKey(ctx, id, key)
}

// StaticKey returns a node's WireGuard public key.
func (r *Registry) StaticKey(ctx context.Context, id int64) (domain.WireguardStaticKey, error) {
	return r.backend.GetStaticKey(ctx, id)
}

// ParsePublicKey checks that s is a base64 WireGuard key and returns its
// canonical encoding.
func ParsePublicKey(s string) (string, error) {
	key, err := wgtypes.ParseKey(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPublicKey, err)
	}
	return key.String(), nil
}
