// Package invite issues invite codes and redeems them into new nodes.
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cat4igp/cat4igp/internal/domain"
	"github.com/cat4igp/cat4igp/internal/registry"
	"github.com/cat4igp/cat4igp/internal/store/sqlite"
)

// Backend is the invite persistence. Redemption must be atomic.
type Backend interface {
	CreateInvite(ctx context.Context, in sqlite.NewInvite) (domain.Invite, error)
	ListInvites(ctx context.Context) ([]domain.Invite, error)
	RedeemInvite(ctx context.Context, code string, node sqlite.NewNode, now time.Time) (domain.Node, domain.Invite, error)
}

// Options configures a new invite. Nil fields mean unlimited, never
// expiring, and joining the default mesh group respectively.
type Options struct {
	MaxUses   *int
	ExpiresAt *time.Time
	JoinMesh  *int64
}

// Redemption is the result of a successful redeem.
type Redemption struct {
	Node       domain.Node
	Credential string
	Invite     domain.Invite
}

// Manager creates and redeems invites.
type Manager struct {
	backend  Backend
	registry *registry.Registry
	log      *slog.Logger
	now      func() time.Time
}

// NewManager returns a Manager that enrolls nodes through reg.
func NewManager(backend Backend, reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, registry: reg, log: logger, now: time.Now}
}

// Create issues a new random invite code.
func (m *Manager) Create(ctx context.Context, opts Options) (domain.Invite, error) {
	if opts.MaxUses != nil && *opts.MaxUses < 1 {
		return domain.Invite{}, fmt.Errorf("%w: max uses must be at least 1", domain.ErrInvalidArgument)
	}
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(m.now()) {
		return domain.Invite{}, fmt.Errorf("%w: expiry must be in the future", domain.ErrInvalidArgument)
	}
	if opts.JoinMesh != nil && *opts.JoinMesh < 0 {
		return domain.Invite{}, fmt.Errorf("%w: join mesh must be a mesh group id or 0", domain.ErrInvalidArgument)
	}
	inv, err := m.backend.CreateInvite(ctx, sqlite.NewInvite{
		Code:      uuid.NewString(),
		ExpiresAt: opts.ExpiresAt,
		MaxUses:   opts.MaxUses,
		JoinMesh:  opts.JoinMesh,
	})
	if err != nil {
		return domain.Invite{}, fmt.Errorf("create invite: %w", err)
	}
	m.log.Info("invite created", "invite_id", inv.ID)
	return inv, nil
}

// List returns all invites.
func (m *Manager) List(ctx context.Context) ([]domain.Invite, error) {
	return m.backend.ListInvites(ctx)
}

// Redeem consumes one use of code and registers a node called name. On
// failure the invite is untouched and a [*domain.InviteError] is returned
// for expired, exhausted, or unknown codes.
func (m *Manager) Redeem(ctx context.Context, code, name string) (Redemption, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Redemption{}, &domain.InviteError{Kind: domain.InviteNotFound}
	}
	var inv domain.Invite
	node, cred, err := m.registry.Register(ctx, name, func(ctx context.Context, name, hash string) (domain.Node, error) {
		n, used, err := m.backend.RedeemInvite(ctx, code, sqlite.NewNode{Name: name, AuthKeyHash: hash}, m.now())
		inv = used
		return n, err
	})
	if err != nil {
		var ie *domain.InviteError
		if errors.As(err, &ie) {
			m.log.Warn("invite redemption rejected", "reason", ie.Kind.String())
		}
		return Redemption{}, err
	}
	return Redemption{Node: node, Credential: cred, Invite: inv}, nil
}
