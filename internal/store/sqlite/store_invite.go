package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
)

// NewInvite describes an invite to insert.
type NewInvite struct {
	Code      string
	ExpiresAt *time.Time
	MaxUses   *int
	JoinMesh  *int64
}

// NewNode describes a node created by invite redemption.
type NewNode struct {
	Name        string
	AuthKeyHash string
}

const inviteColumns = `id, code, created_at, expires_at, used_count, max_uses, join_mesh`

func scanInvite(row interface{ Scan(...any) error }) (domain.Invite, error) {
	var inv domain.Invite
	var expires sql.NullTime
	var maxUses, joinMesh sql.NullInt64
	if err := row.Scan(&inv.ID, &inv.Code, &inv.CreatedAt, &expires, &inv.UsedCount, &maxUses, &joinMesh); err != nil {
		return domain.Invite{}, err
	}
	inv.ExpiresAt = timePtr(expires)
	if maxUses.Valid {
		v := int(maxUses.Int64)
		inv.MaxUses = &v
	}
	if joinMesh.Valid {
		v := joinMesh.Int64
		inv.JoinMesh = &v
	}
	return inv, nil
}

// CreateInvite inserts a new invite.
func (s *Store) CreateInvite(ctx context.Context, in NewInvite) (domain.Invite, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO invites(code, created_at, expires_at, used_count, max_uses, join_mesh)
VALUES(?, ?, ?, 0, ?, ?)`, in.Code, now, nullableTime(in.ExpiresAt), nullableInt(in.MaxUses), nullableInt64(in.JoinMesh))
	if err != nil {
		return domain.Invite{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Invite{}, err
	}
	inv := domain.Invite{
		ID:        id,
		Code:      in.Code,
		CreatedAt: now,
		MaxUses:   in.MaxUses,
		JoinMesh:  in.JoinMesh,
	}
	if in.ExpiresAt != nil {
		t := in.ExpiresAt.UTC()
		inv.ExpiresAt = &t
	}
	return inv, nil
}

// ListInvites returns all invites, newest first.
func (s *Store) ListInvites(ctx context.Context) ([]domain.Invite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+inviteColumns+` FROM invites ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// GetInviteByCode looks an invite up by its code.
func (s *Store) GetInviteByCode(ctx context.Context, code string) (domain.Invite, error) {
	inv, err := scanInvite(s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invite{}, &domain.InviteError{Kind: domain.InviteNotFound}
	}
	return inv, err
}

// RedeemInvite consumes one use of the invite identified by code and
// creates a node in the same transaction. The use counter is bumped with a
// conditional update so concurrent redemptions never exceed max_uses. On
// failure nothing is written.
func (s *Store) RedeemInvite(ctx context.Context, code string, node NewNode, now time.Time) (domain.Node, domain.Invite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, domain.Invite{}, err
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := scanInvite(tx.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, domain.Invite{}, &domain.InviteError{Kind: domain.InviteNotFound}
	}
	if err != nil {
		return domain.Node{}, domain.Invite{}, err
	}
	now = now.UTC()
	if inv.ExpiresAt != nil && !now.Before(*inv.ExpiresAt) {
		return domain.Node{}, domain.Invite{}, &domain.InviteError{Kind: domain.InviteExpired}
	}
	if inv.MaxUses != nil && inv.UsedCount >= *inv.MaxUses {
		return domain.Node{}, domain.Invite{}, &domain.InviteError{Kind: domain.InviteExhausted}
	}

	res, err := tx.ExecContext(ctx, `
UPDATE invites
SET used_count = used_count + 1
WHERE id = ? AND (max_uses IS NULL OR used_count < max_uses)`, inv.ID)
	if err != nil {
		return domain.Node{}, domain.Invite{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Node{}, domain.Invite{}, err
	}
	if affected == 0 {
		return domain.Node{}, domain.Invite{}, &domain.InviteError{Kind: domain.InviteExhausted}
	}
	inv.UsedCount++

	res, err = tx.ExecContext(ctx, `
INSERT INTO nodes(name, auth_key_hash, created_at, last_seen)
VALUES(?, ?, ?, ?)`, node.Name, node.AuthKeyHash, now, now)
	if err != nil {
		return domain.Node{}, domain.Invite{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Node{}, domain.Invite{}, err
	}
	if id > domain.MaxNodeID {
		return domain.Node{}, domain.Invite{}, fmt.Errorf("node id %d: %w", id, domain.ErrNodeIDSpaceExhausted)
	}
	if err = tx.Commit(); err != nil {
		return domain.Node{}, domain.Invite{}, err
	}
	lastSeen := now
	return domain.Node{
		ID:          id,
		Name:        node.Name,
		AuthKeyHash: node.AuthKeyHash,
		CreatedAt:   now,
		LastSeen:    &lastSeen,
	}, inv, nil
}
