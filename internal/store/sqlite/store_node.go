package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
)

func scanNode(row interface{ Scan(...any) error }) (domain.Node, error) {
	var n domain.Node
	var lastSeen sql.NullTime
	if err := row.Scan(&n.ID, &n.Name, &n.AuthKeyHash, &n.CreatedAt, &lastSeen); err != nil {
		return domain.Node{}, err
	}
	n.LastSeen = timePtr(lastSeen)
	return n, nil
}

// GetNode returns the node with id or [domain.ErrNodeNotFound].
func (s *Store) GetNode(ctx context.Context, id int64) (domain.Node, error) {
	var row *sql.Row
	if s.getNodeStmt != nil {
		row = s.getNodeStmt.QueryRowContext(ctx, id)
	} else {
		row = s.db.QueryRowContext(ctx, getNodeQuery, id)
	}
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, domain.ErrNodeNotFound
	}
	if err != nil {
		return domain.Node{}, err
	}
	return s.withLatestContact(n), nil
}

// ListNodes returns all nodes ordered by id.
func (s *Store) ListNodes(ctx context.Context) ([]domain.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, auth_key_hash, created_at, last_seen
FROM nodes
ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s.withLatestContact(n))
	}
	return out, rows.Err()
}

// RenameNode changes a node's display name.
func (s *Store) RenameNode(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNodeNotFound
	}
	return nil
}

// UpsertStaticKey stores a node's WireGuard public key, replacing any
// previous key.
func (s *Store) UpsertStaticKey(ctx context.Context, nodeID int64, publicKey string) (domain.WireguardStaticKey, error) {
	k := domain.WireguardStaticKey{NodeID: nodeID, PublicKey: publicKey, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO wireguard_static_keys(node_id, public_key, created_at)
VALUES(?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET public_key = excluded.public_key, created_at = excluded.created_at`,
		k.NodeID, k.PublicKey, k.CreatedAt)
	if err != nil && isForeignKeyViolation(err) {
		return domain.WireguardStaticKey{}, domain.ErrNodeNotFound
	}
	return k, err
}

// GetStaticKey returns a node's WireGuard public key.
func (s *Store) GetStaticKey(ctx context.Context, nodeID int64) (domain.WireguardStaticKey, error) {
	var k domain.WireguardStaticKey
	err := s.db.QueryRowContext(ctx, `
SELECT node_id, public_key, created_at
FROM wireguard_static_keys
WHERE node_id = ?`, nodeID).Scan(&k.NodeID, &k.PublicKey, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WireguardStaticKey{}, domain.ErrStaticKeyNotFound
	}
	return k, err
}
