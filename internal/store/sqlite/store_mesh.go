package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
)

const meshGroupColumns = `id, name, auto_wireguard, auto_wireguard_mtu, created_at`

func scanMeshGroup(row interface{ Scan(...any) error }) (domain.MeshGroup, error) {
	var g domain.MeshGroup
	if err := row.Scan(&g.ID, &g.Name, &g.AutoWireguard, &g.AutoWireguardMTU, &g.CreatedAt); err != nil {
		return domain.MeshGroup{}, err
	}
	return g, nil
}

// CreateMeshGroup inserts a mesh group. Names are unique.
func (s *Store) CreateMeshGroup(ctx context.Context, name string, autoWireguard bool, mtu int) (domain.MeshGroup, error) {
	g := domain.MeshGroup{
		Name:             name,
		AutoWireguard:    autoWireguard,
		AutoWireguardMTU: mtu,
		CreatedAt:        time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO mesh_groups(name, auto_wireguard, auto_wireguard_mtu, created_at)
VALUES(?, ?, ?, ?)`, g.Name, boolToInt(g.AutoWireguard), g.AutoWireguardMTU, g.CreatedAt)
	if isUniqueViolation(err) {
		return domain.MeshGroup{}, domain.ErrMeshNameInUse
	}
	if err != nil {
		return domain.MeshGroup{}, err
	}
	if g.ID, err = res.LastInsertId(); err != nil {
		return domain.MeshGroup{}, err
	}
	return g, nil
}

// UpdateMeshGroup changes a group's auto-wireguard settings.
func (s *Store) UpdateMeshGroup(ctx context.Context, id int64, autoWireguard bool, mtu int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE mesh_groups SET auto_wireguard = ?, auto_wireguard_mtu = ? WHERE id = ?`, boolToInt(autoWireguard), mtu, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrMeshNotFound
	}
	return nil
}

// GetMeshGroup returns a group or [domain.ErrMeshNotFound].
func (s *Store) GetMeshGroup(ctx context.Context, id int64) (domain.MeshGroup, error) {
	g, err := scanMeshGroup(s.db.QueryRowContext(ctx, `SELECT `+meshGroupColumns+` FROM mesh_groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MeshGroup{}, domain.ErrMeshNotFound
	}
	return g, err
}

// ListMeshGroups returns all groups ordered by id.
func (s *Store) ListMeshGroups(ctx context.Context) ([]domain.MeshGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+meshGroupColumns+` FROM mesh_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.MeshGroup
	for rows.Next() {
		g, err := scanMeshGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteMeshGroup removes a group and its memberships. Tunnel claims are
// left for the caller to release so that tunnel retirement goes through
// the topology engine.
func (s *Store) DeleteMeshGroup(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `DELETE FROM mesh_group_memberships WHERE mesh_group_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM mesh_groups WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrMeshNotFound
	}
	return tx.Commit()
}

// AddMember adds nodeID to a group. It reports false when the node was
// already a member.
func (s *Store) AddMember(ctx context.Context, groupID, nodeID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO mesh_group_memberships(mesh_group_id, node_id, created_at)
VALUES(?, ?, ?)
ON CONFLICT(mesh_group_id, node_id) DO NOTHING`, groupID, nodeID, time.Now().UTC())
	if isForeignKeyViolation(err) {
		if _, gerr := s.GetMeshGroup(ctx, groupID); gerr != nil {
			return false, gerr
		}
		return false, domain.ErrNodeNotFound
	}
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// RemoveMember removes nodeID from a group. It reports false when the node
// was not a member.
func (s *Store) RemoveMember(ctx context.Context, groupID, nodeID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM mesh_group_memberships WHERE mesh_group_id = ? AND node_id = ?`, groupID, nodeID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListMembers returns the node ids in a group, ascending.
func (s *Store) ListMembers(ctx context.Context, groupID int64) ([]int64, error) {
	return s.queryIDs(ctx, `
SELECT node_id FROM mesh_group_memberships WHERE mesh_group_id = ? ORDER BY node_id`, groupID)
}

// GroupsForNode returns the ids of groups nodeID belongs to.
func (s *Store) GroupsForNode(ctx context.Context, nodeID int64) ([]int64, error) {
	return s.queryIDs(ctx, `
SELECT mesh_group_id FROM mesh_group_memberships WHERE node_id = ? ORDER BY mesh_group_id`, nodeID)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
