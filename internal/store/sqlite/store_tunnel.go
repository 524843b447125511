package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cat4igp/cat4igp/internal/domain"
)

// NewTunnel describes a tunnel to create on behalf of a mesh group.
type NewTunnel struct {
	Pair         domain.Pair
	MTU          int
	EndpointIPv6 bool
	FEC          bool
	FakeTCP      bool
	MeshGroupID  int64
}

const tunnelColumns = `id, node_id_peer1, node_id_peer2, endpoint_peer1, endpoint_peer2,
 peer1_answered, peer2_answered, mtu, endpoint_ipv6, fec, faketcp, created_at, updated_at, retired_at`

const prefixedTunnelColumns = `t.id, t.node_id_peer1, t.node_id_peer2, t.endpoint_peer1, t.endpoint_peer2,
 t.peer1_answered, t.peer2_answered, t.mtu, t.endpoint_ipv6, t.fec, t.faketcp, t.created_at, t.updated_at, t.retired_at`

const listNodeTunnelsQuery = `SELECT ` + tunnelColumns + `
FROM wireguard_tunnels
WHERE (node_id_peer1 = ? OR node_id_peer2 = ?) AND retired_at IS NULL
ORDER BY id`

// Per-slot statements. Each peer only ever writes its own columns.
const (
	setEndpointPeer1Query = `UPDATE wireguard_tunnels SET endpoint_peer1 = ?, updated_at = ?
WHERE id = ? AND retired_at IS NULL AND endpoint_ipv6 = ?`
	setEndpointPeer2Query = `UPDATE wireguard_tunnels SET endpoint_peer2 = ?, updated_at = ?
WHERE id = ? AND retired_at IS NULL AND endpoint_ipv6 = ?`
	markAnsweredPeer1Query = `UPDATE wireguard_tunnels SET peer1_answered = 1, updated_at = ?
WHERE id = ? AND retired_at IS NULL`
	markAnsweredPeer2Query = `UPDATE wireguard_tunnels SET peer2_answered = 1, updated_at = ?
WHERE id = ? AND retired_at IS NULL`
)

func scanTunnel(row interface{ Scan(...any) error }) (domain.WireguardTunnel, error) {
	var t domain.WireguardTunnel
	var ep1, ep2 sql.NullString
	var retired sql.NullTime
	if err := row.Scan(&t.ID, &t.Peer1.NodeID, &t.Peer2.NodeID, &ep1, &ep2,
		&t.Peer1.Answered, &t.Peer2.Answered, &t.MTU, &t.EndpointIPv6, &t.FEC, &t.FakeTCP,
		&t.CreatedAt, &t.UpdatedAt, &retired); err != nil {
		return domain.WireguardTunnel{}, err
	}
	t.Peer1.Endpoint = stringPtr(ep1)
	t.Peer2.Endpoint = stringPtr(ep2)
	t.RetiredAt = timePtr(retired)
	return t, nil
}

func collectTunnels(rows *sql.Rows) ([]domain.WireguardTunnel, error) {
	defer func() { _ = rows.Close() }()
	var out []domain.WireguardTunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTunnel inserts an active tunnel for in.Pair and claims it for
// in.MeshGroupID. If the pair already has an active tunnel it returns a
// [*domain.TunnelError] naming that tunnel and wrapping
// [domain.ErrTunnelConflict]; nothing is written in that case.
func (s *Store) CreateTunnel(ctx context.Context, in NewTunnel) (domain.WireguardTunnel, error) {
	if in.Pair.Low >= in.Pair.High {
		return domain.WireguardTunnel{}, fmt.Errorf("create tunnel %s: %w", in.Pair, domain.ErrSameNode)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WireguardTunnel{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `
SELECT id FROM wireguard_tunnels
WHERE node_id_peer1 = ? AND node_id_peer2 = ? AND retired_at IS NULL`, in.Pair.Low, in.Pair.High).Scan(&existing)
	if err == nil {
		return domain.WireguardTunnel{}, &domain.TunnelError{TunnelID: existing, Op: "create", Err: domain.ErrTunnelConflict}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.WireguardTunnel{}, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
INSERT INTO wireguard_tunnels(node_id_peer1, node_id_peer2, endpoint_peer1, endpoint_peer2,
 peer1_answered, peer2_answered, mtu, endpoint_ipv6, fec, faketcp, created_at, updated_at, retired_at)
VALUES(?, ?, NULL, NULL, 0, 0, ?, ?, ?, ?, ?, ?, NULL)`,
		in.Pair.Low, in.Pair.High, in.MTU, boolToInt(in.EndpointIPv6), boolToInt(in.FEC), boolToInt(in.FakeTCP), now, now)
	if isUniqueViolation(err) {
		return domain.WireguardTunnel{}, &domain.TunnelError{Op: "create", Err: domain.ErrTunnelConflict}
	}
	if isForeignKeyViolation(err) {
		return domain.WireguardTunnel{}, fmt.Errorf("create tunnel %s: %w", in.Pair, domain.ErrNodeNotFound)
	}
	if err != nil {
		return domain.WireguardTunnel{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.WireguardTunnel{}, err
	}
	if in.MeshGroupID != 0 {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO wireguard_tunnel_claims(tunnel_id, mesh_group_id, created_at) VALUES(?, ?, ?)`, id, in.MeshGroupID, now); err != nil {
			return domain.WireguardTunnel{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return domain.WireguardTunnel{}, err
	}
	return domain.WireguardTunnel{
		ID:           id,
		Peer1:        domain.PeerView{NodeID: in.Pair.Low},
		Peer2:        domain.PeerView{NodeID: in.Pair.High},
		MTU:          in.MTU,
		EndpointIPv6: in.EndpointIPv6,
		FEC:          in.FEC,
		FakeTCP:      in.FakeTCP,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ActiveTunnelForPair returns the non-retired tunnel for pair.
func (s *Store) ActiveTunnelForPair(ctx context.Context, pair domain.Pair) (domain.WireguardTunnel, error) {
	t, err := scanTunnel(s.db.QueryRowContext(ctx, `SELECT `+tunnelColumns+`
FROM wireguard_tunnels
WHERE node_id_peer1 = ? AND node_id_peer2 = ? AND retired_at IS NULL`, pair.Low, pair.High))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WireguardTunnel{}, domain.ErrTunnelNotFound
	}
	return t, err
}

// ClaimTunnel records that groupID wants tunnelID. Claiming twice is a
// no-op. Retired tunnels cannot be claimed.
func (s *Store) ClaimTunnel(ctx context.Context, tunnelID, groupID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var retired sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT retired_at FROM wireguard_tunnels WHERE id = ?`, tunnelID).Scan(&retired)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "claim", Err: domain.ErrTunnelNotFound}
	}
	if err != nil {
		return err
	}
	if retired.Valid {
		return &domain.TunnelError{TunnelID: tunnelID, Op: "claim", Err: domain.ErrTunnelRetired}
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO wireguard_tunnel_claims(tunnel_id, mesh_group_id, created_at)
VALUES(?, ?, ?)
ON CONFLICT(tunnel_id, mesh_group_id) DO NOTHING`, tunnelID, groupID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseClaim drops groupID's claim on tunnelID and retires the tunnel
// when no claims remain. It reports whether the tunnel was retired.
func (s *Store) ReleaseClaim(ctx context.Context, tunnelID, groupID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `
DELETE FROM wireguard_tunnel_claims WHERE tunnel_id = ? AND mesh_group_id = ?`, tunnelID, groupID); err != nil {
		return false, err
	}
	var remaining int
	if err = tx.QueryRowContext(ctx, `
SELECT COUNT(1) FROM wireguard_tunnel_claims WHERE tunnel_id = ?`, tunnelID).Scan(&remaining); err != nil {
		return false, err
	}
	retired := false
	if remaining == 0 {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx, `
UPDATE wireguard_tunnels SET retired_at = ?, updated_at = ? WHERE id = ? AND retired_at IS NULL`, now, now, tunnelID)
		if err != nil {
			return false, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		retired = affected > 0
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return retired, nil
}

// RetireTunnel retires a tunnel regardless of its negotiation state and
// drops all of its claims. Retiring an already retired tunnel is a no-op.
func (s *Store) RetireTunnel(ctx context.Context, tunnelID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var retired sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT retired_at FROM wireguard_tunnels WHERE id = ?`, tunnelID).Scan(&retired)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTunnelNotFound
	}
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM wireguard_tunnel_claims WHERE tunnel_id = ?`, tunnelID); err != nil {
		return err
	}
	if !retired.Valid {
		now := time.Now().UTC()
		if _, err = tx.ExecContext(ctx, `
UPDATE wireguard_tunnels SET retired_at = ?, updated_at = ? WHERE id = ?`, now, now, tunnelID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTunnel returns a tunnel, retired or not.
func (s *Store) GetTunnel(ctx context.Context, id int64) (domain.WireguardTunnel, error) {
	t, err := scanTunnel(s.db.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM wireguard_tunnels WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WireguardTunnel{}, domain.ErrTunnelNotFound
	}
	return t, err
}

// ListGroupTunnels returns the active tunnels claimed by groupID.
func (s *Store) ListGroupTunnels(ctx context.Context, groupID int64) ([]domain.WireguardTunnel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixedTunnelColumns+`
FROM wireguard_tunnels t
JOIN wireguard_tunnel_claims c ON c.tunnel_id = t.id
WHERE c.mesh_group_id = ? AND t.retired_at IS NULL
ORDER BY t.id`, groupID)
	if err != nil {
		return nil, err
	}
	return collectTunnels(rows)
}

// ClaimedGroupIDs returns every group id that still holds a claim. Groups
// deleted with claims outstanding show up here until they are released.
func (s *Store) ClaimedGroupIDs(ctx context.Context) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT DISTINCT mesh_group_id FROM wireguard_tunnel_claims ORDER BY mesh_group_id`)
}

// ListNodeTunnels returns the active tunnels nodeID is a peer of.
func (s *Store) ListNodeTunnels(ctx context.Context, nodeID int64) ([]domain.WireguardTunnel, error) {
	var rows *sql.Rows
	var err error
	if s.listNodeTunnelsStmt != nil {
		rows, err = s.listNodeTunnelsStmt.QueryContext(ctx, nodeID, nodeID)
	} else {
		rows, err = s.db.QueryContext(ctx, listNodeTunnelsQuery, nodeID, nodeID)
	}
	if err != nil {
		return nil, err
	}
	return collectTunnels(rows)
}

// ListUnestablishedBefore returns active tunnels created before cutoff that
// have not been answered by both peers.
func (s *Store) ListUnestablishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.WireguardTunnel, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+tunnelColumns+`
FROM wireguard_tunnels
WHERE retired_at IS NULL AND (peer1_answered = 0 OR peer2_answered = 0) AND created_at < ?
ORDER BY created_at ASC
LIMIT ?`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return collectTunnels(rows)
}

// SetTunnelEndpoint writes one peer's endpoint. Only that slot's endpoint
// column and updated_at change.
func (s *Store) SetTunnelEndpoint(ctx context.Context, tunnelID int64, slot domain.PeerSlot, endpoint string, ipv6 bool) error {
	var query string
	switch slot {
	case domain.Peer1:
		query = setEndpointPeer1Query
	case domain.Peer2:
		query = setEndpointPeer2Query
	default:
		return fmt.Errorf("set endpoint: invalid %s", slot)
	}
	res, err := s.db.ExecContext(ctx, query, endpoint, time.Now().UTC(), tunnelID, boolToInt(ipv6))
	if err != nil {
		return err
	}
	return s.classifyTunnelUpdate(ctx, res, tunnelID, func(t domain.WireguardTunnel) error {
		if t.EndpointIPv6 != ipv6 {
			return domain.ErrAddressFamily
		}
		return nil
	})
}

// MarkTunnelAnswered sets one peer's answered flag. The flag never goes
// back to false.
func (s *Store) MarkTunnelAnswered(ctx context.Context, tunnelID int64, slot domain.PeerSlot) error {
	var query string
	switch slot {
	case domain.Peer1:
		query = markAnsweredPeer1Query
	case domain.Peer2:
		query = markAnsweredPeer2Query
	default:
		return fmt.Errorf("mark answered: invalid %s", slot)
	}
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), tunnelID)
	if err != nil {
		return err
	}
	return s.classifyTunnelUpdate(ctx, res, tunnelID, nil)
}

// classifyTunnelUpdate turns a zero-row update into the reason it matched
// nothing.
func (s *Store) classifyTunnelUpdate(ctx context.Context, res sql.Result, tunnelID int64, check func(domain.WireguardTunnel) error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	t, err := s.GetTunnel(ctx, tunnelID)
	if err != nil {
		return err
	}
	if t.RetiredAt != nil {
		return domain.ErrTunnelRetired
	}
	if check != nil {
		if err := check(t); err != nil {
			return err
		}
	}
	return errors.New("tunnel update matched no rows")
}
