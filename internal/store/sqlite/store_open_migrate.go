// Package sqlite implements the cat4igp data store backed by a SQLite
// database. It manages nodes, invites, mesh groups, WireGuard tunnels and
// settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all cat4igp persistence operations.
type Store struct {
	db *sql.DB

	getNodeStmt         *sql.Stmt
	listNodeTunnelsStmt *sql.Stmt

	touchMu              sync.Mutex
	contacts             map[int64]nodeContact
	touchMinInterval     time.Duration
	touchCleanupInterval time.Duration
	nextTouchCleanupAt   time.Time
}

const defaultTouchMinInterval = 30 * time.Second
const defaultTouchCleanupInterval = 5 * time.Minute

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const getNodeQuery = `SELECT id, name, auth_key_hash, created_at, last_seen FROM nodes WHERE id = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	// TouchMinInterval throttles last_seen writes per node.
	TouchMinInterval time.Duration
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Per-connection PRAGMAs go in the DSN so every pooled connection gets
	// them. Write transactions take the lock up front so concurrent
	// redemptions and tunnel creations serialize instead of failing on
	// lock upgrade.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode is database-wide; set it once here.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	touchInterval := opts.TouchMinInterval
	if touchInterval <= 0 {
		touchInterval = defaultTouchMinInterval
	}
	now := time.Now().UTC()
	s := &Store{
		db:                   db,
		contacts:             make(map[int64]nodeContact),
		touchMinInterval:     touchInterval,
		touchCleanupInterval: defaultTouchCleanupInterval,
		nextTouchCleanupAt:   now.Add(defaultTouchCleanupInterval),
	}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.getNodeStmt, err = s.db.PrepareContext(ctx, getNodeQuery); err != nil {
		return fmt.Errorf("prepare get node query: %w", err)
	}
	if s.listNodeTunnelsStmt, err = s.db.PrepareContext(ctx, listNodeTunnelsQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare node tunnels query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.getNodeStmt))
	err = errors.Join(err, closeStmt(&s.listNodeTunnelsStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	auth_key_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_seen DATETIME NULL
);
CREATE TABLE IF NOT EXISTS wireguard_static_keys (
	node_id INTEGER PRIMARY KEY REFERENCES nodes(id),
	public_key TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS wireguard_tunnels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id_peer1 INTEGER NOT NULL REFERENCES nodes(id),
	node_id_peer2 INTEGER NOT NULL REFERENCES nodes(id),
	endpoint_peer1 TEXT NULL,
	endpoint_peer2 TEXT NULL,
	peer1_answered INTEGER NOT NULL DEFAULT 0,
	peer2_answered INTEGER NOT NULL DEFAULT 0,
	mtu INTEGER NOT NULL,
	endpoint_ipv6 INTEGER NOT NULL DEFAULT 0,
	fec INTEGER NOT NULL DEFAULT 0,
	faketcp INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	retired_at DATETIME NULL,
	CHECK (node_id_peer1 < node_id_peer2)
);
CREATE TABLE IF NOT EXISTS wireguard_tunnel_claims (
	tunnel_id INTEGER NOT NULL REFERENCES wireguard_tunnels(id),
	mesh_group_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (tunnel_id, mesh_group_id)
);
CREATE TABLE IF NOT EXISTS invites (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	code TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NULL,
	used_count INTEGER NOT NULL DEFAULT 0,
	max_uses INTEGER NULL,
	join_mesh INTEGER NULL
);
CREATE TABLE IF NOT EXISTS mesh_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	auto_wireguard INTEGER NOT NULL DEFAULT 0,
	auto_wireguard_mtu INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS mesh_group_memberships (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mesh_group_id INTEGER NOT NULL REFERENCES mesh_groups(id),
	node_id INTEGER NOT NULL REFERENCES nodes(id),
	created_at DATETIME NOT NULL,
	UNIQUE (mesh_group_id, node_id)
);
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_wireguard_tunnels_active_pair
	ON wireguard_tunnels(node_id_peer1, node_id_peer2) WHERE retired_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_wireguard_tunnels_peer2 ON wireguard_tunnels(node_id_peer2);
CREATE INDEX IF NOT EXISTS idx_wireguard_tunnel_claims_group ON wireguard_tunnel_claims(mesh_group_id);
CREATE INDEX IF NOT EXISTS idx_mesh_group_memberships_node ON mesh_group_memberships(node_id);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	// Columns added after the first release.
	for _, alter := range []string{
		`ALTER TABLE invites ADD COLUMN join_mesh INTEGER NULL`,
		`ALTER TABLE wireguard_tunnels ADD COLUMN fec INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE wireguard_tunnels ADD COLUMN faketcp INTEGER NOT NULL DEFAULT 0`,
	} {
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return err
			}
		}
	}
	return nil
}
