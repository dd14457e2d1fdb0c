// Package sqlite implements the warden data store backed by a SQLite
// database. It manages API keys, instance records, port reservations, and
// server settings.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrPortTaken is returned when the requested port is already reserved by
// another non-terminal instance and cannot be claimed by the caller.
var ErrPortTaken = errors.New("port already reserved")

// Store wraps a SQLite database connection for all warden persistence
// operations.
type Store struct {
	db *sql.DB

	resolveAPIKeyIDStmt   *sql.Stmt
	getInstanceStmt       *sql.Stmt
	activeCountByKeyStmt  *sql.Stmt
	reservedPortsStmt     *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

const resolveAPIKeyIDQuery = `SELECT id FROM api_keys WHERE key_hash = ? AND revoked_at IS NULL`
const activeInstanceCountByKeyQuery = `SELECT COUNT(1) FROM instances WHERE owner_key_id = ? AND status NOT IN ('failed', 'destroyed')`
const reservedPortsQuery = `SELECT port FROM instances WHERE port > 0 AND status NOT IN ('failed', 'destroyed')`
const getInstanceQuery = `
SELECT id, owner_key_id, name, image, port, address, address_label, memory_mb, disk_mb, secret_hash, status, created_at, updated_at
FROM instances
WHERE id = ?`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
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
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
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

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
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
	if s.resolveAPIKeyIDStmt, err = s.db.PrepareContext(ctx, resolveAPIKeyIDQuery); err != nil {
		return fmt.Errorf("prepare resolve api key query: %w", err)
	}
	if s.getInstanceStmt, err = s.db.PrepareContext(ctx, getInstanceQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare get instance query: %w", err), closeErr)
	}
	if s.activeCountByKeyStmt, err = s.db.PrepareContext(ctx, activeInstanceCountByKeyQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare active count query: %w", err), closeErr)
	}
	if s.reservedPortsStmt, err = s.db.PrepareContext(ctx, reservedPortsQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare reserved ports query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.resolveAPIKeyIDStmt))
	err = errors.Join(err, closeStmt(&s.getInstanceStmt))
	err = errors.Join(err, closeStmt(&s.activeCountByKeyStmt))
	err = errors.Join(err, closeStmt(&s.reservedPortsStmt))
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

// Migrate creates all required tables and indexes if they do not already
// exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	revoked_at DATETIME NULL,
	instance_limit INTEGER NOT NULL DEFAULT -1
);
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	owner_key_id TEXT NOT NULL,
	name TEXT NOT NULL,
	image TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	address TEXT NOT NULL DEFAULT '',
	address_label TEXT NOT NULL DEFAULT '',
	memory_mb INTEGER NOT NULL DEFAULT 0,
	disk_mb INTEGER NOT NULL DEFAULT 0,
	secret_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);
CREATE INDEX IF NOT EXISTS idx_instances_owner ON instances(owner_key_id);
CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_active_port
	ON instances(port)
	WHERE port > 0 AND status NOT IN ('failed', 'destroyed');
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}
