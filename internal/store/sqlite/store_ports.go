package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/domain"
)

// ReservedPorts returns the set of ports currently held by non-terminal
// instances. This is the persisted half of the dual-level allocation check;
// the OS bind probe is the other half.
func (s *Store) ReservedPorts(ctx context.Context) (map[int]bool, error) {
	var rows *sql.Rows
	var err error
	if stmt := s.reservedPortsStmt; stmt == nil {
		rows, err = s.db.QueryContext(ctx, reservedPortsQuery)
	} else {
		rows, err = stmt.QueryContext(ctx)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]bool)
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		out[port] = true
	}
	return out, rows.Err()
}

// ClaimPort atomically reserves port for the given instance. The partial
// unique index on active ports makes two concurrent claims of the same port
// impossible; the loser gets [ErrPortTaken] and must try the next candidate.
func (s *Store) ClaimPort(ctx context.Context, instanceID string, port int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET port = ?, status = ?, updated_at = ? WHERE id = ?`,
		port, domain.StatusProvisioning, time.Now().UTC(), instanceID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrPortTaken
		}
		return err
	}
	return requireAffected(res)
}

// ReleasePort frees the instance's port reservation. Terminal-state
// transitions must call this (or [MarkFailedAndReleasePort]) before the port
// may be reused.
func (s *Store) ReleasePort(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET port = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), instanceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// MarkFailedAndReleasePort transitions the instance to failed and frees its
// port in a single statement so the port-uniqueness invariant never observes
// a failed instance still holding a reservation.
func (s *Store) MarkFailedAndReleasePort(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET status = ?, port = 0, updated_at = ? WHERE id = ?`,
		domain.StatusFailed, time.Now().UTC(), instanceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// MarkDestroyedAndReleasePort transitions the instance to destroyed and
// frees its port atomically.
func (s *Store) MarkDestroyedAndReleasePort(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET status = ?, port = 0, updated_at = ? WHERE id = ?`,
		domain.StatusDestroyed, time.Now().UTC(), instanceID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
