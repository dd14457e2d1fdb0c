package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wardenhq/warden/internal/domain"
)

// CreateInstance persists a new instance record in status "requested" with
// no port or endpoint assigned yet.
func (s *Store) CreateInstance(ctx context.Context, ownerKeyID, name, image string, memoryMB, diskMB int64) (domain.Instance, error) {
	id, err := newID("i")
	if err != nil {
		return domain.Instance{}, err
	}
	now := time.Now().UTC()
	inst := domain.Instance{
		ID:         id,
		OwnerKeyID: ownerKeyID,
		Name:       name,
		Image:      image,
		MemoryMB:   memoryMB,
		DiskMB:     diskMB,
		Status:     domain.StatusRequested,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO instances(id, owner_key_id, name, image, port, address, address_label, memory_mb, disk_mb, secret_hash, status, created_at, updated_at)
VALUES(?, ?, ?, ?, 0, '', '', ?, ?, '', ?, ?, ?)`,
		inst.ID, inst.OwnerKeyID, inst.Name, inst.Image, inst.MemoryMB, inst.DiskMB, inst.Status, inst.CreatedAt, inst.UpdatedAt)
	return inst, err
}

// GetInstance fetches one instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	stmt := s.getInstanceStmt
	var row *sql.Row
	if stmt == nil {
		row = s.db.QueryRowContext(ctx, getInstanceQuery, id)
	} else {
		row = stmt.QueryRowContext(ctx, id)
	}
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instance{}, domain.ErrInstanceNotFound
	}
	return inst, err
}

// ListInstancesByOwner returns every non-destroyed instance owned by keyID,
// newest first.
func (s *Store) ListInstancesByOwner(ctx context.Context, keyID string) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_key_id, name, image, port, address, address_label, memory_mb, disk_mb, secret_hash, status, created_at, updated_at
FROM instances
WHERE owner_key_id = ? AND status != ?
ORDER BY created_at DESC`, keyID, domain.StatusDestroyed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ListInstancesByStatus returns every instance currently in the given status.
func (s *Store) ListInstancesByStatus(ctx context.Context, status string) ([]domain.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_key_id, name, image, port, address, address_label, memory_mb, disk_mb, secret_hash, status, created_at, updated_at
FROM instances
WHERE status = ?
ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// UpdateInstanceStatus transitions an instance to status and bumps its
// updated_at timestamp.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetInstanceEndpoint records the assigned endpoint address and label.
func (s *Store) SetInstanceEndpoint(ctx context.Context, id, address, label string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET address = ?, address_label = ?, updated_at = ? WHERE id = ?`, address, label, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetInstanceSecretHash records the digest of the instance control secret.
// The plaintext secret is never persisted.
func (s *Store) SetInstanceSecretHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET secret_hash = ?, updated_at = ? WHERE id = ?`, hash, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ActiveInstanceCountByKey counts non-terminal instances owned by keyID.
func (s *Store) ActiveInstanceCountByKey(ctx context.Context, keyID string) (int, error) {
	var count int
	stmt := s.activeCountByKeyStmt
	if stmt == nil {
		err := s.db.QueryRowContext(ctx, activeInstanceCountByKeyQuery, keyID).Scan(&count)
		return count, err
	}
	err := stmt.QueryRowContext(ctx, keyID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (domain.Instance, error) {
	var inst domain.Instance
	err := r.Scan(
		&inst.ID, &inst.OwnerKeyID, &inst.Name, &inst.Image,
		&inst.Port, &inst.Address, &inst.AddressLabel,
		&inst.MemoryMB, &inst.DiskMB, &inst.SecretHash, &inst.Status,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	return inst, err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}
