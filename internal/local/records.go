package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tillbook/tillbook/internal/record"
)

const recordColumns = `id, tenant_id, payload, created_at, updated_at, is_deleted, dirty`

// Get returns the record with id owned by tenantID.
// Returns record.ErrNotFound if there is no such record for that tenant.
func (s *Store) Get(ctx context.Context, kind record.Kind, tenantID, id string) (*record.Record, error) {
	t, err := s.checkKind(kind)
	if err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM `+t+` WHERE id = ? AND tenant_id = ?`, id, tenantID)
	rec, err := scanRecord(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &record.OpError{Op: "get", Kind: kind, ID: id, Err: record.ErrNotFound}
	}
	if err != nil {
		return nil, storeErr("get", kind, id, err)
	}
	return rec, nil
}

// Upsert inserts or replaces a record. Last write wins at the row level.
//
// A row with the same id owned by another tenant is never overwritten;
// record.ErrTenantMismatch is returned instead.
func (s *Store) Upsert(ctx context.Context, rec *record.Record) error {
	return s.upsert(ctx, rec, false)
}

// ApplyRemote writes a record fetched from the remote store. Unlike Upsert it
// leaves a row alone if that row is dirty, since local unpushed intent must
// not be overwritten by a pull. Reports whether the row was written.
func (s *Store) ApplyRemote(ctx context.Context, rec *record.Record) (bool, error) {
	err := s.upsert(ctx, rec, true)
	if errors.Is(err, errSkipped) {
		return false, nil
	}
	return err == nil, err
}

var errSkipped = errors.New("skipped")

func (s *Store) upsert(ctx context.Context, rec *record.Record, onlyClean bool) error {
	t, err := s.checkKind(rec.Kind)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return &record.OpError{Op: "upsert", Kind: rec.Kind, ID: rec.ID, Err: err}
	}

	cond := t + `.tenant_id = excluded.tenant_id`
	if onlyClean {
		cond += ` AND ` + t + `.dirty = 0`
	}

	query := `
	INSERT INTO ` + t + ` (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted,
		dirty = excluded.dirty
	WHERE ` + cond

	res, err := s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		string(rec.Payload),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
		boolToInt(rec.IsDeleted),
		boolToInt(rec.Dirty),
	)
	if err != nil {
		return storeErr("upsert", rec.Kind, rec.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("upsert", rec.Kind, rec.ID, err)
	}
	if n == 0 {
		if onlyClean {
			// Either the row is dirty or it belongs to someone else.
			owner, err := s.ownerOf(ctx, t, rec.ID)
			if err != nil {
				return storeErr("upsert", rec.Kind, rec.ID, err)
			}
			if owner == rec.TenantID {
				return errSkipped
			}
		}
		return &record.OpError{Op: "upsert", Kind: rec.Kind, ID: rec.ID, Err: record.ErrTenantMismatch}
	}

	s.hub.publish(rec.Kind, rec.TenantID)
	return nil
}

// Update rewrites the payload of a live record and marks it dirty. Unlike
// Upsert it never recreates a row: if the record was removed or tombstoned
// since it was read, record.ErrNotFound is returned.
func (s *Store) Update(ctx context.Context, rec *record.Record) error {
	t, err := s.checkKind(rec.Kind)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return &record.OpError{Op: "update", Kind: rec.Kind, ID: rec.ID, Err: err}
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE `+t+` SET payload = ?, updated_at = ?, dirty = 1
		WHERE id = ? AND tenant_id = ? AND is_deleted = 0`,
		string(rec.Payload), formatTime(rec.UpdatedAt), rec.ID, rec.TenantID)
	if err != nil {
		return storeErr("update", rec.Kind, rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update", rec.Kind, rec.ID, err)
	}
	if n == 0 {
		return &record.OpError{Op: "update", Kind: rec.Kind, ID: rec.ID, Err: record.ErrNotFound}
	}

	rec.Dirty = true
	s.hub.publish(rec.Kind, rec.TenantID)
	return nil
}

func (s *Store) ownerOf(ctx context.Context, t, id string) (string, error) {
	var owner string
	err := s.conn.QueryRowContext(ctx, `SELECT tenant_id FROM `+t+` WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

// SoftDelete tombstones a record: is_deleted and dirty are set and
// updated_at is bumped. The row stays until the remote delete is confirmed.
// Returns record.ErrNotFound if the tenant has no such record.
func (s *Store) SoftDelete(ctx context.Context, kind record.Kind, tenantID, id string) error {
	t, err := s.checkKind(kind)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("soft_delete", kind, id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM `+t+` WHERE id = ? AND tenant_id = ?`, id, tenantID)
	rec, err := scanRecord(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return &record.OpError{Op: "soft_delete", Kind: kind, ID: id, Err: record.ErrNotFound}
	}
	if err != nil {
		return storeErr("soft_delete", kind, id, err)
	}
	if rec.IsDeleted {
		return nil
	}

	rec.Touch(s.now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+t+` SET is_deleted = 1, dirty = 1, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		formatTime(rec.UpdatedAt), id, tenantID); err != nil {
		return storeErr("soft_delete", kind, id, err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("soft_delete", kind, id, err)
	}

	s.hub.publish(kind, tenantID)
	return nil
}

// HardDelete removes a record unconditionally. Returns nil if it does not
// exist (idempotent).
func (s *Store) HardDelete(ctx context.Context, kind record.Kind, tenantID, id string) error {
	_, err := s.deleteWhere(ctx, "hard_delete", kind, tenantID, id, "")
	return err
}

// HardDeleteTombstone removes a record only if it is still a tombstone.
// Used once the remote delete has been acknowledged.
func (s *Store) HardDeleteTombstone(ctx context.Context, kind record.Kind, tenantID, id string) (bool, error) {
	return s.deleteWhere(ctx, "hard_delete", kind, tenantID, id, "is_deleted = 1")
}

// HardDeleteClean removes a record only if it has no unpushed changes.
// Used by the pull phase for records deleted on another device.
func (s *Store) HardDeleteClean(ctx context.Context, kind record.Kind, tenantID, id string) (bool, error) {
	return s.deleteWhere(ctx, "hard_delete", kind, tenantID, id, "dirty = 0")
}

func (s *Store) deleteWhere(ctx context.Context, op string, kind record.Kind, tenantID, id, extra string) (bool, error) {
	t, err := s.checkKind(kind)
	if err != nil {
		return false, err
	}

	query := `DELETE FROM ` + t + ` WHERE id = ? AND tenant_id = ?`
	if extra != "" {
		query += ` AND ` + extra
	}

	res, err := s.conn.ExecContext(ctx, query, id, tenantID)
	if err != nil {
		return false, storeErr(op, kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(op, kind, id, err)
	}
	if n > 0 {
		s.hub.publish(kind, tenantID)
	}
	return n > 0, nil
}

// MarkSynced clears the dirty flag once a push has been confirmed.
//
// The flag is only cleared if the row still carries pushedAt as its
// updated_at; a record edited while the push was in flight stays dirty and is
// pushed again next time. Reports whether the flag was cleared.
func (s *Store) MarkSynced(ctx context.Context, kind record.Kind, tenantID, id string, pushedAt time.Time) (bool, error) {
	t, err := s.checkKind(kind)
	if err != nil {
		return false, err
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE `+t+` SET dirty = 0 WHERE id = ? AND tenant_id = ? AND updated_at = ? AND dirty = 1`,
		id, tenantID, formatTime(pushedAt))
	if err != nil {
		return false, storeErr("mark_synced", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("mark_synced", kind, id, err)
	}
	if n > 0 {
		s.hub.publish(kind, tenantID)
	}
	return n > 0, nil
}

// ListDirty returns every dirty record of the tenant, tombstones included.
func (s *Store) ListDirty(ctx context.Context, kind record.Kind, tenantID string) ([]*record.Record, error) {
	return s.list(ctx, "list_dirty", kind, tenantID, ListFilter{DirtyOnly: true, IncludeDeleted: true})
}

// ListAll returns every record of the tenant, tombstones included.
func (s *Store) ListAll(ctx context.Context, kind record.Kind, tenantID string) ([]*record.Record, error) {
	return s.list(ctx, "list_all", kind, tenantID, ListFilter{IncludeDeleted: true})
}

// ListFilter configures List.
type ListFilter struct {
	// DirtyOnly restricts to records with unpushed changes.
	DirtyOnly bool
	// IncludeDeleted includes tombstones.
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results.
	Offset int
}

// List returns records of the tenant matching filter, ordered by created_at, id.
func (s *Store) List(ctx context.Context, kind record.Kind, tenantID string, filter ListFilter) ([]*record.Record, error) {
	return s.list(ctx, "list", kind, tenantID, filter)
}

func (s *Store) list(ctx context.Context, op string, kind record.Kind, tenantID string, filter ListFilter) ([]*record.Record, error) {
	t, err := s.checkKind(kind)
	if err != nil {
		return nil, err
	}

	conditions := []string{"tenant_id = ?"}
	args := []interface{}{tenantID}
	if filter.DirtyOnly {
		conditions = append(conditions, "dirty = 1")
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "is_deleted = 0")
	}

	query := `SELECT ` + recordColumns + ` FROM ` + t +
		` WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY created_at ASC, id ASC`

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(op, kind, "", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows, kind)
		if err != nil {
			return nil, storeErr(op, kind, "", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, kind, "", err)
	}
	return out, nil
}

// Count returns the number of live (non-tombstoned) records of the tenant.
func (s *Store) Count(ctx context.Context, kind record.Kind, tenantID string) (int, error) {
	return s.count(ctx, kind, tenantID, "is_deleted = 0")
}

// CountDirty returns the number of records awaiting push.
func (s *Store) CountDirty(ctx context.Context, kind record.Kind, tenantID string) (int, error) {
	return s.count(ctx, kind, tenantID, "dirty = 1")
}

func (s *Store) count(ctx context.Context, kind record.Kind, tenantID, cond string) (int, error) {
	t, err := s.checkKind(kind)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+t+` WHERE tenant_id = ? AND `+cond, tenantID).Scan(&n)
	if err != nil {
		return 0, storeErr("count", kind, "", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner, kind record.Kind) (*record.Record, error) {
	var (
		rec                  record.Record
		payload              string
		createdAt, updatedAt string
		isDeleted, dirty     int
	)
	if err := row.Scan(&rec.ID, &rec.TenantID, &payload, &createdAt, &updatedAt, &isDeleted, &dirty); err != nil {
		return nil, err
	}

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	rec.Kind = kind
	rec.Payload = []byte(payload)
	rec.IsDeleted = isDeleted != 0
	rec.Dirty = dirty != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
