package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

func (s *Store) UpsertVaultRecord(ctx context.Context, r VaultRecord) error {
	q := s.sql.Insert("vault_entries").
		Columns("id", "name", "endpoint", "kind", "model", "enc_secret_key", "updated_at").
		Values(r.ID, r.Name, r.Endpoint, r.Kind, r.Model, r.EncSecretKey, r.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, endpoint=excluded.endpoint, kind=excluded.kind, model=excluded.model, enc_secret_key=excluded.enc_secret_key, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build vault upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert vault entry: %w", err)
	}
	return nil
}

func (s *Store) GetVaultRecord(ctx context.Context, id string) (VaultRecord, error) {
	q := s.sql.Select("id", "name", "endpoint", "kind", "model", "enc_secret_key", "updated_at").
		From("vault_entries").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return VaultRecord{}, fmt.Errorf("build vault get query: %w", err)
	}

	var r VaultRecord
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&r.ID, &r.Name, &r.Endpoint, &r.Kind, &r.Model, &r.EncSecretKey, &r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VaultRecord{}, ErrNotFound
		}
		return VaultRecord{}, fmt.Errorf("get vault entry: %w", err)
	}
	return r, nil
}

func (s *Store) ListVaultRecords(ctx context.Context) ([]VaultRecord, error) {
	q := s.sql.Select("id", "name", "endpoint", "kind", "model", "enc_secret_key", "updated_at").
		From("vault_entries").
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build vault list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list vault entries: %w", err)
	}
	defer rows.Close()

	out := make([]VaultRecord, 0)
	for rows.Next() {
		var r VaultRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Endpoint, &r.Kind, &r.Model, &r.EncSecretKey, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan vault row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteVaultRecord(ctx context.Context, id string) error {
	q := s.sql.Delete("vault_entries").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build vault delete query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete vault entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("role", "username", "action", "meta_json").
		Values(e.Role, e.Username, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// RecentActions returns the newest audit rows first.
func (s *Store) RecentActions(ctx context.Context, limit uint64) ([]AuditEntry, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("id", "role", "username", "action", "meta_json", "created_at").
		From("audit_log").
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Role, &e.Username, &e.Action, &e.MetaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
