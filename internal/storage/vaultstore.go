package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatgate/internal/crypto"
	"chatgate/internal/vault"
)

// VaultStore persists vault entries in SQL. Secret keys are sealed with the
// keyring using the entry id as associated data.
type VaultStore struct {
	store   *Store
	keyring *crypto.Keyring
}

var (
	_ vault.Store    = (*VaultStore)(nil)
	_ vault.Resealer = (*VaultStore)(nil)
	_ vault.Auditor  = (*Store)(nil)
)

func NewVaultStore(store *Store, keyring *crypto.Keyring) (*VaultStore, error) {
	if store == nil {
		return nil, errors.New("storage is nil")
	}
	if keyring == nil {
		return nil, errors.New("sql vault requires a keyring")
	}
	return &VaultStore{store: store, keyring: keyring}, nil
}

func (v *VaultStore) List(ctx context.Context) ([]vault.Entry, error) {
	records, err := v.store.ListVaultRecords(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]vault.Entry, 0, len(records))
	for _, r := range records {
		e, err := v.decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (v *VaultStore) Get(ctx context.Context, id string) (vault.Entry, error) {
	r, err := v.store.GetVaultRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return vault.Entry{}, vault.ErrNotFound
	}
	if err != nil {
		return vault.Entry{}, err
	}
	return v.decode(r)
}

func (v *VaultStore) Put(ctx context.Context, e vault.Entry) error {
	sealed, err := v.keyring.Seal(e.ID, e.SecretKey)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	return v.store.UpsertVaultRecord(ctx, VaultRecord{
		ID:           e.ID,
		Name:         e.Name,
		Endpoint:     e.Endpoint,
		Kind:         e.Kind,
		Model:        e.Model,
		EncSecretKey: sealed,
		UpdatedAt:    e.UpdatedAt.UTC(),
	})
}

func (v *VaultStore) Delete(ctx context.Context, id string) error {
	err := v.store.DeleteVaultRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return vault.ErrNotFound
	}
	return err
}

// Reseal rewrites rows whose secret was sealed with a non-current key. The
// rest of the row, including updated_at, is left as it was.
func (v *VaultStore) Reseal(ctx context.Context) (int, error) {
	records, err := v.store.ListVaultRecords(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		if !v.keyring.NeedsRotation(r.EncSecretKey) {
			continue
		}
		sealed, err := v.keyring.Reseal(r.ID, r.EncSecretKey)
		if err != nil {
			return n, fmt.Errorf("reseal %q: %w", r.ID, err)
		}
		r.EncSecretKey = sealed
		if err := v.store.UpsertVaultRecord(ctx, r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close is a no-op; the underlying Store is closed by its owner.
func (v *VaultStore) Close() error { return nil }

func (v *VaultStore) decode(r VaultRecord) (vault.Entry, error) {
	secret, err := v.keyring.Open(r.ID, r.EncSecretKey)
	if err != nil {
		return vault.Entry{}, fmt.Errorf("open secret for %q: %w", r.ID, err)
	}
	return vault.Entry{
		ID:        r.ID,
		Name:      r.Name,
		Endpoint:  r.Endpoint,
		SecretKey: secret,
		Kind:      r.Kind,
		Model:     r.Model,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

// Audit records a vault mutation in audit_log.
func (s *Store) Audit(ctx context.Context, ev vault.AuditEvent) error {
	meta := "{}"
	if len(ev.Meta) > 0 {
		raw, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("encode audit meta: %w", err)
		}
		meta = string(raw)
	}
	return s.LogAction(ctx, AuditEntry{
		Role:     ev.Actor.Role,
		Username: ev.Actor.Username,
		Action:   ev.Action,
		MetaJSON: meta,
	})
}
