package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/crypto"
	"chatgate/internal/vault"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chatgate.db")
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenValidates(t *testing.T) {
	if _, err := Open(context.Background(), "sqlite", "", true); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := Open(context.Background(), "oracle", "x", true); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestVaultRecordCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	rec := VaultRecord{ID: "m1", Name: "Model One", Endpoint: "https://a.example/v1", EncSecretKey: "sealed", UpdatedAt: now}
	if err := s.UpsertVaultRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec.Name = "Model One v2"
	if err := s.UpsertVaultRecord(ctx, rec); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := s.GetVaultRecord(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Model One v2" || got.EncSecretKey != "sealed" {
		t.Fatalf("unexpected record %#v", got)
	}

	list, err := s.ListVaultRecords(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}

	if err := s.DeleteVaultRecord(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteVaultRecord(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetVaultRecord(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogAction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.LogAction(ctx, AuditEntry{Role: "owner", Action: "vault_add", MetaJSON: "not json"}); err != nil {
		t.Fatalf("log action: %v", err)
	}
	if err := s.LogAction(ctx, AuditEntry{Role: "owner", Action: "vault_remove", MetaJSON: `{"id":"m1"}`}); err != nil {
		t.Fatalf("log action: %v", err)
	}

	entries, err := s.RecentActions(ctx, 10)
	if err != nil {
		t.Fatalf("recent actions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(entries))
	}
	if entries[0].Action != "vault_remove" || entries[1].MetaJSON != "{}" {
		t.Fatalf("unexpected audit rows %#v", entries)
	}
}

func TestVaultStoreThroughService(t *testing.T) {
	s := openTestStore(t)
	keyring, err := crypto.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{3}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	vs, err := NewVaultStore(s, keyring)
	if err != nil {
		t.Fatalf("vault store: %v", err)
	}
	svc, err := vault.NewService(vault.Config{Store: vs, Auditor: s, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	ctx := context.Background()
	actor := vault.Actor{Role: "owner", Username: "root"}
	entry := vault.Entry{ID: "m1", Name: "Model", Endpoint: "https://api.example.com/v1", SecretKey: "sk-plain"}
	if _, err := svc.AddOrUpdate(ctx, actor, entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	rec, err := s.GetVaultRecord(ctx, "m1")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if strings.Contains(rec.EncSecretKey, "sk-plain") {
		t.Fatalf("secret stored in plaintext")
	}

	got, err := svc.Resolve(ctx, "m1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.SecretKey != "sk-plain" {
		t.Fatalf("secret did not round trip: %q", got.SecretKey)
	}

	if err := svc.Remove(ctx, actor, "missing"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected vault.ErrNotFound, got %v", err)
	}

	audit, err := s.RecentActions(ctx, 10)
	if err != nil {
		t.Fatalf("recent actions: %v", err)
	}
	if len(audit) != 1 || audit[0].Action != "vault_add" || audit[0].Username != "root" {
		t.Fatalf("unexpected audit rows %#v", audit)
	}
}

func TestVaultStoreResealOnlyRotatesStaleRows(t *testing.T) {
	s := openTestStore(t)
	oldKey := bytes.Repeat([]byte{3}, 32)
	before, err := crypto.NewKeyring("k1", map[string][]byte{"k1": oldKey})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	vs, err := NewVaultStore(s, before)
	if err != nil {
		t.Fatalf("vault store: %v", err)
	}
	ctx := context.Background()
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		e := vault.Entry{ID: id, Name: id, Endpoint: "https://api.example.com/v1", SecretKey: "sk-" + id, UpdatedAt: updated}
		if err := vs.Put(ctx, e); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if n, err := vs.Reseal(ctx); err != nil || n != 0 {
		t.Fatalf("nothing to reseal under the same key: n=%d err=%v", n, err)
	}

	after, err := crypto.NewKeyring("k2", map[string][]byte{"k1": oldKey, "k2": bytes.Repeat([]byte{4}, 32)})
	if err != nil {
		t.Fatalf("rotated keyring: %v", err)
	}
	vs.keyring = after
	if n, err := vs.Reseal(ctx); err != nil || n != 2 {
		t.Fatalf("reseal: n=%d err=%v", n, err)
	}

	rec, err := s.GetVaultRecord(ctx, "a")
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if after.NeedsRotation(rec.EncSecretKey) {
		t.Fatalf("row still sealed with the retired key")
	}
	if !rec.UpdatedAt.Equal(updated) {
		t.Fatalf("reseal must not touch updated_at, got %v", rec.UpdatedAt)
	}
	got, err := vs.Get(ctx, "b")
	if err != nil || got.SecretKey != "sk-b" {
		t.Fatalf("secret lost after reseal: %q err=%v", got.SecretKey, err)
	}
}
