package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.Now
	m, err := NewManager(store, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.now = clock.Now
	return m, store, clock
}

func TestLoginResolve(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s, cookie, err := m.Login(ctx, RoleClient, "alice")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.Role != RoleClient || s.Username != "alice" {
		t.Fatalf("unexpected session %#v", s)
	}

	got, err := m.Resolve(ctx, RoleClient, cookie)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != s.ID || got.Username != "alice" {
		t.Fatalf("resolved wrong session %#v", got)
	}
}

func TestResolveRejectsWrongRole(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, cookie, err := m.Login(context.Background(), RoleClient, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := m.Resolve(context.Background(), RoleOwner, cookie); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for client cookie used as owner, got %v", err)
	}
}

func TestResolveRejectsTampered(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, cookie, err := m.Login(context.Background(), RoleOwner, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	parts := strings.Split(cookie, ".")
	if len(parts) != 3 {
		t.Fatalf("expected jwt with 3 parts, got %d", len(parts))
	}
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)
	if _, err := m.Resolve(context.Background(), RoleOwner, tampered); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for tampered cookie, got %v", err)
	}

	other, err := NewManager(NewMemoryStore(), []byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	if err != nil {
		t.Fatalf("other manager: %v", err)
	}
	if _, err := other.Resolve(context.Background(), RoleOwner, cookie); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for foreign secret, got %v", err)
	}
	if _, err := m.Resolve(context.Background(), RoleOwner, ""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty cookie, got %v", err)
	}
}

func TestResolveExpired(t *testing.T) {
	m, _, clock := newTestManager(t)
	_, cookie, err := m.Login(context.Background(), RoleClient, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	clock.t = clock.t.Add(2 * time.Hour)
	if _, err := m.Resolve(context.Background(), RoleClient, cookie); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired cookie, got %v", err)
	}
}

func TestLogoutRevokes(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()
	_, cookie, err := m.Login(ctx, RoleOwner, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := m.Logout(ctx, cookie); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no stored sessions after logout, got %d", store.Len())
	}
	if _, err := m.Resolve(ctx, RoleOwner, cookie); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after logout, got %v", err)
	}

	_, expired, err := m.Login(ctx, RoleOwner, "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	clock.t = clock.t.Add(3 * time.Hour)
	if err := m.Logout(ctx, expired); err != nil {
		t.Fatalf("logout of expired cookie: %v", err)
	}
}

func TestLoginUnknownRole(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, _, err := m.Login(context.Background(), "admin", ""); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestNewManagerValidates(t *testing.T) {
	if _, err := NewManager(nil, testSecret, time.Hour); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewManager(NewMemoryStore(), []byte("short"), time.Hour); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestMemoryStoreSweepsExpiredOnCreate(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, _, err := m.Login(ctx, RoleClient, "idle"); err != nil {
			t.Fatalf("login: %v", err)
		}
	}
	if store.Len() != 3 {
		t.Fatalf("expected 3 sessions, got %d", store.Len())
	}

	clock.t = clock.t.Add(2 * time.Hour)
	if _, _, err := m.Login(ctx, RoleOwner, "fresh"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expired sessions should be swept on create, %d left", store.Len())
	}
}
