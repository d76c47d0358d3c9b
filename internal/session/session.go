// Package session maps signed session cookies to an authenticated role.
// The cookie carries a signed token naming a server-side session record, so
// logging out or expiring the record invalidates the cookie even though its
// signature is still good.
package session

import (
	"context"
	"errors"
	"time"
)

const (
	RoleClient = "client"
	RoleOwner  = "owner"
)

const (
	ClientCookie = "client_username"
	OwnerCookie  = "owner_session"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrInvalid     = errors.New("invalid session cookie")
	ErrUnknownRole = errors.New("unknown role")
)

type Session struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Username  string    `json:"username,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists session records. Get returns ErrNotFound for unknown or
// expired sessions.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Delete(ctx context.Context, id string) error
}

// CookieName returns the cookie used for role.
func CookieName(role string) (string, error) {
	switch role {
	case RoleClient:
		return ClientCookie, nil
	case RoleOwner:
		return OwnerCookie, nil
	default:
		return "", ErrUnknownRole
	}
}
