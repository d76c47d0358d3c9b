package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "chatgate"

type claims struct {
	Role     string `json:"role"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and checks session cookies.
type Manager struct {
	store  Store
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewManager(store Store, secret []byte, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is nil")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{store: store, secret: secret, ttl: ttl, now: time.Now}, nil
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Login records a new session for role and returns it with the signed cookie
// value.
func (m *Manager) Login(ctx context.Context, role, username string) (Session, string, error) {
	if _, err := CookieName(role); err != nil {
		return Session{}, "", err
	}
	id, err := newSessionID()
	if err != nil {
		return Session{}, "", err
	}
	now := m.now().UTC().Truncate(time.Second)
	s := Session{
		ID:        id,
		Role:      role,
		Username:  username,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return Session{}, "", fmt.Errorf("create session: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role:     role,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		_ = m.store.Delete(ctx, id)
		return Session{}, "", fmt.Errorf("sign session token: %w", err)
	}
	return s, signed, nil
}

// Resolve validates a cookie value for role. Tampered, expired, wrong-role
// and logged-out cookies yield ErrInvalid or ErrNotFound.
func (m *Manager) Resolve(ctx context.Context, role, cookie string) (Session, error) {
	c, err := m.parse(cookie, true)
	if err != nil {
		return Session{}, err
	}
	if c.Role != role {
		return Session{}, ErrInvalid
	}
	s, err := m.store.Get(ctx, c.ID)
	if err != nil {
		return Session{}, err
	}
	if s.Role != role {
		return Session{}, ErrInvalid
	}
	return s, nil
}

// Logout removes the session named by cookie. Expired but correctly signed
// cookies are accepted so their record can still be dropped.
func (m *Manager) Logout(ctx context.Context, cookie string) error {
	c, err := m.parse(cookie, false)
	if err != nil {
		return err
	}
	return m.store.Delete(ctx, c.ID)
}

func (m *Manager) parse(cookie string, validateClaims bool) (*claims, error) {
	if cookie == "" {
		return nil, ErrInvalid
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if validateClaims {
		opts = append(opts, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	c := &claims{}
	token, err := jwt.ParseWithClaims(cookie, c, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrNotFound
		}
		return nil, ErrInvalid
	}
	if !token.Valid || c.ID == "" {
		return nil, ErrInvalid
	}
	return c, nil
}

func newSessionID() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
