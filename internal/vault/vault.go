// Package vault holds the upstream model credentials: for every model id an
// endpoint, a display name and the secret key used to call it.
package vault

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("vault entry not found")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field")
)

// Entry is the owner view of a vault record, secret included.
type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Endpoint  string    `json:"endpoint" yaml:"endpoint"`
	SecretKey string    `json:"secretKey" yaml:"secretKey"`
	Kind      string    `json:"kind,omitempty" yaml:"kind,omitempty"`
	Model     string    `json:"model,omitempty" yaml:"model,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"-"`
}

// PublicEntry is what client sessions may see. It has no secret field so a
// secret cannot leak through it.
type PublicEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

func (e Entry) Public() PublicEntry {
	return PublicEntry{ID: e.ID, Name: e.Name, Endpoint: e.Endpoint}
}

// UpstreamModel is the model name sent upstream; it defaults to the entry id.
func (e Entry) UpstreamModel() string {
	if e.Model != "" {
		return e.Model
	}
	return e.ID
}

// Store is a vault backend. Put overwrites the whole entry; Delete returns
// ErrNotFound for unknown ids. List is ordered by id.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Actor identifies who performed a vault mutation.
type Actor struct {
	Role     string
	Username string
}

type AuditEvent struct {
	Actor  Actor
	Action string
	Meta   map[string]any
}

// Auditor records vault mutations durably.
type Auditor interface {
	Audit(ctx context.Context, ev AuditEvent) error
}

// Resealer is implemented by stores that seal secrets at rest.
type Resealer interface {
	Reseal(ctx context.Context) (int, error)
}
