package vault

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/metrics"
	"chatgate/internal/providers/registry"
)

type Config struct {
	Store   Store
	Auditor Auditor
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	store   Store
	auditor Auditor
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("vault store is nil")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Service{
		store:   cfg.Store,
		auditor: cfg.Auditor,
		logger:  cfg.Logger,
		metrics: m,
		now:     time.Now,
	}, nil
}

func (s *Service) ListForOwner(ctx context.Context) ([]Entry, error) {
	return s.store.List(ctx)
}

func (s *Service) ListForClient(ctx context.Context) ([]PublicEntry, error) {
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PublicEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Public())
	}
	return out, nil
}

func (s *Service) Resolve(ctx context.Context, id string) (Entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Entry{}, fmt.Errorf("%w: id", ErrMissingField)
	}
	return s.store.Get(ctx, id)
}

// AddOrUpdate replaces the entry with e.ID wholesale. Fields not supplied
// are not merged from the previous value.
func (s *Service) AddOrUpdate(ctx context.Context, actor Actor, e Entry) (Entry, error) {
	if err := validate(&e); err != nil {
		return Entry{}, err
	}
	_, getErr := s.store.Get(ctx, e.ID)
	created := errors.Is(getErr, ErrNotFound)

	e.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("put vault entry: %w", err)
	}
	s.metrics.VaultMutations.WithLabelValues("add_update").Inc()

	action := "vault_update"
	if created {
		action = "vault_add"
	}
	s.audit(ctx, actor, action, map[string]any{"id": e.ID, "endpoint": e.Endpoint, "kind": e.Kind})
	s.logger.Info().Str("id", e.ID).Bool("created", created).Str("by", actor.Role).Msg("vault entry saved")
	return e, nil
}

func (s *Service) Remove(ctx context.Context, actor Actor, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id", ErrMissingField)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.VaultMutations.WithLabelValues("remove").Inc()
	s.audit(ctx, actor, "vault_remove", map[string]any{"id": id})
	s.logger.Info().Str("id", id).Str("by", actor.Role).Msg("vault entry removed")
	return nil
}

// Reseal asks a sealing store to move secrets sealed with a retired master
// key onto the current one. It returns how many entries were rewritten;
// stores that keep plaintext report zero.
func (s *Service) Reseal(ctx context.Context) (int, error) {
	r, ok := s.store.(Resealer)
	if !ok {
		return 0, nil
	}
	n, err := r.Reseal(ctx)
	if err != nil {
		return n, fmt.Errorf("reseal vault: %w", err)
	}
	if n > 0 {
		s.metrics.VaultMutations.WithLabelValues("reseal").Add(float64(n))
		s.logger.Info().Int("entries", n).Msg("vault secrets resealed")
	}
	return n, nil
}

func (s *Service) audit(ctx context.Context, actor Actor, action string, meta map[string]any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Audit(ctx, AuditEvent{Actor: actor, Action: action, Meta: meta}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}

func validate(e *Entry) error {
	e.ID = strings.TrimSpace(e.ID)
	e.Name = strings.TrimSpace(e.Name)
	e.Endpoint = strings.TrimSpace(e.Endpoint)
	e.SecretKey = strings.TrimSpace(e.SecretKey)
	e.Model = strings.TrimSpace(e.Model)

	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id", ErrMissingField)
	case e.Name == "":
		return fmt.Errorf("%w: name", ErrMissingField)
	case e.Endpoint == "":
		return fmt.Errorf("%w: endpoint", ErrMissingField)
	case e.SecretKey == "":
		return fmt.Errorf("%w: secretKey", ErrMissingField)
	}

	u, err := url.Parse(e.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: endpoint must be an http(s) URL", ErrInvalidField)
	}
	if e.Kind != "" {
		kind := registry.NormalizeKind(e.Kind)
		if !registry.Supported(kind) {
			return fmt.Errorf("%w: unsupported kind %q", ErrInvalidField, e.Kind)
		}
		e.Kind = kind
	}
	return nil
}
