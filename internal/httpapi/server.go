// Package httpapi is the chatgate HTTP surface: logins, the credential vault
// and the proxy call.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatgate/internal/gate"
	"chatgate/internal/metrics"
	"chatgate/internal/proxy"
	"chatgate/internal/session"
	"chatgate/internal/vault"
)

type Config struct {
	Sessions     *session.Manager
	ClientGate   *gate.AllowList
	OwnerGate    *gate.AllowList
	Vault        *vault.Service
	Proxy        *proxy.Service
	Auditor      vault.Auditor
	CookieSecure bool
	CORSOrigins  []string
	HealthPath   string
	MetricsPath  string
	// Ready is consulted by the health endpoint when set.
	Ready   func(ctx context.Context) error
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	sessions     *session.Manager
	clientGate   *gate.AllowList
	ownerGate    *gate.AllowList
	vault        *vault.Service
	proxy        *proxy.Service
	auditor      vault.Auditor
	cookieSecure bool
	ready        func(ctx context.Context) error
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	router       http.Handler
}

func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("httpapi: session manager is required")
	case cfg.ClientGate == nil || cfg.OwnerGate == nil:
		return nil, errors.New("httpapi: client and owner allow-lists are required")
	case cfg.Vault == nil:
		return nil, errors.New("httpapi: vault is required")
	case cfg.Proxy == nil:
		return nil, errors.New("httpapi: proxy is required")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	s := &Server{
		sessions:     cfg.Sessions,
		clientGate:   cfg.ClientGate,
		ownerGate:    cfg.OwnerGate,
		vault:        cfg.Vault,
		proxy:        cfg.Proxy,
		auditor:      cfg.Auditor,
		cookieSecure: cfg.CookieSecure,
		ready:        cfg.Ready,
		logger:       cfg.Logger,
		metrics:      m,
		now:          time.Now,
	}
	s.router = s.routes(cfg)
	return s, nil
}

// Handler serves every chatgate endpoint.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(cfg Config) http.Handler {
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/healthz"
	}
	metricsPath := cfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  allowOrigin(origins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleRoot)
	r.Get(healthPath, s.handleHealth)
	r.Handle(metricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/data", s.handleData)
		r.Post("/login", s.handleClientLogin)
		r.Post("/logout", s.handleLogout(session.RoleClient))
		r.Post("/owner-login", s.handleOwnerLogin)
		r.Post("/owner-logout", s.handleLogout(session.RoleOwner))
		r.Get("/verify", s.handleVerify)

		r.Group(func(r chi.Router) {
			r.Use(s.requireRole(session.RoleClient))
			r.Get("/runner-config", s.handleRunnerConfig)
			r.Post("/run-ai", s.handleRunAI)
		})

		r.Route("/owner/keys", func(r chi.Router) {
			r.Use(s.requireRole(session.RoleOwner))
			r.Get("/", s.handleOwnerKeys)
			r.Post("/add-update", s.handleAddOrUpdateKey)
			r.Post("/remove", s.handleRemoveKey)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// allowOrigin echoes any origin for "*" so credentialed requests still work.
func allowOrigin(origins []string) func(*http.Request, string) bool {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := false
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}
	return func(_ *http.Request, origin string) bool {
		if wildcard {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("chatgate is running. Use /api/data."))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleData(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"title":     "Data from chatgate",
		"message":   "CORS check successful! This content was served by chatgate.",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}
