// Package proxy answers a client's prompt with the model named in the vault.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/metrics"
	"chatgate/internal/providers"
	"chatgate/internal/providers/registry"
	"chatgate/internal/providers/simulated"
	"chatgate/internal/vault"
)

const (
	ModeSimulate = "simulate"
	ModeUpstream = "upstream"
)

var (
	ErrInvalidRequest = errors.New("invalid proxy request")
	ErrUnknownModel   = errors.New("unknown model id")
	ErrUpstream       = errors.New("upstream model call failed")
)

type Request struct {
	ModelID      string `json:"modelId"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	// ImageData travels base64-encoded on the wire.
	ImageMIME string `json:"imageMimeType,omitempty"`
	ImageData []byte `json:"imageData,omitempty"`
}

type Response struct {
	ModelID string `json:"modelId"`
	Text    string `json:"response"`
}

// Resolver looks up vault entries by model id.
type Resolver interface {
	Resolve(ctx context.Context, id string) (vault.Entry, error)
}

type Config struct {
	Mode        string
	Vault       Resolver
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	MaxTokens   int
	Temperature float64
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	// GoogleSearch enables search grounding on gemini upstreams.
	GoogleSearch bool
	// Build defaults to registry.Build.
	Build func(registry.BuildOptions) (providers.Provider, error)
}

type Service struct {
	mode        string
	vault       Resolver
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	maxTokens   int
	temperature float64
	search      bool
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	build       func(registry.BuildOptions) (providers.Provider, error)
}

func New(cfg Config) (*Service, error) {
	if cfg.Vault == nil {
		return nil, errors.New("proxy requires a vault")
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeSimulate
	}
	if mode != ModeSimulate && mode != ModeUpstream {
		return nil, fmt.Errorf("unsupported proxy mode %q", cfg.Mode)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.Build == nil {
		cfg.Build = registry.Build
	}
	return &Service{
		mode:        mode,
		vault:       cfg.Vault,
		httpClient:  cfg.HTTPClient,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		search:      cfg.GoogleSearch,
		logger:      cfg.Logger,
		metrics:     m,
		build:       cfg.Build,
	}, nil
}

func (s *Service) Mode() string { return s.mode }

// Run resolves req.ModelID in the vault and produces the model's answer.
func (s *Service) Run(ctx context.Context, req Request) (Response, error) {
	req.ModelID = strings.TrimSpace(req.ModelID)
	if req.ModelID == "" {
		return Response{}, fmt.Errorf("%w: modelId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Response{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if len(req.ImageData) > 0 {
		if req.ImageMIME == "" {
			req.ImageMIME = http.DetectContentType(req.ImageData)
		}
		if !strings.HasPrefix(req.ImageMIME, "image/") {
			return Response{}, fmt.Errorf("%w: attachment is not an image (%s)", ErrInvalidRequest, req.ImageMIME)
		}
	}

	entry, err := s.vault.Resolve(ctx, req.ModelID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			s.metrics.ProxyCalls.WithLabelValues("unknown_model").Inc()
			return Response{}, fmt.Errorf("%w: %s", ErrUnknownModel, req.ModelID)
		}
		s.metrics.ProxyCalls.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("resolve model: %w", err)
	}

	if s.mode == ModeSimulate {
		s.metrics.ProxyCalls.WithLabelValues("simulated").Inc()
		return Response{ModelID: entry.ID, Text: simulated.Reply(entry.Name, req.Prompt)}, nil
	}

	p, err := s.build(registry.BuildOptions{
		Kind:         entry.Kind,
		Name:         entry.Name,
		BaseURL:      entry.Endpoint,
		APIKey:       entry.SecretKey,
		HTTPClient:   s.httpClient,
		MaxRetries:   s.maxRetries,
		BackoffBase:  s.backoffBase,
		GoogleSearch: s.search,
	})
	if err != nil {
		s.metrics.ProxyCalls.WithLabelValues("error").Inc()
		return Response{}, fmt.Errorf("build provider: %w", err)
	}

	started := time.Now()
	resp, err := p.Chat(ctx, providers.ChatRequest{
		Model:        entry.UpstreamModel(),
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.Prompt,
		MaxTokens:    s.maxTokens,
		Temperature:  s.temperature,
		ImageMIME:    req.ImageMIME,
		ImageData:    req.ImageData,
	})
	if err != nil {
		s.metrics.ProxyCalls.WithLabelValues("upstream_error").Inc()
		s.logger.Error().Err(err).Str("model_id", entry.ID).Dur("took", time.Since(started)).Msg("upstream call failed")
		return Response{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	s.metrics.ProxyCalls.WithLabelValues("ok").Inc()
	s.logger.Info().Str("model_id", entry.ID).Dur("took", time.Since(started)).Msg("upstream call done")
	return Response{ModelID: entry.ID, Text: resp.Text}, nil
}
