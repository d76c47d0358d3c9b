package registry

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatgate/internal/providers"
	"chatgate/internal/providers/gemini"
	"chatgate/internal/providers/openai_compat"
	"chatgate/internal/providers/simulated"
)

const (
	KindGemini       = "gemini"
	KindOpenAICompat = "openai_compat"
	KindSimulated    = "simulated"
)

type BuildOptions struct {
	Kind        string
	Name        string
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration

	// GoogleSearch turns on search grounding for gemini upstreams.
	GoogleSearch bool
}

func Build(opts BuildOptions) (providers.Provider, error) {
	kind := NormalizeKind(opts.Kind)
	if kind == "" {
		kind = InferKind(opts.BaseURL)
	}
	switch kind {
	case KindGemini:
		return gemini.New(gemini.Config{
			BaseURL:      opts.BaseURL,
			APIKey:       opts.APIKey,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
			GoogleSearch: opts.GoogleSearch,
		}), nil

	case KindOpenAICompat:
		endpoint := openai_compat.EndpointChatCompletions
		if strings.HasSuffix(strings.TrimSpace(opts.BaseURL), "/responses") {
			endpoint = openai_compat.EndpointResponses
		}
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Endpoint:    endpoint,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case KindSimulated:
		return simulated.New(opts.Name), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

// NormalizeKind maps accepted spellings onto the canonical kind names. It
// returns "" for an empty kind and the lowered input for unknown kinds.
func NormalizeKind(kind string) string {
	switch k := strings.ToLower(strings.TrimSpace(kind)); k {
	case "gemini", "google", "generativelanguage":
		return KindGemini
	case "openai_compat", "openai-compatible", "openai":
		return KindOpenAICompat
	case "simulated", "simulate", "stub":
		return KindSimulated
	default:
		return k
	}
}

// InferKind guesses the provider kind from an endpoint URL. Anything that is
// not a Google Generative Language host is treated as OpenAI-compatible.
func InferKind(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return KindOpenAICompat
	}
	host := strings.ToLower(u.Hostname())
	if host == "generativelanguage.googleapis.com" || strings.HasSuffix(u.Path, ":generateContent") {
		return KindGemini
	}
	return KindOpenAICompat
}

func Supported(kind string) bool {
	switch NormalizeKind(kind) {
	case "", KindGemini, KindOpenAICompat, KindSimulated:
		return true
	default:
		return false
	}
}
