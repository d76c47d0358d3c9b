package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/providers"
	"chatgate/internal/providers/registry"
	"chatgate/internal/vault"
)

func seededVault(t *testing.T, entries ...vault.Entry) *vault.Service {
	t.Helper()
	svc, err := vault.NewService(vault.Config{Store: vault.NewMemoryStore(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	for _, e := range entries {
		if _, err := svc.AddOrUpdate(context.Background(), vault.Actor{Role: "owner"}, e); err != nil {
			t.Fatalf("add %s: %v", e.ID, err)
		}
	}
	return svc
}

func TestRunSimulated(t *testing.T) {
	v := seededVault(t, vault.Entry{ID: "gemini-pro", Name: "Gemini Pro", Endpoint: "https://generativelanguage.googleapis.com/v1beta", SecretKey: "k"})
	p, err := New(Config{Vault: v, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if p.Mode() != ModeSimulate {
		t.Fatalf("expected simulate by default, got %q", p.Mode())
	}

	resp, err := p.Run(context.Background(), Request{ModelID: "gemini-pro", Prompt: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := `Simulated response from Gemini Pro for prompt: "hi"`
	if resp.Text != want || resp.ModelID != "gemini-pro" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestRunValidation(t *testing.T) {
	v := seededVault(t)
	p, err := New(Config{Vault: v, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := p.Run(ctx, Request{Prompt: "hi"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing model, got %v", err)
	}
	if _, err := p.Run(ctx, Request{ModelID: "x", Prompt: "  "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for blank prompt, got %v", err)
	}
	if _, err := p.Run(ctx, Request{ModelID: "nope", Prompt: "hi"}); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(Config{Mode: "mirror", Vault: seededVault(t)}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestRunUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-1.5-flash:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "AIza-secret" {
			t.Errorf("missing api key")
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"upstream says hi"}]}}]}`))
	}))
	defer srv.Close()

	v := seededVault(t, vault.Entry{
		ID:        "flash",
		Name:      "Flash",
		Endpoint:  srv.URL + "/v1beta",
		SecretKey: "AIza-secret",
		Kind:      "gemini",
		Model:     "gemini-1.5-flash",
	})
	p, err := New(Config{Mode: ModeUpstream, Vault: v, BackoffBase: time.Millisecond, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := p.Run(context.Background(), Request{ModelID: "flash", Prompt: "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.Text != "upstream says hi" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
}

func TestRunUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := seededVault(t, vault.Entry{ID: "m", Name: "M", Endpoint: srv.URL + "/v1", SecretKey: "k", Kind: "openai"})
	p, err := New(Config{Mode: ModeUpstream, Vault: v, MaxRetries: 1, BackoffBase: time.Millisecond, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = p.Run(context.Background(), Request{ModelID: "m", Prompt: "hello"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

type captureProvider struct {
	got providers.ChatRequest
}

func (c *captureProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	c.got = req
	return providers.ChatResponse{Text: "seen"}, nil
}

func TestRunUpstreamForwardsImageAndSearch(t *testing.T) {
	v := seededVault(t, vault.Entry{ID: "flash", Name: "Flash", Endpoint: "https://generativelanguage.googleapis.com/v1beta", SecretKey: "k", Kind: "gemini"})
	capture := &captureProvider{}
	var opts registry.BuildOptions
	p, err := New(Config{
		Mode:         ModeUpstream,
		Vault:        v,
		GoogleSearch: true,
		Logger:       zerolog.Nop(),
		Build: func(o registry.BuildOptions) (providers.Provider, error) {
			opts = o
			return capture, nil
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	png := []byte("\x89PNG\r\n\x1a\n0000")
	if _, err := p.Run(context.Background(), Request{ModelID: "flash", Prompt: "describe", ImageData: png}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !opts.GoogleSearch {
		t.Fatalf("expected search grounding to reach the provider")
	}
	if capture.got.ImageMIME != "image/png" || string(capture.got.ImageData) != string(png) {
		t.Fatalf("image not forwarded: %q %q", capture.got.ImageMIME, capture.got.ImageData)
	}

	_, err = p.Run(context.Background(), Request{ModelID: "flash", Prompt: "describe", ImageMIME: "text/plain", ImageData: []byte("hello")})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for non-image attachment, got %v", err)
	}
}
