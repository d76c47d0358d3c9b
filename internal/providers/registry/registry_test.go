package registry

import (
	"context"
	"testing"

	"chatgate/internal/providers"
	"chatgate/internal/providers/gemini"
	"chatgate/internal/providers/openai_compat"
	"chatgate/internal/providers/simulated"
)

func TestInferKind(t *testing.T) {
	cases := []struct {
		endpoint string
		want     string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", KindGemini},
		{"https://proxy.local/v1/models/flash:generateContent", KindGemini},
		{"https://api.openai.com/v1", KindOpenAICompat},
		{"not a url", KindOpenAICompat},
	}
	for _, tc := range cases {
		if got := InferKind(tc.endpoint); got != tc.want {
			t.Fatalf("InferKind(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}

func TestBuild(t *testing.T) {
	p, err := Build(BuildOptions{BaseURL: "https://generativelanguage.googleapis.com/v1beta"})
	if err != nil {
		t.Fatalf("build gemini: %v", err)
	}
	if _, ok := p.(*gemini.Client); !ok {
		t.Fatalf("expected gemini client, got %T", p)
	}

	p, err = Build(BuildOptions{Kind: "openai", BaseURL: "https://api.openai.com/v1"})
	if err != nil {
		t.Fatalf("build openai: %v", err)
	}
	if _, ok := p.(*openai_compat.Client); !ok {
		t.Fatalf("expected openai_compat client, got %T", p)
	}

	p, err = Build(BuildOptions{Kind: "stub", Name: "Demo"})
	if err != nil {
		t.Fatalf("build simulated: %v", err)
	}
	if _, ok := p.(*simulated.Client); !ok {
		t.Fatalf("expected simulated client, got %T", p)
	}
	resp, err := p.Chat(context.Background(), providers.ChatRequest{UserPrompt: "hi"})
	if err != nil {
		t.Fatalf("simulated chat: %v", err)
	}
	if resp.Text != simulated.Reply("Demo", "hi") {
		t.Fatalf("unexpected simulated text %q", resp.Text)
	}

	if _, err := Build(BuildOptions{Kind: "telepathy"}); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
	if Supported("telepathy") || !Supported("") {
		t.Fatalf("unexpected Supported results")
	}
}
