// Package gemini talks to the Generative Language generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatgate/internal/providers"
	"chatgate/internal/retry"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Config struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration

	// GoogleSearch enables search grounding; cited sources are appended to
	// the reply.
	GoogleSearch bool
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
}

type webSource struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
		Grounding    struct {
			Attributions []struct {
				Web webSource `json:"web"`
			} `json:"groundingAttributions"`
			Chunks []struct {
				Web webSource `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	endpoint, err := c.endpointURL(req.Model)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	body, err := buildBody(req, c.cfg.GoogleSearch)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	text, err := retry.Do(ctx, retry.Policy{
		MaxRetries: c.cfg.MaxRetries,
		BaseDelay:  c.cfg.BackoffBase,
		Retryable:  providers.Retryable,
	}, func(ctx context.Context) (string, error) {
		return c.callOnce(ctx, endpoint, body)
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func buildBody(req providers.ChatRequest, search bool) ([]byte, error) {
	parts := []part{{Text: req.UserPrompt}}
	if len(req.ImageData) > 0 {
		mime := req.ImageMIME
		if mime == "" {
			mime = http.DetectContentType(req.ImageData)
		}
		parts = append(parts, part{InlineData: &inlineData{MimeType: mime, Data: req.ImageData}})
	}
	payload := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
	}
	if search {
		payload.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		payload.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, nil
}

// endpointURL accepts either an API root (".../v1beta") or a full
// ":generateContent" URL as the vault endpoint.
func (c *Client) endpointURL(model string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasSuffix(base, ":generateContent") {
		return base, nil
	}
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("model is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/models/" + url.PathEscape(model) + ":generateContent"
	return u.String(), nil
}

func (c *Client) callOnce(ctx context.Context, endpoint string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("x-goog-api-key", c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &providers.TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &providers.StatusError{Provider: "gemini", Code: resp.StatusCode}
	}
	return parseGenerate(respBody)
}

func parseGenerate(body []byte) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	if resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty candidates in generate response")
	}
	parts := make([]string, 0, len(resp.Candidates[0].Content.Parts))
	for _, p := range resp.Candidates[0].Content.Parts {
		parts = append(parts, p.Text)
	}
	text := strings.Join(parts, "")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("missing text in generate response (finish reason %q)", resp.Candidates[0].FinishReason)
	}
	g := resp.Candidates[0].Grounding
	sources := make([]webSource, 0, len(g.Attributions)+len(g.Chunks))
	for _, a := range g.Attributions {
		sources = append(sources, a.Web)
	}
	for _, c := range g.Chunks {
		sources = append(sources, c.Web)
	}
	return text + formatSources(sources), nil
}

// formatSources renders cited web sources as a markdown list. Entries without
// both a uri and a title are dropped, and so are repeated uris.
func formatSources(sources []webSource) string {
	var b strings.Builder
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if s.URI == "" || s.Title == "" || seen[s.URI] {
			continue
		}
		seen[s.URI] = true
		if b.Len() == 0 {
			b.WriteString("\n\n**Sources:**\n")
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", s.Title, s.URI)
	}
	return b.String()
}
