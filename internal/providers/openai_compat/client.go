// Package openai_compat calls upstreams that speak the OpenAI chat
// completions or responses wire format.
package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatgate/internal/providers"
	"chatgate/internal/retry"
)

const (
	EndpointChatCompletions = "chat_completions"
	EndpointResponses       = "responses"

	maxResponseBytes = 4 << 20
)

type Config struct {
	BaseURL     string
	APIKey      string
	Endpoint    string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg       Config
	responses bool
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	ep := strings.ToLower(strings.TrimSpace(cfg.Endpoint))
	responses := ep == EndpointResponses || ep == "/v1/responses"
	return &Client{cfg: cfg, responses: responses}
}

var _ providers.Provider = (*Client)(nil)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type responsesRequest struct {
	Model           string    `json:"model"`
	Input           []message `json:"input"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	Temperature     float64   `json:"temperature,omitempty"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpoint, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	text, err := retry.Do(ctx, retry.Policy{
		MaxRetries: c.cfg.MaxRetries,
		BaseDelay:  c.cfg.BackoffBase,
		Retryable:  providers.Retryable,
	}, func(ctx context.Context) (string, error) {
		return c.post(ctx, endpoint, body)
	})
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

// buildPayload encodes req for the configured endpoint and returns the URL to
// post it to.
func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpoint, err := c.endpointURL()
	if err != nil {
		return nil, "", err
	}

	msgs := make([]message, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, message{Role: "user", Content: req.UserPrompt})

	var payload any = completionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if c.responses {
		payload = responsesRequest{
			Model:           req.Model,
			Input:           msgs,
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("encode openai payload: %w", err)
	}
	return b, endpoint, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.cfg.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &providers.TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", &providers.StatusError{Provider: "openai_compat", Code: resp.StatusCode}
	}
	if c.responses {
		return responsesText(raw)
	}
	return completionText(raw)
}

// endpointURL appends the endpoint path to the base URL unless the base
// already names it.
func (c *Client) endpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", errors.New("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	suffix := "/chat/completions"
	if c.responses {
		suffix = "/responses"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	return u.String(), nil
}

type contentPart struct {
	Text string `json:"text"`
}

// flexContent accepts either a plain string or an array of text parts.
type flexContent string

func (f *flexContent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexContent(s)
		return nil
	}
	var parts []contentPart
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	*f = flexContent(strings.Join(texts, "\n"))
	return nil
}

func completionText(raw []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content flexContent `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion has no choices")
	}
	first := resp.Choices[0]
	if first.Text != "" {
		return first.Text, nil
	}
	if text := string(first.Message.Content); strings.TrimSpace(text) != "" {
		return text, nil
	}
	return "", errors.New("chat completion has no content")
}

func responsesText(raw []byte) (string, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []contentPart `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode responses output: %w", err)
	}
	if strings.TrimSpace(resp.OutputText) != "" {
		return resp.OutputText, nil
	}
	for _, out := range resp.Output {
		for _, p := range out.Content {
			if strings.TrimSpace(p.Text) != "" {
				return p.Text, nil
			}
		}
	}
	return "", errors.New("responses output has no text")
}
