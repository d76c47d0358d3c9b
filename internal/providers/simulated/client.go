// Package simulated answers prompts without calling any upstream API.
package simulated

import (
	"context"
	"fmt"

	"chatgate/internal/providers"
)

type Client struct {
	name string
}

// New returns a provider that echoes the prompt back under the given model
// display name.
func New(name string) *Client { return &Client{name: name} }

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: Reply(c.name, req.UserPrompt)}, nil
}

// Reply is the canned answer. The prompt is quoted verbatim, not escaped.
func Reply(name, prompt string) string {
	return fmt.Sprintf("Simulated response from %s for prompt: \"%s\"", name, prompt)
}
