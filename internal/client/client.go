// Package client talks to a chatgate server on behalf of the CLI. Session
// cookies are kept in a cookie jar between calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"chatgate/internal/proxy"
	"chatgate/internal/vault"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Client struct {
	base *url.URL
	http *http.Client
}

func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		httpClient.Jar = jar
	}
	return &Client{base: u, http: httpClient}, nil
}

type VerifyResult struct {
	Success  bool   `json:"success"`
	Role     string `json:"role"`
	Username string `json:"username"`
}

type RunResult struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	ModelID  string `json:"modelId"`
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	return c.do(ctx, http.MethodPost, "/api/login", map[string]string{"username": username, "password": password}, nil)
}

func (c *Client) OwnerLogin(ctx context.Context, password string) error {
	return c.do(ctx, http.MethodPost, "/api/owner-login", map[string]string{"password": password}, nil)
}

// Logout ends the session for role ("client" or "owner").
func (c *Client) Logout(ctx context.Context, role string) error {
	path := "/api/logout"
	if role == "owner" {
		path = "/api/owner-logout"
	}
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) Verify(ctx context.Context, role string) (VerifyResult, error) {
	var out VerifyResult
	err := c.do(ctx, http.MethodGet, "/api/verify?role="+url.QueryEscape(role), nil, &out)
	return out, err
}

func (c *Client) RunnerConfig(ctx context.Context) ([]vault.PublicEntry, error) {
	var out struct {
		Models []vault.PublicEntry `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/runner-config", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

func (c *Client) RunAI(ctx context.Context, req proxy.Request) (RunResult, error) {
	var out RunResult
	err := c.do(ctx, http.MethodPost, "/api/run-ai", req, &out)
	return out, err
}

func (c *Client) OwnerKeys(ctx context.Context) ([]vault.Entry, error) {
	var out struct {
		Keys []vault.Entry `json:"keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/owner/keys", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

func (c *Client) AddOrUpdateKey(ctx context.Context, e vault.Entry) error {
	return c.do(ctx, http.MethodPost, "/api/owner/keys/add-update", e, nil)
}

func (c *Client) RemoveKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/owner/keys/remove", map[string]string{"id": id}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	target := *c.base
	target.Path = c.base.Path + ref.Path
	target.RawQuery = ref.RawQuery

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &eb) == nil {
			apiErr.Message = eb.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
