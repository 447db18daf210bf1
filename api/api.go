// Package api is the HTTP client for the companion application. The core
// only uses it as a state trigger: a successful /users/me call confirms a
// session token, anything else is a transient fetch failure.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the companion application's API origin.
const DefaultBaseURL = "https://api.snippetify.com"

// User is the authenticated user record. Raw preserves the exact payload
// for callers that persist the snapshot without reinterpreting it.
type User struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d", e.Code)
}

// Client talks to the companion API.
type Client struct {
	base  string
	httpc *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// New creates a Client for the given API origin ("" uses DefaultBaseURL).
func New(base string, opts ...Option) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		base:  base,
		httpc: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Me fetches the current user record for a bearer token. Transport errors
// and non-2xx statuses are both fetch failures; the caller decides what
// that means for session state.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/users/me", nil)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: users/me: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("api: decode users/me: %w", err)
	}

	var user User
	if err := json.Unmarshal(body.Data, &user); err != nil {
		return nil, fmt.Errorf("api: decode user record: %w", err)
	}
	user.Raw = body.Data
	return &user, nil
}
