package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hemantsingh443/remote-commit/internal/models"
	"github.com/hemantsingh443/remote-commit/internal/pairing"
)

// ErrConflict is returned when the daemon refuses a trust transition.
var ErrConflict = errors.New("invalid trust transition")

// Client talks to a running daemon's admin API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new admin API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Health reports whether the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// ListPeers lists trust entries, optionally only those in state.
func (c *Client) ListPeers(ctx context.Context, state models.TrustState) ([]models.TrustEntry, error) {
	path := "/api/v1/peers"
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	var result struct {
		Peers []models.TrustEntry `json:"peers"`
	}
	if err := c.do(ctx, http.MethodGet, path, &result); err != nil {
		return nil, err
	}
	return result.Peers, nil
}

// Approve approves id, resolving its outstanding prompt if there is one.
func (c *Client) Approve(ctx context.Context, id peer.ID) error {
	return c.do(ctx, http.MethodPost, "/api/v1/peers/"+id.String()+"/approve", nil)
}

// Revoke revokes id.
func (c *Client) Revoke(ctx context.Context, id peer.ID) error {
	return c.do(ctx, http.MethodPost, "/api/v1/peers/"+id.String()+"/revoke", nil)
}

// Pending lists pairing prompts waiting for a decision.
func (c *Client) Pending(ctx context.Context) ([]pairing.PendingPrompt, error) {
	var result struct {
		Pending []pairing.PendingPrompt `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/pairing/pending", &result); err != nil {
		return nil, err
	}
	return result.Pending, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(body, &apiErr)
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrConflict, apiErr.Error)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
