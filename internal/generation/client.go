// Package generation wraps the external completion API as an opaque call.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/contentforge/licensing-api/internal/config"
	"github.com/contentforge/licensing-api/pkg/apierr"
)

// Result is the outcome of one generation call
type Result struct {
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used"`
}

// Generator produces content for a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (*Result, error)
}

// Client calls the completion API over HTTP
type Client struct {
	client           *http.Client
	endpoint         string
	apiKey           string
	model            string
	defaultTokenCost int64
}

// NewClient creates a generation client
func NewClient(cfg config.GenerationConfig) *Client {
	return &Client{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		endpoint:         cfg.Endpoint,
		apiKey:           cfg.APIKey,
		model:            cfg.Model,
		defaultTokenCost: cfg.DefaultTokenCost,
	}
}

// Generate sends one completion request. Failures map to FETCH_ERROR so the
// caller can distinguish upstream trouble from quota denials.
func (c *Client) Generate(ctx context.Context, prompt string) (*Result, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":  c.model,
		"prompt": prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apierr.ErrFetch.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierr.ErrFetch.WithMessage(fmt.Sprintf("completion API returned %d", resp.StatusCode))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode generation response: %w", err)
	}
	if result.TokensUsed <= 0 {
		result.TokensUsed = c.defaultTokenCost
	}

	return &result, nil
}
