// Package halo is the Go SDK for the Halo generative API. It exposes a thin
// HTTP client for the generateContent endpoint and, through the x402
// subpackage, automatic recovery of metered calls that fail with HTTP 402
// Payment Required.
package halo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultModel is used when a call does not name a model.
const DefaultModel = "halo-4"

const defaultTimeout = 120 * time.Second

// GenerativeAPI is the surface shared by the plain client and the
// payment-recovery wrapper in the x402 subpackage.
type GenerativeAPI interface {
	// GenerateContent sends a structured generateContent request.
	GenerateContent(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error)

	// GenerateText sends a single plain-text prompt.
	GenerateText(ctx context.Context, model string, prompt string) (*GenerateContentResponse, error)
}

// Client is the plain Halo API client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ GenerativeAPI = (*Client)(nil)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a Halo API client from the given configuration.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("halo: api key is required (set Config.APIKey or %s)", EnvAPIKey)
	}

	c := &Client{
		baseURL:    cfg.HaloURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenerateContent calls the generateContent endpoint for the given model.
// Non-2xx replies are returned as *APIError.
func (c *Client) GenerateContent(ctx context.Context, model string, genReq *GenerateContentRequest) (*GenerateContentResponse, error) {
	if model == "" {
		model = DefaultModel
	}

	payload, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("halo: failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("halo: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("halo: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("halo: failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp, body)
	}

	var out GenerateContentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("halo: failed to parse response: %w", err)
	}
	return &out, nil
}

// GenerateText wraps a plain prompt in a single-message request and calls
// GenerateContent.
func (c *Client) GenerateText(ctx context.Context, model, prompt string) (*GenerateContentResponse, error) {
	return c.GenerateContent(ctx, model, NewTextRequest(prompt))
}
