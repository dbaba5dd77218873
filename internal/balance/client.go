package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Describer renders a balance lookup as the sentence the model reads.
type Describer interface {
	Describe(ctx context.Context, userID int64) (string, error)
}

// Local describes lookups against an in-process Store.
type Local struct {
	Store Store
}

// Describe implements Describer.
func (l Local) Describe(ctx context.Context, userID int64) (string, error) {
	return Describe(ctx, l.Store, userID)
}

var (
	_ Describer = Local{}
	_ Describer = (*Client)(nil)
)

const defaultClientTimeout = 5 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. The default has a 5s timeout.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// Client calls a remote balance tool endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the tool server at baseURL
// (e.g., "http://balance:8000").
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("balance client: baseURL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultClientTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Describe implements Describer by posting to the tool endpoint.
func (c *Client) Describe(ctx context.Context, userID int64) (string, error) {
	body, err := json.Marshal(Request{UserID: &userID})
	if err != nil {
		return "", fmt.Errorf("balance client: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ToolPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("balance client: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("balance client: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBody))
	if err != nil {
		return "", fmt.Errorf("balance client: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			return "", fmt.Errorf("balance client: server returned HTTP %d: %s", resp.StatusCode, e.Detail)
		}
		return "", fmt.Errorf("balance client: server returned HTTP %d", resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("balance client: parse response: %w", err)
	}
	return out.Content, nil
}
