package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Defaults for zero Config fields.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryBackoff = time.Second
)

// Config configures the session client.
type Config struct {
	BaseURL      string        // Portal API root, e.g. https://portal.example.com/api
	Timeout      time.Duration // Per request, including retries of the body read
	MaxRetries   int           // Retries after the first attempt on 429 and 5xx (0 = none)
	RetryBackoff time.Duration // Wait before the first retry, doubled after each
	HTTPClient   *http.Client  // Overrides Timeout when set
}

// Client talks to the portal session endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// NewClient creates a session client. A nil logger uses slog.Default().
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultRetryBackoff
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   httpClient,
		logger:       logger.With("component", "api"),
		maxRetries:   max(cfg.MaxRetries, 0),
		retryBackoff: backoff,
	}
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}
