package ngsi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client talks to an Orion context broker.
type Client struct {
	baseURL     string
	service     string
	servicePath string
	httpClient  *http.Client
	logger      *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
	pageSize     int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a client for the broker at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: 200 * time.Millisecond,
		pageSize:     1000,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "ngsi")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithService sets the Fiware-Service and Fiware-ServicePath headers.
func WithService(service, servicePath string) ClientOption {
	return func(c *Client) {
		c.service = service
		c.servicePath = servicePath
	}
}

// WithPageSize sets the limit used when listing entities.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}
