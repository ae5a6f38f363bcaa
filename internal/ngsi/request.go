package ngsi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"
)

// APIError represents an error response from the broker.
type APIError struct {
	StatusCode  int
	Message     string
	Description string
	Body        []byte
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("orion error %d: %s: %s", e.StatusCode, e.Message, e.Description)
	}
	return fmt.Sprintf("orion error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// doRequest performs an HTTP request with an optional JSON body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, http.Header, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.service != "" {
		req.Header.Set("Fiware-Service", c.service)
	}
	if c.servicePath != "" {
		req.Header.Set("Fiware-ServicePath", c.servicePath)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
		var orionErr struct {
			Error       string `json:"error"`
			Description string `json:"description"`
		}
		if json.Unmarshal(respBody, &orionErr) == nil && orionErr.Error != "" {
			apiErr.Message = orionErr.Error
			apiErr.Description = orionErr.Description
		}
		return nil, nil, apiErr
	}

	return respBody, resp.Header, nil
}

// doWithRetry performs a request with exponential backoff retry.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, http.Header, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)+1))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"method", method,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, header, err := c.doRequest(ctx, method, path, query, payload)
		if err == nil {
			return body, header, nil
		}

		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, nil, err
		}
	}

	return nil, nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// get performs a GET request with retries and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) (http.Header, error) {
	body, header, err := c.doWithRetry(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return header, nil
}

// post sends a JSON payload with retries.
func (c *Client) post(ctx context.Context, path string, query url.Values, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, _, err = c.doWithRetry(ctx, http.MethodPost, path, query, data)
	return err
}
