package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dialogwise/chatcore/internal/logger"
)

// Client is the shared HTTP client for outbound integrations. Network
// errors and upstream 5xx responses are retried with exponential
// backoff; anything else is surfaced immediately.
type Client struct {
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	logger      *logger.Logger
}

// NewClient creates an integration client.
func NewClient(timeout time.Duration, maxRetries int, log *logger.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		backoffBase: time.Second,
		logger:      log.WithComponent("integrations"),
	}
}

// postJSON sends a JSON payload and decodes a JSON response into out.
// A nil out discards the body.
func (c *Client) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			c.logger.Warn("retrying integration call",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryable, err := c.doOnce(ctx, url, headers, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

// doOnce performs a single attempt. The bool reports whether the
// failure class is worth retrying.
func (c *Client) doOnce(ctx context.Context, url string, headers map[string]string, body []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("integration network request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return true, fmt.Errorf("integration returned status %d: %s", resp.StatusCode, string(snippet))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("integration returned status %d: %s", resp.StatusCode, string(snippet))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode integration response: %w", err)
	}
	return false, nil
}
