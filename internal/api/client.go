package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
)

// Zotero API header names.
const (
	headerAPIKey              = "Zotero-API-Key"
	headerAPIVersion          = "Zotero-API-Version"
	headerLastModifiedVersion = "Last-Modified-Version"
	headerBackoff             = "Backoff"
	headerRetryAfter          = "Retry-After"
)

// apiVersion is the Zotero Web API version this client speaks.
const apiVersion = "3"

// defaultUserAgent identifies the client when config supplies no override.
const defaultUserAgent = "zotero/0.1"

// KeySource provides the API key for request authentication. Defined at
// the consumer (api package) per Go convention "accept interfaces, return
// structs". The keyfile-backed implementation lives with the CLI wiring.
type KeySource interface {
	Key() (string, error)
}

// StaticKey is a KeySource returning a fixed API key. Used for the
// ZOTERO_API_KEY environment override and in tests.
type StaticKey string

// Key implements KeySource.
func (k StaticKey) Key() (string, error) {
	return string(k), nil
}

// Client is an HTTP client for the Zotero Web API.
// It handles request construction, key authentication, retry with
// exponential backoff, server-requested backoff, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        KeySource
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// nowFunc returns the current time. Tests override this to control
	// the server backoff window.
	nowFunc func() time.Time

	// backoffMu guards backoffUntil, which tracks the deadline requested
	// by the server's Backoff header. All requests wait for it.
	backoffMu    sync.Mutex
	backoffUntil time.Time
}

// NewClient creates a Zotero API client.
// baseURL is typically "https://api.zotero.org".
func NewClient(baseURL string, httpClient *http.Client, key KeySource, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		key:        key,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
		nowFunc:    time.Now,
	}
}

// Do executes an HTTP request against the API.
// The path is appended to the client's base URL.
// The caller is responsible for closing the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.DoWithHeaders(ctx, method, path, body, nil)
}

// DoWithHeaders is Do with extra request headers, used by endpoints that
// need conditional-request headers such as If-Modified-Since-Version.
// Retried requests need a rewindable body: pass nil or an io.ReadSeeker.
func (c *Client) DoWithHeaders(
	ctx context.Context, method, path string, body io.Reader, extra http.Header,
) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		if err := c.waitServerBackoff(ctx); err != nil {
			return nil, fmt.Errorf("api: request canceled: %w", err)
		}

		if attempt > 0 {
			if err := rewindBody(body); err != nil {
				return nil, fmt.Errorf("api: cannot retry %s %s: %w", method, path, err)
			}
		}

		resp, err := c.doOnce(ctx, method, url, body, extra)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("api: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("api: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("api: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		c.noteServerBackoff(resp)

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("api: request canceled: %w", err)
			}

			attempt++

			continue
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(
	ctx context.Context, method, url string, body io.Reader, extra http.Header,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	key, err := c.key.Key()
	if err != nil {
		return nil, fmt.Errorf("obtaining API key: %w", err)
	}

	if key != "" {
		req.Header.Set(headerAPIKey, key)
	}

	req.Header.Set(headerAPIVersion, apiVersion)
	req.Header.Set("User-Agent", c.userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for name, values := range extra {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	return c.httpClient.Do(req)
}

// rewindBody seeks a request body back to the start before a retry.
func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	seeker, ok := body.(io.Seeker)
	if !ok {
		return fmt.Errorf("request body is not rewindable")
	}

	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding request body for retry: %w", err)
	}

	return nil
}

// retryBackoff returns the backoff duration for a retryable response.
// Retry-After, when present, takes priority over computed backoff.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if ra := resp.Header.Get(headerRetryAfter); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	// Apply ±25% jitter.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// noteServerBackoff records a Backoff header deadline. The dataserver
// sends Backoff on otherwise-successful responses when it wants clients
// to ease off; every subsequent request waits for the deadline first.
func (c *Client) noteServerBackoff(resp *http.Response) {
	raw := resp.Header.Get(headerBackoff)
	if raw == "" {
		return
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return
	}

	until := c.nowFunc().Add(time.Duration(seconds) * time.Second)

	c.backoffMu.Lock()
	if until.After(c.backoffUntil) {
		c.backoffUntil = until
	}
	c.backoffMu.Unlock()

	c.logger.Info("server requested backoff",
		slog.Int("seconds", seconds),
	)
}

// waitServerBackoff blocks until any server-requested backoff window has
// passed. Returns immediately when no backoff is pending.
func (c *Client) waitServerBackoff(ctx context.Context) error {
	c.backoffMu.Lock()
	wait := c.backoffUntil.Sub(c.nowFunc())
	c.backoffMu.Unlock()

	if wait <= 0 {
		return nil
	}

	return c.sleepFunc(ctx, wait)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// lastModifiedVersion extracts the Last-Modified-Version header carried by
// every library-scoped read. The engine compares these versions across
// phases, so a missing header is an error rather than a zero.
func lastModifiedVersion(resp *http.Response) (int64, error) {
	raw := resp.Header.Get(headerLastModifiedVersion)
	if raw == "" {
		return 0, fmt.Errorf("api: response missing %s header", headerLastModifiedVersion)
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("api: invalid %s header %q: %w", headerLastModifiedVersion, raw, err)
	}

	return v, nil
}
