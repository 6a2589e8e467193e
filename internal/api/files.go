package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// ErrNoFileLocation is returned when the file endpoint answers without a
// redirect to storage. This can happen for attachments whose file was
// never uploaded or lives outside Zotero File Storage.
var ErrNoFileLocation = errors.New("api: file endpoint returned no storage location")

// DownloadFile streams the stored file of an attachment item to the given
// writer. It first resolves the pre-authenticated storage URL from the
// file endpoint, then streams the content directly from storage.
// Returns the number of bytes written.
func (c *Client) DownloadFile(ctx context.Context, prefix, key string, w io.Writer) (int64, error) {
	c.logger.Info("downloading attachment file",
		slog.String("prefix", prefix),
		slog.String("key", key),
	)

	location, err := c.fileLocation(ctx, prefix, key)
	if err != nil {
		return 0, err
	}

	n, err := c.downloadFromURL(ctx, location, w)
	if err != nil {
		return 0, err
	}

	c.logger.Debug("file download complete",
		slog.String("prefix", prefix),
		slog.String("key", key),
		slog.Int64("bytes_written", n),
	)

	return n, nil
}

// fileLocation resolves the pre-authenticated storage URL for an
// attachment file. The file endpoint answers with a redirect to storage;
// the redirect is captured rather than followed so the API key header is
// never sent to the storage host.
func (c *Client) fileLocation(ctx context.Context, prefix, key string) (string, error) {
	if err := c.waitServerBackoff(ctx); err != nil {
		return "", fmt.Errorf("api: request canceled: %w", err)
	}

	// Shallow copy shares the transport but stops redirect following.
	noRedirect := *c.httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	path := fmt.Sprintf("%s/items/%s/file", prefix, key)

	resp, err := c.doPreAuthRetry(ctx, &noRedirect, "file location", func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
		if reqErr != nil {
			return nil, fmt.Errorf("api: creating file request: %w", reqErr)
		}

		apiKey, keyErr := c.key.Key()
		if keyErr != nil {
			return nil, fmt.Errorf("api: obtaining API key: %w", keyErr)
		}

		if apiKey != "" {
			req.Header.Set(headerAPIKey, apiKey)
		}

		req.Header.Set(headerAPIVersion, apiVersion)
		req.Header.Set("User-Agent", c.userAgent)

		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	c.noteServerBackoff(resp)

	if resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusTemporaryRedirect {
		errBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		return "", &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", ErrNoFileLocation
	}

	return location, nil
}

// downloadFromURL streams content from a pre-authenticated URL directly to
// the writer. The URL embeds its own authorization, so no API key header
// is sent, and the URL itself is never logged. Only the request/response
// cycle is retried; streaming happens after doPreAuthRetry returns, so
// partial-stream failures surface to the caller.
func (c *Client) downloadFromURL(ctx context.Context, downloadURL string, w io.Writer) (int64, error) {
	resp, err := c.doPreAuthRetry(ctx, c.httpClient, "download", func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, http.NoBody)
		if reqErr != nil {
			return nil, fmt.Errorf("api: creating download request: %w", reqErr)
		}

		req.Header.Set("User-Agent", c.userAgent)

		return req, nil
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		return 0, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	n, copyErr := io.Copy(w, resp.Body)
	if copyErr != nil {
		c.logger.Error("streaming file content failed",
			slog.String("error", copyErr.Error()),
			slog.Int64("bytes_before_error", n),
		)

		return n, fmt.Errorf("api: streaming file content: %w", copyErr)
	}

	return n, nil
}

// doPreAuthRetry executes a request built by the given function with the
// same retry policy as DoWithHeaders. A fresh request is built per attempt
// so retried requests never reuse a consumed body. The final response is
// returned whatever its status; callers classify it, which lets the file
// endpoint treat its redirect as success.
func (c *Client) doPreAuthRetry(
	ctx context.Context, hc *http.Client, op string, build func() (*http.Request, error),
) (*http.Response, error) {
	var attempt int
	for {
		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("api: %s canceled: %w", op, ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("operation", op),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("api: %s canceled: %w", op, sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("api: %s failed after %d retries: %w", op, maxRetries, err)
		}

		if !isRetryable(resp.StatusCode) || attempt >= maxRetries {
			return resp, nil
		}

		backoff := c.retryBackoff(resp, attempt)

		io.Copy(io.Discard, resp.Body) //nolint:errcheck // draining before retry
		resp.Body.Close()

		c.logger.Warn("retrying after HTTP error",
			slog.String("operation", op),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)

		if err := c.sleepFunc(ctx, backoff); err != nil {
			return nil, fmt.Errorf("api: %s canceled: %w", op, err)
		}

		attempt++
	}
}
