package scraper

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// FetchError wraps a failed fetch with enough context for the orchestrator
// to decide between "retried and gave up" and "not worth retrying".
type FetchError struct {
	Source     string
	StatusCode int // 0 for network-level failures
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s fetch error: %v", e.Source, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// transientStatus reports whether an HTTP status is worth retrying.
// Rate limiting counts as transient; other 4xx mean the request itself
// is wrong and a retry cannot help.
func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// getWithRetry performs a GET with bounded exponential backoff and jitter.
// A fresh request is built per attempt. Permanent failures abort
// immediately; exhausted retries surface the last transient error.
func getWithRetry(ctx context.Context, client *http.Client, source, url, userAgent string, attempts int, backoff, maxBackoff time.Duration) ([]byte, error) {
	if attempts < 1 {
		attempts = 1
	}
	d := backoff
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			// jittered backoff: sleep somewhere in [d/2, d)
			sleep := d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return nil, &FetchError{Source: source, Transient: true, Err: ctx.Err()}
			}
			if d < maxBackoff {
				d *= 2
				if d > maxBackoff {
					d = maxBackoff
				}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &FetchError{Source: source, Err: fmt.Errorf("build request: %w", err)}
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &FetchError{Source: source, Transient: true, Err: ctx.Err()}
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			if readErr != nil {
				lastErr = readErr
				continue
			}
			return body, nil
		}

		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
		if !transientStatus(resp.StatusCode) {
			return nil, &FetchError{Source: source, StatusCode: resp.StatusCode, Err: statusErr}
		}
		lastErr = statusErr
	}
	return nil, &FetchError{Source: source, Transient: true, Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}
