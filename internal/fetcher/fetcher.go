// Package fetcher downloads a single chunk (HTTP GET of a pre-signed
// URL), verifies its digest, and atomically places it into its chunk
// slot, retrying recoverable failures with exponential backoff.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/quantarax/modeldl/internal/hasher"
)

const (
	maxAttempts = 3

	// defaultPerRequestTimeout backs New when the caller passes a
	// non-positive timeout, matching config.DefaultConfig's own default
	// rather than silently leaving the resty client unbounded.
	defaultPerRequestTimeout = 60 * time.Second
)

// Fetcher downloads and validates chunks.
type Fetcher struct {
	http *resty.Client
}

// New returns a Fetcher using a resty client bounded by perRequestTimeout
// for each individual GET. A non-positive perRequestTimeout falls back to
// defaultPerRequestTimeout.
func New(perRequestTimeout time.Duration) *Fetcher {
	if perRequestTimeout <= 0 {
		perRequestTimeout = defaultPerRequestTimeout
	}
	return &Fetcher{http: resty.New().SetTimeout(perRequestTimeout)}
}

// Result is the outcome of a successful chunk fetch.
type Result struct {
	Size    int64
	Attempt int // 1-based attempt number on which it succeeded
}

// Fetch downloads signedURL, verifies its bytes hash to expectedHash,
// and atomically renames them into slotPath. It makes at most
// maxAttempts attempts in all, with 2^k second backoff between them,
// retrying only recoverable errors (network failures, 5xx/429, or hash mismatches). onRetry, which
// may be nil, is called once for every failed attempt — including the
// last one, whether it exhausted maxAttempts or hit a non-recoverable
// error — so a caller can both log each failure and count it toward
// adaptive-concurrency's failure ratio.
func (f *Fetcher) Fetch(ctx context.Context, signedURL, expectedHash, slotPath string, onRetry func(attempt int, err error)) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<uint(attempt-2)) * time.Second
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		size, err := f.fetchOnce(ctx, signedURL, expectedHash, slotPath)
		if err == nil {
			return Result{Size: size, Attempt: attempt}, nil
		}
		lastErr = err
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if !recoverable(err) {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

func recoverable(err error) bool {
	switch e := err.(type) {
	case *NetworkError:
		return true
	case *ServerStatusError:
		return e.Code == 429 || (e.Code >= 500 && e.Code < 600)
	case *HashMismatchError:
		return true
	}
	return false
}

func (f *Fetcher) fetchOnce(ctx context.Context, signedURL, expectedHash, slotPath string) (int64, error) {
	req := f.http.R().SetContext(ctx).SetDoNotParseResponse(true)
	resp, err := req.Get(signedURL)
	if err != nil {
		return 0, &NetworkError{Err: err}
	}
	defer resp.RawBody().Close()

	if resp.StatusCode() != http.StatusOK {
		return 0, &ServerStatusError{Code: resp.StatusCode()}
	}

	tmp, err := os.CreateTemp(filepath.Dir(slotPath), filepath.Base(slotPath)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := hasher.NewStreamer()
	size, err := io.Copy(io.MultiWriter(tmp, h), resp.RawBody())
	if err != nil {
		tmp.Close()
		return 0, &NetworkError{Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}

	actual := h.Sum()
	if actual != expectedHash {
		return 0, &HashMismatchError{Expected: expectedHash, Actual: actual}
	}

	os.Remove(slotPath)
	if err := os.Rename(tmpName, slotPath); err != nil {
		return 0, err
	}
	return size, nil
}

// NetworkError wraps a transport-level chunk fetch failure.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerStatusError wraps a non-200 chunk GET response.
type ServerStatusError struct{ Code int }

func (e *ServerStatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// HashMismatchError reports the downloaded bytes not matching the
// expected chunk digest.
type HashMismatchError struct {
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch: expected %s, got %s", e.Expected, e.Actual)
}
