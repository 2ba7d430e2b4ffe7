// Package fetch retrieves the origin archive over HTTP with bounded
// per-attempt timeouts and linear-backoff retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/licensedb/engine/internal/audit"
)

// ErrNetwork indicates all fetch attempts were exhausted.
var ErrNetwork = errors.New("fetch: retries exhausted")

// maxArchiveBytes caps how much of the origin response is read.
const maxArchiveBytes = 512 * 1024 * 1024

// Config tunes the fetcher.
type Config struct {
	TimeoutMs    int
	MaxRetries   int
	RetryDelayMs int
	RatePerSec   float64
}

// DefaultConfig returns default fetch settings.
func DefaultConfig() Config {
	return Config{
		TimeoutMs:    30000,
		MaxRetries:   3,
		RetryDelayMs: 1000,
		RatePerSec:   1,
	}
}

// Result is the typed outcome of a fetch. Fetch never panics or returns a Go
// error across the boundary; all network and timeout conditions land here.
type Result struct {
	Success    bool
	Data       []byte
	URL        string
	Timestamp  time.Time
	SizeBytes  int64
	DurationMs int64
	Attempts   int
	Error      string
}

// Err converts a failed result into a typed error, nil on success.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNetwork, r.Error)
}

// Fetcher retrieves archives from the origin.
type Fetcher struct {
	config   Config
	client   *http.Client
	limiter  *rate.Limiter
	auditLog *audit.Logger
	logger   *slog.Logger
}

// New creates a fetcher. The shared transport pools connections across runs.
func New(config Config, auditLog *audit.Logger, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}

	var limiter *rate.Limiter
	if config.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSec), 1)
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Fetcher{
		config:   config,
		client:   &http.Client{Transport: transport},
		limiter:  limiter,
		auditLog: auditLog,
		logger:   logger,
	}
}

// Fetch downloads the archive. Each attempt is independently time-bounded;
// after a non-success status or network failure it waits retryDelay *
// attemptNumber before the next attempt, except after the final one.
func (f *Fetcher) Fetch(ctx context.Context, url string) *Result {
	start := time.Now()
	result := &Result{URL: url, Timestamp: start.UTC()}

	var lastErr string
	for attempt := 1; attempt <= f.config.MaxRetries; attempt++ {
		result.Attempts = attempt

		data, err := f.attempt(ctx, url)
		if err == nil {
			result.Success = true
			result.Data = data
			result.SizeBytes = int64(len(data))
			result.DurationMs = time.Since(start).Milliseconds()
			f.emitAudit(result)
			return result
		}

		lastErr = err.Error()
		f.logger.Warn("fetch attempt failed",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr),
		)

		if ctx.Err() != nil {
			break
		}
		if attempt < f.config.MaxRetries {
			delay := time.Duration(f.config.RetryDelayMs*attempt) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}

	result.Success = false
	result.DurationMs = time.Since(start).Milliseconds()
	result.Error = fmt.Sprintf("failed after %d attempt(s): %s", result.Attempts, lastErr)
	f.emitAudit(result)
	return result
}

func (f *Fetcher) attempt(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	attemptCtx := ctx
	if f.config.TimeoutMs > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(f.config.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > maxArchiveBytes {
		return nil, fmt.Errorf("response exceeds %d byte limit", maxArchiveBytes)
	}

	return data, nil
}

func (f *Fetcher) emitAudit(result *Result) {
	if f.auditLog == nil {
		return
	}

	status := audit.StatusSuccess
	message := fmt.Sprintf("fetched %s", result.URL)
	if !result.Success {
		status = audit.StatusFailure
		message = result.Error
	}

	f.auditLog.Log(&audit.Event{
		Type:   audit.EventTypeFetch,
		Status: status,
		Details: audit.Details{
			Message:  message,
			Duration: result.DurationMs,
			DataSize: result.SizeBytes,
		},
	})
}
