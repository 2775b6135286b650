package connectors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fairlens/trustscope/backend/internal/archive"
)

// Doer is the minimal HTTP client surface; tests substitute stubs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	defaultMaxAttempts = 4
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
	maxBodyBytes       = 4 << 20
)

// client bundles the plumbing every provider shares: private rate limiter,
// retry with backoff and jitter, raw archival, logging.
type client struct {
	provider    string
	http        Doer
	limiter     *windowLimiter
	clock       clockwork.Clock
	log         *slog.Logger
	archive     *archive.Writer
	headers     map[string]string
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func newClient(provider string, deps Deps, budget int, window time.Duration) *client {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	httpc := deps.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	log := deps.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &client{
		provider:    provider,
		http:        httpc,
		limiter:     newWindowLimiter(budget, window, window, clock),
		clock:       clock,
		log:         log.With("provider", provider),
		archive:     deps.Archive,
		headers:     map[string]string{},
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
}

// get performs one logical request with retries. Transient failures (429,
// 5xx, network errors) back off exponentially with jitter between strictly
// sequential attempts; exhausting them returns the last transient error.
// A 404 returns ErrNotFound and other 4xx return a permanent ProviderError.
func (c *client) get(ctx context.Context, base string, params url.Values) ([]byte, error) {
	target := base
	if len(params) > 0 {
		target = base + "?" + params.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.log.Debug("retrying provider call",
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clock.After(delay):
			}
		}

		if err := c.limiter.acquire(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			// Bounded rate-limit wait expired; treat like a transient failure.
			lastErr = &ProviderError{Provider: c.provider, Transient: true, Err: err}
			continue
		}

		body, err := c.doOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}

func (c *client) doOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ProviderError{Provider: c.provider, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: c.provider, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &ProviderError{Provider: c.provider, Transient: true, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &ProviderError{
			Provider:  c.provider,
			Status:    resp.StatusCode,
			Transient: true,
			Err:       fmt.Errorf("provider returned %s", resp.Status),
		}
	default:
		return nil, &ProviderError{
			Provider: c.provider,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("provider returned %s", resp.Status),
		}
	}
}

// search wraps get with the connector degradation contract: not-found and
// permanent failures become empty batches, only exhausted transient failures
// propagate. The returned raw body is nil exactly when the batch is empty.
func (c *client) search(ctx context.Context, base string, params url.Values) ([]byte, error) {
	body, err := c.get(ctx, base, params)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.log.Debug("provider returned not found")
			return nil, nil
		}
		var pe *ProviderError
		if errors.As(err, &pe) && !pe.Transient {
			c.log.Warn("permanent provider error, degrading to empty batch",
				slog.Int("status", pe.Status),
				slog.Any("err", pe.Err),
			)
			return nil, nil
		}
		return nil, err
	}
	return body, nil
}

// archiveBatch persists the raw payload without ever blocking the result path.
func (c *client) archiveBatch(identifier string, raw []byte) {
	if c.archive == nil || len(raw) == 0 {
		return
	}
	go c.archive.Save(c.provider, identifier, raw)
}

func (c *client) backoff(retry int) time.Duration {
	d := c.baseBackoff << uint(retry)
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	// Full backoff plus up to one base interval of jitter.
	return d + time.Duration(rand.Int64N(int64(c.baseBackoff)))
}
