// Package httpclient implements the per-host upstream fetch client: header
// injection, per-class pacing, bounded retry with jittered backoff, and
// response classification.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/infrastructure/breaker"
	"github.com/keirinlab/keirinfeed/internal/infrastructure/ratelimit"
	"github.com/keirinlab/keirinfeed/internal/metrics"
)

// ErrNotYetPublished marks a 404: the upstream has not published the
// resource yet. Not a failure; the item stays pending.
var ErrNotYetPublished = errors.New("not yet published")

// ErrPermanentFailure marks a non-retryable 4xx response.
var ErrPermanentFailure = errors.New("permanent upstream failure")

// ParseError reports an undecodable body. Decode failures are never retried.
type ParseError struct {
	URL    string
	Sample string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for %s: %v (body sample: %q)", e.URL, e.Err, e.Sample)
}

func (e *ParseError) Unwrap() error { return e.Err }

// retryAfterError carries the server-requested delay of a 429.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("throttled, retry after %s", e.delay)
}

// transientError marks a network error or 5xx worth another attempt.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Config describes one upstream host.
type Config struct {
	Host              string
	UserAgent         string
	Headers           map[string]string
	MaxRetries        int
	BackoffBase       float64 // seconds; delay after attempt k is base^k
	BackoffMax        time.Duration
	RequestTimeout    time.Duration
	RetryAfterDefault time.Duration
}

// DefaultConfig returns the client defaults for a host.
func DefaultConfig(host string) Config {
	return Config{
		Host:              host,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		MaxRetries:        3,
		BackoffBase:       2.0,
		BackoffMax:        60 * time.Second,
		RequestTimeout:    30 * time.Second,
		RetryAfterDefault: 60 * time.Second,
	}
}

// Deps are the shared pacing and protection layers injected into each client.
type Deps struct {
	Pacer    *ratelimit.Pacer
	Hosts    *ratelimit.HostLimiter
	Backoff  *ratelimit.Backoff
	Breakers *breaker.Manager
	Metrics  *metrics.Registry
}

// Client fetches from a single upstream host. Workers share one instance.
type Client struct {
	config Config
	client *http.Client
	deps   Deps
}

// New creates a client for one host. Missing pacing or breaker deps are
// replaced with no-op instances so tests can inject only what they exercise.
func New(config Config, deps Deps) *Client {
	if deps.Pacer == nil {
		deps.Pacer = ratelimit.NewPacer(nil, 0)
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewManager(breaker.DefaultSettings())
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		deps:   deps,
	}
}

// Host returns the host this client talks to.
func (c *Client) Host() string { return c.config.Host }

// Fetch GETs url under the class's pacing and returns the body.
//
// Classification: 2xx returns the body; 404 returns ErrNotYetPublished
// without retry; 429 sleeps the Retry-After delay and retries (counting the
// attempt); 5xx and network errors retry with backoff; other 4xx return
// ErrPermanentFailure without retry.
func (c *Client) Fetch(ctx context.Context, url string, class ratelimit.Class) ([]byte, error) {
	endpoint := "GET " + url

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			c.recordRetry()
		}

		if err := c.deps.Pacer.Wait(ctx, class); err != nil {
			return nil, err
		}
		if c.deps.Hosts != nil {
			if err := c.deps.Hosts.Wait(ctx, c.config.Host); err != nil {
				return nil, err
			}
		}
		if c.deps.Backoff != nil {
			if delay := c.deps.Backoff.Delay(endpoint); delay > 0 {
				log.Debug().
					Str("endpoint", endpoint).
					Dur("delay", delay).
					Msg("Endpoint in backoff, holding")
				if err := sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
		}

		body, err := c.attemptThroughBreaker(url)
		if err == nil {
			if c.deps.Backoff != nil {
				c.deps.Backoff.Success(endpoint)
			}
			c.recordFetch("ok")
			return body, nil
		}

		switch {
		case errors.Is(err, ErrNotYetPublished):
			c.recordFetch("not_yet")
			return nil, err

		case errors.Is(err, ErrPermanentFailure):
			c.recordFetch("permanent")
			return nil, err

		case breaker.IsOpen(err):
			c.recordFetch("shed")
			return nil, fmt.Errorf("circuit open for %s: %w", c.config.Host, err)
		}

		var throttled *retryAfterError
		if errors.As(err, &throttled) {
			c.recordFetch("throttled")
			lastErr = err
			log.Warn().
				Str("url", url).
				Int("attempt", attempt).
				Dur("retry_after", throttled.delay).
				Msg("Upstream throttled request")
			if attempt < c.config.MaxRetries {
				if serr := sleep(ctx, throttled.delay); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		// Transient: network error or 5xx.
		c.recordFetch("retryable")
		if c.deps.Backoff != nil {
			c.deps.Backoff.Failure(endpoint)
		}
		lastErr = err
		if attempt < c.config.MaxRetries {
			delay := c.retryDelay(attempt)
			log.Warn().
				Str("url", url).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Err(err).
				Msg("Retrying upstream request")
			if serr := sleep(ctx, delay); serr != nil {
				return nil, serr
			}
		}
	}

	return nil, fmt.Errorf("all %d attempts failed for %s: %w", c.config.MaxRetries, url, lastErr)
}

// FetchJSON fetches url and decodes the body into v. Decode failures are
// surfaced as *ParseError and are not retried.
func (c *Client) FetchJSON(ctx context.Context, url string, class ratelimit.Class, v interface{}) error {
	body, err := c.Fetch(ctx, url, class)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &ParseError{URL: url, Sample: bodySample(body), Err: err}
	}
	return nil
}

// attemptThroughBreaker runs one attempt under the host breaker. Responses
// that prove the host is alive (404, plain 4xx, 429) do not count against
// the breaker.
func (c *Client) attemptThroughBreaker(url string) ([]byte, error) {
	type outcome struct {
		body []byte
		err  error
	}

	res, err := c.deps.Breakers.Execute(c.config.Host, func() (interface{}, error) {
		body, aerr := c.attempt(url)
		var transient *transientError
		if errors.As(aerr, &transient) {
			return nil, aerr
		}
		return outcome{body: body, err: aerr}, nil
	})
	if err != nil {
		return nil, err
	}
	out := res.(outcome)
	return out.body, out.err
}

// attempt performs a single HTTP round trip and classifies the response.
// The request runs on its own timeout context, detached from the run
// context: an in-flight request runs to completion and cancellation is
// honored between attempts.
func (c *Client) attempt(url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transientError{err: fmt.Errorf("failed to read body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotYetPublished

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &retryAfterError{delay: c.retryAfter(resp)}

	case resp.StatusCode >= 500:
		return nil, &transientError{err: fmt.Errorf("HTTP %s", resp.Status)}

	default:
		return nil, fmt.Errorf("%w: HTTP %s", ErrPermanentFailure, resp.Status)
	}
}

// retryDelay returns base^k seconds with ±10% jitter, clamped to the max.
func (c *Client) retryDelay(attempt int) time.Duration {
	delay := time.Duration(math.Pow(c.config.BackoffBase, float64(attempt)) * float64(time.Second))
	if delay > c.config.BackoffMax {
		delay = c.config.BackoffMax
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * 0.1 * float64(delay))
	return delay + jitter
}

// retryAfter parses the Retry-After header, falling back to the default.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return c.config.RetryAfterDefault
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return c.config.RetryAfterDefault
}

func (c *Client) recordFetch(result string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordFetch(c.config.Host, result)
	}
}

func (c *Client) recordRetry() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordRetry(c.config.Host)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func bodySample(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
