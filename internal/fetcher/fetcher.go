// Package fetcher implements crawler.Fetcher using gocolly.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// Fetcher retrieves pages with a Colly collector. The base collector is
// cloned per attempt so concurrent fetches never share callback state.
type Fetcher struct {
	cfg           Config
	retry         *RetryPolicy
	transport     http.RoundTripper
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	// Clones share the visit store; retries re-request the same URL.
	c.AllowURLRevisit = true

	return &Fetcher{
		cfg:           cfg,
		retry:         NewRetryPolicy(),
		transport:     newHTTPTransport(),
		baseCollector: c,
		logger:        logger,
	}
}

type attemptResult struct {
	body       string
	statusCode int
}

// Fetch executes an HTTP GET with retry. HTTP error statuses are not
// errors: the body and status code are returned so the caller can record
// them, except that 429 and 5xx responses are retried first. An error
// means the URL is terminally unfetchable.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := f.attempt(ctx, url)
		if err == nil && !f.retry.RetryableStatus(result.statusCode) {
			return result.body, result.statusCode, nil
		}

		if err == nil {
			lastErr = fmt.Errorf("server returned status %d", result.statusCode)
		} else {
			lastErr = err
		}
		if !f.retry.ShouldRetry(lastErr, attempt) {
			// A retryable status that ran out of attempts is still a
			// response worth recording.
			if err == nil {
				return result.body, result.statusCode, nil
			}
			return "", 0, fmt.Errorf("fetch %s: %w", url, lastErr)
		}

		delay := f.retry.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return "", 0, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, url string) (attemptResult, error) {
	var (
		result   attemptResult
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	collector.OnResponse(func(r *colly.Response) {
		result = attemptResult{
			body:       string(r.Body),
			statusCode: r.StatusCode,
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Colly reports non-2xx responses here; keep the status and body
		// so an exhausted retry can still surface them.
		if r != nil && r.StatusCode > 0 {
			result = attemptResult{
				body:       string(r.Body),
				statusCode: r.StatusCode,
			}
			fetchErr = nil
			return
		}
		fetchErr = err
	})

	if err := f.runCollector(ctx, collector, url); err != nil {
		// Visit surfaces non-2xx responses as errors even when OnError
		// captured the status; prefer the recorded response.
		if result.statusCode > 0 {
			return result, nil
		}
		return attemptResult{}, err
	}
	if fetchErr != nil {
		return attemptResult{}, fetchErr
	}
	if result.statusCode == 0 {
		return attemptResult{}, fmt.Errorf("no response received")
	}
	return result, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
