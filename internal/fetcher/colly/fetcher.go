// Package collyfetcher implements pipeline.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/artifact-pipeline/internal/metrics"
	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps response bodies in bytes; 0 keeps colly's default.
	MaxBodySize int
	// Limiter spaces requests per domain when set.
	Limiter pipeline.RateLimiter
	Events  progress.Emitter
}

// Fetcher implements pipeline.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

var _ pipeline.Fetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Events == nil {
		cfg.Events = progress.Discard
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Responses outside 2xx are
// returned as classified worker errors: 408, 429 and 5xx are transient,
// other statuses permanent.
func (f *Fetcher) Fetch(ctx context.Context, request pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.WaitIfNeeded(ctx, request.URL); err != nil {
			return pipeline.FetchResponse{}, fmt.Errorf("politeness wait: %w", err)
		}
	}

	var (
		result   pipeline.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, guard := f.buildCollector(ctx, request, start, &result, &fetchErr)
	err := f.runCollector(ctx, collector, request.URL, &fetchErr)
	f.report(request, result, guard, time.Since(start))
	if err != nil {
		return pipeline.FetchResponse{}, classify(request.URL, result.StatusCode, err)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request pipeline.FetchRequest,
	start time.Time,
	result *pipeline.FetchResponse,
	fetchErr *error,
) (*colly.Collector, *robotsGuard) {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var guard *robotsGuard
	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		guard = newRobotsGuard(transport)
		collector.WithTransport(guard)
	} else {
		collector.WithTransport(transport)
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector, guard
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request pipeline.FetchRequest,
	start time.Time,
	result *pipeline.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if request.Accept != "" {
			r.Headers.Set("Accept", request.Accept)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = pipeline.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) report(request pipeline.FetchRequest, result pipeline.FetchResponse, guard *robotsGuard, dur time.Duration) {
	evt := progress.Event{
		TS:          time.Now().UTC(),
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(request.URL),
		URL:         request.URL,
		Bytes:       int64(len(result.Body)),
		StatusClass: progress.ClassifyStatus(result.StatusCode),
		Dur:         dur,
	}
	if guard != nil {
		if reason, ok := guard.Fallback(); ok {
			evt.Note = "robots.txt assumed permissive: " + reason
		}
	}
	f.cfg.Events.Emit(evt)
}

func classify(url string, status int, err error) error {
	op := "fetch " + url
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return pipeline.Permanent(op, err)
	case errors.Is(err, errRobotsUnavailable):
		return pipeline.Transient(op, err)
	case status == 0:
		return pipeline.Transient(op, err)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return pipeline.Transient(op, fmt.Errorf("status %d: %w", status, err))
	default:
		return pipeline.Permanent(op, fmt.Errorf("status %d: %w", status, err))
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
