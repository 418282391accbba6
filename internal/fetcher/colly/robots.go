package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/artifact-pipeline/internal/backoff"
	"github.com/JakeFAU/artifact-pipeline/internal/metrics"
)

const (
	robotsPath          = "/robots.txt"
	robotsAttempts      = 4
	robotsAllowAll      = "User-agent: *\nAllow: /"
	reasonLookupTimeout = "lookup_timeout"
)

// errRobotsUnavailable marks a host whose robots.txt kept answering 5xx.
// colly would read such a file as disallow-all, which turns a passing outage
// into a permanent rejection of the artifact.
var errRobotsUnavailable = errors.New("robots.txt unavailable")

var robotsWait = backoff.Exponential{Base: 250 * time.Millisecond, Max: time.Second}

// robotsGuard wraps the transport colly uses for robots.txt lookups. Lookups
// that time out are retried and, once exhausted, answered with an allow-all
// file. Lookups that keep failing server-side surface errRobotsUnavailable so
// the fetch is retried on a later pass. Other requests pass straight through.
type robotsGuard struct {
	next     http.RoundTripper
	attempts int
	wait     backoff.Exponential

	// fallback is set when the guard synthesised the robots.txt answer.
	fallback string
}

func newRobotsGuard(next http.RoundTripper) *robotsGuard {
	return &robotsGuard{next: next, attempts: robotsAttempts, wait: robotsWait}
}

// Fallback reports why robots.txt was assumed permissive, if it was.
func (g *robotsGuard) Fallback() (string, bool) {
	return g.fallback, g.fallback != ""
}

func (g *robotsGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots guard: nil request")
	}
	if !strings.EqualFold(req.URL.Path, robotsPath) {
		return g.next.RoundTrip(req) //nolint:wrapcheck // transparent transport
	}

	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Pause(req.Context(), g.wait.Delay(attempt-1)); err != nil {
				return nil, fmt.Errorf("robots lookup %s: %w", req.URL.Host, err)
			}
		}

		resp, err := g.next.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode < http.StatusInternalServerError:
			return resp, nil
		case err == nil:
			drain(resp)
			lastErr = fmt.Errorf("%w: status %d", errRobotsUnavailable, resp.StatusCode)
		case isLookupTimeout(err):
			lastErr = err
		default:
			return nil, fmt.Errorf("robots lookup %s: %w", req.URL.Host, err)
		}
	}

	if errors.Is(lastErr, errRobotsUnavailable) {
		return nil, fmt.Errorf("robots lookup %s: %w", req.URL.Host, lastErr)
	}
	g.fallback = reasonLookupTimeout
	metrics.ObserveRobotsFallback(g.fallback)
	return allowAll(req), nil
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Request:       req,
	}
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
}

func isLookupTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
