package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
	"github.com/JakeFAU/artifact-pipeline/internal/progress"
)

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	accept := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept <- r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	t.Cleanup(server.Close)

	limiter := &countingLimiter{}
	events := &recorder{}
	f := New(Config{UserAgent: "test-agent", Limiter: limiter, Events: events})

	resp, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: server.URL + "/page", Accept: "text/html"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>ok</html>", string(resp.Body))
	require.Equal(t, "text/html; charset=utf-8", resp.ContentType)
	require.Equal(t, "text/html", <-accept)
	require.Equal(t, []string{server.URL + "/page"}, limiter.urls)

	require.Len(t, events.events, 1)
	evt := events.events[0]
	require.Equal(t, progress.StageFetchDone, evt.Stage)
	require.Equal(t, progress.Status2xx, evt.StatusClass)
	require.EqualValues(t, len("<html>ok</html>"), evt.Bytes)
	require.NoError(t, evt.Validate())
}

func TestFetchRevisitsURLs(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("again"))
	}))
	t.Cleanup(server.Close)

	f := New(Config{})
	for range 2 {
		_, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: server.URL})
		require.NoError(t, err)
	}
}

func TestFetchClassifiesStatusErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(server.Close)

			events := &recorder{}
			_, err := New(Config{Events: events}).Fetch(context.Background(), pipeline.FetchRequest{URL: server.URL})
			require.Error(t, err)
			require.Equal(t, tc.permanent, pipeline.IsPermanent(err))
			require.Len(t, events.events, 1)
			require.Equal(t, progress.ClassifyStatus(tc.status), events.events[0].StatusClass)
		})
	}
}

func TestFetchConnectionErrorsAreTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), pipeline.FetchRequest{URL: addr})
	require.Error(t, err)
	require.False(t, pipeline.IsPermanent(err))
}

func TestFetchStopsWhenLimiterFails(t *testing.T) {
	t.Parallel()

	limiter := &countingLimiter{err: context.Canceled}
	_, err := New(Config{Limiter: limiter}).Fetch(context.Background(), pipeline.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second})
	collector, guard := f.buildCollector(context.Background(), pipeline.FetchRequest{URL: "https://example.com"},
		time.Unix(0, 0), &pipeline.FetchResponse{}, new(error))
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.False(t, collector.IgnoreRobotsTxt)
	require.True(t, collector.AllowURLRevisit)
	require.NotNil(t, guard)

	f = New(Config{})
	collector, guard = f.buildCollector(context.Background(), pipeline.FetchRequest{URL: "https://example.com"},
		time.Unix(0, 0), &pipeline.FetchResponse{}, new(error))
	require.True(t, collector.IgnoreRobotsTxt)
	require.Nil(t, guard)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var result pipeline.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, pipeline.FetchRequest{URL: "https://example.com", Accept: "image/*"},
		time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "image/*", collyReq.Headers.Get("Accept"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"image/png"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "body", string(result.Body))
	require.Equal(t, "image/png", result.ContentType)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
	require.Equal(t, http.StatusBadGateway, result.StatusCode)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// --- fakes ---

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type countingLimiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (l *countingLimiter) WaitIfNeeded(_ context.Context, rawURL string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, rawURL)
	return l.err
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}
