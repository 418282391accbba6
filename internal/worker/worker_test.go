package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// --- fakes ---

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]pipeline.FetchResponse
	errs      map[string]error
	requests  []pipeline.FetchRequest
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]pipeline.FetchResponse),
		errs:      make(map[string]error),
	}
}

func (f *fakeFetcher) page(url, html string) {
	f.responses[url] = pipeline.FetchResponse{
		URL:         url,
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(html),
	}
}

func (f *fakeFetcher) file(url, contentType, body string) {
	f.responses[url] = pipeline.FetchResponse{
		URL:         url,
		StatusCode:  http.StatusOK,
		ContentType: contentType,
		Body:        []byte(body),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.errs[req.URL]; ok {
		return pipeline.FetchResponse{}, err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return pipeline.FetchResponse{}, pipeline.Permanent("fetch", errors.New("404 not found"))
	}
	return resp, nil
}

func (f *fakeFetcher) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.URL)
	}
	return out
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("topic not found")
}

type fixedIDs string

func (f fixedIDs) NewID() (string, error) { return string(f), nil }
