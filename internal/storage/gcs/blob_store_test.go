package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, cfg Config, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, cfg)
	require.NoError(t, err)
	return s
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploadsWithPrefix(t *testing.T) {
	payload := []byte(`{"id":"museum_1"}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive-bucket/o")
		assert.Equal(t, "artifacts/museum_1/manifest.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(payload))
		assert.Contains(t, string(body), "application/json")

		fmt.Fprintln(w, `{"name": "artifacts/museum_1/manifest.json", "bucket": "archive-bucket"}`)
	})
	s := newTestStore(t, Config{Bucket: "archive-bucket", Prefix: "/artifacts/"}, handler)

	uri, err := s.PutObject(context.Background(), "museum_1/manifest.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "gs://archive-bucket/artifacts/museum_1/manifest.json", uri)
}

func TestPutObjectServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	s := newTestStore(t, Config{Bucket: "archive-bucket"}, handler)

	_, err := s.PutObject(context.Background(), "x.json", "", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	_, err = s.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestDeleteObject(t *testing.T) {
	var deleted []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deleted = append(deleted, r.URL.Path)
		if len(deleted) == 2 {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"error": {"code": 404, "message": "No such object"}}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	s := newTestStore(t, Config{Bucket: "staging"}, handler)

	require.NoError(t, s.DeleteObject(context.Background(), "gs://staging/museum_1/0.jpg"))
	require.NoError(t, s.DeleteObject(context.Background(), "gs://staging/museum_1/0.jpg"), "missing objects are ignored")
	require.Len(t, deleted, 2)
	require.Contains(t, deleted[0], "/b/staging/o/museum_1")
}

func TestParseURIRejectsOtherBuckets(t *testing.T) {
	s := newTestStore(t, Config{Bucket: "staging"}, http.NotFoundHandler())

	_, err := s.GetObject(context.Background(), "gs://other/x.jpg")
	require.Error(t, err)
	require.Error(t, s.DeleteObject(context.Background(), "gs://staging/"))
	require.Error(t, s.DeleteObject(context.Background(), "file:///tmp/x"))
}
