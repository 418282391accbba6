package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

const blobScheme = "memory://"

// BlobStore stores objects in-memory and returns pseudo URIs.
type BlobStore struct {
	mu           sync.RWMutex
	data         map[string][]byte
	contentTypes map[string]string
}

var _ pipeline.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// PutObject persists a copy of the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, body io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = byteData
	s.contentTypes[path] = contentType
	return blobScheme + path, nil
}

// GetObject opens a stored object by URI.
func (s *BlobStore) GetObject(_ context.Context, uri string) (io.ReadCloser, error) {
	path, err := blobPath(uri)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", uri)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DeleteObject removes an object. Missing objects are not an error.
func (s *BlobStore) DeleteObject(_ context.Context, uri string) error {
	path, err := blobPath(uri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)
	delete(s.contentTypes, path)
	return nil
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// ContentType returns the content type recorded for uri.
func (s *BlobStore) ContentType(uri string) string {
	path, err := blobPath(uri)
	if err != nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[path]
}

func blobPath(uri string) (string, error) {
	if !strings.HasPrefix(uri, blobScheme) {
		return "", fmt.Errorf("uri %q is not a memory uri", uri)
	}
	return strings.TrimPrefix(uri, blobScheme), nil
}
