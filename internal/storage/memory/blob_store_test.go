package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(ctx, "assets/a1/0.jpg", "image/jpeg", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://assets/a1/0.jpg", uri)
	require.Equal(t, "image/jpeg", store.ContentType(uri))

	payload[0] = 'C'
	rc, err := store.GetObject(ctx, uri)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "content", string(got))

	require.NoError(t, store.DeleteObject(ctx, uri))
	require.Equal(t, 0, store.Len())
	_, err = store.GetObject(ctx, uri)
	require.Error(t, err)
	require.NoError(t, store.DeleteObject(ctx, uri))
}

func TestBlobStoreRejectsForeignURI(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.GetObject(context.Background(), "gs://bucket/x")
	require.Error(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
