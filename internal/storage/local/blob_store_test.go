// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/artifact-pipeline/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "staging")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	data := []byte("nested hello")
	uri, err := store.PutObject(ctx, "a/b/object.txt", "text/plain", bytes.NewReader(data))
	require.NoError(t, err)

	abs, err := filepath.Abs(tempDir)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(abs, "a/b/object.txt"), uri)

	rc, err := store.GetObject(ctx, uri)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	require.NoError(t, store.DeleteObject(ctx, uri))
	_, err = store.GetObject(ctx, uri)
	assert.Error(t, err)
	require.NoError(t, store.DeleteObject(ctx, uri), "deleting twice is fine")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "text/plain", bytes.NewReader([]byte("data")))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), "../escape.txt", "text/plain", bytes.NewReader([]byte("data")))
	assert.ErrorContains(t, err, "path traversal")
}

func TestURIsOutsideBaseDirAreRejected(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.GetObject(context.Background(), "file:///etc/passwd")
	assert.ErrorContains(t, err, "path traversal")
	assert.Error(t, store.DeleteObject(context.Background(), "gs://bucket/object"))
}
