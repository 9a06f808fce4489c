// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
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
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutAndGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTripByURI", func(t *testing.T) {
		data := []byte("hello world")
		uri, err := store.PutObject(ctx, "tenant/a/notes.txt", "text/plain", bytes.NewReader(data))
		require.NoError(t, err)
		abs, err := filepath.Abs(filepath.Join(tempDir, "tenant/a/notes.txt"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+abs, uri)

		got, err := store.GetObject(ctx, uri)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("RoundTripByRelativePath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "b.csv", "text/csv", bytes.NewReader([]byte("a,b")))
		require.NoError(t, err)
		got, err := store.GetObject(ctx, "b.csv")
		require.NoError(t, err)
		assert.Equal(t, "a,b", string(got))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.txt", "text/plain", bytes.NewReader([]byte("x")))
		assert.Error(t, err)
		_, err = store.GetObject(ctx, "file:///etc/passwd")
		assert.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetObject(ctx, "nope.txt")
		assert.ErrorIs(t, err, crawler.ErrNotFound)
	})
}
