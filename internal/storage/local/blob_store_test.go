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

	"github.com/JakeFAU/webimporter/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "blobs")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutAndDeleteObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "job/abc.html", "text/html", bytes.NewReader([]byte("<p>hi</p>")))
	require.NoError(t, err)
	full := filepath.Join(dir, "job", "abc.html")
	assert.Equal(t, "file://"+filepath.ToSlash(full), uri)

	content, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(content))

	require.NoError(t, store.DeleteObject(ctx, "job/abc.html"))
	assert.NoFileExists(t, full)
	require.NoError(t, store.DeleteObject(ctx, "job/abc.html"))
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../escape.txt", "", bytes.NewReader(nil))
	require.ErrorContains(t, err, "path traversal")
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
	require.Error(t, store.DeleteObject(context.Background(), "../../etc/passwd"))
}
