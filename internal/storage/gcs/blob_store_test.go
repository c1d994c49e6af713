package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	store, err := New(client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "job/abc.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<p>hi</p>")
		fmt.Fprintln(w, `{"name": "job/abc.html", "bucket": "test-bucket"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), "job/abc.html", "text/html", strings.NewReader("<p>hi</p>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/job/abc.html", uri)

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := store.PutObject(context.Background(), "obj", "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestDeleteObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"error": {"code": 404, "message": "No such object"}}`)
			return
		}
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o/")
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, store.DeleteObject(context.Background(), "present"))
	require.NoError(t, store.DeleteObject(context.Background(), "missing"))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := NewClient(context.Background(), Config{Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)
}
