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

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)

	store, err := New(client, Config{Bucket: "snapshots"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/snapshots/o")
		assert.Equal(t, "task-1/abc.html", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>")
		fmt.Fprintln(w, `{"name":"task-1/abc.html","bucket":"snapshots"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), "task-1/abc.html", "text/html", bytes.NewReader([]byte("<html>")))
	require.NoError(t, err)
	assert.Equal(t, "gs://snapshots/task-1/abc.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestStore(t, handler)

	_, err := store.PutObject(context.Background(), "x.html", "", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()
	store := newTestStore(t, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	assert.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/b/missing" || r.URL.Path == "/storage/v1/b/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintln(w, `{"name":"present"}`)
	}))
	defer server.Close()

	store, err := Open(context.Background(), Config{Bucket: "present", Endpoint: server.URL}, option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(context.Background(), Config{Bucket: "missing", Endpoint: server.URL}, option.WithoutAuthentication())
	assert.ErrorContains(t, err, "attributes")
}
