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
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	return s
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/test-bucket/o")
		assert.Equal(t, "runs/products.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `[{"name":"Acme"}]`)
		fmt.Fprintln(w, `{"name": "runs/products.json", "bucket": "test-bucket"}`)
	}))

	uri, err := s.PutObject(context.Background(), "runs/products.json", "application/json", strings.NewReader(`[{"name":"Acme"}]`))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/runs/products.json", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	_, err := s.PutObject(context.Background(), "products.json", "", strings.NewReader("[]"))
	require.Error(t, err)
	_, err = s.PutObject(context.Background(), " ", "", strings.NewReader("[]"))
	require.Error(t, err)
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	b, o, err := ParseURI("gs://bucket/dir/products.json")
	require.NoError(t, err)
	require.Equal(t, "bucket", b)
	require.Equal(t, "dir/products.json", o)

	for _, bad := range []string{"products.json", "gs://bucket", "gs:///x"} {
		_, _, err := ParseURI(bad)
		require.Error(t, err, bad)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}
