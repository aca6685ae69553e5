package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

func basicAuth(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if user, passwd, ok := r.BasicAuth(); ok {
			if user == "user" && passwd == "password" {
				h.ServeHTTP(w, r)
				return
			}
			http.Error(w, "not authorized", http.StatusForbidden)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="testing"`)
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func newWebDAVServer(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	server := httptest.NewServer(basicAuth(&webdav.Handler{
		FileSystem: webdav.Dir(dir),
		LockSystem: webdav.NewMemLS(),
	}))
	t.Cleanup(server.Close)
	return server.URL, dir
}

func TestWebDAV_RoundTrip(t *testing.T) {
	url, served := newWebDAVServer(t)
	ctx := context.Background()

	storage, err := New(ctx, testLogger(), &models.RemoteConfig{
		Name: "nas", Type: "webdav", URL: url, Username: "user", Password: "password", Dir: "pixel",
	})
	require.NoError(t, err)
	defer func() { _ = storage.Close() }()

	local := filepath.Join(t.TempDir(), "user.tar.zst")
	require.NoError(t, os.WriteFile(local, []byte("archive-bytes"), 0o600))

	const remotePath = "apps/com.example.app/user_0/user.tar.zst"
	exists, err := storage.Exists(ctx, remotePath)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, storage.Upload(ctx, local, remotePath))
	assert.FileExists(t, filepath.Join(served, "pixel", "apps", "com.example.app", "user_0", "user.tar.zst"))

	exists, err = storage.Exists(ctx, remotePath)
	require.NoError(t, err)
	assert.True(t, exists)

	downloaded := filepath.Join(t.TempDir(), "restored.tar.zst")
	require.NoError(t, storage.Download(ctx, remotePath, downloaded))
	data, err := os.ReadFile(downloaded)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))

	require.NoError(t, storage.Remove(ctx, "apps/com.example.app"))
	assert.NoDirExists(t, filepath.Join(served, "pixel", "apps", "com.example.app"))
	require.NoError(t, storage.Remove(ctx, "apps/com.example.app"))
}

func TestWebDAV_DownloadMissing(t *testing.T) {
	url, _ := newWebDAVServer(t)
	storage, err := NewWebDAV(testLogger(), &models.RemoteConfig{URL: url, Username: "user", Password: "password"})
	require.NoError(t, err)

	err = storage.Download(context.Background(), "missing.tar", filepath.Join(t.TempDir(), "x"))
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestWebDAV_BadCredentials(t *testing.T) {
	url, _ := newWebDAVServer(t)
	storage, err := NewWebDAV(testLogger(), &models.RemoteConfig{URL: url, Username: "user", Password: "wrong"})
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "a")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))
	assert.Error(t, storage.Upload(context.Background(), local, "a"))
}
