//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/metrics"
	"github.com/fgeck/droidbackup/internal/services/privileged"
	"github.com/fgeck/droidbackup/internal/services/rootclient"
	"github.com/fgeck/droidbackup/internal/services/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startRootd serves the real privileged service on a unix socket, as rootd
// would, with relabelling disabled.
func startRootd(t *testing.T, token string) (models.RootSettings, chan error) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rootd-e2e")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	settings := models.RootSettings{
		Socket:      filepath.Join(dir, "rootd.sock"),
		StagingDir:  filepath.Join(dir, "staging"),
		AllowedUID:  os.Getuid(),
		BindTimeout: 2 * time.Second,
		MaxRetries:  2,
		RetryDelay:  50 * time.Millisecond,
	}
	svc := privileged.New(testLogger(), models.DefaultPathLayout(), metrics.New())
	srv := privileged.NewServer(testLogger(), settings, token, svc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(settings.Socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return settings, errCh
}

func newRootClient(t *testing.T, settings models.RootSettings, token string) *rootclient.Client {
	t.Helper()
	stager := transfer.NewStager(filepath.Join(t.TempDir(), "transfer"))
	binder := rootclient.NewSocketBinder(testLogger(), settings.Socket, token, stager, nil)
	client := rootclient.New(testLogger(), settings, binder, metrics.New())
	t.Cleanup(client.Disconnect)
	return client
}

func TestRootd_FileOperations_E2E(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "session.token")
	token, err := rootclient.LoadOrCreateToken(tokenFile)
	require.NoError(t, err)

	settings, _ := startRootd(t, token)
	client := newRootClient(t, settings, token)
	ctx := context.Background()

	version, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, privileged.Version, version)
	assert.Equal(t, rootclient.Connected, client.State())

	dir := filepath.Join(t.TempDir(), "data", "com.example")
	require.True(t, client.Mkdirs(ctx, dir))

	payload := bytes.Repeat([]byte("droidbackup"), 500_000)
	path := filepath.Join(dir, "payload.bin")
	require.True(t, client.WriteBytes(ctx, path, payload))
	assert.True(t, client.Exists(ctx, path))
	assert.Equal(t, int64(len(payload)), client.CalculateSize(ctx, dir))
	assert.Equal(t, payload, client.ReadBytes(ctx, path))
	assert.NotEmpty(t, client.CalculateHash(ctx, path))

	copyPath := filepath.Join(dir, "copy.bin")
	require.True(t, client.CopyTo(ctx, path, copyPath, false))
	assert.Equal(t, client.CalculateHash(ctx, path), client.CalculateHash(ctx, copyPath))
	assert.ElementsMatch(t, []string{path, copyPath}, client.ListFilePaths(ctx, dir, true, false))

	require.True(t, client.DeleteRecursively(ctx, dir))
	assert.False(t, client.Exists(ctx, dir))
}

func TestRootd_WrongTokenIsRejected_E2E(t *testing.T) {
	settings, _ := startRootd(t, "right-token")

	var lost []error
	client := newRootClient(t, settings, "wrong-token")
	client.OnError(func(err error) { lost = append(lost, err) })

	_, err := client.Ping(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rootclient.ErrServiceUnavailable)
	assert.Len(t, lost, 1)
}

func TestRootd_DestroyStopsServer_E2E(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "session.token")
	token, err := rootclient.LoadOrCreateToken(tokenFile)
	require.NoError(t, err)

	settings, errCh := startRootd(t, token)
	client := newRootClient(t, settings, token)

	_, err = client.Ping(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.DestroyService(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rootd did not stop")
	}
	_, err = os.Stat(settings.Socket)
	assert.True(t, os.IsNotExist(err))
}
