package privileged

import (
	"bytes"
	"context"
	"net/rpc"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/rpcwire"
	"github.com/fgeck/droidbackup/internal/services/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "session-token"

func startServer(t *testing.T, executor *mockExecutor) (models.RootSettings, string, chan error) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rootd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	settings := models.RootSettings{
		Socket:        filepath.Join(dir, "rootd.sock"),
		StagingDir:    filepath.Join(dir, "staging"),
		SecurityLabel: "u:object_r:droidbackup_file:s0",
		AllowedUID:    os.Getuid(),
	}
	svc, root := newTestService(t, executor)
	srv := NewServerWithExecutor(testLogger(), settings, testToken, svc, executor)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(settings.Socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return settings, root, errCh
}

func dialServer(t *testing.T, settings models.RootSettings, token string) (*rpc.Client, error) {
	t.Helper()
	uc, err := rpcwire.Dial(context.Background(), settings.Socket)
	require.NoError(t, err)
	conn := rpcwire.NewConn(uc, transfer.NewStager(filepath.Join(t.TempDir(), "client-staging")))
	if err := rpcwire.ClientHandshake(conn, token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	client := rpc.NewClientWithCodec(rpcwire.NewClientCodec(conn))
	t.Cleanup(func() { _ = client.Close() })
	return client, nil
}

func TestServer_RoundTrip(t *testing.T) {
	var relabel []string
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "chcon" {
				relabel = args
			}
			return []byte("Failure"), nil
		},
	}
	settings, root, _ := startServer(t, executor)
	assert.Equal(t, []string{"-R", settings.SecurityLabel, settings.StagingDir}, relabel)

	info, err := os.Stat(settings.Socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(SocketMode), info.Mode().Perm())

	client, err := dialServer(t, settings, testToken)
	require.NoError(t, err)

	var version string
	require.NoError(t, client.Call(ServiceName+".Ping", &Args{}, &version))
	assert.Equal(t, Version, version)

	path := filepath.Join(root, "big.bin")
	payload := bytes.Repeat([]byte("droidbackup"), 200_000)
	var ok bool
	require.NoError(t, client.Call(ServiceName+".WriteBytes", &Args{Path: path, Data: payload}, &ok))
	assert.True(t, ok)

	var data []byte
	require.NoError(t, client.Call(ServiceName+".ReadBytes", &Args{Path: path}, &data))
	assert.Equal(t, payload, data)

	info2 := &models.AppPackage{PackageName: "stale"}
	require.NoError(t, client.Call(ServiceName+".GetPackageInfoAsUser", &Args{PackageName: "com.example"}, &info2))
	assert.Nil(t, info2)

	entries, err := os.ReadDir(settings.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServer_RejectsBadToken(t *testing.T) {
	settings, _, _ := startServer(t, &mockExecutor{})

	_, err := dialServer(t, settings, "wrong")
	assert.ErrorIs(t, err, rpcwire.ErrUnauthorized)
}

func TestServer_Destroy(t *testing.T) {
	settings, _, errCh := startServer(t, &mockExecutor{})

	client, err := dialServer(t, settings, testToken)
	require.NoError(t, err)

	var ok bool
	require.NoError(t, client.Call(ServiceName+".Destroy", &Args{}, &ok))
	assert.True(t, ok)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = os.Stat(settings.Socket)
	assert.True(t, os.IsNotExist(err))
}
