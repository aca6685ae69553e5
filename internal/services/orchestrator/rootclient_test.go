package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/privileged"
	"github.com/fgeck/droidbackup/internal/services/rootclient"
	"github.com/fgeck/droidbackup/internal/services/rpcwire"
	"github.com/fgeck/droidbackup/internal/services/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketBinder serves svc over a fresh socket pair for every bind until
// refuse is set.
type socketBinder struct {
	t   *testing.T
	svc privileged.Service

	mu     sync.Mutex
	server *net.UnixConn
	refuse bool
	binds  int
}

func (b *socketBinder) Bind(context.Context) (*rootclient.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds++
	if b.refuse {
		return nil, errors.New("rootd is gone")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "rootd")
		c, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		conns[i] = c.(*net.UnixConn)
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName(privileged.ServiceName, privileged.NewEndpoint(context.Background(), b.svc, nil)); err != nil {
		return nil, err
	}
	go srv.ServeCodec(rpcwire.NewServerCodec(rpcwire.NewConn(conns[0], transfer.NewStager(b.t.TempDir()))))
	b.server = conns[0]

	conn := rpcwire.NewConn(conns[1], transfer.NewStager(b.t.TempDir()))
	return rootclient.NewSession(rpc.NewClientWithCodec(rpcwire.NewClientCodec(conn)), conn.Done()), nil
}

// kill closes the live server side and refuses every later bind.
func (b *socketBinder) kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = true
	if b.server != nil {
		_ = b.server.Close()
	}
}

func (b *socketBinder) bindCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds
}

// killingRoot drops the socket from inside the third force-stop, so the
// reply never reaches the client.
type killingRoot struct {
	*fakeRoot
	binder *socketBinder

	mu    sync.Mutex
	stops int
}

func (k *killingRoot) ForceStopPackage(ctx context.Context, pkg string, userID int) bool {
	k.mu.Lock()
	k.stops++
	kill := k.stops == 3
	k.mu.Unlock()
	if kill {
		k.binder.kill()
		return false
	}
	return k.fakeRoot.ForceStopPackage(ctx, pkg, userID)
}

func TestBackupPackages_RootSocketDiesMidTask(t *testing.T) {
	f := newFixture(t, func(cfg *models.Config) {
		cfg.Backup.KillApps = true
	})

	packages := []string{"com.example.a", "com.example.b", "com.example.c", "com.example.d", "com.example.e"}
	for _, pkg := range packages {
		f.installPackage(pkg, map[models.DataType]string{models.DataTypeUser: "state of " + pkg})
		f.activatePackage(pkg, models.AllSelected())
	}

	binder := &socketBinder{t: t}
	binder.svc = &killingRoot{fakeRoot: f.root, binder: binder}
	client := rootclient.New(testLogger(), models.RootSettings{BindTimeout: time.Second, MaxRetries: 2}, binder, nil)
	t.Cleanup(client.Disconnect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var fired sync.Once
	var unavailable error
	client.OnError(func(err error) {
		fired.Do(func() { unavailable = err })
		cancel()
	})

	task, err := f.serviceWithRoot(client).BackupPackages(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, task)
	assert.ErrorIs(t, unavailable, rootclient.ErrServiceUnavailable)
	assert.GreaterOrEqual(t, binder.bindCount(), 3)

	saved, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, saved.TotalCount)
	assert.Equal(t, 2, saved.SuccessCount)
	assert.Equal(t, 0, saved.FailureCount)
	assert.True(t, saved.Finalized())
	assert.Less(t, saved.SuccessCount, saved.TotalCount)

	details := f.details(task.ID)
	require.Len(t, details, 5)
	for _, d := range details[:2] {
		assert.True(t, d.IsFinished(), d.Package.Name())
		assert.True(t, d.IsSucceed(), d.Package.Name())
	}
	for _, d := range details[2:] {
		assert.False(t, d.IsFinished(), d.Package.Name())
	}
	assert.Equal(t, models.StateProcessing, details[2].State)
	for _, d := range details[3:] {
		assert.Equal(t, models.StateIdle, d.State)
	}
}
