package rootclient

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/droidbackup/internal/services/rpcwire"
	"github.com/fgeck/droidbackup/internal/services/shell"
	"github.com/fgeck/droidbackup/internal/services/transfer"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// DefaultPollInterval spaces dial attempts while rootd starts.
const DefaultPollInterval = 100 * time.Millisecond

// Launcher starts rootd in the background.
type Launcher interface {
	Launch(ctx context.Context) error
}

// SuLauncher starts `<exe> rootd` through the elevated executor.
type SuLauncher struct {
	executor   shell.CommandExecutor
	executable string
	configPath string
	tokenFile  string
}

// NewSuLauncher creates a launcher. executor is expected to wrap commands with su.
func NewSuLauncher(executor shell.CommandExecutor, executable, configPath, tokenFile string) *SuLauncher {
	return &SuLauncher{
		executor:   executor,
		executable: executable,
		configPath: configPath,
		tokenFile:  tokenFile,
	}
}

// Launch starts the daemon detached. It restricts the socket to the caller's uid.
func (l *SuLauncher) Launch(_ context.Context) error {
	args := []string{"rootd", "--token-file", l.tokenFile, "--allowed-uid", strconv.Itoa(os.Getuid())}
	if l.configPath != "" {
		args = append(args, "--config", l.configPath)
	}
	return l.executor.Start(l.executable, args...)
}

// SocketBinder dials rootd, launching it when nothing is listening.
type SocketBinder struct {
	socket   string
	token    string
	stager   *transfer.Stager
	launcher Launcher
	clock    clock.Clock
	poll     time.Duration
	logger   zerolog.Logger
}

// NewSocketBinder creates a binder. launcher may be nil to only dial.
func NewSocketBinder(logger zerolog.Logger, socket, token string, stager *transfer.Stager, launcher Launcher) *SocketBinder {
	return &SocketBinder{
		socket:   socket,
		token:    token,
		stager:   stager,
		launcher: launcher,
		clock:    clock.WallClock,
		poll:     DefaultPollInterval,
		logger:   logger,
	}
}

// Bind dials and authenticates. If dialling fails, rootd is launched and the
// dial is retried until ctx expires.
func (b *SocketBinder) Bind(ctx context.Context) (*Session, error) {
	s, err := b.dial(ctx)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, rpcwire.ErrUnauthorized) || b.launcher == nil {
		return nil, err
	}

	b.logger.Info().Err(err).Str("socket", b.socket).Msg("rootd not reachable, launching")
	if err := b.launcher.Launch(ctx); err != nil {
		return nil, fmt.Errorf("launching rootd: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for rootd: %w (last error: %w)", ctx.Err(), err)
		case <-b.clock.After(b.poll):
		}
		s, err = b.dial(ctx)
		if err == nil {
			return s, nil
		}
		if errors.Is(err, rpcwire.ErrUnauthorized) {
			return nil, err
		}
	}
}

func (b *SocketBinder) dial(ctx context.Context) (*Session, error) {
	uc, err := rpcwire.Dial(ctx, b.socket)
	if err != nil {
		return nil, err
	}
	conn := rpcwire.NewConn(uc, b.stager)
	if err := rpcwire.ClientHandshake(conn, b.token); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return NewSession(rpc.NewClientWithCodec(rpcwire.NewClientCodec(conn)), conn.Done()), nil
}
