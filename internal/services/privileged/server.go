package privileged

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/rpcwire"
	"github.com/fgeck/droidbackup/internal/services/shell"
	"github.com/fgeck/droidbackup/internal/services/transfer"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SocketMode is applied to the listening socket. The uid check in the
// handshake narrows access further.
const SocketMode = 0o660

// Server accepts authenticated connections and serves Service over net/rpc.
type Server struct {
	settings models.RootSettings
	token    string
	svc      Service
	executor shell.CommandExecutor
	logger   zerolog.Logger
}

// NewServer creates a server for svc. token must match the client's session token.
func NewServer(logger zerolog.Logger, settings models.RootSettings, token string, svc Service) *Server {
	return &Server{
		settings: settings,
		token:    token,
		svc:      svc,
		executor: shell.NewExecutor(""),
		logger:   logger,
	}
}

// NewServerWithExecutor creates a server with a custom executor (for testing).
func NewServerWithExecutor(logger zerolog.Logger, settings models.RootSettings, token string, svc Service, executor shell.CommandExecutor) *Server {
	s := NewServer(logger, settings, token, svc)
	s.executor = executor
	return s
}

// Serve listens on the configured socket until ctx is cancelled or a client calls Destroy.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.prepareStaging(ctx); err != nil {
		return err
	}

	ln, err := rpcwire.Listen(s.settings.Socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.settings.Socket, err)
	}
	defer func() { _ = os.Remove(s.settings.Socket) }()

	if err := os.Chmod(s.settings.Socket, SocketMode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	srv := rpc.NewServer()
	if err := srv.RegisterName(ServiceName, NewEndpoint(ctx, s.svc, cancel)); err != nil {
		_ = ln.Close()
		return fmt.Errorf("registering endpoint: %w", err)
	}

	stager := transfer.NewStager(s.settings.StagingDir)
	s.logger.Info().Str("socket", s.settings.Socket).Int("pid", os.Getpid()).Msg("rootd listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			uc, err := ln.AcceptUnix()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go s.serveConn(gctx, srv, rpcwire.NewConn(uc, stager))
		}
	})

	err = g.Wait()
	s.logger.Info().Msg("rootd stopped")
	return err
}

func (s *Server) serveConn(ctx context.Context, srv *rpc.Server, conn *rpcwire.Conn) {
	if err := rpcwire.ServerHandshake(conn, s.token, s.settings.AllowedUID); err != nil {
		s.logger.Warn().Err(err).Msg("rejected connection")
		_ = conn.Close()
		return
	}
	s.logger.Debug().Msg("client connected")

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-conn.Done():
		}
	}()
	srv.ServeCodec(rpcwire.NewServerCodec(conn))
	s.logger.Debug().Msg("client disconnected")
}

// prepareStaging creates the staging directory and re-applies its SELinux label.
// The label is lost whenever the directory is recreated, so this runs on every start.
func (s *Server) prepareStaging(ctx context.Context) error {
	if err := os.MkdirAll(s.settings.StagingDir, 0o700); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	if s.settings.SecurityLabel == "" {
		return nil
	}
	out, err := s.executor.Execute(ctx, "chcon", "-R", s.settings.SecurityLabel, s.settings.StagingDir)
	if err != nil {
		return fmt.Errorf("relabelling staging dir: %w, output: %s", err, string(out))
	}
	return nil
}
