package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/natefinch/atomic"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHPort = 22

// ClientFactory opens SFTP sessions.
type ClientFactory interface {
	NewClient(ctx context.Context, addr string, config *ssh.ClientConfig) (*sftp.Client, io.Closer, error)
}

// DefaultClientFactory dials SSH over TCP and starts the sftp subsystem.
type DefaultClientFactory struct{}

// NewClient creates a new SFTP client. The returned closer tears down the SSH connection.
func (f *DefaultClientFactory) NewClient(ctx context.Context, addr string, config *ssh.ClientConfig) (*sftp.Client, io.Closer, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	client := ssh.NewClient(c, chans, reqs)

	cli, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	return cli, client, nil
}

// SFTP stores archives on an SSH server.
type SFTP struct {
	cli    *sftp.Client
	conn   io.Closer
	root   string
	logger zerolog.Logger
}

// NewSFTP connects to the server in cfg.
func NewSFTP(ctx context.Context, logger zerolog.Logger, cfg *models.RemoteConfig) (*SFTP, error) {
	return NewSFTPWithClientFactory(ctx, logger, cfg, &DefaultClientFactory{})
}

// NewSFTPWithClientFactory connects through a custom client factory (for testing).
func NewSFTPWithClientFactory(ctx context.Context, logger zerolog.Logger, cfg *models.RemoteConfig, factory ClientFactory) (*SFTP, error) {
	config, err := buildSSHConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	logger.Debug().Str("addr", addr).Str("user", cfg.Username).Msg("connecting sftp")
	cli, conn, err := factory.NewClient(ctx, addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &SFTP{cli: cli, conn: conn, root: cfg.Dir, logger: logger}, nil
}

func buildSSHConfig(cfg *models.RemoteConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no private key or password provided")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via known_hosts
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}, nil
}

// Upload copies a local file to the server, creating parent directories.
func (s *SFTP) Upload(_ context.Context, localPath, remotePath string) error {
	target := join(s.root, remotePath)
	in, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := s.cli.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("creating %s: %w", path.Dir(target), err)
	}
	out, err := s.cli.Create(target)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}

	s.logger.Debug().Str("local", localPath).Str("remote", target).Msg("uploading")
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("uploading %s: %w", target, err)
	}
	return nil
}

// Download copies a remote file into localPath atomically.
func (s *SFTP) Download(_ context.Context, remotePath, localPath string) error {
	source := join(s.root, remotePath)
	f, err := s.cli.Open(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", source, ErrNotFound)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	s.logger.Debug().Str("remote", source).Str("local", localPath).Msg("downloading")
	if err := atomic.WriteFile(localPath, f); err != nil {
		return fmt.Errorf("downloading %s: %w", source, err)
	}
	return nil
}

// Exists reports whether remotePath exists on the server.
func (s *SFTP) Exists(_ context.Context, remotePath string) (bool, error) {
	_, err := s.cli.Stat(join(s.root, remotePath))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// MkdirAll creates a directory tree on the server.
func (s *SFTP) MkdirAll(_ context.Context, remotePath string) error {
	return s.cli.MkdirAll(join(s.root, remotePath))
}

// Remove deletes a file or tree. A missing path is not an error.
func (s *SFTP) Remove(_ context.Context, remotePath string) error {
	err := s.removeAll(join(s.root, remotePath))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *SFTP) removeAll(p string) error {
	info, err := s.cli.Lstat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := s.cli.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.removeAll(path.Join(p, e.Name())); err != nil {
				return err
			}
		}
		return s.cli.RemoveDirectory(p)
	}
	return s.cli.Remove(p)
}

// Close ends the sftp session and the SSH connection.
func (s *SFTP) Close() error {
	err := s.cli.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
