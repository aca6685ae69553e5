package remote

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"github.com/studio-b12/gowebdav"
)

const defaultDirPerm = 0o700

// WebDAV stores archives on a WebDAV share.
type WebDAV struct {
	cli    *gowebdav.Client
	root   string
	logger zerolog.Logger
}

// NewWebDAV creates a WebDAV storage rooted at cfg.Dir below cfg.URL.
func NewWebDAV(logger zerolog.Logger, cfg *models.RemoteConfig) (*WebDAV, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webdav remote %q has no url", cfg.Name)
	}
	return &WebDAV{
		cli:    gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password),
		root:   cfg.Dir,
		logger: logger,
	}, nil
}

// Upload streams a local file to the share, creating parent directories.
func (w *WebDAV) Upload(_ context.Context, localPath, remotePath string) error {
	target := join(w.root, remotePath)
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := w.cli.MkdirAll(path.Dir(target), defaultDirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", path.Dir(target), err)
	}
	w.logger.Debug().Str("local", localPath).Str("remote", target).Msg("uploading")
	if err := w.cli.WriteStream(target, f, 0o600); err != nil {
		return fmt.Errorf("uploading %s: %w", target, err)
	}
	return nil
}

// Download copies a remote file into localPath atomically.
func (w *WebDAV) Download(_ context.Context, remotePath, localPath string) error {
	source := join(w.root, remotePath)
	rc, err := w.cli.ReadStream(source)
	if err != nil {
		return translateWebDAVError(source, err)
	}
	defer func() { _ = rc.Close() }()

	w.logger.Debug().Str("remote", source).Str("local", localPath).Msg("downloading")
	if err := atomic.WriteFile(localPath, rc); err != nil {
		return fmt.Errorf("downloading %s: %w", source, err)
	}
	return nil
}

// Exists reports whether remotePath exists on the share.
func (w *WebDAV) Exists(_ context.Context, remotePath string) (bool, error) {
	_, err := w.cli.Stat(join(w.root, remotePath))
	if err == nil {
		return true, nil
	}
	if gowebdav.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

// MkdirAll creates a directory tree on the share.
func (w *WebDAV) MkdirAll(_ context.Context, remotePath string) error {
	return w.cli.MkdirAll(join(w.root, remotePath), defaultDirPerm)
}

// Remove deletes a file or tree. A missing path is not an error.
func (w *WebDAV) Remove(_ context.Context, remotePath string) error {
	err := w.cli.RemoveAll(join(w.root, remotePath))
	if err != nil && !gowebdav.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Close is a no-op for WebDAV.
func (w *WebDAV) Close() error {
	return nil
}

func translateWebDAVError(p string, err error) error {
	if gowebdav.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return err
}
