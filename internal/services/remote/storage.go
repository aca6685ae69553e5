// Package remote moves archives between the local backup directory and a
// remote target.
package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a remote object does not exist.
var ErrNotFound = errors.New("remote object not found")

// Storage defines the interface for remote archive storage. Remote paths are
// slash separated and relative to the configured root.
type Storage interface {
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Exists(ctx context.Context, remotePath string) (bool, error)
	MkdirAll(ctx context.Context, remotePath string) error
	Remove(ctx context.Context, remotePath string) error
	Close() error
}

// New opens the storage described by cfg.
func New(ctx context.Context, logger zerolog.Logger, cfg *models.RemoteConfig) (Storage, error) {
	logger = logger.With().Str("remote", cfg.Name).Str("type", cfg.Type).Logger()

	switch cfg.Type {
	case "webdav":
		return NewWebDAV(logger, cfg)
	case "sftp":
		return NewSFTP(ctx, logger, cfg)
	case "s3":
		return NewS3(logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported remote type %q", cfg.Type)
	}
}

// join resolves a remote path below root.
func join(root, p string) string {
	return path.Join("/", root, strings.TrimPrefix(path.Clean("/"+p), "/"))
}
