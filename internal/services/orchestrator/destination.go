package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fgeck/droidbackup/internal/services/privileged"
	"github.com/fgeck/droidbackup/internal/services/remote"
)

// Layout of the backup root.
const (
	appsDir             = "apps"
	filesDir            = "files"
	configsDir          = "configs"
	selfBackupName      = "droidbackup"
	packageConfigName   = "restore_config.json"
	mediaConfigName     = "media_restore_config.json"
	packagesConfigsName = "packages.json"
	mediaConfigsName    = "media.json"
	networksConfigName  = "networks.json"
)

// destination resolves archive paths relative to the backup root. Without a
// remote, dir is the backup root itself. With one, dir is a local staging area
// and every file is uploaded once written.
type destination struct {
	root      privileged.Service
	storage   remote.Storage
	dir       string
	cloud     string
	backupDir string
}

func (s *Impl) openDestination(ctx context.Context) (*destination, error) {
	d := &destination{root: s.root, dir: s.cfg.Storage.BackupDir, backupDir: s.cfg.Storage.BackupDir}
	if s.cfg.Remote != nil {
		storage, err := s.openStorage(ctx, s.logger, s.cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("opening remote %s: %w", s.cfg.Remote.Name, err)
		}
		d.storage = storage
		d.cloud = s.cfg.Remote.Name
		d.backupDir = s.cfg.Remote.Dir
		d.dir = filepath.Join(s.cfg.Storage.CacheDir, "staging")
	}
	if !s.root.Mkdirs(ctx, d.dir) {
		_ = d.close()
		return nil, fmt.Errorf("cannot create %s", d.dir)
	}
	// Downloads land in the staging area as this process.
	if d.isRemote() && !s.root.Chown(ctx, d.dir, os.Getuid(), os.Getgid()) {
		_ = d.close()
		return nil, fmt.Errorf("cannot take ownership of %s", d.dir)
	}
	return d, nil
}

func (d *destination) isRemote() bool {
	return d.storage != nil
}

func (d *destination) describe() string {
	if d.isRemote() {
		return d.cloud + ":" + d.backupDir
	}
	return d.backupDir
}

// path returns the local file behind rel.
func (d *destination) path(rel string) string {
	return filepath.Join(d.dir, filepath.FromSlash(rel))
}

func (d *destination) exists(ctx context.Context, rel string) bool {
	if !d.isRemote() {
		return d.root.Exists(ctx, d.path(rel))
	}
	ok, err := d.storage.Exists(ctx, rel)
	return err == nil && ok
}

// commit uploads the staged file at rel and drops the local copy. The file may
// have been written by a root subprocess, so it is handed to us first.
func (d *destination) commit(ctx context.Context, rel string) error {
	if !d.isRemote() {
		return nil
	}
	local := d.path(rel)
	defer d.root.DeleteRecursively(ctx, local)

	if !d.root.Chown(ctx, local, os.Getuid(), os.Getgid()) {
		return fmt.Errorf("cannot take ownership of %s", local)
	}
	if err := d.storage.Upload(ctx, local, rel); err != nil {
		return fmt.Errorf("upload %s: %w", rel, err)
	}
	return nil
}

// fetch makes rel available locally. The returned cleanup drops a downloaded copy.
func (d *destination) fetch(ctx context.Context, rel string) (string, func(), error) {
	local := d.path(rel)
	if !d.isRemote() {
		if !d.root.Exists(ctx, local) {
			return "", func() {}, fmt.Errorf("%s: %w", local, os.ErrNotExist)
		}
		return local, func() {}, nil
	}
	cleanup := func() { d.root.DeleteRecursively(context.WithoutCancel(ctx), local) }
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return "", func() {}, err
	}
	if err := d.storage.Download(ctx, rel, local); err != nil {
		cleanup()
		if errors.Is(err, remote.ErrNotFound) {
			return "", func() {}, fmt.Errorf("%s: %w", rel, os.ErrNotExist)
		}
		return "", func() {}, fmt.Errorf("download %s: %w", rel, err)
	}
	return local, cleanup, nil
}

func (d *destination) write(ctx context.Context, rel string, data []byte) error {
	if !d.root.WriteBytes(ctx, d.path(rel), data) {
		return fmt.Errorf("cannot write %s", d.path(rel))
	}
	return d.commit(ctx, rel)
}

func (d *destination) read(ctx context.Context, rel string) ([]byte, error) {
	local, cleanup, err := d.fetch(ctx, rel)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	data := d.root.ReadBytes(ctx, local)
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot read %s", local)
	}
	return data, nil
}

// put copies a local file owned by this process to rel.
func (d *destination) put(ctx context.Context, src, rel string) error {
	if d.isRemote() {
		if err := d.storage.Upload(ctx, src, rel); err != nil {
			return fmt.Errorf("upload %s: %w", rel, err)
		}
		return nil
	}
	if !d.root.CopyTo(ctx, src, d.path(rel), true) {
		return fmt.Errorf("cannot copy %s", src)
	}
	return nil
}

func (d *destination) close() error {
	if d.isRemote() {
		return d.storage.Close()
	}
	return nil
}
