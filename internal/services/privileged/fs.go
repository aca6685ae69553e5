package privileged

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

// Exists reports whether path exists, without following a final symlink.
func (s *Impl) Exists(_ context.Context, path string) (exists bool) {
	s.guard("Exists", func() error {
		_, err := os.Lstat(path)
		exists = err == nil
		return nil
	})
	return exists
}

// Mkdirs creates a directory tree. An existing directory counts as success.
func (s *Impl) Mkdirs(_ context.Context, path string) (ok bool) {
	s.guard("Mkdirs", func() error {
		if err := os.MkdirAll(path, 0o771); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// CreateNewFile creates an empty file and fails if it already exists.
func (s *Impl) CreateNewFile(_ context.Context, path string) (ok bool) {
	s.guard("CreateNewFile", func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o660)
		if err != nil {
			return err
		}
		ok = f.Close() == nil
		return nil
	})
	return ok
}

// CopyTo copies one file, creating parent directories.
func (s *Impl) CopyTo(_ context.Context, src, dst string, overwrite bool) (ok bool) {
	s.guard("CopyTo", func() error {
		if !overwrite {
			if _, err := os.Lstat(dst); err == nil {
				return fmt.Errorf("%s already exists", dst)
			}
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o771); err != nil {
			return err
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// CopyRecursively copies a tree. Without overwrite, an existing destination file fails the copy.
func (s *Impl) CopyRecursively(_ context.Context, src, dst string, overwrite bool) (ok bool) {
	s.guard("CopyRecursively", func() error {
		err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			target := filepath.Join(dst, rel)

			info, err := d.Info()
			if err != nil {
				return err
			}
			switch {
			case d.IsDir():
				return os.MkdirAll(target, info.Mode().Perm())
			case !overwrite && exists(target):
				return fmt.Errorf("%s already exists", target)
			case info.Mode()&os.ModeSymlink != 0:
				link, err := os.Readlink(path)
				if err != nil {
					return err
				}
				_ = os.Remove(target)
				return os.Symlink(link, target)
			case info.Mode().IsRegular():
				return copyFile(path, target)
			default:
				return nil
			}
		})
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// RenameTo moves src to dst.
func (s *Impl) RenameTo(_ context.Context, src, dst string) (ok bool) {
	s.guard("RenameTo", func() error {
		if err := os.Rename(src, dst); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// DeleteRecursively removes a tree. A missing path counts as success.
func (s *Impl) DeleteRecursively(_ context.Context, path string) (ok bool) {
	s.guard("DeleteRecursively", func() error {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// CalculateSize sums the sizes of regular files under path. A missing path is 0, a failed walk -1.
func (s *Impl) CalculateSize(_ context.Context, path string) (size int64) {
	size = -1
	s.guard("CalculateSize", func() error {
		total, err := treeSize(path)
		if err != nil {
			return err
		}
		size = total
		return nil
	})
	return size
}

// ClearEmptyDirectoriesRecursively removes every empty directory below path, deepest first.
func (s *Impl) ClearEmptyDirectoriesRecursively(_ context.Context, path string) (ok bool) {
	s.guard("ClearEmptyDirectoriesRecursively", func() error {
		var dirs []string
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() && p != path {
				dirs = append(dirs, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i := len(dirs) - 1; i >= 0; i-- {
			entries, err := os.ReadDir(dirs[i])
			if err == nil && len(entries) == 0 {
				_ = os.Remove(dirs[i])
			}
		}
		ok = true
		return nil
	})
	return ok
}

// ListFilePaths lists the direct children of path, sorted.
func (s *Impl) ListFilePaths(_ context.Context, path string, listFiles, listDirs bool) (paths []string) {
	paths = []string{}
	s.guard("ListFilePaths", func() error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if (e.IsDir() && listDirs) || (!e.IsDir() && listFiles) {
				paths = append(paths, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(paths)
		return nil
	})
	return paths
}

// WalkFileTree returns every node below path.
func (s *Impl) WalkFileTree(_ context.Context, path string) (entries []models.PathEntry) {
	entries = []models.PathEntry{}
	s.guard("WalkFileTree", func() error {
		var walked []models.PathEntry
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == path {
				return nil
			}
			entry := models.PathEntry{Path: p, IsDir: d.IsDir()}
			if !d.IsDir() {
				if info, err := d.Info(); err == nil {
					entry.Size = info.Size()
				}
			}
			walked = append(walked, entry)
			return nil
		})
		if err != nil {
			return err
		}
		entries = append(entries, walked...)
		return nil
	})
	return entries
}

// ReadText reads a whole file as text.
func (s *Impl) ReadText(_ context.Context, path string) (text string) {
	s.guard("ReadText", func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text = string(b)
		return nil
	})
	return text
}

// ReadBytes reads a whole file.
func (s *Impl) ReadBytes(_ context.Context, path string) (data []byte) {
	data = []byte{}
	s.guard("ReadBytes", func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	return data
}

// WriteBytes replaces path atomically, creating parent directories.
func (s *Impl) WriteBytes(_ context.Context, path string, data []byte) (ok bool) {
	s.guard("WriteBytes", func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o771); err != nil {
			return err
		}
		if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// CalculateHash returns the hex BLAKE3 digest of a file.
func (s *Impl) CalculateHash(_ context.Context, path string) (sum string) {
	s.guard("CalculateHash", func() error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()

		h := blake3.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		sum = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	return sum
}

// ReadStatFs reports the capacity of the filesystem holding path.
func (s *Impl) ReadStatFs(_ context.Context, path string) (stat models.StatFs) {
	s.guard("ReadStatFs", func() error {
		var st unix.Statfs_t
		if err := unix.Statfs(path, &st); err != nil {
			return err
		}
		bsize := int64(st.Bsize) //nolint:unconvert // Bsize width differs per arch
		stat = models.StatFs{
			AvailableBytes: int64(st.Bavail) * bsize,
			TotalBytes:     int64(st.Blocks) * bsize,
		}
		return nil
	})
	return stat
}

// Chown changes the owner of every node under path without following symlinks.
func (s *Impl) Chown(_ context.Context, path string, uid, gid int) (ok bool) {
	s.guard("Chown", func() error {
		err := filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return os.Lchown(p, uid, gid)
		})
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// RestoreSecurityContext resets SELinux labels under path to the policy defaults.
func (s *Impl) RestoreSecurityContext(ctx context.Context, path string) (ok bool) {
	s.guard("RestoreSecurityContext", func() error {
		if out, err := s.executor.Execute(ctx, "restorecon", "-RF", path); err != nil {
			return fmt.Errorf("restorecon: %w, output: %s", err, string(out))
		}
		ok = true
		return nil
	})
	return ok
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(dst, in); err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode().Perm())
}

func treeSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
