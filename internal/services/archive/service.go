// Package archive packs partitions into compressed tarballs and unpacks them.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// Exclusions applied below each package directory.
var (
	UserExclusions     = []string{".ota", "cache", "lib", "code_cache", "no_backup"}
	ExternalExclusions = []string{"cache", "Backup_*"}
)

// Service defines the interface for archive operations.
type Service interface {
	Pack(ctx context.Context, req models.PackRequest) (*models.ArchiveResult, error)
	Unpack(ctx context.Context, req models.UnpackRequest) (*models.ArchiveResult, error)
	Test(ctx context.Context, path string, ct models.CompressionType) (*models.ArchiveResult, error)
}

// Impl runs archive operations in-process.
type Impl struct {
	logger zerolog.Logger
}

// New creates an in-process archive service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Pack writes the entries of req.SrcDir into req.Dst. The destination is only
// replaced once the whole archive has been written.
func (s *Impl) Pack(ctx context.Context, req models.PackRequest) (*models.ArchiveResult, error) {
	s.logger.Debug().Str("src", req.SrcDir).Strs("entries", req.Entries).Str("dst", req.Dst).Msg("packing")
	start := time.Now()
	result := &models.ArchiveResult{}

	if err := os.MkdirAll(filepath.Dir(req.Dst), 0o771); err != nil {
		result.Error = fmt.Errorf("creating archive dir: %w", err)
		return finish(result, start), nil
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pw.CloseWithError(s.writeTar(ctx, pw, req, result))
	}()

	err := atomic.WriteFile(req.Dst, pr)
	_ = pr.CloseWithError(err)
	<-done
	//nolint:nilerr // error is stored in result struct by design
	if err != nil {
		result.Error = fmt.Errorf("pack failed: %w", err)
		return finish(result, start), nil
	}

	if info, err := os.Stat(req.Dst); err == nil {
		result.Size = info.Size()
	}
	s.logger.Debug().Int("entries", result.Entries).Int64("bytes", result.Bytes).Int64("size", result.Size).Msg("packed")
	return finish(result, start), nil
}

func (s *Impl) writeTar(ctx context.Context, w io.Writer, req models.PackRequest, result *models.ArchiveResult) error {
	cw, err := newWriter(w, req.CompressionType, req.Level)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(cw)

	for _, entry := range req.Entries {
		root := filepath.Join(req.SrcDir, entry)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(req.SrcDir, path)
			if err != nil {
				return err
			}
			if path != root && excluded(req.Exclusions, strings.TrimPrefix(rel, entry+string(filepath.Separator))) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return s.addEntry(tw, path, filepath.ToSlash(rel), req.FollowSymlinks, result)
		})
		if err != nil {
			return fmt.Errorf("archiving %s: %w", entry, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return cw.Close()
}

func (s *Impl) addEntry(tw *tar.Writer, path, name string, follow bool, result *models.ArchiveResult) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if follow {
			if target, err := os.Stat(path); err == nil && target.Mode().IsRegular() {
				info = target
			}
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
	}
	if !info.Mode().IsRegular() && !info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
		// Sockets, pipes and devices are not restorable.
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.Format = tar.FormatPAX
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	result.Entries++

	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	n, err := io.Copy(tw, f)
	result.Bytes += n
	return err
}

// Unpack extracts req.Src below req.DstDir. With Clean, every top-level entry
// of the archive is removed from DstDir before its first file is written.
func (s *Impl) Unpack(ctx context.Context, req models.UnpackRequest) (*models.ArchiveResult, error) {
	s.logger.Debug().Str("src", req.Src).Str("dst", req.DstDir).Bool("clean", req.Clean).Msg("unpacking")
	start := time.Now()
	result := &models.ArchiveResult{}

	//nolint:nilerr // error is stored in result struct by design
	if err := s.extract(ctx, req, result); err != nil {
		result.Error = fmt.Errorf("unpack failed: %w", err)
	}
	return finish(result, start), nil
}

//nolint:gocyclo // one case per tar entry type
func (s *Impl) extract(ctx context.Context, req models.UnpackRequest, result *models.ArchiveResult) error {
	f, err := os.Open(req.Src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if info, err := f.Stat(); err == nil {
		result.Size = info.Size()
	}

	cr, err := newReader(f, req.CompressionType)
	if err != nil {
		return err
	}
	defer func() { _ = cr.Close() }()

	if err := os.MkdirAll(req.DstDir, 0o771); err != nil {
		return err
	}

	cleaned := map[string]bool{}
	links := map[string]bool{}
	asRoot := os.Geteuid() == 0
	tr := tar.NewReader(cr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == "." || filepath.IsAbs(name) || !within(req.DstDir, filepath.Join(req.DstDir, name)) {
			return fmt.Errorf("unsafe path %q in archive", hdr.Name)
		}
		if link := underSymlink(links, name); link != "" {
			return fmt.Errorf("unsafe path %q in archive: parent %q is a symlink", hdr.Name, link)
		}
		top, inner, _ := strings.Cut(name, string(filepath.Separator))
		if inner != "" && excluded(req.Exclusions, inner) {
			continue
		}
		target := filepath.Join(req.DstDir, name)

		if req.Clean && !cleaned[top] {
			if err := os.RemoveAll(filepath.Join(req.DstDir, top)); err != nil {
				return fmt.Errorf("cleaning %s: %w", top, err)
			}
			cleaned[top] = true
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o771); err != nil {
			return err
		}

		mode := hdr.FileInfo().Mode()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode.Perm()); err != nil {
				return err
			}
			if err := os.Chmod(target, mode.Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
			if err != nil {
				return err
			}
			n, err := io.Copy(out, tr)
			result.Bytes += n
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		case tar.TypeSymlink:
			if !safeSymlink(req.DstDir, target, hdr.Linkname) {
				return fmt.Errorf("unsafe symlink %q -> %q in archive", hdr.Name, hdr.Linkname)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
			links[name] = true
		case tar.TypeLink:
			old := filepath.Join(req.DstDir, filepath.FromSlash(hdr.Linkname))
			if !within(req.DstDir, old) {
				return fmt.Errorf("unsafe hard link %q -> %q in archive", hdr.Name, hdr.Linkname)
			}
			_ = os.Remove(target)
			if err := os.Link(old, target); err != nil {
				return err
			}
		default:
			continue
		}
		result.Entries++

		if asRoot {
			_ = os.Lchown(target, hdr.Uid, hdr.Gid)
		}
		if hdr.Typeflag != tar.TypeSymlink {
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
		}
	}
}

// within reports whether path lies inside root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// safeSymlink rejects link targets that leave dstDir. Absolute targets are
// judged as if rooted at dstDir; relative ones from the link's directory.
func safeSymlink(dstDir, target, linkname string) bool {
	link := filepath.FromSlash(linkname)
	switch {
	case linkname == "":
		return false
	case filepath.IsAbs(link):
		return within(dstDir, filepath.Join(dstDir, link))
	default:
		return within(dstDir, filepath.Join(filepath.Dir(target), link))
	}
}

// underSymlink returns the extracted symlink that is a parent of name, if any.
func underSymlink(links map[string]bool, name string) string {
	for dir := filepath.Dir(name); dir != "."; dir = filepath.Dir(dir) {
		if links[dir] {
			return dir
		}
	}
	return ""
}

// Test reads the whole archive and reports how many entries it holds.
func (s *Impl) Test(ctx context.Context, path string, ct models.CompressionType) (*models.ArchiveResult, error) {
	start := time.Now()
	result := &models.ArchiveResult{}

	//nolint:nilerr // error is stored in result struct by design
	if err := s.verify(ctx, path, ct, result); err != nil {
		result.Error = fmt.Errorf("archive test failed: %w", err)
	}
	return finish(result, start), nil
}

func (s *Impl) verify(ctx context.Context, path string, ct models.CompressionType, result *models.ArchiveResult) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if info, err := f.Stat(); err == nil {
		result.Size = info.Size()
	}

	cr, err := newReader(f, ct)
	if err != nil {
		return err
	}
	defer func() { _ = cr.Close() }()

	tr := tar.NewReader(cr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err := io.Copy(io.Discard, tr)
		result.Bytes += n
		if err != nil {
			return err
		}
		result.Entries++
	}
}

// excluded matches rel, a path below an entry root, against glob patterns.
// Patterns without a separator match the first path component.
func excluded(patterns []string, rel string) bool {
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := filepath.Match(p, first); ok {
				return true
			}
		}
	}
	return false
}

func finish(result *models.ArchiveResult, start time.Time) *models.ArchiveResult {
	result.Duration = time.Since(start)
	if result.Error != nil {
		result.ErrorMsg = result.Error.Error()
	}
	return result
}
