// Package transfer moves payloads too large for one RPC frame through an unlinked file handle.
package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// StagingFileName is the well-known file reused for every staged payload.
const StagingFileName = "payload.bin"

// Stager writes payloads into a private staging directory and hands back open handles.
type Stager struct {
	dir string
	mu  sync.Mutex
}

// NewStager creates a stager rooted at dir. The directory is created on first use.
func NewStager(dir string) *Stager {
	return &Stager{dir: dir}
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage writes payload to the staging file, opens it, removes the directory entry and
// returns the open handle. The caller owns the handle; closing it releases the bytes.
func (s *Stager) Stage(payload []byte) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}

	path := filepath.Join(s.dir, StagingFileName)
	_ = os.Remove(path)

	if err := os.WriteFile(path, payload, 0o600); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing staging file: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("opening staging file: %w", err)
	}

	// Only the open handle keeps the bytes alive from here on.
	if err := os.Remove(path); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("unlinking staging file: %w", err)
	}

	return f, nil
}

// Consume reads everything behind a staged handle and closes it.
func Consume(f *os.File) ([]byte, error) {
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding staged payload: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading staged payload: %w", err)
	}

	return data, nil
}
