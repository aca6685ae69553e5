package rootclient

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// LoadOrCreateToken returns the session token stored at path, creating a new
// random one on first use. The file is readable by its owner only.
func LoadOrCreateToken(path string) (string, error) {
	token, err := ReadToken(path)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	token = uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating token dir: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(token))); err != nil {
		return "", fmt.Errorf("writing token: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return "", err
	}
	return token, nil
}

// ReadToken reads an existing session token.
func ReadToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty: %w", path, os.ErrNotExist)
	}
	return token, nil
}
