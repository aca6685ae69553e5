package privileged

import (
	"bytes"
	"context"
	"fmt"
	"os"
)

// abxMagic prefixes Android Binary XML files.
var abxMagic = []byte("ABX\x00")

// readSystemXML reads a system XML file, converting Android Binary XML to text
// with abx2xml. binary reports whether the file was stored as ABX.
func (s *Impl) readSystemXML(ctx context.Context, path string) (doc []byte, binary bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if !bytes.HasPrefix(raw, abxMagic) {
		return raw, false, nil
	}
	out, err := s.executor.Execute(ctx, "abx2xml", path, "-")
	if err != nil {
		return nil, true, fmt.Errorf("abx2xml: %w", err)
	}
	return out, true, nil
}

// writeSystemXML replaces a system XML file, converting back to ABX when the
// original was binary. Owner and mode of the old file are kept.
func (s *Impl) writeSystemXML(ctx context.Context, path string, doc []byte, binary bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	tmp := path + ".droidbackup"
	if err := os.WriteFile(tmp, doc, info.Mode().Perm()); err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if binary {
		bin := tmp + ".abx"
		if out, err := s.executor.Execute(ctx, "xml2abx", tmp, bin); err != nil {
			return fmt.Errorf("xml2abx: %w, output: %s", err, string(out))
		}
		if err := os.Rename(bin, tmp); err != nil {
			_ = os.Remove(bin)
			return err
		}
	}
	if err := chownLike(tmp, info); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
