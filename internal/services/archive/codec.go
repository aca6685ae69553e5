package archive

import (
	"fmt"
	"io"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4"
)

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newWriter wraps w with the compressor for ct. level 0 selects the codec default.
func newWriter(w io.Writer, ct models.CompressionType, level int) (io.WriteCloser, error) {
	switch ct {
	case models.CompressionTar:
		return nopWriteCloser{w}, nil
	case models.CompressionZstd:
		opts := []zstd.EOption{}
		if level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		}
		return zstd.NewWriter(w, opts...)
	case models.CompressionGzip:
		if level == 0 {
			level = pgzip.DefaultCompression
		}
		return pgzip.NewWriterLevel(w, level)
	case models.CompressionLz4:
		zw := lz4.NewWriter(w)
		if level > 0 {
			zw.Header.CompressionLevel = level
		}
		return zw, nil
	default:
		return nil, fmt.Errorf("unsupported compression type %q", ct)
	}
}

// newReader wraps r with the decompressor for ct.
func newReader(r io.Reader, ct models.CompressionType) (io.ReadCloser, error) {
	switch ct {
	case models.CompressionTar:
		return io.NopCloser(r), nil
	case models.CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case models.CompressionGzip:
		return pgzip.NewReader(r)
	case models.CompressionLz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %q", ct)
	}
}
