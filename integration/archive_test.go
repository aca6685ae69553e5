//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/archive"
	"github.com/fgeck/droidbackup/internal/services/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// archiveCommand runs archive operations through a built droidbackup binary,
// the way the client does, but without su.
func archiveCommand(t *testing.T) *archive.Command {
	t.Helper()

	bin := os.Getenv("TEST_DROIDBACKUP_BIN")
	if bin == "" {
		t.Skip("TEST_DROIDBACKUP_BIN not set")
	}
	return archive.NewCommand(testLogger(), shell.NewExecutor(""), bin)
}

func TestArchiveCommandRoundTrip_Integration(t *testing.T) {
	cmd := archiveCommand(t)
	ctx := context.Background()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "com.example", "files"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "com.example", "cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "com.example", "files", "state.txt"), []byte("state"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "com.example", "cache", "tmp.bin"), []byte("cache"), 0o600))

	for _, ct := range []models.CompressionType{
		models.CompressionTar,
		models.CompressionZstd,
		models.CompressionLz4,
		models.CompressionGzip,
	} {
		t.Run(string(ct), func(t *testing.T) {
			dst := filepath.Join(t.TempDir(), "user."+ct.Suffix())

			packed, err := cmd.Pack(ctx, models.PackRequest{
				SrcDir:          src,
				Entries:         []string{"com.example"},
				Dst:             dst,
				CompressionType: ct,
				Exclusions:      archive.UserExclusions,
			})
			require.NoError(t, err)
			require.NoError(t, packed.Error)
			assert.Positive(t, packed.Size)
			assert.FileExists(t, dst)

			tested, err := cmd.Test(ctx, dst, ct)
			require.NoError(t, err)
			require.NoError(t, tested.Error)

			out := t.TempDir()
			unpacked, err := cmd.Unpack(ctx, models.UnpackRequest{
				Src:             dst,
				DstDir:          out,
				CompressionType: ct,
			})
			require.NoError(t, err)
			require.NoError(t, unpacked.Error)

			content, err := os.ReadFile(filepath.Join(out, "com.example", "files", "state.txt"))
			require.NoError(t, err)
			assert.Equal(t, "state", string(content))
			assert.NoDirExists(t, filepath.Join(out, "com.example", "cache"))
		})
	}
}

func TestArchiveCommandMissingArchive_Integration(t *testing.T) {
	cmd := archiveCommand(t)

	result, err := cmd.Test(context.Background(), filepath.Join(t.TempDir(), "missing.tar.zst"), models.CompressionZstd)

	require.NoError(t, err)
	assert.Error(t, result.Error)
}
