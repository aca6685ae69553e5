package remote

import (
	"context"
	"io"
	"testing"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestJoin(t *testing.T) {
	tests := []struct {
		root string
		p    string
		want string
	}{
		{root: "", p: "apps/a/user.tar", want: "/apps/a/user.tar"},
		{root: "backups", p: "apps/a/user.tar", want: "/backups/apps/a/user.tar"},
		{root: "/backups/", p: "/apps/a", want: "/backups/apps/a"},
		{root: "backups", p: "../../etc/passwd", want: "/backups/etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.p, func(t *testing.T) {
			assert.Equal(t, tt.want, join(tt.root, tt.p))
		})
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	_, err := New(context.Background(), testLogger(), &models.RemoteConfig{Name: "nas", Type: "ftp"})
	assert.ErrorContains(t, err, `unsupported remote type "ftp"`)
}

func TestNew_WebDAVRequiresURL(t *testing.T) {
	_, err := New(context.Background(), testLogger(), &models.RemoteConfig{Name: "nas", Type: "webdav"})
	assert.ErrorContains(t, err, "has no url")
}

func TestNewS3(t *testing.T) {
	_, err := NewS3(testLogger(), &models.RemoteConfig{Type: "s3", Endpoint: "s3.example.com"})
	assert.ErrorContains(t, err, "bucket name must be specified")

	s, err := NewS3(testLogger(), &models.RemoteConfig{
		Type: "s3", Endpoint: "s3.example.com", Bucket: "phone", Dir: "pixel", Region: "eu-central-1", UseSSL: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pixel/apps/com.example.app/user_0/user.tar.zst", s.key("apps/com.example.app/user_0/user.tar.zst"))
	assert.NoError(t, s.MkdirAll(context.Background(), "anything"))
	assert.NoError(t, s.Close())
}
