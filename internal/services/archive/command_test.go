package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockExecutor is a mock implementation of CommandExecutor for testing.
type mockExecutor struct {
	executeFunc func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.executeFunc != nil {
		return m.executeFunc(ctx, name, args...)
	}
	return nil, nil
}

func (m *mockExecutor) ExecuteWithEnv(ctx context.Context, _ []string, name string, args ...string) ([]byte, error) {
	return m.Execute(ctx, name, args...)
}

func (m *mockExecutor) Start(_ string, _ ...string) error {
	return nil
}

func resultOutput(t *testing.T, logs string, result *models.ArchiveResult) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(logs)
	require.NoError(t, WriteResult(&buf, result))
	return buf.Bytes()
}

func TestCommand_Pack(t *testing.T) {
	req := models.PackRequest{
		SrcDir:          "/data/user/0",
		Entries:         []string{"com.example.app"},
		Dst:             "/backup/apps/com.example.app/user_0/user.tar.zst",
		CompressionType: models.CompressionZstd,
		Exclusions:      UserExclusions,
	}

	executor := &mockExecutor{
		executeFunc: func(_ context.Context, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "/system/bin/droidbackup", name)
			require.Len(t, args, 4)
			assert.Equal(t, []string{"archive", "pack", "--request"}, args[:3])

			var got models.PackRequest
			require.NoError(t, json.Unmarshal([]byte(args[3]), &got))
			assert.Equal(t, req, got)

			logs := `{"level":"debug","entries":3,"message":"packed"}` + "\n"
			return resultOutput(t, logs, &models.ArchiveResult{Entries: 3, Bytes: 42, Size: 21, Duration: time.Second}), nil
		},
	}

	cmd := NewCommand(testLogger(), executor, "/system/bin/droidbackup")
	result, err := cmd.Pack(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, 3, result.Entries)
	assert.Equal(t, int64(42), result.Bytes)
	assert.Equal(t, int64(21), result.Size)
	assert.Equal(t, time.Second, result.Duration)
}

func TestCommand_ReportedError(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(_ context.Context, _ string, args ...string) ([]byte, error) {
			assert.Equal(t, "unpack", args[1])
			return resultOutput(t, "", &models.ArchiveResult{ErrorMsg: "unpack failed: unexpected EOF"}), errors.New("exit status 1")
		},
	}

	result, err := NewCommand(testLogger(), executor, "droidbackup").Unpack(context.Background(), models.UnpackRequest{
		Src: "/backup/user.tar", DstDir: "/data/user/0", CompressionType: models.CompressionTar,
	})
	require.NoError(t, err)
	assert.EqualError(t, result.Error, "unpack failed: unexpected EOF")
}

func TestCommand_NoResultLine(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(_ context.Context, _ string, _ ...string) ([]byte, error) {
			return []byte("su: permission denied\n"), errors.New("exit status 1")
		},
	}

	result, err := NewCommand(testLogger(), executor, "droidbackup").Test(context.Background(), "/backup/user.tar", models.CompressionTar)
	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "exit status 1")
	assert.Contains(t, result.Log, "permission denied")
}

func TestCommand_TestSendsSource(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(_ context.Context, _ string, args ...string) ([]byte, error) {
			assert.Equal(t, "test", args[1])
			var got models.UnpackRequest
			require.NoError(t, json.Unmarshal([]byte(args[3]), &got))
			assert.Equal(t, "/backup/user.tar.lz4", got.Src)
			assert.Equal(t, models.CompressionLz4, got.CompressionType)
			return resultOutput(t, "", &models.ArchiveResult{Entries: 1}), nil
		},
	}

	result, err := NewCommand(testLogger(), executor, "droidbackup").Test(context.Background(), "/backup/user.tar.lz4", models.CompressionLz4)
	require.NoError(t, err)
	assert.NoError(t, result.Error)
	assert.Equal(t, 1, result.Entries)
}

func TestCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	executor := &mockExecutor{
		executeFunc: func(_ context.Context, _ string, _ ...string) ([]byte, error) {
			cancel()
			return resultOutput(t, "", &models.ArchiveResult{Entries: 2}), errors.New("signal: killed")
		},
	}

	result, err := NewCommand(testLogger(), executor, "droidbackup").Pack(ctx, models.PackRequest{})
	require.NoError(t, err)
	assert.ErrorContains(t, result.Error, context.Canceled.Error())
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    int
		wantErr bool
	}{
		{
			name:   "result after logs",
			output: "{\"level\":\"info\",\"message\":\"x\"}\nplain text\n{\"archiveResult\":{\"entries\":7}}\n",
			want:   7,
		},
		{
			name:   "trailing noise",
			output: "{\"archiveResult\":{\"entries\":2}}\n\n",
			want:   2,
		},
		{
			name:    "logs only",
			output:  "{\"level\":\"info\",\"entries\":9}\n",
			wantErr: true,
		},
		{
			name:    "empty",
			output:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseResult([]byte(tt.output))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Entries)
		})
	}
}
