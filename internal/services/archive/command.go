package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/shell"
	"github.com/rs/zerolog"
)

// Command runs archive operations as `<exe> archive <op> --request <json>`
// through the executor, so they run with the executor's privileges and die
// with the caller's context.
type Command struct {
	executor   shell.CommandExecutor
	executable string
	logger     zerolog.Logger
}

// NewCommand creates a subprocess-backed archive service.
func NewCommand(logger zerolog.Logger, executor shell.CommandExecutor, executable string) *Command {
	return &Command{
		executor:   executor,
		executable: executable,
		logger:     logger,
	}
}

// Pack runs `archive pack`.
func (c *Command) Pack(ctx context.Context, req models.PackRequest) (*models.ArchiveResult, error) {
	return c.run(ctx, "pack", req)
}

// Unpack runs `archive unpack`.
func (c *Command) Unpack(ctx context.Context, req models.UnpackRequest) (*models.ArchiveResult, error) {
	return c.run(ctx, "unpack", req)
}

// Test runs `archive test`.
func (c *Command) Test(ctx context.Context, path string, ct models.CompressionType) (*models.ArchiveResult, error) {
	return c.run(ctx, "test", models.UnpackRequest{Src: path, CompressionType: ct})
}

func (c *Command) run(ctx context.Context, op string, req any) (*models.ArchiveResult, error) {
	start := time.Now()
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", op, err)
	}

	output, err := c.executor.Execute(ctx, c.executable, "archive", op, "--request", string(payload))
	result, perr := ParseResult(output)
	if perr != nil {
		if err == nil {
			err = perr
		}
		return &models.ArchiveResult{
			Duration: time.Since(start),
			Log:      string(output),
			Error:    fmt.Errorf("archive %s failed: %w, output: %s", op, err, string(output)),
		}, nil
	}
	if ctx.Err() != nil && result.ErrorMsg == "" {
		result.ErrorMsg = ctx.Err().Error()
	}
	if result.ErrorMsg != "" {
		result.Error = errors.New(result.ErrorMsg)
	}
	return result, nil
}

type resultLine struct {
	Result *models.ArchiveResult `json:"archiveResult"`
}

// WriteResult prints the result line read back by ParseResult.
func WriteResult(w io.Writer, result *models.ArchiveResult) error {
	return json.NewEncoder(w).Encode(resultLine{Result: result})
}

// ParseResult finds the result line written by the archive command. Log lines
// may precede it.
func ParseResult(output []byte) (*models.ArchiveResult, error) {
	lines := bytes.Split(bytes.TrimSpace(output), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err == nil && rl.Result != nil {
			return rl.Result, nil
		}
	}
	return nil, errors.New("no archive result in output")
}
