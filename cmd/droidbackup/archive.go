package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/archive"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var archiveRequest string

// archiveCmd is run as a root subprocess by the client. The last stdout line
// carries the result.
var archiveCmd = &cobra.Command{
	Use:       "archive pack|unpack|test",
	Short:     "Run one archive operation (used internally)",
	Hidden:    true,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pack", "unpack", "test"},
	RunE:      runArchive,
}

func init() {
	archiveCmd.Flags().StringVar(&archiveRequest, "request", "", "JSON encoded request (required)")
	_ = archiveCmd.MarkFlagRequired("request")
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	result, err := archiveOp(ctx, args[0], []byte(archiveRequest))
	if err != nil {
		log.Error().Err(err).Str("op", args[0]).Msg("archive request rejected")
		result = &models.ArchiveResult{ErrorMsg: err.Error()}
	}
	if werr := archive.WriteResult(os.Stdout, result); werr != nil {
		return werr
	}
	if result.ErrorMsg != "" {
		return fmt.Errorf("archive %s: %s", args[0], result.ErrorMsg)
	}
	return nil
}

func archiveOp(ctx context.Context, op string, payload []byte) (*models.ArchiveResult, error) {
	svc := archive.New(log.Logger)
	switch op {
	case "pack":
		var req models.PackRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding pack request: %w", err)
		}
		return svc.Pack(ctx, req)
	case "unpack":
		var req models.UnpackRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding unpack request: %w", err)
		}
		return svc.Unpack(ctx, req)
	case "test":
		var req models.UnpackRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decoding test request: %w", err)
		}
		return svc.Test(ctx, req.Src, req.CompressionType)
	default:
		return nil, fmt.Errorf("unknown archive operation %q", op)
	}
}
