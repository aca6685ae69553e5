package main

import (
	"fmt"

	"github.com/fgeck/droidbackup/internal/services/metrics"
	"github.com/fgeck/droidbackup/internal/services/privileged"
	"github.com/fgeck/droidbackup/internal/services/rootclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	rootdTokenFile  string
	rootdAllowedUID int
)

var rootdCmd = &cobra.Command{
	Use:    "rootd",
	Short:  "Run the privileged daemon (started through su by the client)",
	Hidden: true,
	RunE:   runRootd,
}

func init() {
	rootdCmd.Flags().StringVar(&rootdTokenFile, "token-file", "", "session token shared with the client (required)")
	rootdCmd.Flags().IntVar(&rootdAllowedUID, "allowed-uid", -1, "only accept connections from this uid (-1 accepts any)")
	_ = rootdCmd.MarkFlagRequired("token-file")
}

func runRootd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	token, err := rootclient.ReadToken(rootdTokenFile)
	if err != nil {
		log.Error().Err(err).Str("file", rootdTokenFile).Msg("failed to read session token")
		return fmt.Errorf("reading session token: %w", err)
	}

	settings := cfg.Root
	if cmd.Flags().Changed("allowed-uid") {
		settings.AllowedUID = rootdAllowedUID
	}

	ctx, cancel := signalContext()
	defer cancel()

	m := metrics.New()
	svc := privileged.New(log.Logger, cfg.Paths, m)
	server := privileged.NewServer(log.Logger, settings, token, svc)

	log.Info().
		Str("socket", settings.Socket).
		Int("allowed_uid", settings.AllowedUID).
		Msg("starting rootd")
	if err := server.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("rootd failed")
		return err
	}
	log.Info().Msg("rootd stopped")
	return nil
}
