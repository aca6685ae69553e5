package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var scanUser int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Record the installed apps of a user as backup candidates",
	Long: `Scan the installed third-party apps of a user. New apps start with every
partition selected; apps already known keep their selection. Apps that are
no longer installed are kept but marked as gone.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanUser, "user", -1, "user id to scan (defaults to backup.user_id)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	userID := cfg.Backup.UserID
	if scanUser >= 0 {
		userID = scanUser
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg, func(error) { cancel() })
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.orchestrator.ScanPackages(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int("user", userID).Msg("scan failed")
		return err
	}
	log.Info().Int("user", userID).Int("packages", n).Msg("scan completed")
	return nil
}
