package main

import (
	"github.com/fgeck/droidbackup/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload [packages|media]",
	Short: "Rebuild the restore candidates from the backup destination",
	Long: `Read the restore configs found in the backup destination and record them
as restore candidates. Partitions without an archive are disabled.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"packages", "media"},
	RunE:      runReload,
}

func runReload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, cfg, func(error) { cancel() })
	if err != nil {
		return err
	}
	defer a.Close()

	target := targetArg(args)
	var n int
	if target == models.TargetMedia {
		n, err = a.orchestrator.ReloadMedia(ctx)
	} else {
		n, err = a.orchestrator.ReloadPackages(ctx)
	}
	if err != nil {
		log.Error().Err(err).Str("target", string(target)).Msg("reload failed")
		return err
	}
	log.Info().Str("target", string(target)).Int("candidates", n).Msg("reload completed")
	return nil
}
