package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "Manage saved Wi-Fi networks",
}

var networksRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Add the Wi-Fi networks saved by the last backup to the device",
	RunE:  runNetworksRestore,
}

func init() {
	networksCmd.AddCommand(networksRestoreCmd)
}

func runNetworksRestore(cmd *cobra.Command, args []string) error {
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

	n, err := a.orchestrator.RestoreNetworks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("restoring networks failed")
		return err
	}
	log.Info().Int("added", n).Msg("networks restored")
	return nil
}
