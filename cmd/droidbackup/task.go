package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup [packages|media]",
	Short: "Back up the activated packages or media",
	Long: `Back up every activated package (default) or media directory:
1. Wake-on-LAN (if a remote with wol is configured)
2. Preparations (screen timeout, device settings)
3. Each item, one partition at a time
4. Self backup, restore configs and Wi-Fi networks
5. Restore the device state and reset the list (if configured)
6. Send Telegram notification (if configured)`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"packages", "media"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, models.OpBackup, targetArg(args))
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [packages|media]",
	Short: "Restore the activated restore candidates",
	Long: `Restore every activated package (default) or media restore candidate
from the configured destination. Run "reload" first on a fresh device.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"packages", "media"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTask(cmd, models.OpRestore, targetArg(args))
	},
}

func targetArg(args []string) models.TargetType {
	if len(args) == 1 && args[0] == string(models.TargetMedia) {
		return models.TargetMedia
	}
	return models.TargetPackages
}

func runTask(cmd *cobra.Command, op models.OpType, target models.TargetType) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Losing rootd mid-task aborts the task; finished items stay recorded.
	a, err := openApp(ctx, cfg, func(error) { cancel() })
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics(ctx)

	stop := printProgress(a.store)
	defer stop()

	log.Info().
		Str("op", string(op)).
		Str("target", string(target)).
		Str("backup_dir", cfg.Storage.BackupDir).
		Msg("starting")

	var task *models.Task
	switch {
	case op == models.OpBackup && target == models.TargetMedia:
		task, err = a.orchestrator.BackupMedia(ctx)
	case op == models.OpBackup:
		task, err = a.orchestrator.BackupPackages(ctx)
	case target == models.TargetMedia:
		task, err = a.orchestrator.RestoreMedia(ctx)
	default:
		task, err = a.orchestrator.RestorePackages(ctx)
	}
	if err != nil {
		log.Error().Err(err).Msgf("%s failed", op)
		return err
	}

	printSummary(task)
	if task.FailureCount > 0 {
		return fmt.Errorf("%d of %d items failed", task.FailureCount, task.TotalCount)
	}
	log.Info().Msgf("%s completed successfully", op)
	return nil
}

// printProgress logs every finished item as the store publishes it.
func printProgress(st *store.Store) func() {
	unsubPackages := st.Subscribe(store.TopicPackageDetail, func(_ string, data interface{}) {
		d, ok := data.(models.TaskDetailPackage)
		if !ok || !d.IsFinished() {
			return
		}
		event := log.Info()
		if !d.IsSucceed() {
			event = log.Warn()
		}
		for _, dt := range models.PackageDataTypes {
			info := d.Infos.Get(dt)
			event = event.Str(string(dt), string(info.State))
		}
		event.Str("package", d.Package.Name()).Msg("package finished")
	})
	unsubMedia := st.Subscribe(store.TopicMediaDetail, func(_ string, data interface{}) {
		d, ok := data.(models.TaskDetailMedia)
		if !ok || !d.IsFinished() {
			return
		}
		log.Info().
			Str("media", d.Media.Name()).
			Str("state", string(d.Info.State)).
			Str("size", humanize.Bytes(uint64(max(d.Info.Bytes, 0)))).
			Msg("media finished")
	})
	return func() {
		unsubPackages()
		unsubMedia()
	}
}

func printSummary(task *models.Task) {
	if task == nil {
		return
	}
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Task: #%d %s %s\n", task.ID, task.OpType, task.TargetType)
	fmt.Printf("  Items: %d succeeded, %d failed, %d total\n", task.SuccessCount, task.FailureCount, task.TotalCount)
	fmt.Printf("  Data: %s\n", humanize.Bytes(uint64(max(task.RawBytes, 0))))
	fmt.Printf("  Free space: %s of %s\n",
		humanize.Bytes(uint64(max(task.AvailableBytes, 0))),
		humanize.Bytes(uint64(max(task.TotalBytes, 0))))
	if task.EndTimestamp > task.StartTimestamp {
		fmt.Printf("  Duration: %s\n",
			time.Duration(task.EndTimestamp-task.StartTimestamp)*time.Millisecond)
	}
}
