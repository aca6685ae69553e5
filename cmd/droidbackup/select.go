package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	selectOp         string
	selectUser       int
	selectPartitions []string
	selectOff        bool
	selectPath       string
)

var selectCmd = &cobra.Command{
	Use:   "select package|media <name>",
	Short: "Activate an item or toggle its partitions",
	Long: `Without --partitions, activate the item for the next task (or deactivate it
with --off). With --partitions, select or deselect those partitions instead.
Partitions that were never backed up cannot be selected for restore.

A media directory unknown for backup is added when --path is given.`,
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"package", "media"},
	RunE:      runSelect,
}

func init() {
	selectCmd.Flags().StringVar(&selectOp, "op", string(models.OpBackup), "list to edit: backup or restore")
	selectCmd.Flags().IntVar(&selectUser, "user", -1, "user id of the package (defaults to backup.user_id)")
	selectCmd.Flags().StringSliceVar(&selectPartitions, "partitions", nil,
		"partitions to toggle: apk, user, user_de, data, obb, media")
	selectCmd.Flags().BoolVar(&selectOff, "off", false, "deactivate or deselect instead")
	selectCmd.Flags().StringVar(&selectPath, "path", "", "directory of a new backup media item")
}

func runSelect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	op := models.OpType(selectOp)
	if op != models.OpBackup && op != models.OpRestore {
		return fmt.Errorf("--op must be backup or restore")
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := ensureDataDir(cfg); err != nil {
		return err
	}
	st, err := store.Open(ctx, log.Logger, cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	switch args[0] {
	case "package":
		userID := cfg.Backup.UserID
		if selectUser >= 0 {
			userID = selectUser
		}
		err = selectPackage(ctx, st, cfg, op, args[1], userID)
	case "media":
		err = selectMedia(ctx, st, cfg, op, args[1])
	default:
		err = fmt.Errorf("unknown item kind %q", args[0])
	}
	if errors.Is(err, models.ErrPartitionDisabled) {
		log.Error().Err(err).Msg("partition has no archive")
	}
	return err
}

// candidateOf reports whether an entity belongs to the configured destination.
func candidateOf(cfg *models.Config, cloud, backupDir string) bool {
	if cfg.Remote != nil {
		return cloud == cfg.Remote.Name && backupDir == cfg.Remote.Dir
	}
	return cloud == "" && backupDir == cfg.Storage.BackupDir
}

func selectPackage(ctx context.Context, st *store.Store, cfg *models.Config, op models.OpType, name string, userID int) error {
	packages, err := st.ListPackages(ctx, op)
	if err != nil {
		return fmt.Errorf("listing packages: %w", err)
	}
	var p *models.PackageEntity
	for i := range packages {
		idx := packages[i].IndexInfo
		if idx.PackageName != name || idx.UserID != userID || idx.PreserveID != 0 {
			continue
		}
		if op == models.OpRestore && !candidateOf(cfg, idx.Cloud, idx.BackupDir) {
			continue
		}
		p = &packages[i]
		break
	}
	if p == nil {
		return fmt.Errorf("package %s (user %d) not found in %s list: %w", name, userID, op, store.ErrNotFound)
	}

	if len(selectPartitions) == 0 {
		p.ExtraInfo.Activated = !selectOff
	}
	for _, part := range selectPartitions {
		if err := p.SetSelected(models.DataType(part), !selectOff); err != nil {
			return err
		}
	}
	if err := st.UpsertPackage(ctx, p); err != nil {
		return fmt.Errorf("saving package: %w", err)
	}

	log.Info().
		Str("package", p.Name()).
		Str("op", string(op)).
		Bool("activated", p.ExtraInfo.Activated).
		Int("mask", p.SelectionMask()).
		Msg("selection updated")
	return nil
}

func selectMedia(ctx context.Context, st *store.Store, cfg *models.Config, op models.OpType, name string) error {
	media, err := st.ListMedia(ctx, op)
	if err != nil {
		return fmt.Errorf("listing media: %w", err)
	}
	var m *models.MediaEntity
	for i := range media {
		idx := media[i].IndexInfo
		if idx.Name != name || idx.PreserveID != 0 {
			continue
		}
		if op == models.OpRestore && !candidateOf(cfg, idx.Cloud, idx.BackupDir) {
			continue
		}
		m = &media[i]
		break
	}

	switch {
	case m != nil:
	case op == models.OpBackup && selectPath != "":
		m = &models.MediaEntity{
			IndexInfo: models.MediaIndexInfo{
				OpType:          models.OpBackup,
				Name:            name,
				CompressionType: cfg.Backup.Compression,
			},
			MediaInfo: models.MediaInfo{Path: filepath.Clean(selectPath)},
			ExtraInfo: models.MediaExtraInfo{Existed: true},
			DataState: models.DataSelected,
		}
	default:
		return fmt.Errorf("media %s not found in %s list: %w", name, op, store.ErrNotFound)
	}

	if len(selectPartitions) == 0 {
		m.ExtraInfo.Activated = !selectOff
	} else if err := m.SetSelected(!selectOff); err != nil {
		return err
	}
	if selectPath != "" && op == models.OpBackup {
		m.MediaInfo.Path = filepath.Clean(selectPath)
	}
	if err := st.UpsertMedia(ctx, m); err != nil {
		return fmt.Errorf("saving media: %w", err)
	}

	log.Info().
		Str("media", m.Name()).
		Str("path", m.MediaInfo.Path).
		Str("op", string(op)).
		Bool("activated", m.ExtraInfo.Activated).
		Bool("selected", m.Selected()).
		Msg("selection updated")
	return nil
}
