package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/fgeck/droidbackup/internal/models"
)

// saveBackupArtifacts runs the backup-only post-processing steps.
func (r *taskRun) saveBackupArtifacts(ctx context.Context) error {
	if err := r.step(ctx, r.postInfo(models.InfoBackupItself), func() (models.OperationState, string) {
		return r.backupItself(ctx)
	}); err != nil {
		return err
	}
	if err := r.step(ctx, r.postInfo(models.InfoSaveConfigs), func() (models.OperationState, string) {
		return r.saveConfigs(ctx)
	}); err != nil {
		return err
	}
	return r.step(ctx, r.postInfo(models.InfoSaveNetworks), func() (models.OperationState, string) {
		return r.saveNetworks(ctx)
	})
}

func (r *taskRun) backupItself(ctx context.Context) (models.OperationState, string) {
	if !r.cfg.Backup.BackupItself || r.executable == "" {
		return models.StateSkip, ""
	}
	if !r.dest.isRemote() {
		dst := r.dest.path(selfBackupName)
		if sum := r.root.CalculateHash(ctx, r.executable); sum != "" && sum == r.root.CalculateHash(ctx, dst) {
			return models.StateSkip, "Already up to date"
		}
	}
	if err := r.dest.put(ctx, r.executable, selfBackupName); err != nil {
		return models.StateError, err.Error()
	}
	return models.StateDone, ""
}

func (r *taskRun) saveConfigs(ctx context.Context) (models.OperationState, string) {
	var (
		v    any
		name string
		n    int
	)
	switch r.target {
	case models.TargetPackages:
		all, err := r.store.ListPackages(r.bg, models.OpRestore)
		if err != nil {
			return models.StateError, err.Error()
		}
		list := []models.PackageEntity{}
		for _, p := range all {
			if p.IndexInfo.Cloud == r.dest.cloud && p.IndexInfo.BackupDir == r.dest.backupDir {
				list = append(list, p)
			}
		}
		v, name, n = list, packagesConfigsName, len(list)
	default:
		all, err := r.store.ListMedia(r.bg, models.OpRestore)
		if err != nil {
			return models.StateError, err.Error()
		}
		list := []models.MediaEntity{}
		for _, m := range all {
			if m.IndexInfo.Cloud == r.dest.cloud && m.IndexInfo.BackupDir == r.dest.backupDir {
				list = append(list, m)
			}
		}
		v, name, n = list, mediaConfigsName, len(list)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return models.StateError, err.Error()
	}
	if err := r.dest.write(ctx, path.Join(configsDir, name), data); err != nil {
		return models.StateError, err.Error()
	}
	return models.StateDone, fmt.Sprintf("%d restore candidates saved", n)
}

func (r *taskRun) saveNetworks(ctx context.Context) (models.OperationState, string) {
	if !r.cfg.Backup.BackupNetworks || r.target != models.TargetPackages {
		return models.StateSkip, ""
	}
	networks := r.root.GetPrivilegedConfiguredNetworks(ctx)
	if len(networks) == 0 {
		return models.StateSkip, "No networks configured"
	}
	data, err := json.MarshalIndent(networks, "", "  ")
	if err != nil {
		return models.StateError, err.Error()
	}
	if err := r.dest.write(ctx, path.Join(configsDir, networksConfigName), data); err != nil {
		return models.StateError, err.Error()
	}
	return models.StateDone, fmt.Sprintf("%d networks saved", len(networks))
}
