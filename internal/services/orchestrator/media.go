package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"

	"github.com/fgeck/droidbackup/internal/models"
)

// BackupMedia archives every activated media directory.
func (s *Impl) BackupMedia(ctx context.Context) (*models.Task, error) {
	var details []models.TaskDetailMedia
	return s.run(ctx, job{
		op:     models.OpBackup,
		target: models.TargetMedia,
		load: func(ctx context.Context, r *taskRun) (int, int64, error) {
			var err error
			details, err = r.loadMediaDetails(ctx)
			return len(details), sumMediaBytes(details), err
		},
		item: func(ctx context.Context, r *taskRun, i int) (string, bool, error) {
			ok, err := r.backupMedia(ctx, &details[i])
			return details[i].Media.Name(), ok, err
		},
		save: func(ctx context.Context, r *taskRun) error {
			return r.saveBackupArtifacts(ctx)
		},
		reset: func(ctx context.Context) error {
			return s.store.DeactivateMedia(ctx, models.OpBackup)
		},
	})
}

// RestoreMedia restores every activated media restore candidate.
func (s *Impl) RestoreMedia(ctx context.Context) (*models.Task, error) {
	var details []models.TaskDetailMedia
	return s.run(ctx, job{
		op:     models.OpRestore,
		target: models.TargetMedia,
		load: func(ctx context.Context, r *taskRun) (int, int64, error) {
			var err error
			details, err = r.loadMediaDetails(ctx)
			return len(details), sumMediaBytes(details), err
		},
		item: func(ctx context.Context, r *taskRun, i int) (string, bool, error) {
			ok, err := r.restoreMedia(ctx, &details[i])
			return details[i].Media.Name(), ok, err
		},
		reset: func(ctx context.Context) error {
			return s.store.DeactivateMedia(ctx, models.OpRestore)
		},
	})
}

func (r *taskRun) loadMediaDetails(ctx context.Context) ([]models.TaskDetailMedia, error) {
	media, err := r.store.ListActivatedMedia(ctx, r.op)
	if err != nil {
		return nil, err
	}
	details := make([]models.TaskDetailMedia, 0, len(media))
	for _, m := range media {
		if r.op == models.OpRestore && (m.IndexInfo.Cloud != r.dest.cloud || m.IndexInfo.BackupDir != r.dest.backupDir) {
			continue
		}
		d := models.TaskDetailMedia{
			TaskID: r.task.ID,
			State:  models.StateIdle,
			Media:  m,
			Info:   models.NewInfo("Media"),
		}
		if err := r.store.UpsertMediaDetail(r.bg, &d); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

func sumMediaBytes(details []models.TaskDetailMedia) int64 {
	var total int64
	for _, d := range details {
		total += d.Media.MediaInfo.DisplayBytes
	}
	return total
}

func (r *taskRun) saveMediaDetail(d *models.TaskDetailMedia) error {
	if err := r.store.UpsertMediaDetail(r.bg, d); err != nil {
		return fmt.Errorf("saving detail of %s: %w", d.Media.Name(), err)
	}
	return nil
}

func (r *taskRun) finishMediaDetail(d *models.TaskDetailMedia) (bool, error) {
	ok := d.IsSucceed()
	d.State = models.StateDone
	if !ok {
		d.State = models.StateError
	}
	return ok, r.saveMediaDetail(d)
}

func (r *taskRun) backupMedia(ctx context.Context, d *models.TaskDetailMedia) (bool, error) {
	m := &d.Media
	m.IndexInfo.CompressionType = r.cfg.Backup.Compression
	r.logger.Info().Str("media", m.Name()).Str("path", m.MediaInfo.Path).Msg("backing up media")

	d.State = models.StateProcessing
	if err := r.saveMediaDetail(d); err != nil {
		return false, err
	}

	archived, err := r.backupMediaPartition(ctx, d)
	if err != nil {
		return false, err
	}
	if archived {
		if err := r.saveMediaCandidate(ctx, d); err != nil {
			r.logger.Error().Err(err).Str("media", m.Name()).Msg("failed to record restore candidate")
			d.Info.State = models.StateError
			d.Info.Log = joinLog(d.Info.Log, err.Error())
		}
	}
	return r.finishMediaDetail(d)
}

func (r *taskRun) backupMediaPartition(ctx context.Context, d *models.TaskDetailMedia) (bool, error) {
	m := &d.Media
	info := &d.Info
	if !m.Selected() {
		return false, r.settle(ctx, models.DataTypeMedia, info, models.StateSkip, "")
	}

	info.State = models.StateProcessing
	if err := r.saveMediaDetail(d); err != nil {
		return false, err
	}

	live := m.MediaInfo.Path
	if !r.root.Exists(ctx, live) {
		return false, r.settle(ctx, models.DataTypeMedia, info, models.CodeNotApplicable.State(), live+" does not exist")
	}
	size := r.root.CalculateSize(ctx, live)
	if size < 0 {
		return false, r.settle(ctx, models.DataTypeMedia, info, models.StateError, "cannot read "+live)
	}

	ct := m.IndexInfo.CompressionType
	rel := path.Join(filesDir, m.ArchivesRelativeDir(), archiveName(models.DataTypeMedia, ct))
	if size == m.MediaInfo.DataBytes && r.dest.exists(ctx, rel) {
		info.Bytes = size
		return true, r.settle(ctx, models.DataTypeMedia, info, models.StateSkip, "Data has not changed")
	}

	local := r.dest.path(rel)
	result, err := r.archiver.Pack(ctx, models.PackRequest{
		SrcDir:          filepath.Dir(live),
		Entries:         []string{filepath.Base(live)},
		Dst:             local,
		CompressionType: ct,
		Level:           r.cfg.Backup.CompressionLevel,
		FollowSymlinks:  r.cfg.Backup.FollowSymlinks,
	})
	if err != nil {
		return false, r.settle(ctx, models.DataTypeMedia, info, models.StateError, err.Error())
	}
	if result.Error != nil {
		return false, r.settle(ctx, models.DataTypeMedia, info, models.StateError, joinLog(result.Log, result.Error.Error()))
	}
	tested, err := r.archiver.Test(ctx, local, ct)
	if err == nil && tested.Error != nil {
		err = tested.Error
	}
	if err != nil {
		return false, r.settle(ctx, models.DataTypeMedia, info, models.StateError, joinLog(result.Log, "archive test failed: "+err.Error()))
	}

	if r.dest.isRemote() {
		info.State = models.StateUploading
		if err := r.saveMediaDetail(d); err != nil {
			return false, err
		}
		if err := r.dest.commit(ctx, rel); err != nil {
			return false, r.settle(ctx, models.DataTypeMedia, info, models.StateError, err.Error())
		}
	}

	info.Bytes = size
	m.MediaInfo.DataBytes = size
	m.MediaInfo.DisplayBytes = result.Size
	return true, r.settle(ctx, models.DataTypeMedia, info, models.StateDone, result.Log)
}

func (r *taskRun) saveMediaCandidate(ctx context.Context, d *models.TaskDetailMedia) error {
	m := &d.Media
	now := r.clock.Now().UnixMilli()

	candidate := m.RestoreCandidate(true, now)
	candidate.IndexInfo.Cloud = r.dest.cloud
	candidate.IndexInfo.BackupDir = r.dest.backupDir

	data, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return err
	}
	if err := r.dest.write(ctx, path.Join(filesDir, m.ArchivesRelativeDir(), mediaConfigName), data); err != nil {
		return err
	}

	if existing, err := r.store.FindMedia(r.bg, candidate.IndexInfo); err == nil {
		candidate.ID = existing.ID
		candidate.ExtraInfo.Activated = existing.ExtraInfo.Activated
	}
	if err := r.store.UpsertMedia(r.bg, &candidate); err != nil {
		return err
	}

	m.ExtraInfo.LastBackupTime = now
	return r.store.UpsertMedia(r.bg, m)
}

func (r *taskRun) restoreMedia(ctx context.Context, d *models.TaskDetailMedia) (bool, error) {
	m := &d.Media
	r.logger.Info().Str("media", m.Name()).Str("path", m.MediaInfo.Path).Msg("restoring media")

	d.State = models.StateProcessing
	if err := r.saveMediaDetail(d); err != nil {
		return false, err
	}

	if err := r.restoreMediaPartition(ctx, d); err != nil {
		return false, err
	}
	return r.finishMediaDetail(d)
}

func (r *taskRun) restoreMediaPartition(ctx context.Context, d *models.TaskDetailMedia) error {
	m := &d.Media
	info := &d.Info
	if !m.Selected() {
		return r.settle(ctx, models.DataTypeMedia, info, models.StateSkip, "")
	}

	rel := path.Join(filesDir, m.ArchivesRelativeDir(), archiveName(models.DataTypeMedia, m.IndexInfo.CompressionType))
	if !r.dest.exists(ctx, rel) {
		return r.settle(ctx, models.DataTypeMedia, info, models.CodeNotApplicable.State(), rel+" does not exist")
	}

	info.State = models.StateProcessing
	if r.dest.isRemote() {
		info.State = models.StateDownloading
	}
	if err := r.saveMediaDetail(d); err != nil {
		return err
	}
	src, cleanup, err := r.dest.fetch(ctx, rel)
	if err != nil {
		return r.settle(ctx, models.DataTypeMedia, info, models.StateError, err.Error())
	}
	defer cleanup()
	info.State = models.StateProcessing
	if err := r.saveMediaDetail(d); err != nil {
		return err
	}

	result, err := r.archiver.Unpack(ctx, models.UnpackRequest{
		Src:             src,
		DstDir:          filepath.Dir(m.MediaInfo.Path),
		CompressionType: m.IndexInfo.CompressionType,
		Clean:           r.cfg.Restore.Clean,
	})
	if err != nil {
		return r.settle(ctx, models.DataTypeMedia, info, models.StateError, err.Error())
	}
	if result.Error != nil {
		return r.settle(ctx, models.DataTypeMedia, info, models.StateError, joinLog(result.Log, result.Error.Error()))
	}
	info.Bytes = result.Bytes
	return r.settle(ctx, models.DataTypeMedia, info, models.StateDone, result.Log)
}
