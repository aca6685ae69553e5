package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/archive"
)

// Group ids owning external app storage.
const (
	gidExtDataRW = 1078
	gidExtObbRW  = 1079
)

// BackupPackages archives every activated package.
func (s *Impl) BackupPackages(ctx context.Context) (*models.Task, error) {
	var details []models.TaskDetailPackage
	return s.run(ctx, job{
		op:     models.OpBackup,
		target: models.TargetPackages,
		load: func(ctx context.Context, r *taskRun) (int, int64, error) {
			var err error
			details, err = r.loadPackageDetails(ctx)
			return len(details), sumPackageBytes(details), err
		},
		item: func(ctx context.Context, r *taskRun, i int) (string, bool, error) {
			ok, err := r.backupPackage(ctx, &details[i])
			return details[i].Package.Name(), ok, err
		},
		save: func(ctx context.Context, r *taskRun) error {
			return r.saveBackupArtifacts(ctx)
		},
		reset: func(ctx context.Context) error {
			return s.store.DeactivatePackages(ctx, models.OpBackup)
		},
	})
}

// RestorePackages restores every activated restore candidate.
func (s *Impl) RestorePackages(ctx context.Context) (*models.Task, error) {
	var details []models.TaskDetailPackage
	return s.run(ctx, job{
		op:     models.OpRestore,
		target: models.TargetPackages,
		load: func(ctx context.Context, r *taskRun) (int, int64, error) {
			var err error
			details, err = r.loadPackageDetails(ctx)
			return len(details), sumPackageBytes(details), err
		},
		item: func(ctx context.Context, r *taskRun, i int) (string, bool, error) {
			ok, err := r.restorePackage(ctx, &details[i])
			return details[i].Package.Name(), ok, err
		},
		reset: func(ctx context.Context) error {
			return s.store.DeactivatePackages(ctx, models.OpRestore)
		},
	})
}

func (r *taskRun) loadPackageDetails(ctx context.Context) ([]models.TaskDetailPackage, error) {
	packages, err := r.store.ListActivatedPackages(ctx, r.op)
	if err != nil {
		return nil, err
	}
	details := make([]models.TaskDetailPackage, 0, len(packages))
	for _, p := range packages {
		if r.op == models.OpRestore && (p.IndexInfo.Cloud != r.dest.cloud || p.IndexInfo.BackupDir != r.dest.backupDir) {
			continue
		}
		d := models.TaskDetailPackage{
			TaskID:  r.task.ID,
			State:   models.StateIdle,
			Package: p,
			Infos:   models.NewPackageInfos(),
		}
		if err := r.store.UpsertPackageDetail(r.bg, &d); err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

func sumPackageBytes(details []models.TaskDetailPackage) int64 {
	var total int64
	for _, d := range details {
		total += d.Package.DisplayStats.Total()
	}
	return total
}

func (r *taskRun) saveDetail(d *models.TaskDetailPackage) error {
	if err := r.store.UpsertPackageDetail(r.bg, d); err != nil {
		return fmt.Errorf("saving detail of %s: %w", d.Package.Name(), err)
	}
	return nil
}

func archiveName(dt models.DataType, ct models.CompressionType) string {
	return string(dt) + "." + ct.Suffix()
}

func exclusionsFor(dt models.DataType) []string {
	switch dt {
	case models.DataTypeUser, models.DataTypeUserDe:
		return archive.UserExclusions
	case models.DataTypeData, models.DataTypeObb, models.DataTypeMedia:
		return archive.ExternalExclusions
	default:
		return nil
	}
}

func (r *taskRun) backupPackage(ctx context.Context, d *models.TaskDetailPackage) (bool, error) {
	p := &d.Package
	p.IndexInfo.CompressionType = r.cfg.Backup.Compression
	r.logger.Info().Str("package", p.Name()).Int("user", p.IndexInfo.UserID).Msg("backing up package")

	d.State = models.StateProcessing
	if err := r.saveDetail(d); err != nil {
		return false, err
	}

	if r.cfg.Backup.KillApps {
		r.root.ForceStopPackage(ctx, p.Name(), p.IndexInfo.UserID)
	}

	var archived []models.DataType
	for _, dt := range models.PackageDataTypes {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		ok, err := r.backupPartition(ctx, d, dt)
		if err != nil {
			return false, err
		}
		if ok {
			archived = append(archived, dt)
		}
		if err := r.saveDetail(d); err != nil {
			return false, err
		}
	}

	if err := r.backupPackageExtras(ctx, d); err != nil {
		return false, err
	}

	ok := d.IsSucceed()
	if ok {
		if err := r.saveRestoreCandidate(ctx, d, archived); err != nil {
			r.logger.Error().Err(err).Str("package", p.Name()).Msg("failed to record restore candidate")
			ok = false
		}
	}
	return ok, r.finishDetail(d, ok)
}

func (r *taskRun) finishDetail(d *models.TaskDetailPackage, ok bool) error {
	d.State = models.StateDone
	if !ok {
		d.State = models.StateError
	}
	return r.saveDetail(d)
}

// backupPartition archives one partition and reports whether a valid archive
// exists for it afterwards.
//
//nolint:gocyclo // one branch per partition outcome
func (r *taskRun) backupPartition(ctx context.Context, d *models.TaskDetailPackage, dt models.DataType) (bool, error) {
	p := &d.Package
	info := d.Infos.Get(dt)
	if !p.Selected(dt) {
		return false, r.settle(ctx, dt, info, models.StateSkip, "")
	}

	info.State = models.StateProcessing
	if err := r.saveDetail(d); err != nil {
		return false, err
	}

	src, code, msg := r.packageSource(ctx, p, dt)
	if code != models.CodeOK {
		return false, r.settle(ctx, dt, info, code.State(), msg)
	}

	ct := p.IndexInfo.CompressionType
	rel := path.Join(appsDir, p.ArchivesRelativeDir(), archiveName(dt, ct))
	if src.size == p.DataStats.Get(dt) && r.dest.exists(ctx, rel) {
		info.Bytes = src.size
		return true, r.settle(ctx, dt, info, models.StateSkip, "Data has not changed")
	}

	local := r.dest.path(rel)
	result, err := r.archiver.Pack(ctx, models.PackRequest{
		SrcDir:          src.dir,
		Entries:         src.entries,
		Dst:             local,
		CompressionType: ct,
		Level:           r.cfg.Backup.CompressionLevel,
		Exclusions:      exclusionsFor(dt),
		FollowSymlinks:  r.cfg.Backup.FollowSymlinks,
	})
	if err != nil {
		return false, r.settle(ctx, dt, info, models.StateError, err.Error())
	}
	if result.Error != nil {
		return false, r.settle(ctx, dt, info, models.StateError, joinLog(result.Log, result.Error.Error()))
	}

	tested, err := r.archiver.Test(ctx, local, ct)
	if err == nil && tested.Error != nil {
		err = tested.Error
	}
	if err != nil {
		return false, r.settle(ctx, dt, info, models.StateError, joinLog(result.Log, "archive test failed: "+err.Error()))
	}

	if r.dest.isRemote() {
		info.State = models.StateUploading
		if err := r.saveDetail(d); err != nil {
			return false, err
		}
		if err := r.dest.commit(ctx, rel); err != nil {
			return false, r.settle(ctx, dt, info, models.StateError, err.Error())
		}
	}

	info.Bytes = src.size
	p.DataStats.Set(dt, src.size)
	p.DisplayStats.Set(dt, result.Size)
	return true, r.settle(ctx, dt, info, models.StateDone, result.Log)
}

type partitionSource struct {
	dir     string
	entries []string
	size    int64
}

// packageSource locates what to archive for a partition. Optional partitions
// that are absent or empty are reported as not applicable.
func (r *taskRun) packageSource(ctx context.Context, p *models.PackageEntity, dt models.DataType) (partitionSource, models.ResultCode, string) {
	if dt == models.DataTypeApk {
		dirs := r.root.GetPackageSourceDir(ctx, p.Name(), p.IndexInfo.UserID)
		if len(dirs) == 0 {
			return partitionSource{}, models.CodeFailed, "no apk found for " + p.Name()
		}
		src := partitionSource{dir: filepath.Dir(dirs[0])}
		for _, f := range r.root.ListFilePaths(ctx, src.dir, true, false) {
			if strings.HasSuffix(f, ".apk") {
				src.entries = append(src.entries, filepath.Base(f))
				src.size += max(r.root.CalculateSize(ctx, f), 0)
			}
		}
		if len(src.entries) == 0 {
			return partitionSource{}, models.CodeFailed, "no apk found in " + src.dir
		}
		return src, models.CodeOK, ""
	}

	live := r.cfg.Paths.PackageDir(dt, p.IndexInfo.UserID, p.Name())
	if !r.root.Exists(ctx, live) {
		if dt == models.DataTypeUser {
			return partitionSource{}, models.CodeFailed, live + " does not exist"
		}
		return partitionSource{}, models.CodeNotApplicable, live + " does not exist"
	}
	size := r.root.CalculateSize(ctx, live)
	switch {
	case size < 0:
		return partitionSource{}, models.CodeFailed, "cannot read " + live
	case size == 0 && dt != models.DataTypeUser:
		return partitionSource{}, models.CodeNotApplicable, live + " is empty"
	}
	return partitionSource{dir: filepath.Dir(live), entries: []string{p.Name()}, size: size}, models.CodeOK, ""
}

func (r *taskRun) backupPackageExtras(ctx context.Context, d *models.TaskDetailPackage) error {
	p := &d.Package
	user := p.IndexInfo.UserID

	if p.DataStates.Permission == models.DataSelected {
		p.ExtraInfo.Permissions = r.root.GetPermissions(ctx, p.Name(), user)
		d.Infos.Permission.Content = fmt.Sprintf("%d permissions", len(p.ExtraInfo.Permissions))
		d.Infos.Permission.State = models.StateDone
	} else {
		d.Infos.Permission.State = models.StateSkip
	}

	p.ExtraInfo.UID = r.root.GetPackageUid(ctx, p.Name(), user)
	d.Infos.Ssaid.State = models.StateSkip
	if p.DataStates.Ssaid == models.DataSelected && p.ExtraInfo.UID >= 0 {
		if ssaid := r.root.GetPackageSsaidAsUser(ctx, p.Name(), p.ExtraInfo.UID, user); ssaid != "" {
			p.ExtraInfo.Ssaid = ssaid
			d.Infos.Ssaid.State = models.StateDone
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.saveDetail(d)
}

// saveRestoreCandidate records what this backup produced, next to the archives
// and in the store, and stamps the backup entity.
func (r *taskRun) saveRestoreCandidate(ctx context.Context, d *models.TaskDetailPackage, archived []models.DataType) error {
	p := &d.Package
	now := r.clock.Now().UnixMilli()

	candidate := p.RestoreCandidate(models.MaskOf(archived...), now)
	candidate.IndexInfo.PreserveID = 0
	candidate.IndexInfo.Cloud = r.dest.cloud
	candidate.IndexInfo.BackupDir = r.dest.backupDir

	data, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		return err
	}
	if err := r.dest.write(ctx, path.Join(appsDir, p.ArchivesRelativeDir(), packageConfigName), data); err != nil {
		return err
	}

	if existing, err := r.store.FindPackage(r.bg, candidate.IndexInfo); err == nil {
		candidate.ID = existing.ID
		candidate.ExtraInfo.Activated = existing.ExtraInfo.Activated
	}
	if err := r.store.UpsertPackage(r.bg, &candidate); err != nil {
		return err
	}

	p.ExtraInfo.LastBackupTime = now
	return r.store.UpsertPackage(r.bg, p)
}

func (r *taskRun) restorePackage(ctx context.Context, d *models.TaskDetailPackage) (bool, error) {
	p := &d.Package
	user := r.cfg.Restore.UserID
	if user < 0 {
		user = p.IndexInfo.UserID
	}
	dir := path.Join(appsDir, p.ArchivesRelativeDir())
	r.logger.Info().Str("package", p.Name()).Int("user", user).Msg("restoring package")

	d.State = models.StateProcessing
	if err := r.saveDetail(d); err != nil {
		return false, err
	}

	if err := r.restoreApk(ctx, d, user, dir); err != nil {
		return false, err
	}
	if err := r.saveDetail(d); err != nil {
		return false, err
	}

	uid := r.root.GetPackageUid(ctx, p.Name(), user)
	for _, dt := range models.PackageDataTypes[1:] {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := r.restorePartition(ctx, d, dt, user, uid, dir); err != nil {
			return false, err
		}
		if err := r.saveDetail(d); err != nil {
			return false, err
		}
	}

	if err := r.restorePackageExtras(ctx, d, user, uid); err != nil {
		return false, err
	}

	ok := d.IsSucceed()
	return ok, r.finishDetail(d, ok)
}

func (r *taskRun) restoreApk(ctx context.Context, d *models.TaskDetailPackage, user int, dir string) error {
	p := &d.Package
	info := d.Infos.Get(models.DataTypeApk)
	if !p.Selected(models.DataTypeApk) {
		return r.settle(ctx, models.DataTypeApk, info, models.StateSkip, "")
	}

	rel := path.Join(dir, archiveName(models.DataTypeApk, p.IndexInfo.CompressionType))
	src, cleanup, err := r.fetchArchive(ctx, d, info, rel)
	if err != nil {
		return r.settle(ctx, models.DataTypeApk, info, models.StateError, err.Error())
	}
	defer cleanup()

	tmp := filepath.Join(r.cfg.Storage.CacheDir, "apk", p.Name())
	defer r.root.DeleteRecursively(r.bg, tmp)

	result, err := r.archiver.Unpack(ctx, models.UnpackRequest{
		Src:             src,
		DstDir:          tmp,
		CompressionType: p.IndexInfo.CompressionType,
		Clean:           true,
	})
	if err != nil {
		return r.settle(ctx, models.DataTypeApk, info, models.StateError, err.Error())
	}
	if result.Error != nil {
		return r.settle(ctx, models.DataTypeApk, info, models.StateError, joinLog(result.Log, result.Error.Error()))
	}

	var apks []string
	for _, f := range r.root.ListFilePaths(ctx, tmp, true, false) {
		if strings.HasSuffix(f, ".apk") {
			apks = append(apks, f)
		}
	}
	if len(apks) == 0 {
		return r.settle(ctx, models.DataTypeApk, info, models.StateError, "archive holds no apk")
	}
	if !r.root.InstallPackage(ctx, user, apks) {
		return r.settle(ctx, models.DataTypeApk, info, models.StateError, joinLog(result.Log, "install failed"))
	}
	info.Bytes = result.Bytes
	return r.settle(ctx, models.DataTypeApk, info, models.StateDone, result.Log)
}

// fetchArchive downloads rel when the destination is remote, reporting the
// DOWNLOADING state on the way, and leaves the partition PROCESSING.
func (r *taskRun) fetchArchive(ctx context.Context, d *models.TaskDetailPackage, info *models.Info, rel string) (string, func(), error) {
	info.State = models.StateProcessing
	if r.dest.isRemote() {
		info.State = models.StateDownloading
	}
	if err := r.saveDetail(d); err != nil {
		return "", func() {}, err
	}
	src, cleanup, err := r.dest.fetch(ctx, rel)
	if err != nil {
		return "", cleanup, err
	}
	info.State = models.StateProcessing
	if err := r.saveDetail(d); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return src, cleanup, nil
}

func (r *taskRun) restorePartition(ctx context.Context, d *models.TaskDetailPackage, dt models.DataType, user, uid int, dir string) error {
	p := &d.Package
	info := d.Infos.Get(dt)
	if !p.Selected(dt) {
		return r.settle(ctx, dt, info, models.StateSkip, "")
	}

	rel := path.Join(dir, archiveName(dt, p.IndexInfo.CompressionType))
	if !r.dest.exists(ctx, rel) {
		if dt == models.DataTypeUser {
			return r.settle(ctx, dt, info, models.StateError, rel+" does not exist")
		}
		return r.settle(ctx, dt, info, models.CodeNotApplicable.State(), rel+" does not exist")
	}
	if uid < 0 {
		return r.settle(ctx, dt, info, models.StateError, p.Name()+" is not installed")
	}

	src, cleanup, err := r.fetchArchive(ctx, d, info, rel)
	if err != nil {
		return r.settle(ctx, dt, info, models.StateError, err.Error())
	}
	defer cleanup()

	live := r.cfg.Paths.PackageDir(dt, user, p.Name())
	result, err := r.archiver.Unpack(ctx, models.UnpackRequest{
		Src:             src,
		DstDir:          filepath.Dir(live),
		CompressionType: p.IndexInfo.CompressionType,
		Exclusions:      exclusionsFor(dt),
		Clean:           r.cfg.Restore.Clean,
	})
	if err != nil {
		return r.settle(ctx, dt, info, models.StateError, err.Error())
	}
	if result.Error != nil {
		return r.settle(ctx, dt, info, models.StateError, joinLog(result.Log, result.Error.Error()))
	}

	gid := uid
	switch dt {
	case models.DataTypeData, models.DataTypeMedia:
		gid = gidExtDataRW
	case models.DataTypeObb:
		gid = gidExtObbRW
	}
	if !r.root.Chown(ctx, live, uid, gid) {
		return r.settle(ctx, dt, info, models.StateError, joinLog(result.Log, "chown failed"))
	}
	if !r.root.RestoreSecurityContext(ctx, live) {
		return r.settle(ctx, dt, info, models.StateError, joinLog(result.Log, "restorecon failed"))
	}
	info.Bytes = result.Bytes
	return r.settle(ctx, dt, info, models.StateDone, result.Log)
}

func (r *taskRun) restorePackageExtras(ctx context.Context, d *models.TaskDetailPackage, user, uid int) error {
	p := &d.Package

	d.Infos.Permission.State = models.StateSkip
	if p.DataStates.Permission == models.DataSelected && uid >= 0 && len(p.ExtraInfo.Permissions) > 0 {
		failed := 0
		for _, perm := range p.ExtraInfo.Permissions {
			var ok bool
			if perm.IsGranted {
				ok = r.root.GrantRuntimePermission(ctx, p.Name(), perm.Name, user)
			} else {
				ok = r.root.RevokeRuntimePermission(ctx, p.Name(), perm.Name, user)
			}
			if perm.Op != "" && perm.Mode != "" {
				ok = r.root.SetOpsMode(ctx, p.Name(), perm.Op, perm.Mode, user) && ok
			}
			if !ok {
				failed++
			}
		}
		d.Infos.Permission.State = models.StateDone
		if failed > 0 {
			d.Infos.Permission.State = models.StateError
			d.Infos.Permission.Log = fmt.Sprintf("%d of %d permissions not applied", failed, len(p.ExtraInfo.Permissions))
		}
	}

	d.Infos.Ssaid.State = models.StateSkip
	if p.DataStates.Ssaid == models.DataSelected && uid >= 0 && p.ExtraInfo.Ssaid != "" {
		d.Infos.Ssaid.State = models.StateDone
		if !r.root.SetPackageSsaidAsUser(ctx, p.Name(), uid, user, p.ExtraInfo.Ssaid) {
			d.Infos.Ssaid.State = models.StateError
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.saveDetail(d)
}

func joinLog(parts ...string) string {
	var lines []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			lines = append(lines, p)
		}
	}
	return strings.Join(lines, "\n")
}
