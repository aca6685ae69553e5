package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/fgeck/droidbackup/internal/models"
)

// ScanPackages records the installed third-party packages of a user as backup
// entities. Selections of known packages are kept; new ones start fully selected.
func (s *Impl) ScanPackages(ctx context.Context, userID int) (int, error) {
	installed := s.root.GetInstalledPackagesAsUser(ctx, models.PackageFlagThirdParty, userID)
	known, err := s.store.ListPackages(ctx, models.OpBackup)
	if err != nil {
		return 0, fmt.Errorf("listing packages: %w", err)
	}
	byName := make(map[string]models.PackageEntity, len(known))
	for _, p := range known {
		if p.IndexInfo.UserID == userID {
			byName[p.Name()] = p
		}
	}

	for _, app := range installed {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		p, ok := byName[app.PackageName]
		if !ok {
			p = models.PackageEntity{
				IndexInfo: models.PackageIndexInfo{
					OpType:          models.OpBackup,
					PackageName:     app.PackageName,
					UserID:          userID,
					CompressionType: s.cfg.Backup.Compression,
				},
				DataStates: models.AllSelected(),
			}
		}
		delete(byName, app.PackageName)

		if info := s.root.GetPackageInfoAsUser(ctx, app.PackageName, userID); info != nil {
			app = *info
		}
		p.PackageInfo = models.PackageInfo{
			Label:            app.Label,
			VersionName:      app.VersionName,
			VersionCode:      app.VersionCode,
			Flags:            app.Flags,
			FirstInstallTime: app.FirstInstallTime,
			LastUpdateTime:   app.LastUpdateTime,
		}
		p.ExtraInfo.UID = app.UID
		p.ExtraInfo.Existed = true
		if stats := s.root.QueryStatsForPackage(ctx, app.PackageName, userID); stats != nil {
			p.StorageStats = *stats
		}
		if err := s.store.UpsertPackage(ctx, &p); err != nil {
			return 0, fmt.Errorf("saving %s: %w", app.PackageName, err)
		}
	}

	for _, p := range byName {
		if !p.ExtraInfo.Existed {
			continue
		}
		p.ExtraInfo.Existed = false
		if err := s.store.UpsertPackage(ctx, &p); err != nil {
			return 0, fmt.Errorf("saving %s: %w", p.Name(), err)
		}
	}

	s.logger.Info().Int("user", userID).Int("packages", len(installed)).Msg("packages scanned")
	return len(installed), nil
}

// ReloadPackages rebuilds the package restore candidates from the backup root.
func (s *Impl) ReloadPackages(ctx context.Context) (int, error) {
	dest, err := s.openDestination(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = dest.close() }()

	var candidates []models.PackageEntity
	if err := s.readConfigs(ctx, dest, appsDir, packageConfigName, packagesConfigsName, &candidates, func(data []byte) error {
		var p models.PackageEntity
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		candidates = append(candidates, p)
		return nil
	}); err != nil {
		return 0, err
	}

	n := 0
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p.MigrateLegacy()
		p.ID = 0
		p.IndexInfo.OpType = models.OpRestore
		p.IndexInfo.Cloud = dest.cloud
		p.IndexInfo.BackupDir = dest.backupDir
		p.ExtraInfo.Activated = false
		p.ExtraInfo.Existed = true

		dir := path.Join(appsDir, p.ArchivesRelativeDir())
		var present []models.DataType
		for _, dt := range models.PackageDataTypes {
			if dest.exists(ctx, path.Join(dir, archiveName(dt, p.IndexInfo.CompressionType))) {
				present = append(present, dt)
			}
		}

		if existing, err := s.store.FindPackage(ctx, p.IndexInfo); err == nil {
			p.ID = existing.ID
			p.ExtraInfo.Activated = existing.ExtraInfo.Activated
			p.DataStates = existing.DataStates
		}
		p.ClipToMask(models.MaskOf(present...))

		if err := s.store.UpsertPackage(ctx, &p); err != nil {
			return n, fmt.Errorf("saving %s: %w", p.Name(), err)
		}
		n++
	}

	s.logger.Info().Int("candidates", n).Str("destination", dest.describe()).Msg("package restore candidates reloaded")
	return n, nil
}

// ReloadMedia rebuilds the media restore candidates from the backup root.
func (s *Impl) ReloadMedia(ctx context.Context) (int, error) {
	dest, err := s.openDestination(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = dest.close() }()

	var candidates []models.MediaEntity
	if err := s.readConfigs(ctx, dest, filesDir, mediaConfigName, mediaConfigsName, &candidates, func(data []byte) error {
		var m models.MediaEntity
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		candidates = append(candidates, m)
		return nil
	}); err != nil {
		return 0, err
	}

	n := 0
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		m.ID = 0
		m.IndexInfo.OpType = models.OpRestore
		m.IndexInfo.Cloud = dest.cloud
		m.IndexInfo.BackupDir = dest.backupDir
		m.ExtraInfo.Activated = false
		m.ExtraInfo.Existed = true

		if existing, err := s.store.FindMedia(ctx, m.IndexInfo); err == nil {
			m.ID = existing.ID
			m.ExtraInfo.Activated = existing.ExtraInfo.Activated
			m.DataState = existing.DataState
		}
		rel := path.Join(filesDir, m.ArchivesRelativeDir(), archiveName(models.DataTypeMedia, m.IndexInfo.CompressionType))
		if !dest.exists(ctx, rel) {
			m.DataState = models.DataDisabled
		}

		if err := s.store.UpsertMedia(ctx, &m); err != nil {
			return n, fmt.Errorf("saving %s: %w", m.Name(), err)
		}
		n++
	}

	s.logger.Info().Int("candidates", n).Str("destination", dest.describe()).Msg("media restore candidates reloaded")
	return n, nil
}

// readConfigs feeds every per-snapshot config below root to decode. A remote
// destination cannot be walked, so its combined config list is read instead.
func (s *Impl) readConfigs(ctx context.Context, dest *destination, root, name, combined string, list any, decode func([]byte) error) error {
	if dest.isRemote() {
		data, err := dest.read(ctx, path.Join(configsDir, combined))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, list); err != nil {
			return fmt.Errorf("decoding %s: %w", combined, err)
		}
		return nil
	}

	for _, e := range s.root.WalkFileTree(ctx, dest.path(root)) {
		if e.IsDir || filepath.Base(e.Path) != name {
			continue
		}
		if err := decode(s.root.ReadBytes(ctx, e.Path)); err != nil {
			s.logger.Warn().Err(err).Str("path", e.Path).Msg("skipping unreadable restore config")
		}
	}
	return nil
}

// RestoreNetworks re-adds the Wi-Fi networks saved by the last package backup.
func (s *Impl) RestoreNetworks(ctx context.Context) (int, error) {
	dest, err := s.openDestination(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = dest.close() }()

	data, err := dest.read(ctx, path.Join(configsDir, networksConfigName))
	if err != nil {
		return 0, fmt.Errorf("reading saved networks: %w", err)
	}
	var networks []models.WifiConfig
	if err := json.Unmarshal(data, &networks); err != nil {
		return 0, fmt.Errorf("decoding saved networks: %w", err)
	}
	added := s.root.AddNetworks(ctx, networks)
	s.logger.Info().Int("saved", len(networks)).Int("added", added).Msg("networks restored")
	return added, nil
}
