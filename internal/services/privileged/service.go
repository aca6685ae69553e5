// Package privileged implements the root-side operations served by rootd. Every call
// runs under one lock and converts faults into a benign default value.
package privileged

import (
	"context"
	"sync"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/metrics"
	"github.com/fgeck/droidbackup/internal/services/shell"
	"github.com/rs/zerolog"
)

// Service is the privileged operation contract. rootclient.Client implements it remotely.
type Service interface {
	Exists(ctx context.Context, path string) bool
	Mkdirs(ctx context.Context, path string) bool
	CreateNewFile(ctx context.Context, path string) bool
	CopyTo(ctx context.Context, src, dst string, overwrite bool) bool
	CopyRecursively(ctx context.Context, src, dst string, overwrite bool) bool
	RenameTo(ctx context.Context, src, dst string) bool
	DeleteRecursively(ctx context.Context, path string) bool
	CalculateSize(ctx context.Context, path string) int64
	ClearEmptyDirectoriesRecursively(ctx context.Context, path string) bool
	ListFilePaths(ctx context.Context, path string, listFiles, listDirs bool) []string
	WalkFileTree(ctx context.Context, path string) []models.PathEntry
	ReadText(ctx context.Context, path string) string
	ReadBytes(ctx context.Context, path string) []byte
	WriteBytes(ctx context.Context, path string, data []byte) bool
	CalculateHash(ctx context.Context, path string) string
	ReadStatFs(ctx context.Context, path string) models.StatFs
	Chown(ctx context.Context, path string, uid, gid int) bool
	RestoreSecurityContext(ctx context.Context, path string) bool

	GetInstalledPackagesAsUser(ctx context.Context, flags, userID int) []models.AppPackage
	GetPackageInfoAsUser(ctx context.Context, packageName string, userID int) *models.AppPackage
	GetPackageSourceDir(ctx context.Context, packageName string, userID int) []string
	GetPackageArchiveInfo(ctx context.Context, path string) *models.AppPackage
	QueryInstalled(ctx context.Context, packageName string, userID int) bool
	GetPackageUid(ctx context.Context, packageName string, userID int) int
	QueryStatsForPackage(ctx context.Context, packageName string, userID int) *models.StorageStats
	GetPermissions(ctx context.Context, packageName string, userID int) []models.PackagePermission
	GrantRuntimePermission(ctx context.Context, packageName, permission string, userID int) bool
	RevokeRuntimePermission(ctx context.Context, packageName, permission string, userID int) bool
	GetPermissionFlags(ctx context.Context, packageName, permission string, userID int) int
	SetPermissionFlags(ctx context.Context, packageName, permission string, flags, userID int) bool
	SetOpsMode(ctx context.Context, packageName, op, mode string, userID int) bool
	GetPackageSsaidAsUser(ctx context.Context, packageName string, uid, userID int) string
	SetPackageSsaidAsUser(ctx context.Context, packageName string, uid, userID int, ssaid string) bool
	InstallPackage(ctx context.Context, userID int, apkPaths []string) bool
	ForceStopPackage(ctx context.Context, packageName string, userID int) bool

	GetUsers(ctx context.Context) []models.UserInfo
	GetUserHandle(ctx context.Context, userID int) *models.UserHandle

	SetDisplayPowerMode(ctx context.Context, mode int) bool
	GetScreenOffTimeout(ctx context.Context) int
	SetScreenOffTimeout(ctx context.Context, timeout int) bool
	GetSetting(ctx context.Context, namespace, key string) string
	PutSetting(ctx context.Context, namespace, key, value string) bool

	GetPrivilegedConfiguredNetworks(ctx context.Context) []models.WifiConfig
	AddNetworks(ctx context.Context, networks []models.WifiConfig) int
}

// Impl implements Service against the local system.
type Impl struct {
	mu       sync.Mutex
	executor shell.CommandExecutor
	layout   models.PathLayout
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates a privileged service that runs platform tools directly.
func New(logger zerolog.Logger, layout models.PathLayout, m *metrics.Metrics) *Impl {
	return &Impl{
		executor: shell.NewExecutor(""),
		layout:   layout,
		metrics:  m,
		logger:   logger,
	}
}

// NewWithExecutor creates a privileged service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, layout models.PathLayout, executor shell.CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		layout:   layout,
		logger:   logger,
	}
}

// guard runs fn under the service lock and swallows any panic it raises. Callers
// pre-assign their benign result so a fault leaves it untouched.
func (s *Impl) guard(method string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.PrivilegedFault(method)
			s.logger.Error().Str("method", method).Interface("panic", r).Msg("privileged call panicked")
		}
	}()

	if err := fn(); err != nil {
		s.metrics.PrivilegedFault(method)
		s.logger.Warn().Err(err).Str("method", method).Msg("privileged call failed")
	}
}
