package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/archive"
	"github.com/fgeck/droidbackup/internal/services/privileged"
	"github.com/fgeck/droidbackup/internal/services/remote"
	"github.com/fgeck/droidbackup/internal/store"
	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testPackage = "com.example.app"
	testUID     = 10123
)

var testNow = time.UnixMilli(1_700_000_000_000)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, string, ...string) ([]byte, error) { return nil, nil }
func (nopExecutor) ExecuteWithEnv(context.Context, []string, string, ...string) ([]byte, error) {
	return nil, nil
}
func (nopExecutor) Start(string, ...string) error { return nil }

type chownCall struct {
	path     string
	uid, gid int
}

// fakeRoot runs filesystem calls against the real privileged service and
// answers platform calls from fixtures.
type fakeRoot struct {
	privileged.Service

	mu          sync.Mutex
	sourceDirs  map[string][]string
	installed   []models.AppPackage
	permissions []models.PackagePermission
	networks    []models.WifiConfig
	settings    map[string]string
	timeout     int

	chowns      []chownCall
	installs    [][]string
	granted     []string
	ssaids      map[string]string
	powerModes  []int
	timeouts    []int
	stopped     []string
	putSettings map[string]string
	addedNets   []models.WifiConfig
}

func newFakeRoot(layout models.PathLayout) *fakeRoot {
	return &fakeRoot{
		Service:     privileged.NewWithExecutor(testLogger(), layout, nopExecutor{}),
		sourceDirs:  map[string][]string{},
		permissions: []models.PackagePermission{{Name: "android.permission.CAMERA", IsGranted: true}},
		networks:    []models.WifiConfig{{SSID: "home", PreSharedKey: "secret", SecurityType: "WPA2"}},
		settings:    map[string]string{"secure/default_input_method": "com.example.ime/.Ime"},
		timeout:     60000,
		ssaids:      map[string]string{},
		putSettings: map[string]string{},
	}
}

func (f *fakeRoot) GetPackageSourceDir(_ context.Context, pkg string, _ int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sourceDirs[pkg]
}

func (f *fakeRoot) GetPackageUid(context.Context, string, int) int { return testUID }

func (f *fakeRoot) GetPermissions(context.Context, string, int) []models.PackagePermission {
	return f.permissions
}

func (f *fakeRoot) GrantRuntimePermission(_ context.Context, _ string, perm string, _ int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted = append(f.granted, perm)
	return true
}

func (f *fakeRoot) RevokeRuntimePermission(context.Context, string, string, int) bool { return true }

func (f *fakeRoot) GetPackageSsaidAsUser(_ context.Context, pkg string, _, _ int) string {
	return "ssaid-" + pkg
}

func (f *fakeRoot) SetPackageSsaidAsUser(_ context.Context, pkg string, _, _ int, ssaid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ssaids[pkg] = ssaid
	return true
}

func (f *fakeRoot) InstallPackage(_ context.Context, _ int, apks []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, apks)
	return true
}

func (f *fakeRoot) ForceStopPackage(_ context.Context, pkg string, _ int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, pkg)
	return true
}

func (f *fakeRoot) Chown(_ context.Context, path string, uid, gid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chowns = append(f.chowns, chownCall{path: path, uid: uid, gid: gid})
	return true
}

func (f *fakeRoot) RestoreSecurityContext(context.Context, string) bool { return true }

func (f *fakeRoot) GetInstalledPackagesAsUser(context.Context, int, int) []models.AppPackage {
	return f.installed
}

func (f *fakeRoot) GetPackageInfoAsUser(_ context.Context, pkg string, _ int) *models.AppPackage {
	for _, p := range f.installed {
		if p.PackageName == pkg {
			return &p
		}
	}
	return nil
}

func (f *fakeRoot) QueryStatsForPackage(context.Context, string, int) *models.StorageStats {
	return &models.StorageStats{AppBytes: 100, DataBytes: 50}
}

func (f *fakeRoot) GetScreenOffTimeout(context.Context) int { return f.timeout }

func (f *fakeRoot) SetScreenOffTimeout(_ context.Context, timeout int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = timeout
	f.timeouts = append(f.timeouts, timeout)
	return true
}

func (f *fakeRoot) SetDisplayPowerMode(_ context.Context, mode int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerModes = append(f.powerModes, mode)
	return true
}

func (f *fakeRoot) GetSetting(_ context.Context, ns, key string) string {
	return f.settings[ns+"/"+key]
}

func (f *fakeRoot) PutSetting(_ context.Context, ns, key, value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putSettings[ns+"/"+key] = value
	return true
}

func (f *fakeRoot) GetPrivilegedConfiguredNetworks(context.Context) []models.WifiConfig {
	return f.networks
}

func (f *fakeRoot) AddNetworks(_ context.Context, networks []models.WifiConfig) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedNets = append(f.addedNets, networks...)
	return len(networks)
}

// memStorage is an in-memory remote.
type memStorage struct {
	mu     sync.Mutex
	files  map[string][]byte
	closed bool
}

func newMemStorage() *memStorage {
	return &memStorage{files: map[string][]byte{}}
}

func (m *memStorage) Upload(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[remotePath] = data
	return nil
}

func (m *memStorage) Download(_ context.Context, remotePath, localPath string) error {
	m.mu.Lock()
	data, ok := m.files[remotePath]
	m.mu.Unlock()
	if !ok {
		return remote.ErrNotFound
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (m *memStorage) Exists(_ context.Context, remotePath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[remotePath]
	return ok, nil
}

func (m *memStorage) MkdirAll(context.Context, string) error { return nil }

func (m *memStorage) Remove(_ context.Context, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, remotePath)
	return nil
}

func (m *memStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStorage) has(remotePath string) bool {
	ok, _ := m.Exists(context.Background(), remotePath)
	return ok
}

type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg)
	}
	return &models.WOLResult{PacketSent: true, HostReady: true}, nil
}

type mockTelegramService struct {
	sendFunc func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, cfg, msg)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

type fixture struct {
	t        *testing.T
	dir      string
	device   string
	cfg      models.Config
	root     *fakeRoot
	store    *store.Store
	storage  *memStorage
	wol      *mockWOLService
	telegram *mockTelegramService
}

func newFixture(t *testing.T, mutate ...func(*models.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	device := filepath.Join(dir, "device")

	cfg := models.Config{
		Storage: models.StorageSettings{
			BackupDir: filepath.Join(dir, "backup"),
			Database:  filepath.Join(dir, "droidbackup.db"),
			CacheDir:  filepath.Join(dir, "cache"),
		},
		Backup: models.BackupSettings{
			Compression:    models.CompressionZstd,
			BackupNetworks: true,
		},
		Restore: models.RestoreSettings{UserID: -1, Clean: true},
		Paths: models.PathLayout{
			UserDir:   filepath.Join(device, "data/user/{user}"),
			UserDeDir: filepath.Join(device, "data/user_de/{user}"),
			DataDir:   filepath.Join(device, "media/{user}/Android/data"),
			ObbDir:    filepath.Join(device, "media/{user}/Android/obb"),
			MediaDir:  filepath.Join(device, "media/{user}/Android/media"),
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	st, err := store.Open(context.Background(), testLogger(), cfg.Storage.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &fixture{
		t:        t,
		dir:      dir,
		device:   device,
		cfg:      cfg,
		root:     newFakeRoot(cfg.Paths),
		store:    st,
		storage:  newMemStorage(),
		wol:      &mockWOLService{},
		telegram: &mockTelegramService{},
	}
}

func (f *fixture) service() *Impl {
	return f.serviceWithRoot(f.root)
}

func (f *fixture) serviceWithRoot(root privileged.Service) *Impl {
	return NewWithServices(testLogger(), f.cfg, Services{
		Root:     root,
		Archiver: archive.New(testLogger()),
		Store:    f.store,
		OpenStorage: func(context.Context, zerolog.Logger, *models.RemoteConfig) (remote.Storage, error) {
			return f.storage, nil
		},
		WOL:        f.wol,
		Telegram:   f.telegram,
		Clock:      testclock.NewClock(testNow),
		Executable: f.writeFile(filepath.Join(f.dir, "bin", "droidbackup"), "#!binary"),
		Host:       "phone",
	})
}

func (f *fixture) writeFile(path, content string) string {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *fixture) mkdir(path string) {
	f.t.Helper()
	require.NoError(f.t, os.MkdirAll(path, 0o755))
}

// installPackage lays out an app on the fake device. Partitions missing from
// data are left absent; an empty string creates an empty directory.
func (f *fixture) installPackage(pkg string, data map[models.DataType]string) {
	f.t.Helper()
	apkDir := filepath.Join(f.device, "app", pkg+"-1")
	f.writeFile(filepath.Join(apkDir, "base.apk"), "base-"+pkg)
	f.writeFile(filepath.Join(apkDir, "split_config.arm64.apk"), "split-"+pkg)
	f.writeFile(filepath.Join(apkDir, "oat", "arm64", "base.odex"), "odex")
	f.root.sourceDirs[pkg] = []string{filepath.Join(apkDir, "base.apk"), filepath.Join(apkDir, "split_config.arm64.apk")}

	for dt, content := range data {
		live := f.cfg.Paths.PackageDir(dt, 0, pkg)
		if content == "" {
			f.mkdir(live)
			continue
		}
		f.writeFile(filepath.Join(live, "files", "state.txt"), content)
		f.writeFile(filepath.Join(live, "cache", "tmp.bin"), "cached")
	}
}

func (f *fixture) activatePackage(pkg string, states models.PackageDataStates) *models.PackageEntity {
	f.t.Helper()
	p := &models.PackageEntity{
		IndexInfo: models.PackageIndexInfo{
			OpType:          models.OpBackup,
			PackageName:     pkg,
			UserID:          0,
			CompressionType: models.CompressionZstd,
		},
		ExtraInfo:  models.PackageExtraInfo{Activated: true, Existed: true},
		DataStates: states,
	}
	require.NoError(f.t, f.store.UpsertPackage(context.Background(), p))
	return p
}

func (f *fixture) candidate(pkg string, cloud, backupDir string) *models.PackageEntity {
	f.t.Helper()
	p, err := f.store.FindPackage(context.Background(), models.PackageIndexInfo{
		OpType:          models.OpRestore,
		PackageName:     pkg,
		UserID:          0,
		CompressionType: models.CompressionZstd,
		Cloud:           cloud,
		BackupDir:       backupDir,
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) details(taskID int64) []models.TaskDetailPackage {
	f.t.Helper()
	details, err := f.store.ListPackageDetails(context.Background(), taskID)
	require.NoError(f.t, err)
	return details
}

func partitionStates(d models.TaskDetailPackage) map[models.DataType]models.OperationState {
	states := map[models.DataType]models.OperationState{}
	for _, dt := range models.PackageDataTypes {
		states[dt] = d.Infos.Get(dt).State
	}
	return states
}
