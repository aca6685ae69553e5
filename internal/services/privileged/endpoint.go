package privileged

import (
	"context"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
)

// ServiceName is the net/rpc name under which Endpoint is registered.
const ServiceName = "Root"

// Version is reported by Ping.
const Version = "1"

// destroyGrace lets the Destroy reply reach the client before connections close.
const destroyGrace = 100 * time.Millisecond

// Args carries the arguments of every Root method. Each method reads the
// fields it needs.
type Args struct {
	Path        string              `json:"path,omitempty"`
	Src         string              `json:"src,omitempty"`
	Dst         string              `json:"dst,omitempty"`
	Overwrite   bool                `json:"overwrite,omitempty"`
	ListFiles   bool                `json:"listFiles,omitempty"`
	ListDirs    bool                `json:"listDirs,omitempty"`
	Data        []byte              `json:"data,omitempty"`
	UID         int                 `json:"uid,omitempty"`
	GID         int                 `json:"gid,omitempty"`
	PackageName string              `json:"packageName,omitempty"`
	UserID      int                 `json:"userId,omitempty"`
	Flags       int                 `json:"flags,omitempty"`
	Permission  string              `json:"permission,omitempty"`
	Op          string              `json:"op,omitempty"`
	Mode        string              `json:"mode,omitempty"`
	Ssaid       string              `json:"ssaid,omitempty"`
	APKPaths    []string            `json:"apkPaths,omitempty"`
	PowerMode   int                 `json:"powerMode,omitempty"`
	Timeout     int                 `json:"timeout,omitempty"`
	Namespace   string              `json:"namespace,omitempty"`
	Key         string              `json:"key,omitempty"`
	Value       string              `json:"value,omitempty"`
	Networks    []models.WifiConfig `json:"networks,omitempty"`
}

// Endpoint adapts a Service to net/rpc. Every method forwards to the Service
// method of the same name and runs under the server context.
type Endpoint struct {
	ctx      context.Context
	svc      Service
	shutdown func()
}

// NewEndpoint wraps svc. shutdown is invoked by Destroy.
func NewEndpoint(ctx context.Context, svc Service, shutdown func()) *Endpoint {
	return &Endpoint{ctx: ctx, svc: svc, shutdown: shutdown}
}

// Ping reports the service version.
func (e *Endpoint) Ping(_ *Args, reply *string) error {
	*reply = Version
	return nil
}

// Destroy asks the daemon to exit after the reply is sent.
func (e *Endpoint) Destroy(_ *Args, reply *bool) error {
	*reply = true
	if e.shutdown != nil {
		time.AfterFunc(destroyGrace, e.shutdown)
	}
	return nil
}

func (e *Endpoint) Exists(a *Args, reply *bool) error {
	*reply = e.svc.Exists(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) Mkdirs(a *Args, reply *bool) error {
	*reply = e.svc.Mkdirs(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) CreateNewFile(a *Args, reply *bool) error {
	*reply = e.svc.CreateNewFile(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) CopyTo(a *Args, reply *bool) error {
	*reply = e.svc.CopyTo(e.ctx, a.Src, a.Dst, a.Overwrite)
	return nil
}

func (e *Endpoint) CopyRecursively(a *Args, reply *bool) error {
	*reply = e.svc.CopyRecursively(e.ctx, a.Src, a.Dst, a.Overwrite)
	return nil
}

func (e *Endpoint) RenameTo(a *Args, reply *bool) error {
	*reply = e.svc.RenameTo(e.ctx, a.Src, a.Dst)
	return nil
}

func (e *Endpoint) DeleteRecursively(a *Args, reply *bool) error {
	*reply = e.svc.DeleteRecursively(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) CalculateSize(a *Args, reply *int64) error {
	*reply = e.svc.CalculateSize(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) ClearEmptyDirectoriesRecursively(a *Args, reply *bool) error {
	*reply = e.svc.ClearEmptyDirectoriesRecursively(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) ListFilePaths(a *Args, reply *[]string) error {
	*reply = e.svc.ListFilePaths(e.ctx, a.Path, a.ListFiles, a.ListDirs)
	return nil
}

func (e *Endpoint) WalkFileTree(a *Args, reply *[]models.PathEntry) error {
	*reply = e.svc.WalkFileTree(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) ReadText(a *Args, reply *string) error {
	*reply = e.svc.ReadText(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) ReadBytes(a *Args, reply *[]byte) error {
	*reply = e.svc.ReadBytes(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) WriteBytes(a *Args, reply *bool) error {
	*reply = e.svc.WriteBytes(e.ctx, a.Path, a.Data)
	return nil
}

func (e *Endpoint) CalculateHash(a *Args, reply *string) error {
	*reply = e.svc.CalculateHash(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) ReadStatFs(a *Args, reply *models.StatFs) error {
	*reply = e.svc.ReadStatFs(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) Chown(a *Args, reply *bool) error {
	*reply = e.svc.Chown(e.ctx, a.Path, a.UID, a.GID)
	return nil
}

func (e *Endpoint) RestoreSecurityContext(a *Args, reply *bool) error {
	*reply = e.svc.RestoreSecurityContext(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) GetInstalledPackagesAsUser(a *Args, reply *[]models.AppPackage) error {
	*reply = e.svc.GetInstalledPackagesAsUser(e.ctx, a.Flags, a.UserID)
	return nil
}

func (e *Endpoint) GetPackageInfoAsUser(a *Args, reply **models.AppPackage) error {
	*reply = e.svc.GetPackageInfoAsUser(e.ctx, a.PackageName, a.UserID)
	return nil
}

func (e *Endpoint) GetPackageSourceDir(a *Args, reply *[]string) error {
	*reply = e.svc.GetPackageSourceDir(e.ctx, a.PackageName, a.UserID)
	return nil
}

func (e *Endpoint) GetPackageArchiveInfo(a *Args, reply **models.AppPackage) error {
	*reply = e.svc.GetPackageArchiveInfo(e.ctx, a.Path)
	return nil
}

func (e *Endpoint) QueryInstalled(a *Args, reply *bool) error {
	*reply = e.svc.QueryInstalled(e.ctx, a.PackageName, a.UserID)
	return nil
}

func (e *Endpoint) GetPackageUid(a *Args, reply *int) error {
	*reply = e.svc.GetPackageUid(e.ctx, a.PackageName, a.UserID)
	return nil
}

func (e *Endpoint) QueryStatsForPackage(a *Args, reply **models.StorageStats) error {
	*reply = e.svc.QueryStatsForPackage(e.ctx, a.PackageName, a.UserID)
	return nil
}

func (e *Endpoint) GetPermissions(a *Args, reply *[]models.PackagePermission) error {
	*reply = e.svc.GetPermissions(e.ctx, a.PackageName, a.UserID)
	return nil
}

func (e *Endpoint) GrantRuntimePermission(a *Args, reply *bool) error {
	*reply = e.svc.GrantRuntimePermission(e.ctx, a.PackageName, a.Permission, a.UserID)
	return nil
}

func (e *Endpoint) RevokeRuntimePermission(a *Args, reply *bool) error {
	*reply = e.svc.RevokeRuntimePermission(e.ctx, a.PackageName, a.Permission, a.UserID)
	return nil
}

func (e *Endpoint) GetPermissionFlags(a *Args, reply *int) error {
	*reply = e.svc.GetPermissionFlags(e.ctx, a.PackageName, a.Permission, a.UserID)
	return nil
}

func (e *Endpoint) SetPermissionFlags(a *Args, reply *bool) error {
	*reply = e.svc.SetPermissionFlags(e.ctx, a.PackageName, a.Permission, a.Flags, a.UserID)
	return nil
}

func (e *Endpoint) SetOpsMode(a *Args, reply *bool) error {
	*reply = e.svc.SetOpsMode(e.ctx, a.PackageName, a.Op, a.Mode, a.UserID)
	return nil
}

func (e *Endpoint) GetPackageSsaidAsUser(a *Args, reply *string) error {
	*reply = e.svc.GetPackageSsaidAsUser(e.ctx, a.PackageName, a.UID, a.UserID)
	return nil
}

func (e *Endpoint) SetPackageSsaidAsUser(a *Args, reply *bool) error {
	*reply = e.svc.SetPackageSsaidAsUser(e.ctx, a.PackageName, a.UID, a.UserID, a.Ssaid)
	return nil
}

func (e *Endpoint) InstallPackage(a *Args, reply *bool) error {
	*reply = e.svc.InstallPackage(e.ctx, a.UserID, a.APKPaths)
	return nil
}

func (e *Endpoint) ForceStopPackage(a *Args, reply *bool) error {
	*reply = e.svc.ForceStopPackage(e.ctx, a.PackageName, a.UserID)
	return nil
}

func (e *Endpoint) GetUsers(_ *Args, reply *[]models.UserInfo) error {
	*reply = e.svc.GetUsers(e.ctx)
	return nil
}

func (e *Endpoint) GetUserHandle(a *Args, reply **models.UserHandle) error {
	*reply = e.svc.GetUserHandle(e.ctx, a.UserID)
	return nil
}

func (e *Endpoint) SetDisplayPowerMode(a *Args, reply *bool) error {
	*reply = e.svc.SetDisplayPowerMode(e.ctx, a.PowerMode)
	return nil
}

func (e *Endpoint) GetScreenOffTimeout(_ *Args, reply *int) error {
	*reply = e.svc.GetScreenOffTimeout(e.ctx)
	return nil
}

func (e *Endpoint) SetScreenOffTimeout(a *Args, reply *bool) error {
	*reply = e.svc.SetScreenOffTimeout(e.ctx, a.Timeout)
	return nil
}

func (e *Endpoint) GetSetting(a *Args, reply *string) error {
	*reply = e.svc.GetSetting(e.ctx, a.Namespace, a.Key)
	return nil
}

func (e *Endpoint) PutSetting(a *Args, reply *bool) error {
	*reply = e.svc.PutSetting(e.ctx, a.Namespace, a.Key, a.Value)
	return nil
}

func (e *Endpoint) GetPrivilegedConfiguredNetworks(_ *Args, reply *[]models.WifiConfig) error {
	*reply = e.svc.GetPrivilegedConfiguredNetworks(e.ctx)
	return nil
}

func (e *Endpoint) AddNetworks(a *Args, reply *int) error {
	*reply = e.svc.AddNetworks(e.ctx, a.Networks)
	return nil
}
