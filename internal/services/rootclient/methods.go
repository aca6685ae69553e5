package rootclient

import (
	"context"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/fgeck/droidbackup/internal/services/privileged"
)

type args = privileged.Args

func (c *Client) Exists(ctx context.Context, path string) bool {
	return invoke(ctx, c, "Exists", &args{Path: path}, false)
}

func (c *Client) Mkdirs(ctx context.Context, path string) bool {
	return invoke(ctx, c, "Mkdirs", &args{Path: path}, false)
}

func (c *Client) CreateNewFile(ctx context.Context, path string) bool {
	return invoke(ctx, c, "CreateNewFile", &args{Path: path}, false)
}

func (c *Client) CopyTo(ctx context.Context, src, dst string, overwrite bool) bool {
	return invoke(ctx, c, "CopyTo", &args{Src: src, Dst: dst, Overwrite: overwrite}, false)
}

func (c *Client) CopyRecursively(ctx context.Context, src, dst string, overwrite bool) bool {
	return invoke(ctx, c, "CopyRecursively", &args{Src: src, Dst: dst, Overwrite: overwrite}, false)
}

func (c *Client) RenameTo(ctx context.Context, src, dst string) bool {
	return invoke(ctx, c, "RenameTo", &args{Src: src, Dst: dst}, false)
}

func (c *Client) DeleteRecursively(ctx context.Context, path string) bool {
	return invoke(ctx, c, "DeleteRecursively", &args{Path: path}, false)
}

func (c *Client) CalculateSize(ctx context.Context, path string) int64 {
	return invoke(ctx, c, "CalculateSize", &args{Path: path}, int64(-1))
}

func (c *Client) ClearEmptyDirectoriesRecursively(ctx context.Context, path string) bool {
	return invoke(ctx, c, "ClearEmptyDirectoriesRecursively", &args{Path: path}, false)
}

func (c *Client) ListFilePaths(ctx context.Context, path string, listFiles, listDirs bool) []string {
	return nonNil(invoke(ctx, c, "ListFilePaths", &args{Path: path, ListFiles: listFiles, ListDirs: listDirs}, []string{}))
}

func (c *Client) WalkFileTree(ctx context.Context, path string) []models.PathEntry {
	return nonNil(invoke(ctx, c, "WalkFileTree", &args{Path: path}, []models.PathEntry{}))
}

func (c *Client) ReadText(ctx context.Context, path string) string {
	return invoke(ctx, c, "ReadText", &args{Path: path}, "")
}

func (c *Client) ReadBytes(ctx context.Context, path string) []byte {
	return nonNil(invoke(ctx, c, "ReadBytes", &args{Path: path}, []byte{}))
}

func (c *Client) WriteBytes(ctx context.Context, path string, data []byte) bool {
	return invoke(ctx, c, "WriteBytes", &args{Path: path, Data: data}, false)
}

func (c *Client) CalculateHash(ctx context.Context, path string) string {
	return invoke(ctx, c, "CalculateHash", &args{Path: path}, "")
}

func (c *Client) ReadStatFs(ctx context.Context, path string) models.StatFs {
	return invoke(ctx, c, "ReadStatFs", &args{Path: path}, models.StatFs{})
}

func (c *Client) Chown(ctx context.Context, path string, uid, gid int) bool {
	return invoke(ctx, c, "Chown", &args{Path: path, UID: uid, GID: gid}, false)
}

func (c *Client) RestoreSecurityContext(ctx context.Context, path string) bool {
	return invoke(ctx, c, "RestoreSecurityContext", &args{Path: path}, false)
}

func (c *Client) GetInstalledPackagesAsUser(ctx context.Context, flags, userID int) []models.AppPackage {
	return nonNil(invoke(ctx, c, "GetInstalledPackagesAsUser", &args{Flags: flags, UserID: userID}, []models.AppPackage{}))
}

func (c *Client) GetPackageInfoAsUser(ctx context.Context, packageName string, userID int) *models.AppPackage {
	return invoke[*models.AppPackage](ctx, c, "GetPackageInfoAsUser", &args{PackageName: packageName, UserID: userID}, nil)
}

func (c *Client) GetPackageSourceDir(ctx context.Context, packageName string, userID int) []string {
	return nonNil(invoke(ctx, c, "GetPackageSourceDir", &args{PackageName: packageName, UserID: userID}, []string{}))
}

func (c *Client) GetPackageArchiveInfo(ctx context.Context, path string) *models.AppPackage {
	return invoke[*models.AppPackage](ctx, c, "GetPackageArchiveInfo", &args{Path: path}, nil)
}

func (c *Client) QueryInstalled(ctx context.Context, packageName string, userID int) bool {
	return invoke(ctx, c, "QueryInstalled", &args{PackageName: packageName, UserID: userID}, false)
}

func (c *Client) GetPackageUid(ctx context.Context, packageName string, userID int) int {
	return invoke(ctx, c, "GetPackageUid", &args{PackageName: packageName, UserID: userID}, -1)
}

func (c *Client) QueryStatsForPackage(ctx context.Context, packageName string, userID int) *models.StorageStats {
	return invoke[*models.StorageStats](ctx, c, "QueryStatsForPackage", &args{PackageName: packageName, UserID: userID}, nil)
}

func (c *Client) GetPermissions(ctx context.Context, packageName string, userID int) []models.PackagePermission {
	return nonNil(invoke(ctx, c, "GetPermissions", &args{PackageName: packageName, UserID: userID}, []models.PackagePermission{}))
}

func (c *Client) GrantRuntimePermission(ctx context.Context, packageName, permission string, userID int) bool {
	return invoke(ctx, c, "GrantRuntimePermission", &args{PackageName: packageName, Permission: permission, UserID: userID}, false)
}

func (c *Client) RevokeRuntimePermission(ctx context.Context, packageName, permission string, userID int) bool {
	return invoke(ctx, c, "RevokeRuntimePermission", &args{PackageName: packageName, Permission: permission, UserID: userID}, false)
}

func (c *Client) GetPermissionFlags(ctx context.Context, packageName, permission string, userID int) int {
	return invoke(ctx, c, "GetPermissionFlags", &args{PackageName: packageName, Permission: permission, UserID: userID}, 0)
}

func (c *Client) SetPermissionFlags(ctx context.Context, packageName, permission string, flags, userID int) bool {
	return invoke(ctx, c, "SetPermissionFlags", &args{PackageName: packageName, Permission: permission, Flags: flags, UserID: userID}, false)
}

func (c *Client) SetOpsMode(ctx context.Context, packageName, op, mode string, userID int) bool {
	return invoke(ctx, c, "SetOpsMode", &args{PackageName: packageName, Op: op, Mode: mode, UserID: userID}, false)
}

func (c *Client) GetPackageSsaidAsUser(ctx context.Context, packageName string, uid, userID int) string {
	return invoke(ctx, c, "GetPackageSsaidAsUser", &args{PackageName: packageName, UID: uid, UserID: userID}, "")
}

func (c *Client) SetPackageSsaidAsUser(ctx context.Context, packageName string, uid, userID int, ssaid string) bool {
	return invoke(ctx, c, "SetPackageSsaidAsUser", &args{PackageName: packageName, UID: uid, UserID: userID, Ssaid: ssaid}, false)
}

func (c *Client) InstallPackage(ctx context.Context, userID int, apkPaths []string) bool {
	return invoke(ctx, c, "InstallPackage", &args{UserID: userID, APKPaths: apkPaths}, false)
}

func (c *Client) ForceStopPackage(ctx context.Context, packageName string, userID int) bool {
	return invoke(ctx, c, "ForceStopPackage", &args{PackageName: packageName, UserID: userID}, false)
}

func (c *Client) GetUsers(ctx context.Context) []models.UserInfo {
	return nonNil(invoke(ctx, c, "GetUsers", &args{}, []models.UserInfo{}))
}

func (c *Client) GetUserHandle(ctx context.Context, userID int) *models.UserHandle {
	return invoke[*models.UserHandle](ctx, c, "GetUserHandle", &args{UserID: userID}, nil)
}

func (c *Client) SetDisplayPowerMode(ctx context.Context, mode int) bool {
	return invoke(ctx, c, "SetDisplayPowerMode", &args{PowerMode: mode}, false)
}

func (c *Client) GetScreenOffTimeout(ctx context.Context) int {
	return invoke(ctx, c, "GetScreenOffTimeout", &args{}, models.DefaultScreenOffTimeout)
}

func (c *Client) SetScreenOffTimeout(ctx context.Context, timeout int) bool {
	return invoke(ctx, c, "SetScreenOffTimeout", &args{Timeout: timeout}, false)
}

func (c *Client) GetSetting(ctx context.Context, namespace, key string) string {
	return invoke(ctx, c, "GetSetting", &args{Namespace: namespace, Key: key}, "")
}

func (c *Client) PutSetting(ctx context.Context, namespace, key, value string) bool {
	return invoke(ctx, c, "PutSetting", &args{Namespace: namespace, Key: key, Value: value}, false)
}

func (c *Client) GetPrivilegedConfiguredNetworks(ctx context.Context) []models.WifiConfig {
	return nonNil(invoke(ctx, c, "GetPrivilegedConfiguredNetworks", &args{}, []models.WifiConfig{}))
}

func (c *Client) AddNetworks(ctx context.Context, networks []models.WifiConfig) int {
	return invoke(ctx, c, "AddNetworks", &args{Networks: networks}, 0)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
