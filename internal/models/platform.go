package models

// Package list filters for GetInstalledPackagesAsUser.
const (
	PackageFlagThirdParty = 1 << iota
	PackageFlagSystem
)

// Application flags reported in AppPackage.Flags.
const (
	AppFlagSystem     = 1 << 0
	AppFlagDebuggable = 1 << 1
	AppFlagStopped    = 1 << 21
)

// Display power modes accepted by SetDisplayPowerMode.
const (
	PowerModeOff    = 0
	PowerModeNormal = 2
)

// DefaultScreenOffTimeout is returned when the setting cannot be read.
const DefaultScreenOffTimeout = 30000

// AppPackage is a flat package manifest record.
type AppPackage struct {
	PackageName          string   `json:"packageName"`
	Label                string   `json:"label"`
	VersionName          string   `json:"versionName"`
	VersionCode          int64    `json:"versionCode"`
	Flags                int      `json:"flags"`
	FirstInstallTime     int64    `json:"firstInstallTime"`
	LastUpdateTime       int64    `json:"lastUpdateTime"`
	UID                  int      `json:"uid"`
	SourceDir            string   `json:"sourceDir"`
	SplitSourceDirs      []string `json:"splitSourceDirs"`
	RequestedPermissions []string `json:"requestedPermissions"`
}

// UserInfo describes one OS user profile.
type UserInfo struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Flags   int    `json:"flags"`
	Running bool   `json:"running"`
}

// UserHandle is the opaque handle for a user id.
type UserHandle struct {
	Identifier int `json:"identifier"`
}

// StorageStats is per-package storage usage.
type StorageStats struct {
	AppBytes           int64 `json:"appBytes"`
	CacheBytes         int64 `json:"cacheBytes"`
	DataBytes          int64 `json:"dataBytes"`
	ExternalCacheBytes int64 `json:"externalCacheBytes"`
}

// StatFs reports filesystem capacity.
type StatFs struct {
	AvailableBytes int64 `json:"availableBytes"`
	TotalBytes     int64 `json:"totalBytes"`
}

// PackagePermission is one runtime permission of a package.
type PackagePermission struct {
	Name      string `json:"name"`
	IsGranted bool   `json:"isGranted"`
	Flags     int    `json:"flags"`
	Op        string `json:"op"`
	Mode      string `json:"mode"`
}

// WifiConfig is a saved Wi-Fi network.
type WifiConfig struct {
	SSID         string `json:"ssid"`
	PreSharedKey string `json:"preSharedKey"`
	SecurityType string `json:"securityType"`
	Hidden       bool   `json:"hidden"`
}

// PathEntry is one node of a walked file tree.
type PathEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}
