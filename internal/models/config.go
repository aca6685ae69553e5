// Package models contains the data structures used throughout droidbackup.
package models

import (
	"strconv"
	"strings"
	"time"
)

// Config holds the complete configuration for droidbackup.
type Config struct {
	Root     RootSettings
	Storage  StorageSettings
	Backup   BackupSettings
	Restore  RestoreSettings
	Paths    PathLayout
	Remote   *RemoteConfig   // nil if archives stay local
	Telegram *TelegramConfig // nil if not configured
	Metrics  *MetricsConfig  // nil if not configured
}

// RootSettings configures the privileged daemon and the client binding to it.
type RootSettings struct {
	Socket        string
	SuCommand     string // empty when already running as root
	Executable    string // binary launched for rootd and archive subprocesses
	BindTimeout   time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	StagingDir    string
	SecurityLabel string // re-applied to StagingDir on every daemon start
	AllowedUID    int    // -1 accepts any peer
}

// StorageSettings holds local paths.
type StorageSettings struct {
	BackupDir string
	Database  string
	CacheDir  string
}

// BackupSettings holds backup behavior switches.
type BackupSettings struct {
	UserID           int
	Compression      CompressionType
	CompressionLevel int
	ResetList        bool
	BackupItself     bool
	BackupNetworks   bool
	FollowSymlinks   bool
	AutoScreenOff    bool
	KillApps         bool
}

// RestoreSettings holds restore behavior switches.
type RestoreSettings struct {
	UserID    int // -1 restores into the user the backup was taken from
	Clean     bool
	ResetList bool
}

// PathLayout locates package data on the device. "{user}" is replaced with the user id.
type PathLayout struct {
	UserDir         string
	UserDeDir       string
	DataDir         string
	ObbDir          string
	MediaDir        string
	SsaidFile       string
	WifiConfigStore string
}

// DefaultPathLayout returns the standard Android locations.
func DefaultPathLayout() PathLayout {
	return PathLayout{
		UserDir:         "/data/user/{user}",
		UserDeDir:       "/data/user_de/{user}",
		DataDir:         "/data/media/{user}/Android/data",
		ObbDir:          "/data/media/{user}/Android/obb",
		MediaDir:        "/data/media/{user}/Android/media",
		SsaidFile:       "/data/system/users/{user}/settings_ssaid.xml",
		WifiConfigStore: "/data/misc/apexdata/com.android.wifi/WifiConfigStore.xml",
	}
}

// ForUser expands a layout template for one user.
func ForUser(template string, userID int) string {
	return strings.ReplaceAll(template, "{user}", strconv.Itoa(userID))
}

// PackageDir returns the live directory of a data partition, or "" for apk.
func (l PathLayout) PackageDir(dt DataType, userID int, packageName string) string {
	var base string
	switch dt {
	case DataTypeUser:
		base = l.UserDir
	case DataTypeUserDe:
		base = l.UserDeDir
	case DataTypeData:
		base = l.DataDir
	case DataTypeObb:
		base = l.ObbDir
	case DataTypeMedia:
		base = l.MediaDir
	default:
		return ""
	}
	return ForUser(base, userID) + "/" + packageName
}

// RemoteConfig describes the remote archive destination.
type RemoteConfig struct {
	Name           string
	Type           string // webdav, sftp or s3
	URL            string // webdav
	Host           string // sftp
	Port           int    // sftp
	Username       string
	Password       string
	KeyPath        string // sftp
	KnownHostsPath string // sftp, host keys are not verified when empty
	Endpoint       string // s3
	Bucket         string // s3
	Region         string // s3
	UseSSL         bool   // s3
	Dir            string // remote root directory or key prefix
	WOL            *WOLConfig
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string
}
