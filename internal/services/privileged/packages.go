package privileged

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/droidbackup/internal/models"
	"github.com/shogo82148/androidbinary/apk"
)

const dumpsysTimeLayout = "2006-01-02 15:04:05"

// Permission flag bits as reported by the package manager.
const (
	PermissionFlagUserSet          = 1 << 0
	PermissionFlagUserFixed        = 1 << 1
	PermissionFlagPolicyFixed      = 1 << 2
	PermissionFlagRevokedCompat    = 1 << 3
	PermissionFlagSystemFixed      = 1 << 4
	PermissionFlagGrantedByDefault = 1 << 5
	PermissionFlagReviewRequired   = 1 << 6
	PermissionFlagOneTime          = 1 << 16
)

var permissionFlagNames = map[string]int{
	"USER_SET":           PermissionFlagUserSet,
	"USER_FIXED":         PermissionFlagUserFixed,
	"POLICY_FIXED":       PermissionFlagPolicyFixed,
	"REVOKE_ON_UPGRADE":  PermissionFlagRevokedCompat,
	"REVOKED_COMPAT":     PermissionFlagRevokedCompat,
	"SYSTEM_FIXED":       PermissionFlagSystemFixed,
	"GRANTED_BY_DEFAULT": PermissionFlagGrantedByDefault,
	"REVIEW_REQUIRED":    PermissionFlagReviewRequired,
	"ONE_TIME":           PermissionFlagOneTime,
}

// Flags that `pm set-permission-flags` accepts, in argument form.
var settablePermissionFlags = []struct {
	bit  int
	name string
}{
	{PermissionFlagUserSet, "user-set"},
	{PermissionFlagUserFixed, "user-fixed"},
	{PermissionFlagRevokedCompat, "revoked-compat"},
	{PermissionFlagReviewRequired, "review-required"},
}

var installSessionRe = regexp.MustCompile(`\[(\d+)\]`)

// GetInstalledPackagesAsUser lists installed packages. flags narrows the list to
// third-party or system packages.
func (s *Impl) GetInstalledPackagesAsUser(ctx context.Context, flags, userID int) (packages []models.AppPackage) {
	packages = []models.AppPackage{}
	s.guard("GetInstalledPackagesAsUser", func() error {
		args := []string{"list", "packages", "-f", "-U", "--user", strconv.Itoa(userID)}
		switch {
		case flags&models.PackageFlagThirdParty != 0:
			args = append(args, "-3")
		case flags&models.PackageFlagSystem != 0:
			args = append(args, "-s")
		}
		out, err := s.executor.Execute(ctx, "pm", args...)
		if err != nil {
			return fmt.Errorf("pm list packages: %w, output: %s", err, string(out))
		}
		packages = append(packages, parsePackageList(string(out))...)
		return nil
	})
	return packages
}

// GetPackageInfoAsUser fetches one package manifest from dumpsys.
func (s *Impl) GetPackageInfoAsUser(ctx context.Context, packageName string, userID int) (info *models.AppPackage) {
	s.guard("GetPackageInfoAsUser", func() error {
		dump, err := s.dumpPackage(ctx, packageName)
		if err != nil {
			return err
		}
		if dump.info.PackageName == "" {
			return fmt.Errorf("package %s not found", packageName)
		}
		paths, _ := s.sourceDirs(ctx, packageName, userID)
		if len(paths) > 0 {
			dump.info.SourceDir = paths[0]
			dump.info.SplitSourceDirs = paths[1:]
		}
		info = &dump.info
		return nil
	})
	return info
}

// GetPackageSourceDir returns the base APK followed by split APKs.
func (s *Impl) GetPackageSourceDir(ctx context.Context, packageName string, userID int) (paths []string) {
	paths = []string{}
	s.guard("GetPackageSourceDir", func() error {
		found, err := s.sourceDirs(ctx, packageName, userID)
		if err != nil {
			return err
		}
		paths = found
		return nil
	})
	return paths
}

// GetPackageArchiveInfo parses the manifest of an APK that is not installed.
func (s *Impl) GetPackageArchiveInfo(_ context.Context, path string) (info *models.AppPackage) {
	s.guard("GetPackageArchiveInfo", func() error {
		pkg, err := apk.OpenFile(path)
		if err != nil {
			return fmt.Errorf("opening apk: %w", err)
		}
		defer func() { _ = pkg.Close() }()

		manifest := pkg.Manifest()
		parsed := &models.AppPackage{
			PackageName: pkg.PackageName(),
			VersionCode: int64(manifest.VersionCode.MustInt32()),
			VersionName: manifest.VersionName.MustString(),
			SourceDir:   path,
		}
		if label, err := pkg.Label(nil); err == nil {
			parsed.Label = label
		}
		info = parsed
		return nil
	})
	return info
}

// QueryInstalled reports whether the package is installed for the user.
func (s *Impl) QueryInstalled(ctx context.Context, packageName string, userID int) (installed bool) {
	s.guard("QueryInstalled", func() error {
		paths, err := s.sourceDirs(ctx, packageName, userID)
		installed = err == nil && len(paths) > 0
		return nil
	})
	return installed
}

// GetPackageUid returns the uid of a package, or -1.
func (s *Impl) GetPackageUid(ctx context.Context, packageName string, userID int) (uid int) {
	uid = -1
	s.guard("GetPackageUid", func() error {
		out, err := s.executor.Execute(ctx, "pm", "list", "packages", "-U", "--user", strconv.Itoa(userID), packageName)
		if err != nil {
			return fmt.Errorf("pm list packages: %w, output: %s", err, string(out))
		}
		for _, p := range parsePackageList(string(out)) {
			if p.PackageName == packageName {
				uid = p.UID
				return nil
			}
		}
		return nil
	})
	return uid
}

// QueryStatsForPackage measures the storage used by a package.
func (s *Impl) QueryStatsForPackage(ctx context.Context, packageName string, userID int) (stats *models.StorageStats) {
	s.guard("QueryStatsForPackage", func() error {
		paths, err := s.sourceDirs(ctx, packageName, userID)
		if err != nil || len(paths) == 0 {
			return fmt.Errorf("package %s not installed for user %d", packageName, userID)
		}
		appBytes, _ := treeSize(filepath.Dir(paths[0]))

		user := s.layout.PackageDir(models.DataTypeUser, userID, packageName)
		userDe := s.layout.PackageDir(models.DataTypeUserDe, userID, packageName)
		data := s.layout.PackageDir(models.DataTypeData, userID, packageName)

		userBytes, _ := treeSize(user)
		userDeBytes, _ := treeSize(userDe)
		cacheBytes, _ := treeSize(filepath.Join(user, "cache"))
		codeCacheBytes, _ := treeSize(filepath.Join(user, "code_cache"))
		externalCacheBytes, _ := treeSize(filepath.Join(data, "cache"))

		stats = &models.StorageStats{
			AppBytes:           appBytes,
			CacheBytes:         cacheBytes + codeCacheBytes,
			DataBytes:          userBytes + userDeBytes,
			ExternalCacheBytes: externalCacheBytes,
		}
		return nil
	})
	return stats
}

// GetPermissions lists the runtime permissions of a package for a user.
func (s *Impl) GetPermissions(ctx context.Context, packageName string, userID int) (perms []models.PackagePermission) {
	perms = []models.PackagePermission{}
	s.guard("GetPermissions", func() error {
		dump, err := s.dumpPackage(ctx, packageName)
		if err != nil {
			return err
		}
		perms = append(perms, dump.runtime[userID]...)
		return nil
	})
	return perms
}

// GrantRuntimePermission grants a runtime permission.
func (s *Impl) GrantRuntimePermission(ctx context.Context, packageName, permission string, userID int) (ok bool) {
	s.guard("GrantRuntimePermission", func() error {
		if err := s.pm(ctx, "grant", "--user", strconv.Itoa(userID), packageName, permission); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// RevokeRuntimePermission revokes a runtime permission.
func (s *Impl) RevokeRuntimePermission(ctx context.Context, packageName, permission string, userID int) (ok bool) {
	s.guard("RevokeRuntimePermission", func() error {
		if err := s.pm(ctx, "revoke", "--user", strconv.Itoa(userID), packageName, permission); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// GetPermissionFlags returns the flag bits of one runtime permission, or 0.
func (s *Impl) GetPermissionFlags(ctx context.Context, packageName, permission string, userID int) (flags int) {
	s.guard("GetPermissionFlags", func() error {
		dump, err := s.dumpPackage(ctx, packageName)
		if err != nil {
			return err
		}
		for _, p := range dump.runtime[userID] {
			if p.Name == permission {
				flags = p.Flags
			}
		}
		return nil
	})
	return flags
}

// SetPermissionFlags sets the settable flag bits of a runtime permission.
func (s *Impl) SetPermissionFlags(ctx context.Context, packageName, permission string, flags, userID int) (ok bool) {
	s.guard("SetPermissionFlags", func() error {
		args := []string{"set-permission-flags", "--user", strconv.Itoa(userID), packageName, permission}
		n := len(args)
		for _, f := range settablePermissionFlags {
			if flags&f.bit != 0 {
				args = append(args, f.name)
			}
		}
		if len(args) == n {
			ok = true
			return nil
		}
		if err := s.pm(ctx, args...); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// SetOpsMode sets an app-op mode for a package.
func (s *Impl) SetOpsMode(ctx context.Context, packageName, op, mode string, userID int) (ok bool) {
	s.guard("SetOpsMode", func() error {
		out, err := s.executor.Execute(ctx, "appops", "set", "--user", strconv.Itoa(userID), packageName, op, mode)
		if err != nil {
			return fmt.Errorf("appops set: %w, output: %s", err, string(out))
		}
		ok = true
		return nil
	})
	return ok
}

// InstallPackage installs a base APK and its splits in one session.
func (s *Impl) InstallPackage(ctx context.Context, userID int, apkPaths []string) (ok bool) {
	s.guard("InstallPackage", func() error {
		if len(apkPaths) == 0 {
			return fmt.Errorf("no apk to install")
		}
		out, err := s.executor.Execute(ctx, "pm", "install-create", "--user", strconv.Itoa(userID), "-r", "-t")
		if err != nil {
			return fmt.Errorf("pm install-create: %w, output: %s", err, string(out))
		}
		m := installSessionRe.FindStringSubmatch(string(out))
		if m == nil {
			return fmt.Errorf("no install session in %q", strings.TrimSpace(string(out)))
		}
		session := m[1]

		for i, p := range apkPaths {
			info, err := os.Stat(p)
			if err != nil {
				_ = s.pm(ctx, "install-abandon", session)
				return err
			}
			name := fmt.Sprintf("%d_%s", i, filepath.Base(p))
			if err := s.pm(ctx, "install-write", "-S", strconv.FormatInt(info.Size(), 10), session, name, p); err != nil {
				_ = s.pm(ctx, "install-abandon", session)
				return err
			}
		}
		if err := s.pm(ctx, "install-commit", session); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok
}

// ForceStopPackage stops every process of a package.
func (s *Impl) ForceStopPackage(ctx context.Context, packageName string, userID int) (ok bool) {
	s.guard("ForceStopPackage", func() error {
		out, err := s.executor.Execute(ctx, "am", "force-stop", "--user", strconv.Itoa(userID), packageName)
		if err != nil {
			return fmt.Errorf("am force-stop: %w, output: %s", err, string(out))
		}
		ok = true
		return nil
	})
	return ok
}

// pm runs a package-manager command that reports "Success" or fails.
func (s *Impl) pm(ctx context.Context, args ...string) error {
	out, err := s.executor.Execute(ctx, "pm", args...)
	if err != nil {
		return fmt.Errorf("pm %s: %w, output: %s", args[0], err, string(out))
	}
	if strings.Contains(string(out), "Failure") {
		return fmt.Errorf("pm %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Impl) sourceDirs(ctx context.Context, packageName string, userID int) ([]string, error) {
	out, err := s.executor.Execute(ctx, "pm", "path", "--user", strconv.Itoa(userID), packageName)
	if err != nil {
		return nil, fmt.Errorf("pm path: %w, output: %s", err, string(out))
	}
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if p, ok := strings.CutPrefix(strings.TrimSpace(line), "package:"); ok && p != "" {
			paths = append(paths, p)
		}
	}
	// Base APK first, splits after.
	sort.SliceStable(paths, func(i, j int) bool {
		return filepath.Base(paths[i]) == "base.apk" && filepath.Base(paths[j]) != "base.apk"
	})
	return paths, nil
}

type packageDump struct {
	info    models.AppPackage
	runtime map[int][]models.PackagePermission
}

func (s *Impl) dumpPackage(ctx context.Context, packageName string) (*packageDump, error) {
	out, err := s.executor.Execute(ctx, "dumpsys", "package", packageName)
	if err != nil {
		return nil, fmt.Errorf("dumpsys package: %w", err)
	}
	return parseDumpsysPackage(string(out), packageName), nil
}

// parsePackageList parses `pm list packages [-f] [-U]` output.
func parsePackageList(out string) []models.AppPackage {
	var packages []models.AppPackage
	for _, line := range strings.Split(out, "\n") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "package:")
		if !ok || rest == "" {
			continue
		}
		p := models.AppPackage{UID: -1}
		if i := strings.LastIndex(rest, " uid:"); i >= 0 {
			fields := strings.Fields(rest[i+5:])
			if len(fields) == 0 {
				// Truncated line.
				continue
			}
			if uid, err := strconv.Atoi(fields[0]); err == nil {
				p.UID = uid
			}
			rest = rest[:i]
		}
		if i := strings.LastIndex(rest, "="); i >= 0 {
			p.SourceDir = rest[:i]
			rest = rest[i+1:]
		}
		p.PackageName = rest
		packages = append(packages, p)
	}
	return packages
}

// parseDumpsysPackage extracts one package block from `dumpsys package <name>`.
//
//nolint:gocognit,gocyclo // line-oriented parser
func parseDumpsysPackage(out, packageName string) *packageDump {
	dump := &packageDump{runtime: map[int][]models.PackagePermission{}}
	header := "Package [" + packageName + "]"

	const (
		none = iota
		requested
		runtime
	)
	inBlock := false
	section, sectionIndent := none, 0
	user := -1

	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		raw := sc.Text()
		line := strings.TrimSpace(raw)
		indent := len(raw) - len(strings.TrimLeft(raw, " \t"))

		if strings.HasPrefix(line, "Package [") {
			if inBlock {
				break
			}
			inBlock = strings.HasPrefix(line, header)
			if inBlock {
				dump.info.PackageName = packageName
			}
			continue
		}
		if !inBlock || line == "" {
			continue
		}
		if indent == 0 {
			break
		}

		if section != none && indent > sectionIndent {
			switch section {
			case requested:
				dump.info.RequestedPermissions = append(dump.info.RequestedPermissions, strings.SplitN(line, ":", 2)[0])
			case runtime:
				if p, ok := parseRuntimePermission(line); ok {
					dump.runtime[user] = append(dump.runtime[user], p)
				}
			}
			continue
		}
		section = none

		switch {
		case line == "requested permissions:":
			section, sectionIndent = requested, indent
		case line == "runtime permissions:":
			section, sectionIndent = runtime, indent
		case strings.HasPrefix(line, "User "):
			fields := strings.Fields(strings.TrimPrefix(line, "User "))
			if len(fields) > 0 {
				if id, err := strconv.Atoi(strings.TrimSuffix(fields[0], ":")); err == nil {
					user = id
				}
			}
		case strings.HasPrefix(line, "userId="):
			if uid, err := strconv.Atoi(strings.TrimPrefix(line, "userId=")); err == nil {
				dump.info.UID = uid
			}
		case strings.HasPrefix(line, "versionCode="):
			v := strings.Fields(strings.TrimPrefix(line, "versionCode="))
			if len(v) > 0 {
				dump.info.VersionCode, _ = strconv.ParseInt(v[0], 10, 64)
			}
		case strings.HasPrefix(line, "versionName="):
			dump.info.VersionName = strings.TrimPrefix(line, "versionName=")
		case strings.HasPrefix(line, "pkgFlags=["):
			if strings.Contains(line, " SYSTEM ") {
				dump.info.Flags |= models.AppFlagSystem
			}
			if strings.Contains(line, " DEBUGGABLE ") {
				dump.info.Flags |= models.AppFlagDebuggable
			}
		case strings.HasPrefix(line, "firstInstallTime="):
			dump.info.FirstInstallTime = parseDumpsysTime(strings.TrimPrefix(line, "firstInstallTime="))
		case strings.HasPrefix(line, "lastUpdateTime="):
			dump.info.LastUpdateTime = parseDumpsysTime(strings.TrimPrefix(line, "lastUpdateTime="))
		}
	}
	return dump
}

// parseRuntimePermission parses "android.permission.CAMERA: granted=true, flags=[ USER_SET|... ]".
func parseRuntimePermission(line string) (models.PackagePermission, bool) {
	name, rest, ok := strings.Cut(line, ":")
	if !ok || !strings.Contains(name, ".") {
		return models.PackagePermission{}, false
	}
	p := models.PackagePermission{Name: name}
	p.IsGranted = strings.Contains(rest, "granted=true")
	if _, flags, ok := strings.Cut(rest, "flags=["); ok {
		flags, _, _ = strings.Cut(flags, "]")
		for _, f := range strings.Split(flags, "|") {
			p.Flags |= permissionFlagNames[strings.TrimSpace(f)]
		}
	}
	return p, true
}

func parseDumpsysTime(v string) int64 {
	t, err := time.ParseInLocation(dumpsysTimeLayout, strings.TrimSpace(v), time.Local)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
