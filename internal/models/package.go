package models

import "fmt"

// Legacy six-bit selection flags, one bit per partition.
const (
	FlagNone   = 0
	FlagApk    = 1
	FlagUser   = 2
	FlagUserDe = 4
	FlagData   = 8
	FlagObb    = 16
	FlagMedia  = 32
	FlagAll    = FlagApk | FlagUser | FlagUserDe | FlagData | FlagObb | FlagMedia
)

// Legacy two-bit operation codes where "data" stands for every non-apk partition.
const (
	OpCodeNone = 0
	OpCodeApk  = 1
	OpCodeData = 2
	OpCodeBoth = OpCodeApk | OpCodeData
)

// Flag returns the legacy selection bit of a partition.
func (dt DataType) Flag() int {
	switch dt {
	case DataTypeApk:
		return FlagApk
	case DataTypeUser:
		return FlagUser
	case DataTypeUserDe:
		return FlagUserDe
	case DataTypeData:
		return FlagData
	case DataTypeObb:
		return FlagObb
	case DataTypeMedia:
		return FlagMedia
	default:
		return FlagNone
	}
}

// MaskOf returns the selection flag bits of the given partitions.
func MaskOf(types ...DataType) int {
	mask := FlagNone
	for _, dt := range types {
		mask |= dt.Flag()
	}
	return mask
}

// PackageIndexInfo identifies one package row.
type PackageIndexInfo struct {
	OpType          OpType          `json:"opType"`
	PackageName     string          `json:"packageName"`
	UserID          int             `json:"userId"`
	CompressionType CompressionType `json:"compressionType"`
	PreserveID      int64           `json:"preserveId"`
	Cloud           string          `json:"cloud"`
	BackupDir       string          `json:"backupDir"`
}

// PackageInfo is the manifest metadata kept for a package.
type PackageInfo struct {
	Label            string `json:"label"`
	VersionName      string `json:"versionName"`
	VersionCode      int64  `json:"versionCode"`
	Flags            int    `json:"flags"`
	FirstInstallTime int64  `json:"firstInstallTime"`
	LastUpdateTime   int64  `json:"lastUpdateTime"`
}

// PackageExtraInfo carries runtime metadata captured during backup.
type PackageExtraInfo struct {
	UID            int                 `json:"uid"`
	Permissions    []PackagePermission `json:"permissions"`
	Ssaid          string              `json:"ssaid"`
	LastBackupTime int64               `json:"lastBackupTime"`
	Blocked        bool                `json:"blocked"`
	Activated      bool                `json:"activated"`
	Existed        bool                `json:"existed"`
}

// PackageDataStates holds the selection state of every partition.
type PackageDataStates struct {
	Apk        DataState `json:"apkState"`
	User       DataState `json:"userState"`
	UserDe     DataState `json:"userDeState"`
	Data       DataState `json:"dataState"`
	Obb        DataState `json:"obbState"`
	Media      DataState `json:"mediaState"`
	Permission DataState `json:"permissionState"`
	Ssaid      DataState `json:"ssaidState"`
}

// AllSelected returns states with every partition selected.
func AllSelected() PackageDataStates {
	return PackageDataStates{
		Apk:        DataSelected,
		User:       DataSelected,
		UserDe:     DataSelected,
		Data:       DataSelected,
		Obb:        DataSelected,
		Media:      DataSelected,
		Permission: DataSelected,
		Ssaid:      DataSelected,
	}
}

func (s *PackageDataStates) ptr(dt DataType) *DataState {
	switch dt {
	case DataTypeApk:
		return &s.Apk
	case DataTypeUser:
		return &s.User
	case DataTypeUserDe:
		return &s.UserDe
	case DataTypeData:
		return &s.Data
	case DataTypeObb:
		return &s.Obb
	case DataTypeMedia:
		return &s.Media
	default:
		return nil
	}
}

// Get returns the state of a partition.
func (s *PackageDataStates) Get(dt DataType) DataState {
	if p := s.ptr(dt); p != nil {
		return *p
	}
	return DataDisabled
}

// PackageDataStats holds a byte count per partition.
type PackageDataStats struct {
	Apk    int64 `json:"apkBytes"`
	User   int64 `json:"userBytes"`
	UserDe int64 `json:"userDeBytes"`
	Data   int64 `json:"dataBytes"`
	Obb    int64 `json:"obbBytes"`
	Media  int64 `json:"mediaBytes"`
}

func (s *PackageDataStats) ptr(dt DataType) *int64 {
	switch dt {
	case DataTypeApk:
		return &s.Apk
	case DataTypeUser:
		return &s.User
	case DataTypeUserDe:
		return &s.UserDe
	case DataTypeData:
		return &s.Data
	case DataTypeObb:
		return &s.Obb
	case DataTypeMedia:
		return &s.Media
	default:
		return nil
	}
}

// Get returns the byte count of a partition.
func (s *PackageDataStats) Get(dt DataType) int64 {
	if p := s.ptr(dt); p != nil {
		return *p
	}
	return 0
}

// Set stores the byte count of a partition.
func (s *PackageDataStats) Set(dt DataType, v int64) {
	if p := s.ptr(dt); p != nil {
		*p = v
	}
}

// Total sums every partition.
func (s *PackageDataStats) Total() int64 {
	return s.Apk + s.User + s.UserDe + s.Data + s.Obb + s.Media
}

// PackageEntity is one app's backup or restore candidacy for one user.
type PackageEntity struct {
	ID           int64             `json:"id"`
	IndexInfo    PackageIndexInfo  `json:"indexInfo"`
	PackageInfo  PackageInfo       `json:"packageInfo"`
	ExtraInfo    PackageExtraInfo  `json:"extraInfo"`
	DataStates   PackageDataStates `json:"dataStates"`
	StorageStats StorageStats      `json:"storageStats"`
	DataStats    PackageDataStats  `json:"dataStats"`
	DisplayStats PackageDataStats  `json:"displayStats"`

	// Deprecated serialized selections, converted by MigrateLegacy.
	LegacyOpCode        *int `json:"backupOpCode,omitempty"`
	LegacySelectionFlag *int `json:"selectionFlag,omitempty"`
}

// Name returns the package name.
func (p *PackageEntity) Name() string {
	return p.IndexInfo.PackageName
}

// Selected reports whether a partition will be processed.
func (p *PackageEntity) Selected(dt DataType) bool {
	return p.DataStates.Get(dt) == DataSelected
}

// SetSelected toggles a partition. Disabled partitions cannot be selected.
func (p *PackageEntity) SetSelected(dt DataType, selected bool) error {
	state := p.DataStates.ptr(dt)
	if state == nil {
		return fmt.Errorf("unknown partition %q", dt)
	}
	if *state == DataDisabled {
		if selected {
			return fmt.Errorf("%s of %s: %w", dt, p.Name(), ErrPartitionDisabled)
		}
		return nil
	}
	if selected {
		*state = DataSelected
	} else {
		*state = DataNotSelected
	}
	return nil
}

// SelectionMask returns the legacy flag bits of the selected partitions.
func (p *PackageEntity) SelectionMask() int {
	mask := FlagNone
	for _, dt := range PackageDataTypes {
		if p.Selected(dt) {
			mask |= dt.Flag()
		}
	}
	return mask
}

// ClipToMask disables every partition outside mask.
func (p *PackageEntity) ClipToMask(mask int) {
	for _, dt := range PackageDataTypes {
		if mask&dt.Flag() == 0 {
			*p.DataStates.ptr(dt) = DataDisabled
		}
	}
}

// ArchivesRelativeDir is the per-snapshot directory under the apps root.
func (p *PackageEntity) ArchivesRelativeDir() string {
	dir := fmt.Sprintf("%s/user_%d", p.IndexInfo.PackageName, p.IndexInfo.UserID)
	if p.IndexInfo.PreserveID != 0 {
		dir = fmt.Sprintf("%s@%d", dir, p.IndexInfo.PreserveID)
	}
	return dir
}

// RestoreCandidate derives the restorable record produced by a finished backup.
func (p *PackageEntity) RestoreCandidate(archived int, timestamp int64) PackageEntity {
	r := *p
	r.ID = 0
	r.IndexInfo.OpType = OpRestore
	r.ExtraInfo.Activated = false
	r.ExtraInfo.Existed = true
	r.ExtraInfo.LastBackupTime = timestamp
	r.ExtraInfo.Permissions = append([]PackagePermission(nil), p.ExtraInfo.Permissions...)
	r.ClipToMask(archived)
	return r
}

// MigrateLegacy converts deprecated selection fields into DataStates.
func (p *PackageEntity) MigrateLegacy() bool {
	switch {
	case p.LegacySelectionFlag != nil:
		p.DataStates = DataStatesFromSelectionFlag(*p.LegacySelectionFlag)
	case p.LegacyOpCode != nil:
		p.DataStates = DataStatesFromLegacyOpCode(*p.LegacyOpCode)
	default:
		return false
	}
	p.LegacySelectionFlag = nil
	p.LegacyOpCode = nil
	return true
}

// DataStatesFromSelectionFlag converts a six-bit selection flag.
func DataStatesFromSelectionFlag(flag int) PackageDataStates {
	states := AllSelected()
	for _, dt := range PackageDataTypes {
		if flag&dt.Flag() == 0 {
			*states.ptr(dt) = DataNotSelected
		}
	}
	return states
}

// DataStatesFromLegacyOpCode converts a two-bit apk/data operation code.
func DataStatesFromLegacyOpCode(code int) PackageDataStates {
	flag := FlagNone
	if code&OpCodeApk != 0 {
		flag |= FlagApk
	}
	if code&OpCodeData != 0 {
		flag |= FlagAll &^ FlagApk
	}
	return DataStatesFromSelectionFlag(flag)
}
