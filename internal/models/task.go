package models

// Task is one backup or restore run.
type Task struct {
	ID                  int64      `json:"id"`
	OpType              OpType     `json:"opType"`
	TargetType          TargetType `json:"targetType"`
	StartTimestamp      int64      `json:"startTimestamp"`
	EndTimestamp        int64      `json:"endTimestamp"`
	RawBytes            int64      `json:"rawBytes"`
	AvailableBytes      int64      `json:"availableBytes"`
	TotalBytes          int64      `json:"totalBytes"`
	TotalCount          int        `json:"totalCount"`
	SuccessCount        int        `json:"successCount"`
	FailureCount        int        `json:"failureCount"`
	PreprocessingIndex  int        `json:"preprocessingIndex"`
	ProcessingIndex     int        `json:"processingIndex"`
	PostProcessingIndex int        `json:"postProcessingIndex"`
	IsProcessing        bool       `json:"isProcessing"`
	Cloud               string     `json:"cloud"`
	BackupDir           string     `json:"backupDir"`
}

// Finalized reports whether the task has been closed.
func (t *Task) Finalized() bool {
	return !t.IsProcessing && t.EndTimestamp != 0
}

// Info is the outcome record of one partition or processing step.
type Info struct {
	Bytes    int64          `json:"bytes"`
	Log      string         `json:"log"`
	Title    string         `json:"title"`
	Content  string         `json:"content"`
	Progress float64        `json:"progress"`
	State    OperationState `json:"state"`
}

// NewInfo returns an idle info with a title.
func NewInfo(title string) Info {
	return Info{Title: title, State: StateIdle}
}

// ProcessingType separates task-wide steps run before and after the items.
type ProcessingType string

const (
	Preprocessing  ProcessingType = "preprocessing"
	PostProcessing ProcessingType = "post_processing"
)

// ProcessingInfoType names a task-wide step.
type ProcessingInfoType string

const (
	InfoNecessaryPreparations  ProcessingInfoType = "necessary_preparations"
	InfoBackupItself           ProcessingInfoType = "backup_itself"
	InfoSaveConfigs            ProcessingInfoType = "save_configs"
	InfoSaveNetworks           ProcessingInfoType = "save_networks"
	InfoNecessaryRemainingData ProcessingInfoType = "necessary_remaining_data_processing"
)

// ProcessingInfo is the record of one task-wide step.
type ProcessingInfo struct {
	ID       int64              `json:"id"`
	TaskID   int64              `json:"taskId"`
	Type     ProcessingType     `json:"type"`
	InfoType ProcessingInfoType `json:"infoType"`
	Info
}

// PackageInfos holds one Info per package partition plus permissions and SSAID.
type PackageInfos struct {
	Apk        Info `json:"apk"`
	User       Info `json:"user"`
	UserDe     Info `json:"userDe"`
	Data       Info `json:"data"`
	Obb        Info `json:"obb"`
	Media      Info `json:"media"`
	Permission Info `json:"permission"`
	Ssaid      Info `json:"ssaid"`
}

// Get returns the info for a partition.
func (p *PackageInfos) Get(dt DataType) *Info {
	switch dt {
	case DataTypeApk:
		return &p.Apk
	case DataTypeUser:
		return &p.User
	case DataTypeUserDe:
		return &p.UserDe
	case DataTypeData:
		return &p.Data
	case DataTypeObb:
		return &p.Obb
	case DataTypeMedia:
		return &p.Media
	default:
		return nil
	}
}

// NewPackageInfos returns idle infos titled by partition.
func NewPackageInfos() PackageInfos {
	return PackageInfos{
		Apk:        NewInfo("APK"),
		User:       NewInfo("User"),
		UserDe:     NewInfo("User DE"),
		Data:       NewInfo("Data"),
		Obb:        NewInfo("Obb"),
		Media:      NewInfo("Media"),
		Permission: NewInfo("Permissions"),
		Ssaid:      NewInfo("SSAID"),
	}
}

// TaskDetailPackage tracks one package item inside a task.
type TaskDetailPackage struct {
	ID      int64          `json:"id"`
	TaskID  int64          `json:"taskId"`
	State   OperationState `json:"state"`
	Package PackageEntity  `json:"package"`
	Infos   PackageInfos   `json:"infos"`
}

// IsSucceed is false once any partition ended in ERROR.
func (d *TaskDetailPackage) IsSucceed() bool {
	for _, dt := range PackageDataTypes {
		if d.Infos.Get(dt).State == StateError {
			return false
		}
	}
	return true
}

// IsFinished is true once every partition reached a terminal state.
func (d *TaskDetailPackage) IsFinished() bool {
	for _, dt := range PackageDataTypes {
		if !d.Infos.Get(dt).State.IsFinished() {
			return false
		}
	}
	return true
}

// Progress is the finished fraction of the six partitions.
func (d *TaskDetailPackage) Progress() float64 {
	finished := 0
	for _, dt := range PackageDataTypes {
		if d.Infos.Get(dt).State.IsFinished() {
			finished++
		}
	}
	return float64(finished) / float64(len(PackageDataTypes))
}

// TaskDetailMedia tracks one media item inside a task.
type TaskDetailMedia struct {
	ID     int64          `json:"id"`
	TaskID int64          `json:"taskId"`
	State  OperationState `json:"state"`
	Media  MediaEntity    `json:"media"`
	Info   Info           `json:"info"`
}

// IsSucceed is false if the single partition ended in ERROR.
func (d *TaskDetailMedia) IsSucceed() bool {
	return d.Info.State != StateError
}

// IsFinished is true once the single partition reached a terminal state.
func (d *TaskDetailMedia) IsFinished() bool {
	return d.Info.State.IsFinished()
}

// Progress is 1 once the partition finished.
func (d *TaskDetailMedia) Progress() float64 {
	if d.IsFinished() {
		return 1
	}
	return 0
}
