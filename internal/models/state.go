package models

import "errors"

// ErrPartitionDisabled is returned when selecting a partition that was never backed up.
var ErrPartitionDisabled = errors.New("partition is disabled")

// OperationState is the lifecycle value of a single partition or processing step.
type OperationState string

const (
	StateIdle        OperationState = "idle"
	StateProcessing  OperationState = "processing"
	StateUploading   OperationState = "uploading"
	StateDownloading OperationState = "downloading"
	StateDone        OperationState = "done"
	StateError       OperationState = "error"
	StateSkip        OperationState = "skip"
)

// IsFinished reports whether the state is terminal.
func (s OperationState) IsFinished() bool {
	switch s {
	case StateDone, StateError, StateSkip:
		return true
	default:
		return false
	}
}

// DataState is the selection state of one partition.
type DataState string

const (
	DataSelected    DataState = "selected"
	DataNotSelected DataState = "not_selected"
	DataDisabled    DataState = "disabled"
)

// DataType names a partition.
type DataType string

const (
	DataTypeApk    DataType = "apk"
	DataTypeUser   DataType = "user"
	DataTypeUserDe DataType = "user_de"
	DataTypeData   DataType = "data"
	DataTypeObb    DataType = "obb"
	DataTypeMedia  DataType = "media"
)

// PackageDataTypes lists the package partitions in processing order.
var PackageDataTypes = []DataType{
	DataTypeApk,
	DataTypeUser,
	DataTypeUserDe,
	DataTypeData,
	DataTypeObb,
	DataTypeMedia,
}

// OpType distinguishes backup from restore.
type OpType string

const (
	OpBackup  OpType = "backup"
	OpRestore OpType = "restore"
)

// TargetType distinguishes package tasks from media tasks.
type TargetType string

const (
	TargetPackages TargetType = "packages"
	TargetMedia    TargetType = "media"
)

// CompressionType selects the archive codec.
type CompressionType string

const (
	CompressionTar  CompressionType = "tar"
	CompressionZstd CompressionType = "zstd"
	CompressionLz4  CompressionType = "lz4"
	CompressionGzip CompressionType = "gzip"
)

// Suffix returns the archive file suffix for the codec.
func (c CompressionType) Suffix() string {
	switch c {
	case CompressionZstd:
		return "tar.zst"
	case CompressionLz4:
		return "tar.lz4"
	case CompressionGzip:
		return "tar.gz"
	default:
		return "tar"
	}
}

// Valid reports whether c names a supported codec.
func (c CompressionType) Valid() bool {
	switch c {
	case CompressionTar, CompressionZstd, CompressionLz4, CompressionGzip:
		return true
	default:
		return false
	}
}

// ResultCode is the outcome code of a local filesystem step.
type ResultCode int

const (
	CodeOK            ResultCode = 0
	CodeFailed        ResultCode = -1
	CodeNotApplicable ResultCode = -2
)

// State maps a result code onto a partition state.
func (c ResultCode) State() OperationState {
	switch c {
	case CodeOK:
		return StateDone
	case CodeNotApplicable:
		return StateSkip
	default:
		return StateError
	}
}
