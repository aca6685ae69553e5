package models

import "time"

// PackRequest describes one archive to create.
type PackRequest struct {
	SrcDir          string          `json:"srcDir"`
	Entries         []string        `json:"entries"` // names relative to SrcDir
	Dst             string          `json:"dst"`
	CompressionType CompressionType `json:"compressionType"`
	Level           int             `json:"level"`
	Exclusions      []string        `json:"exclusions"` // globs matched against entry-relative paths
	FollowSymlinks  bool            `json:"followSymlinks"`
}

// UnpackRequest describes one archive to extract.
type UnpackRequest struct {
	Src             string          `json:"src"`
	DstDir          string          `json:"dstDir"`
	CompressionType CompressionType `json:"compressionType"`
	Exclusions      []string        `json:"exclusions"`
	Clean           bool            `json:"clean"` // remove existing top-level entries before extracting
}

// ArchiveResult holds the outcome of an archive operation.
type ArchiveResult struct {
	Entries  int           `json:"entries"`
	Bytes    int64         `json:"bytes"` // uncompressed payload bytes
	Size     int64         `json:"size"`  // archive size on disk
	Duration time.Duration `json:"duration"`
	Log      string        `json:"log"`
	Error    error         `json:"-"`
	ErrorMsg string        `json:"error,omitempty"`
}
