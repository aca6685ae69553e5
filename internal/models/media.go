package models

import "fmt"

// MediaIndexInfo identifies one media row.
type MediaIndexInfo struct {
	OpType          OpType          `json:"opType"`
	Name            string          `json:"name"`
	CompressionType CompressionType `json:"compressionType"`
	PreserveID      int64           `json:"preserveId"`
	Cloud           string          `json:"cloud"`
	BackupDir       string          `json:"backupDir"`
}

// MediaInfo describes the directory behind a media entity.
type MediaInfo struct {
	Path         string `json:"path"`
	DataBytes    int64  `json:"dataBytes"`
	DisplayBytes int64  `json:"displayBytes"`
}

// MediaExtraInfo carries flags for a media entity.
type MediaExtraInfo struct {
	LastBackupTime int64 `json:"lastBackupTime"`
	Blocked        bool  `json:"blocked"`
	Activated      bool  `json:"activated"`
	Existed        bool  `json:"existed"`
}

// MediaEntity is a non-app directory with a single data partition.
type MediaEntity struct {
	ID        int64          `json:"id"`
	IndexInfo MediaIndexInfo `json:"indexInfo"`
	MediaInfo MediaInfo      `json:"mediaInfo"`
	ExtraInfo MediaExtraInfo `json:"extraInfo"`
	DataState DataState      `json:"dataState"`
}

// Name returns the media name.
func (m *MediaEntity) Name() string {
	return m.IndexInfo.Name
}

// Selected reports whether the partition will be processed.
func (m *MediaEntity) Selected() bool {
	return m.DataState == DataSelected
}

// SetSelected toggles the partition. A disabled partition cannot be selected.
func (m *MediaEntity) SetSelected(selected bool) error {
	if m.DataState == DataDisabled {
		if selected {
			return fmt.Errorf("%s: %w", m.Name(), ErrPartitionDisabled)
		}
		return nil
	}
	if selected {
		m.DataState = DataSelected
	} else {
		m.DataState = DataNotSelected
	}
	return nil
}

// ArchivesRelativeDir is the per-snapshot directory under the files root.
func (m *MediaEntity) ArchivesRelativeDir() string {
	return fmt.Sprintf("%s/%s/%d", m.IndexInfo.Name, m.IndexInfo.CompressionType, m.IndexInfo.PreserveID)
}

// RestoreCandidate derives the restorable record produced by a finished backup.
func (m *MediaEntity) RestoreCandidate(archived bool, timestamp int64) MediaEntity {
	r := *m
	r.ID = 0
	r.IndexInfo.OpType = OpRestore
	r.ExtraInfo.Activated = false
	r.ExtraInfo.Existed = true
	r.ExtraInfo.LastBackupTime = timestamp
	if !archived {
		r.DataState = DataDisabled
	}
	return r
}
