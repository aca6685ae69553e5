package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fgeck/droidbackup/internal/models"
)

var (
	scanTask           = decode(func(t *models.Task, id int64) { t.ID = id })
	scanProcessingInfo = decode(func(p *models.ProcessingInfo, id int64) { p.ID = id })
	scanPackageDetail  = decode(func(d *models.TaskDetailPackage, id int64) { d.ID = id })
	scanMediaDetail    = decode(func(d *models.TaskDetailMedia, id int64) { d.ID = id })
)

// UpsertTask inserts a new task (ID 0) or updates an open one. Once a stored
// task is finalized, further writes fail with ErrTaskFinalized.
func (s *Store) UpsertTask(ctx context.Context, task *models.Task) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if task.ID != 0 {
			if err := ensureOpen(ctx, tx, task.ID); err != nil {
				return err
			}
		}
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		if task.ID == 0 {
			return tx.QueryRowContext(ctx,
				`INSERT INTO tasks (op_type, target_type, start_timestamp, is_processing, data)
				VALUES (?, ?, ?, ?, ?) RETURNING id`,
				task.OpType, task.TargetType, task.StartTimestamp, boolInt(task.IsProcessing), string(data),
			).Scan(&task.ID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET op_type = ?, target_type = ?, start_timestamp = ?, is_processing = ?, data = ? WHERE id = ?`,
			task.OpType, task.TargetType, task.StartTimestamp, boolInt(task.IsProcessing), string(data), task.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	s.publish(TopicTask, *task)
	return nil
}

// GetTask returns one task.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	t, err := queryOne(ctx, s.db, scanTask, "SELECT id, data FROM tasks WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("task %d: %w", id, err)
	}
	return &t, nil
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]models.Task, error) {
	return queryAll(ctx, s.db, scanTask, "SELECT id, data FROM tasks ORDER BY start_timestamp DESC, id DESC")
}

// DeleteTask removes a task and its details.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("task %d", id))
}

// UpsertProcessingInfo writes a task-wide step. Steps are unique per task,
// type and info type.
func (s *Store) UpsertProcessingInfo(ctx context.Context, info *models.ProcessingInfo) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureOpen(ctx, tx, info.TaskID); err != nil {
			return err
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`INSERT INTO processing_infos (task_id, type, info_type, data) VALUES (?, ?, ?, ?)
			ON CONFLICT (task_id, type, info_type) DO UPDATE SET data = excluded.data
			RETURNING id`,
			info.TaskID, info.Type, info.InfoType, string(data),
		).Scan(&info.ID)
	})
	if err != nil {
		return fmt.Errorf("upserting processing info %s: %w", info.InfoType, err)
	}
	s.publish(TopicProcessingInfo, *info)
	return nil
}

// ListProcessingInfos returns the steps of one type for a task in creation order.
func (s *Store) ListProcessingInfos(ctx context.Context, taskID int64, typ models.ProcessingType) ([]models.ProcessingInfo, error) {
	return queryAll(ctx, s.db, scanProcessingInfo,
		"SELECT id, data FROM processing_infos WHERE task_id = ? AND type = ? ORDER BY id", taskID, typ)
}

// UpsertPackageDetail inserts (ID 0) or updates a package item of an open task.
func (s *Store) UpsertPackageDetail(ctx context.Context, d *models.TaskDetailPackage) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureOpen(ctx, tx, d.TaskID); err != nil {
			return err
		}
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return upsertDetail(ctx, tx, "task_detail_packages", &d.ID,
			[]string{"task_id", "package_name", "user_id", "data"},
			d.TaskID, d.Package.IndexInfo.PackageName, d.Package.IndexInfo.UserID, string(data))
	})
	if err != nil {
		return fmt.Errorf("upserting package detail %s: %w", d.Package.Name(), err)
	}
	s.publish(TopicPackageDetail, *d)
	return nil
}

// ListPackageDetails returns the package items of a task in processing order.
func (s *Store) ListPackageDetails(ctx context.Context, taskID int64) ([]models.TaskDetailPackage, error) {
	return queryAll(ctx, s.db, scanPackageDetail,
		"SELECT id, data FROM task_detail_packages WHERE task_id = ? ORDER BY id", taskID)
}

// UpsertMediaDetail inserts (ID 0) or updates a media item of an open task.
func (s *Store) UpsertMediaDetail(ctx context.Context, d *models.TaskDetailMedia) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureOpen(ctx, tx, d.TaskID); err != nil {
			return err
		}
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return upsertDetail(ctx, tx, "task_detail_media", &d.ID,
			[]string{"task_id", "name", "data"},
			d.TaskID, d.Media.Name(), string(data))
	})
	if err != nil {
		return fmt.Errorf("upserting media detail %s: %w", d.Media.Name(), err)
	}
	s.publish(TopicMediaDetail, *d)
	return nil
}

// ListMediaDetails returns the media items of a task in processing order.
func (s *Store) ListMediaDetails(ctx context.Context, taskID int64) ([]models.TaskDetailMedia, error) {
	return queryAll(ctx, s.db, scanMediaDetail,
		"SELECT id, data FROM task_detail_media WHERE task_id = ? ORDER BY id", taskID)
}

func ensureOpen(ctx context.Context, tx *sql.Tx, taskID int64) error {
	t, err := queryOne(ctx, tx, scanTask, "SELECT id, data FROM tasks WHERE id = ?", taskID)
	if err != nil {
		return fmt.Errorf("task %d: %w", taskID, err)
	}
	if t.Finalized() {
		return fmt.Errorf("task %d: %w", taskID, ErrTaskFinalized)
	}
	return nil
}

// upsertDetail inserts a row when *id is 0 and updates it otherwise. The
// column list and args are in the same order.
func upsertDetail(ctx context.Context, tx *sql.Tx, table string, id *int64, columns []string, args ...any) error {
	if *id == 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id", table, strings.Join(columns, ", "), marks)
		return tx.QueryRowContext(ctx, query, args...).Scan(id)
	}
	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE id = ?", table, strings.Join(columns, " = ?, "))
	res, err := tx.ExecContext(ctx, query, append(args, *id)...)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("%s %d", table, *id))
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
