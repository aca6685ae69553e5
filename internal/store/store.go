// Package store persists tasks, their per-item progress and the package and
// media entities in SQLite, and publishes every write.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/juju/pubsub/v2"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Topics published after each committed write. The payload is the written
// value, not a pointer.
const (
	TopicTask           = "task"
	TopicProcessingInfo = "processing_info"
	TopicPackageDetail  = "package_detail"
	TopicMediaDetail    = "media_detail"
	TopicPackage        = "package"
	TopicMedia          = "media"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTaskFinalized is returned when writing to a task that has ended.
	ErrTaskFinalized = errors.New("task is finalized")
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op_type TEXT NOT NULL,
	target_type TEXT NOT NULL,
	start_timestamp INTEGER NOT NULL,
	is_processing INTEGER NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_infos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	info_type TEXT NOT NULL,
	data TEXT NOT NULL,
	UNIQUE (task_id, type, info_type)
);

CREATE TABLE IF NOT EXISTS task_detail_packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	package_name TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_detail_media (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op_type TEXT NOT NULL,
	package_name TEXT NOT NULL,
	user_id INTEGER NOT NULL,
	preserve_id INTEGER NOT NULL,
	compression_type TEXT NOT NULL,
	cloud TEXT NOT NULL,
	backup_dir TEXT NOT NULL,
	activated INTEGER NOT NULL,
	data TEXT NOT NULL,
	UNIQUE (op_type, package_name, user_id, preserve_id, compression_type, cloud, backup_dir)
);

CREATE TABLE IF NOT EXISTS media (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op_type TEXT NOT NULL,
	name TEXT NOT NULL,
	preserve_id INTEGER NOT NULL,
	compression_type TEXT NOT NULL,
	cloud TEXT NOT NULL,
	backup_dir TEXT NOT NULL,
	activated INTEGER NOT NULL,
	data TEXT NOT NULL,
	UNIQUE (op_type, name, preserve_id, compression_type, cloud, backup_dir)
);

CREATE INDEX IF NOT EXISTS idx_processing_infos_task ON processing_infos(task_id, type);
CREATE INDEX IF NOT EXISTS idx_task_detail_packages_task ON task_detail_packages(task_id);
CREATE INDEX IF NOT EXISTS idx_task_detail_media_task ON task_detail_media(task_id);
CREATE INDEX IF NOT EXISTS idx_packages_activated ON packages(op_type, activated);
CREATE INDEX IF NOT EXISTS idx_media_activated ON media(op_type, activated);
`

// Store is the SQLite-backed persistence model.
type Store struct {
	db     *sql.DB
	hub    *pubsub.SimpleHub
	logger zerolog.Logger
}

// Open opens or creates the database at path and applies pending migrations.
func Open(ctx context.Context, logger zerolog.Logger, path string) (*Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": {"busy_timeout(5000)", "foreign_keys(1)", "journal_mode(WAL)"},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; SQLite would otherwise return SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		hub:    pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{Logger: hubLogger{logger}}),
		logger: logger,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers fn for every write published on topic. The returned
// function unsubscribes. Handlers run asynchronously, in publish order.
func (s *Store) Subscribe(topic string, fn func(topic string, data interface{})) func() {
	return s.hub.Subscribe(topic, fn)
}

func (s *Store) publish(topic string, data interface{}) {
	_ = s.hub.Publish(topic, data)
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	migrated, err := s.migrateLegacySelections(ctx)
	if err != nil {
		return err
	}
	if migrated > 0 {
		s.logger.Info().Int("packages", migrated).Msg("migrated legacy package selections")
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// migrateLegacySelections rewrites package rows still carrying the old
// bitmask selection fields.
func (s *Store) migrateLegacySelections(ctx context.Context) (int, error) {
	migrated := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pkgs, err := queryAll(ctx, tx, scanPackage, "SELECT id, data FROM packages")
		if err != nil {
			return err
		}
		for i := range pkgs {
			if !pkgs[i].MigrateLegacy() {
				continue
			}
			data, err := json.Marshal(&pkgs[i])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "UPDATE packages SET data = ? WHERE id = ?", string(data), pkgs[i].ID); err != nil {
				return err
			}
			migrated++
		}
		return nil
	})
	return migrated, err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// queryAll runs a query selecting (id, data) and decodes every row.
func queryAll[T any](ctx context.Context, q querier, scan func(id int64, data string) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []T{}
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		v, err := scan(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// queryOne is queryAll for a single row; no row is ErrNotFound.
func queryOne[T any](ctx context.Context, q querier, scan func(id int64, data string) (T, error), query string, args ...any) (T, error) {
	all, err := queryAll(ctx, q, scan, query, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(all) == 0 {
		var zero T
		return zero, ErrNotFound
	}
	return all[0], nil
}

func decode[T any](setID func(*T, int64)) func(id int64, data string) (T, error) {
	return func(id int64, data string) (T, error) {
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return v, fmt.Errorf("decoding row %d: %w", id, err)
		}
		setID(&v, id)
		return v, nil
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// hubLogger routes pubsub diagnostics to zerolog.
type hubLogger struct {
	logger zerolog.Logger
}

func (l hubLogger) Errorf(format string, values ...interface{}) {
	l.logger.Error().Msgf(format, values...)
}

func (l hubLogger) Warningf(format string, values ...interface{}) {
	l.logger.Warn().Msgf(format, values...)
}

func (l hubLogger) Infof(format string, values ...interface{}) {
	l.logger.Debug().Msgf(format, values...)
}

func (l hubLogger) Debugf(format string, values ...interface{}) {
	l.logger.Debug().Msgf(format, values...)
}

func (l hubLogger) Tracef(format string, values ...interface{}) {
	l.logger.Trace().Msgf(format, values...)
}
