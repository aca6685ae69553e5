package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fgeck/droidbackup/internal/models"
)

var (
	scanPackage = decode(func(p *models.PackageEntity, id int64) { p.ID = id })
	scanMedia   = decode(func(m *models.MediaEntity, id int64) { m.ID = id })
)

// UpsertPackage writes a package entity. Rows are unique per operation,
// package, user, preserve id, compression type, cloud and backup dir; an
// insert that hits an existing row updates it and adopts its id.
func (s *Store) UpsertPackage(ctx context.Context, p *models.PackageEntity) error {
	if err := s.upsertPackage(ctx, s.db, p); err != nil {
		return err
	}
	s.publish(TopicPackage, *p)
	return nil
}

type execQuerier interface {
	querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) upsertPackage(ctx context.Context, q execQuerier, p *models.PackageEntity) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	idx := p.IndexInfo
	if p.ID != 0 {
		res, err := q.ExecContext(ctx,
			`UPDATE packages SET op_type = ?, package_name = ?, user_id = ?, preserve_id = ?, compression_type = ?,
			cloud = ?, backup_dir = ?, activated = ?, data = ? WHERE id = ?`,
			idx.OpType, idx.PackageName, idx.UserID, idx.PreserveID, idx.CompressionType,
			idx.Cloud, idx.BackupDir, boolInt(p.ExtraInfo.Activated), string(data), p.ID)
		if err != nil {
			return fmt.Errorf("updating package %s: %w", p.Name(), err)
		}
		return affected(res, "package "+p.Name())
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO packages (op_type, package_name, user_id, preserve_id, compression_type, cloud, backup_dir, activated, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (op_type, package_name, user_id, preserve_id, compression_type, cloud, backup_dir)
		DO UPDATE SET activated = excluded.activated, data = excluded.data
		RETURNING id`,
		idx.OpType, idx.PackageName, idx.UserID, idx.PreserveID, idx.CompressionType,
		idx.Cloud, idx.BackupDir, boolInt(p.ExtraInfo.Activated), string(data),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("inserting package %s: %w", p.Name(), err)
	}
	return nil
}

// GetPackage returns one package entity.
func (s *Store) GetPackage(ctx context.Context, id int64) (*models.PackageEntity, error) {
	p, err := queryOne(ctx, s.db, scanPackage, "SELECT id, data FROM packages WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("package %d: %w", id, err)
	}
	return &p, nil
}

// FindPackage returns the entity stored under an index key.
func (s *Store) FindPackage(ctx context.Context, idx models.PackageIndexInfo) (*models.PackageEntity, error) {
	p, err := queryOne(ctx, s.db, scanPackage,
		`SELECT id, data FROM packages WHERE op_type = ? AND package_name = ? AND user_id = ? AND preserve_id = ?
		AND compression_type = ? AND cloud = ? AND backup_dir = ?`,
		idx.OpType, idx.PackageName, idx.UserID, idx.PreserveID, idx.CompressionType, idx.Cloud, idx.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", idx.PackageName, err)
	}
	return &p, nil
}

// ListPackages returns every entity of an operation, ordered by name and user.
func (s *Store) ListPackages(ctx context.Context, op models.OpType) ([]models.PackageEntity, error) {
	return queryAll(ctx, s.db, scanPackage,
		"SELECT id, data FROM packages WHERE op_type = ? ORDER BY package_name, user_id, preserve_id", op)
}

// ListActivatedPackages returns the activated entities of an operation in
// the order they were first stored.
func (s *Store) ListActivatedPackages(ctx context.Context, op models.OpType) ([]models.PackageEntity, error) {
	return queryAll(ctx, s.db, scanPackage,
		"SELECT id, data FROM packages WHERE op_type = ? AND activated = 1 ORDER BY id", op)
}

// DeletePackage removes a package entity.
func (s *Store) DeletePackage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM packages WHERE id = ?", id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("package %d", id))
}

// DeactivatePackages clears the activated flag of every entity of an operation.
func (s *Store) DeactivatePackages(ctx context.Context, op models.OpType) error {
	var changed []models.PackageEntity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		pkgs, err := queryAll(ctx, tx, scanPackage, "SELECT id, data FROM packages WHERE op_type = ? AND activated = 1", op)
		if err != nil {
			return err
		}
		for i := range pkgs {
			pkgs[i].ExtraInfo.Activated = false
			if err := s.upsertPackage(ctx, tx, &pkgs[i]); err != nil {
				return err
			}
		}
		changed = pkgs
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range changed {
		s.publish(TopicPackage, p)
	}
	return nil
}

// UpsertMedia writes a media entity, with the same conflict rules as UpsertPackage.
func (s *Store) UpsertMedia(ctx context.Context, m *models.MediaEntity) error {
	if err := s.upsertMedia(ctx, s.db, m); err != nil {
		return err
	}
	s.publish(TopicMedia, *m)
	return nil
}

func (s *Store) upsertMedia(ctx context.Context, q execQuerier, m *models.MediaEntity) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	idx := m.IndexInfo
	if m.ID != 0 {
		res, err := q.ExecContext(ctx,
			`UPDATE media SET op_type = ?, name = ?, preserve_id = ?, compression_type = ?,
			cloud = ?, backup_dir = ?, activated = ?, data = ? WHERE id = ?`,
			idx.OpType, idx.Name, idx.PreserveID, idx.CompressionType,
			idx.Cloud, idx.BackupDir, boolInt(m.ExtraInfo.Activated), string(data), m.ID)
		if err != nil {
			return fmt.Errorf("updating media %s: %w", m.Name(), err)
		}
		return affected(res, "media "+m.Name())
	}
	err = q.QueryRowContext(ctx,
		`INSERT INTO media (op_type, name, preserve_id, compression_type, cloud, backup_dir, activated, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (op_type, name, preserve_id, compression_type, cloud, backup_dir)
		DO UPDATE SET activated = excluded.activated, data = excluded.data
		RETURNING id`,
		idx.OpType, idx.Name, idx.PreserveID, idx.CompressionType,
		idx.Cloud, idx.BackupDir, boolInt(m.ExtraInfo.Activated), string(data),
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("inserting media %s: %w", m.Name(), err)
	}
	return nil
}

// GetMedia returns one media entity.
func (s *Store) GetMedia(ctx context.Context, id int64) (*models.MediaEntity, error) {
	m, err := queryOne(ctx, s.db, scanMedia, "SELECT id, data FROM media WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("media %d: %w", id, err)
	}
	return &m, nil
}

// FindMedia returns the entity stored under an index key.
func (s *Store) FindMedia(ctx context.Context, idx models.MediaIndexInfo) (*models.MediaEntity, error) {
	m, err := queryOne(ctx, s.db, scanMedia,
		`SELECT id, data FROM media WHERE op_type = ? AND name = ? AND preserve_id = ?
		AND compression_type = ? AND cloud = ? AND backup_dir = ?`,
		idx.OpType, idx.Name, idx.PreserveID, idx.CompressionType, idx.Cloud, idx.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("media %s: %w", idx.Name, err)
	}
	return &m, nil
}

// ListMedia returns every media entity of an operation, ordered by name.
func (s *Store) ListMedia(ctx context.Context, op models.OpType) ([]models.MediaEntity, error) {
	return queryAll(ctx, s.db, scanMedia,
		"SELECT id, data FROM media WHERE op_type = ? ORDER BY name, preserve_id", op)
}

// ListActivatedMedia returns the activated media of an operation in the
// order they were first stored.
func (s *Store) ListActivatedMedia(ctx context.Context, op models.OpType) ([]models.MediaEntity, error) {
	return queryAll(ctx, s.db, scanMedia,
		"SELECT id, data FROM media WHERE op_type = ? AND activated = 1 ORDER BY id", op)
}

// DeleteMedia removes a media entity.
func (s *Store) DeleteMedia(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM media WHERE id = ?", id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("media %d", id))
}

// DeactivateMedia clears the activated flag of every media entity of an operation.
func (s *Store) DeactivateMedia(ctx context.Context, op models.OpType) error {
	var changed []models.MediaEntity
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		media, err := queryAll(ctx, tx, scanMedia, "SELECT id, data FROM media WHERE op_type = ? AND activated = 1", op)
		if err != nil {
			return err
		}
		for i := range media {
			media[i].ExtraInfo.Activated = false
			if err := s.upsertMedia(ctx, tx, &media[i]); err != nil {
				return err
			}
		}
		changed = media
		return nil
	})
	if err != nil {
		return err
	}
	for _, m := range changed {
		s.publish(TopicMedia, m)
	}
	return nil
}
