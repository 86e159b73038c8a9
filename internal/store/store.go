package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"render-queue/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	file_path TEXT NOT NULL,
	settings TEXT NOT NULL,
	preview_path TEXT NOT NULL DEFAULT '',
	position INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS thumbnails (
	project_id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS engine_paths (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE,
	version TEXT NOT NULL DEFAULT ''
);
`

// Store persists projects, thumbnails and known engine executables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates the database file and schema when missing.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts a new project at the end of the queue.
func (s *Store) Save(ctx context.Context, p domain.Project) error {
	settings, err := encodeSettings(p.Settings)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id=?`, p.ID()).Scan(&exists)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("project %s: %w", p.ID(), ErrExists)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO projects (id, name, file_path, settings, preview_path, position)
			 VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM projects));`,
			p.ID(), p.Name, p.FilePath, settings, p.PreviewPath,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		return nil
	})
}

// Update overwrites name, file, settings and preview of an existing project.
func (s *Store) Update(ctx context.Context, p domain.Project) error {
	settings, err := encodeSettings(p.Settings)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name=?, file_path=?, settings=?, preview_path=? WHERE id=?;`,
		p.Name, p.FilePath, settings, p.PreviewPath, p.ID(),
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	return requireAffected(res, p.ID())
}

// Delete removes a project together with its thumbnail.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?;`, id)
		if err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		if err := requireAffected(res, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM thumbnails WHERE project_id=?;`, id); err != nil {
			return fmt.Errorf("executing sql delete failed: %w", err)
		}
		return nil
	})
}

// LoadAll returns every project in queue order.
func (s *Store) LoadAll(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, file_path, settings, preview_path FROM projects ORDER BY position, rowid;`,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		var id, name, filePath, settings, preview string
		if err := rows.Scan(&id, &name, &filePath, &settings, &preview); err != nil {
			return nil, fmt.Errorf("scanning project row failed: %w", err)
		}
		p := domain.NewProject(id, name, filePath, s.decodeSettings(ctx, id, settings))
		p.PreviewPath = preview
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows failed: %w", err)
	}
	return projects, nil
}

// Get returns one project or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (domain.Project, error) {
	var name, filePath, settings, preview string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, file_path, settings, preview_path FROM projects WHERE id=?;`, id,
	).Scan(&name, &filePath, &settings, &preview)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	case err != nil:
		return domain.Project{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	p := domain.NewProject(id, name, filePath, s.decodeSettings(ctx, id, settings))
	p.PreviewPath = preview
	return p, nil
}

// Reorder assigns queue positions following ids. Projects missing from ids
// keep their relative order after the listed ones.
func (s *Store) Reorder(ctx context.Context, ids []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET position = position + ?;`, len(ids)); err != nil {
			return fmt.Errorf("executing sql update failed: %w", err)
		}
		for i, id := range ids {
			res, err := tx.ExecContext(ctx, `UPDATE projects SET position=? WHERE id=?;`, i, id)
			if err != nil {
				return fmt.Errorf("executing sql update failed: %w", err)
			}
			if err := requireAffected(res, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveThumbnail stores or replaces the preview image of a project.
func (s *Store) SaveThumbnail(ctx context.Context, projectID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thumbnails (project_id, data) VALUES (?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET data=excluded.data, updated_at=CURRENT_TIMESTAMP;`,
		projectID, data,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// GetThumbnail returns the stored preview image or ErrNotFound.
func (s *Store) GetThumbnail(ctx context.Context, projectID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM thumbnails WHERE project_id=?;`, projectID).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("thumbnail %s: %w", projectID, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	return data, nil
}

// DeleteThumbnail removes a stored preview image; a missing one is not an error.
func (s *Store) DeleteThumbnail(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM thumbnails WHERE project_id=?;`, projectID); err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return nil
}

// AddExecutablePath records an engine executable, updating its version
// when it is already known.
func (s *Store) AddExecutablePath(ctx context.Context, path, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO engine_paths (path, version) VALUES (?, ?)
		 ON CONFLICT(path) DO UPDATE SET version=excluded.version;`,
		path, version,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// ListExecutablePaths returns known engines in the order they were added.
func (s *Store) ListExecutablePaths(ctx context.Context) ([]domain.EngineInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, version FROM engine_paths ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.EngineInfo
	for rows.Next() {
		var info domain.EngineInfo
		if err := rows.Scan(&info.Path, &info.Version); err != nil {
			return nil, fmt.Errorf("scanning engine row failed: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("error", err.Error()))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

func encodeSettings(s domain.Settings) (string, error) {
	if s.IsZero() {
		return "{}", nil
	}
	data, err := json.Marshal(s.ToMap())
	if err != nil {
		return "", fmt.Errorf("encoding settings failed: %w", err)
	}
	return string(data), nil
}

// decodeSettings never fails a load: settings that no longer validate on
// this host are retried with autodetected threads, then left empty.
func (s *Store) decodeSettings(ctx context.Context, id, raw string) domain.Settings {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || len(m) == 0 {
		return domain.Settings{}
	}

	p, err := domain.ParamsFromMap(m)
	if err != nil {
		s.logger.WarnContext(ctx, "stored settings unreadable", slog.String("project_id", id), slog.String("error", err.Error()))
		return domain.Settings{}
	}
	settings, err := domain.NewSettings(p)
	if err != nil && p.Threads != 0 {
		p.Threads = 0
		settings, err = domain.NewSettings(p)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "stored settings invalid", slog.String("project_id", id), slog.String("error", err.Error()))
		return domain.Settings{}
	}
	return settings
}
