package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"spotify-downloader/internal/domain"
	"spotify-downloader/internal/repository"
)

// Open opens (or creates) a sqlite database at the given path and ensures
// parent directories exist.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// single writer keeps sqlite happy under concurrent readers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS job_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL,
	reference TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	engine TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	done INTEGER NOT NULL DEFAULT 0,
	total INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
`

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create job_history table: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Record(ctx context.Context, entry *domain.HistoryEntry) (int64, error) {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
INSERT INTO job_history (job_id, reference, name, engine, status, done, total, error_message, created_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.JobID,
		entry.Reference,
		entry.Name,
		string(entry.Engine),
		string(entry.Status),
		entry.Done,
		entry.Total,
		entry.Error,
		entry.CreatedAt,
		entry.FinishedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert history entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history entry id: %w", err)
	}
	entry.ID = id
	return id, nil
}

func (r *HistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, job_id, reference, name, engine, status, done, total, error_message, created_at, finished_at
FROM job_history
ORDER BY finished_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var (
			entry  domain.HistoryEntry
			engine string
			status string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.JobID,
			&entry.Reference,
			&entry.Name,
			&engine,
			&status,
			&entry.Done,
			&entry.Total,
			&entry.Error,
			&entry.CreatedAt,
			&entry.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entry.Engine = domain.Engine(engine)
		entry.Status = domain.JobStatus(status)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

var _ repository.HistoryRepository = (*HistoryRepository)(nil)
