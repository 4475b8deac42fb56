// Package history keeps a local SQLite record of deploy and cleanup runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"shipyard/internal/security"
)

// History manages run history in SQLite
type History struct {
	db *sql.DB
}

// NewHistory opens (creating if needed) the history database at dbPath
func NewHistory(dbPath string) (*History, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, security.PermDirectory); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	created := false
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		created = true
	}

	// Open database connection
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	// Initialize schema
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if created {
		if err := os.Chmod(dbPath, security.PermDBFile); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set database permissions: %w", err)
		}
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

// initSchema creates the database tables and indexes
func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL,
			mode TEXT NOT NULL,
			host TEXT NOT NULL,
			branch TEXT NOT NULL,
			status TEXT NOT NULL,
			failed_stage TEXT,
			exit_code INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			commit_hash TEXT,
			artifact TEXT,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Create index for efficient queries
	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_project_started
		ON runs(project, started_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// RecordRun stores a finished or in-progress run. A zero StartedAt is
// recorded as now.
func (h *History) RecordRun(ctx context.Context, record *RunRecord) (int64, error) {
	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	var completedAt *string
	if record.CompletedAt != nil {
		formatted := record.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &formatted
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO runs
		(project, mode, host, branch, status, failed_stage, exit_code,
		 started_at, completed_at, duration_seconds, commit_hash, artifact, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.Project,
		record.Mode,
		record.Host,
		record.Branch,
		record.Status,
		record.FailedStage,
		record.ExitCode,
		startedAt.UTC().Format(time.RFC3339Nano),
		completedAt,
		record.DurationSeconds,
		record.CommitHash,
		record.Artifact,
		record.ErrorMessage,
	)

	if err != nil {
		return 0, fmt.Errorf("failed to insert run record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

const selectColumns = `
	SELECT id, project, mode, host, branch, status, failed_stage, exit_code,
	       started_at, completed_at, duration_seconds, commit_hash, artifact, error_message
	FROM runs`

// GetLatestRun returns the most recent run for a project, or nil
func (h *History) GetLatestRun(ctx context.Context, project string) (*RunRecord, error) {
	row := h.db.QueryRowContext(ctx, selectColumns+`
		WHERE project = ?
		ORDER BY id DESC
		LIMIT 1
	`, project)

	record, err := scanRunRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest run: %w", err)
	}

	return record, nil
}

// GetRunHistory returns the most recent runs for a project, newest first
func (h *History) GetRunHistory(ctx context.Context, project string, limit int) ([]RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		WHERE project = ?
		ORDER BY id DESC
		LIMIT ?
	`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		record, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// GetProjectStatus returns the latest run and recent history of a project
func (h *History) GetProjectStatus(ctx context.Context, project string, limit int) (*ProjectStatus, error) {
	latest, err := h.GetLatestRun(ctx, project)
	if err != nil {
		return nil, err
	}
	recent, err := h.GetRunHistory(ctx, project, limit)
	if err != nil {
		return nil, err
	}
	if recent == nil {
		recent = []RunRecord{}
	}
	return &ProjectStatus{Project: project, LatestRun: latest, RecentHistory: recent}, nil
}

// GetAllProjectsStatus returns the latest run for each project
func (h *History) GetAllProjectsStatus(ctx context.Context) (map[string]*RunRecord, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		WHERE id IN (SELECT MAX(id) FROM runs GROUP BY project)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query all projects status: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*RunRecord)
	for rows.Next() {
		record, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		result[record.Project] = record
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return result, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRunRecord scans a database row into a RunRecord
// Works with both *sql.Row and *sql.Rows
func scanRunRecord(s scanner) (*RunRecord, error) {
	var record RunRecord
	var startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.Project,
		&record.Mode,
		&record.Host,
		&record.Branch,
		&record.Status,
		&record.FailedStage,
		&record.ExitCode,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.CommitHash,
		&record.Artifact,
		&record.ErrorMessage,
	)

	if err != nil {
		return nil, err
	}

	// Parse timestamps
	startedAt, err := time.Parse(time.RFC3339Nano, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339Nano, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}

	return &record, nil
}
