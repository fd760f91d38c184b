// Copyright 2026 The tiermux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package history persists task results to a local sqlite database so
// tier health reporting and post-mortems can see what actually ran,
// where, and how it ended.
package history

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tiermux/tiermux/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	success INTEGER NOT NULL,
	error TEXT,
	fallback_used INTEGER NOT NULL,
	fallback_chain TEXT,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_results_tier ON task_results(tier);
CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id);
`

// Record is one persisted result row.
type Record struct {
	// TaskID is the task the row belongs to
	TaskID string `json:"task_id"`

	// Tier is the tier that produced the result
	Tier string `json:"tier"`

	// Success mirrors the result's success flag
	Success bool `json:"success"`

	// Error is the failure message, empty on success
	Error string `json:"error,omitempty"`

	// FallbackUsed is true when more than one tier was attempted
	FallbackUsed bool `json:"fallback_used"`

	// FallbackChain is the comma-joined list of tiers attempted
	FallbackChain string `json:"fallback_chain,omitempty"`

	// DurationMs is execution wall time in milliseconds
	DurationMs int64 `json:"duration_ms"`

	// CreatedAt is when the row was written
	CreatedAt time.Time `json:"created_at"`
}

// Store is an append-only sqlite record of task results.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one result row.
func (s *Store) Record(result *task.Result) error {
	_, err := s.db.Exec(
		`INSERT INTO task_results (task_id, tier, success, error, fallback_used, fallback_chain, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID,
		result.ExecutedBy,
		boolToInt(result.Success),
		result.Error,
		boolToInt(result.FallbackUsed),
		strings.Join(result.FallbackChain, ","),
		result.ExecutionTime.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record result for task %s: %w", result.TaskID, err)
	}
	return nil
}

// TierCounts returns (processed, failed) totals for one tier.
func (s *Store) TierCounts(tier string) (processed, failed int64, err error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		 FROM task_results WHERE tier = ?`, tier)
	if err = row.Scan(&processed, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count results for tier %s: %w", tier, err)
	}
	return processed, failed, nil
}

// Recent returns up to limit rows, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT task_id, tier, success, error, fallback_used, fallback_chain, duration_ms, created_at
		 FROM task_results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var rec Record
		var success, fallbackUsed int
		if err = rows.Scan(&rec.TaskID, &rec.Tier, &success, &rec.Error, &fallbackUsed, &rec.FallbackChain, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.Success = success != 0
		rec.FallbackUsed = fallbackUsed != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
