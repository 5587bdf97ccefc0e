// Package resultstore keeps a SQLite history of work results and of the
// task groups the coverage workflow already triggered.
package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/pulselistener/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed result persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordResult appends a work result to the history
func (s *Store) RecordResult(ctx context.Context, result domain.WorkResult) error {
	at := result.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (diff_phid, status, detail, revision, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		result.DiffPHID, string(result.Status), result.Detail, result.Revision, at.UTC())
	if err != nil {
		return fmt.Errorf("recording result for %s: %w", result.DiffPHID, err)
	}
	return nil
}

// RecentResults returns up to limit results, newest first
func (s *Store) RecentResults(ctx context.Context, limit int) ([]domain.WorkResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT diff_phid, status, detail, revision, created_at
		FROM results ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.WorkResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ResultsForDiff returns every recorded result of one diff, oldest first
func (s *Store) ResultsForDiff(ctx context.Context, diffPHID string) ([]domain.WorkResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT diff_phid, status, detail, revision, created_at
		FROM results WHERE diff_phid = ? ORDER BY created_at, id`, diffPHID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.WorkResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountByStatus returns the number of recorded results per status
func (s *Store) CountByStatus(ctx context.Context) (map[domain.ResultStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM results GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ResultStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.ResultStatus(status)] = n
	}
	return counts, rows.Err()
}

// MarkTriggered records that the coverage hook fired for a task group.
// It returns false when the group was already recorded.
func (s *Store) MarkTriggered(ctx context.Context, groupID, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO coverage_triggers (group_id, task_id, triggered_at)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO NOTHING`, groupID, taskID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("marking group %s: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Triggered reports whether the coverage hook already fired for a task group
func (s *Store) Triggered(ctx context.Context, groupID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT group_id FROM coverage_triggers WHERE group_id = ?`, groupID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanResult(rows *sql.Rows) (domain.WorkResult, error) {
	var r domain.WorkResult
	var status string
	var detail, revision sql.NullString

	if err := rows.Scan(&r.DiffPHID, &status, &detail, &revision, &r.At); err != nil {
		return domain.WorkResult{}, err
	}
	r.Status = domain.ResultStatus(status)
	if detail.Valid {
		r.Detail = detail.String
	}
	if revision.Valid {
		r.Revision = revision.String
	}
	return r, nil
}
