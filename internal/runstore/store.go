// Package runstore persists finished batch runs and unlocked achievement
// badges in SQLite. Only terminal runs are recorded; live state belongs to
// the controller.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// RunRecord is one persisted batch run
type RunRecord struct {
	ID             int64
	SessionID      string
	Folder         string
	CompletedTasks int
	TotalTasks     int
	LoopIterations int
	Elapsed        time.Duration
	WasStopped     bool
	ErrorAborted   bool
	ErrorDetail    string
	Usage          domain.UsageStats
	FinishedAt     time.Time
}

// Achievement is one unlocked badge
type Achievement struct {
	Badge      string
	UnlockedAt time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun records a terminal run outcome
func (s *Store) SaveRun(outcome domain.RunOutcome) error {
	_, err := s.db.Exec(`
		INSERT INTO batch_runs (session_id, folder, completed_tasks, total_tasks, loop_iterations, elapsed_ms, was_stopped, error_aborted, error_detail, tokens_input, tokens_output, cost_usd, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		outcome.SessionID,
		outcome.Folder,
		outcome.CompletedTasks,
		outcome.TotalTasks,
		outcome.LoopIterations,
		outcome.Elapsed.Milliseconds(),
		outcome.WasStopped,
		outcome.ErrorAborted,
		outcome.ErrorDetail,
		outcome.Usage.TokensInput,
		outcome.Usage.TokensOutput,
		outcome.Usage.CostUSD,
		time.Now(),
	)
	return err
}

// ListRecentRuns returns the most recent runs, newest first
func (s *Store) ListRecentRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, folder, completed_tasks, total_tasks, loop_iterations, elapsed_ms, was_stopped, error_aborted, error_detail, tokens_input, tokens_output, cost_usd, finished_at
		FROM batch_runs ORDER BY finished_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TotalCompletedTasks returns the lifetime completed task count
func (s *Store) TotalCompletedTasks() (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(completed_tasks) FROM batch_runs`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// TotalFocusTime returns the lifetime elapsed running time across all runs
func (s *Store) TotalFocusTime() (time.Duration, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(elapsed_ms) FROM batch_runs`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return time.Duration(total.Int64) * time.Millisecond, nil
}

// UnlockAchievement records a badge. Returns true when the badge was newly
// unlocked, false when it was already present.
func (s *Store) UnlockAchievement(badge string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO achievements (badge, unlocked_at) VALUES (?, ?)`,
		badge, time.Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAchievements returns unlocked badges, oldest first
func (s *Store) ListAchievements() ([]Achievement, error) {
	rows, err := s.db.Query(`SELECT badge, unlocked_at FROM achievements ORDER BY unlocked_at, badge`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var achievements []Achievement
	for rows.Next() {
		var a Achievement
		if err := rows.Scan(&a.Badge, &a.UnlockedAt); err != nil {
			return nil, err
		}
		achievements = append(achievements, a)
	}
	return achievements, rows.Err()
}

func scanRunRecord(rows *sql.Rows) (RunRecord, error) {
	var rec RunRecord
	var elapsedMs int64
	var errorDetail sql.NullString

	err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Folder, &rec.CompletedTasks, &rec.TotalTasks,
		&rec.LoopIterations, &elapsedMs, &rec.WasStopped, &rec.ErrorAborted, &errorDetail,
		&rec.Usage.TokensInput, &rec.Usage.TokensOutput, &rec.Usage.CostUSD, &rec.FinishedAt)
	if err != nil {
		return RunRecord{}, err
	}

	rec.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	if errorDetail.Valid {
		rec.ErrorDetail = errorDetail.String
	}
	return rec, nil
}
