// Package runstore provides persistent storage for profiling run state and
// results using SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wsi-profiles/profiler/internal/config"
	"github.com/wsi-profiles/profiler/internal/profile"
)

// RunStatus represents the current state of a profiling run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunProgress tracks tile completion of a running profile.
type RunProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Run represents one profiling run and its configuration snapshot.
type Run struct {
	ID         string         `json:"run_id"`
	Slide      string         `json:"slide"`
	Status     RunStatus      `json:"status"`
	Config     *config.Config `json:"config"`
	Progress   RunProgress    `json:"progress"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Store provides persistent storage for profiling runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based run store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// WAL keeps readers live while a run is persisting rows
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		slide TEXT NOT NULL,
		status TEXT NOT NULL,
		config_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		coverage_json TEXT DEFAULT '',
		bin_width REAL DEFAULT 0,
		max_distance REAL DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_slide ON runs(slide);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);

	CREATE TABLE IF NOT EXISTS profile_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		device INTEGER NOT NULL,
		lower_um REAL NOT NULL,
		upper_um REAL NOT NULL,
		count INTEGER NOT NULL,
		mean_area REAL NOT NULL,
		var_area REAL NOT NULL,
		mean_ecc REAL NOT NULL,
		var_ecc REAL NOT NULL,
		mean_intensity REAL NOT NULL,
		var_intensity REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_profile_rows_run ON profile_rows(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun creates a new run record with status=queued.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, slide, status, config_json, phase, done, total, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Slide,
		string(run.Status),
		string(configJSON),
		run.Progress.Phase,
		run.Progress.Done,
		run.Progress.Total,
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetRun retrieves a run by ID. A missing run returns (nil, nil).
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, slide, status, config_json, phase, done, total, error, created_at, started_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRunStarted marks a run as running with start time.
func (s *Store) UpdateRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, started_at = ?
		WHERE run_id = ?
	`, string(RunStatusRunning), now, runID)
	return err
}

// UpdateRunStatus updates the run status, error message, and finish time for
// terminal states.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunProgress updates the progress fields.
func (s *Store) UpdateRunProgress(runID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET phase = ?, done = ?, total = ?
		WHERE run_id = ?
	`, phase, done, total, runID)
	return err
}

// SaveProfile persists a finalized profile's rows and coverage in one
// transaction.
func (s *Store) SaveProfile(runID string, p *profile.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coverageJSON, err := json.Marshal(p.Coverage)
	if err != nil {
		return fmt.Errorf("failed to marshal coverage: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE runs SET coverage_json = ?, bin_width = ?, max_distance = ?
		WHERE run_id = ?
	`, string(coverageJSON), p.BinWidth, p.MaxDist, runID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO profile_rows (run_id, device, lower_um, upper_um, count, mean_area, var_area, mean_ecc, var_ecc, mean_intensity, var_intensity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range p.Rows {
		if _, err := stmt.Exec(
			runID, r.Device, r.Lower, r.Upper, r.Count,
			r.MeanArea, r.VarArea, r.MeanEcc, r.VarEcc,
			r.MeanIntensity, r.VarIntensity,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetProfile reassembles the persisted profile of a completed run, or
// (nil, nil) when the run has no saved profile.
func (s *Store) GetProfile(runID string) (*profile.Profile, error) {
	row := s.db.QueryRow(`
		SELECT slide, coverage_json, bin_width, max_distance FROM runs WHERE run_id = ?
	`, runID)

	var slide, coverageJSON string
	var binWidth, maxDist float64
	err := row.Scan(&slide, &coverageJSON, &binWidth, &maxDist)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if coverageJSON == "" {
		return nil, nil
	}

	p := &profile.Profile{Slide: slide, BinWidth: binWidth, MaxDist: maxDist}
	if err := json.Unmarshal([]byte(coverageJSON), &p.Coverage); err != nil {
		return nil, fmt.Errorf("failed to unmarshal coverage: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT device, lower_um, upper_um, count, mean_area, var_area, mean_ecc, var_ecc, mean_intensity, var_intensity
		FROM profile_rows WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r profile.Row
		if err := rows.Scan(
			&r.Device, &r.Lower, &r.Upper, &r.Count,
			&r.MeanArea, &r.VarArea, &r.MeanEcc, &r.VarEcc,
			&r.MeanIntensity, &r.VarIntensity,
		); err != nil {
			return nil, err
		}
		p.Rows = append(p.Rows, r)
	}
	return p, rows.Err()
}

// ListRuns returns all runs for a slide, newest first. An empty slide name
// lists every run.
func (s *Store) ListRuns(slide string) ([]*Run, error) {
	query := `
		SELECT run_id, slide, status, config_json, phase, done, total, error, created_at, started_at, finished_at
		FROM runs`
	args := []interface{}{}
	if slide != "" {
		query += " WHERE slide = ?"
		args = append(args, slide)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunningAsFailed marks all running runs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	return err
}

// DeleteExpiredRuns deletes finished runs older than retentionDays.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Rows first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM profile_rows WHERE run_id IN (
			SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteRun deletes a run and its profile rows.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM profile_rows WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var configJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Slide,
		&run.Status,
		&configJSON,
		&run.Progress.Phase,
		&run.Progress.Done,
		&run.Progress.Total,
		&run.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &run.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		run.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}

	return &run, nil
}
