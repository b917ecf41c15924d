package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Database represents the SQLite database connection
type Database struct {
	db     *sql.DB
	logger *logrus.Logger
}

// LoginAttempt is one outer iteration of a login call.
type LoginAttempt struct {
	ID               int64     `json:"id"`
	RunID            string    `json:"run_id"`
	Attempt          int       `json:"attempt"`
	Outcome          string    `json:"outcome"` // succeeded, failed, resumed
	Phase            string    `json:"phase"`
	Refreshes        int       `json:"refreshes"`
	SolveInvocations int       `json:"solve_invocations"`
	Diagnostic       string    `json:"diagnostic,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// SolveAttempt is one invocation of the challenge solver.
type SolveAttempt struct {
	ID           int64         `json:"id"`
	RunID        string        `json:"run_id"`
	Attempt      int           `json:"attempt"`
	RefreshCycle int           `json:"refresh_cycle"`
	SolveAttempt int           `json:"solve_attempt"`
	Status       string        `json:"status"` // solved, unsolved
	RawX         float64       `json:"raw_x"`
	Offset       float64       `json:"offset"`
	Confidence   float64       `json:"confidence"`
	Degenerate   bool          `json:"degenerate"`
	Target       int           `json:"target"`
	Diagnostic   string        `json:"diagnostic,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SessionRecord is an authenticated session. Cookies holds the JSON-encoded cookie jar.
type SessionRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	URL         string    `json:"url"`
	CookieCount int       `json:"cookie_count"`
	Cookies     string    `json:"cookies"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string, logger *logrus.Logger) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:     db,
		logger: logger,
	}

	if err := database.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	logger.WithField("path", dbPath).Debug("Database initialized successfully")
	return database, nil
}

// initTables creates all necessary tables
func (d *Database) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS login_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			phase TEXT,
			refreshes INTEGER DEFAULT 0,
			solve_invocations INTEGER DEFAULT 0,
			diagnostic TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS solve_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			refresh_cycle INTEGER NOT NULL,
			solve_attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			raw_x REAL,
			offset_px REAL,
			confidence REAL,
			degenerate BOOLEAN DEFAULT 0,
			target INTEGER,
			diagnostic TEXT,
			duration_ms INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			url TEXT,
			cookie_count INTEGER DEFAULT 0,
			cookies TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_login_attempts_started_at ON login_attempts(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_login_attempts_run_id ON login_attempts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_solve_attempts_run_id ON solve_attempts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_solve_attempts_created_at ON solve_attempts(created_at)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %s, error: %w", query, err)
		}
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// SaveLoginAttempt stores a login attempt and sets its ID.
func (d *Database) SaveLoginAttempt(a *LoginAttempt) error {
	query := `INSERT INTO login_attempts (run_id, attempt, outcome, phase, refreshes, solve_invocations, diagnostic, started_at, finished_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, a.RunID, a.Attempt, a.Outcome, a.Phase, a.Refreshes, a.SolveInvocations,
		a.Diagnostic, a.StartedAt.UTC(), a.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save login attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get login attempt ID: %w", err)
	}

	a.ID = id
	d.logger.WithFields(logrus.Fields{
		"run_id":  a.RunID,
		"attempt": a.Attempt,
		"outcome": a.Outcome,
	}).Debug("Login attempt saved")
	return nil
}

// SaveSolveAttempt stores a solver invocation and sets its ID.
func (d *Database) SaveSolveAttempt(s *SolveAttempt) error {
	query := `INSERT INTO solve_attempts (run_id, attempt, refresh_cycle, solve_attempt, status, raw_x, offset_px, confidence, degenerate, target, diagnostic, duration_ms, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := d.db.Exec(query, s.RunID, s.Attempt, s.RefreshCycle, s.SolveAttempt, s.Status, s.RawX, s.Offset,
		s.Confidence, s.Degenerate, s.Target, s.Diagnostic, s.Duration.Milliseconds(), s.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save solve attempt: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get solve attempt ID: %w", err)
	}

	s.ID = id
	d.logger.WithFields(logrus.Fields{
		"run_id": s.RunID,
		"status": s.Status,
	}).Debug("Solve attempt saved")
	return nil
}

// SaveSession stores an authenticated session.
func (d *Database) SaveSession(s *SessionRecord) error {
	query := `INSERT OR REPLACE INTO sessions (id, run_id, url, cookie_count, cookies, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := d.db.Exec(query, s.ID, s.RunID, s.URL, s.CookieCount, s.Cookies, s.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	d.logger.WithField("session_id", s.ID).Debug("Session saved")
	return nil
}

// LatestSession returns the most recent session, or nil when none is stored.
func (d *Database) LatestSession() (*SessionRecord, error) {
	query := `SELECT id, run_id, url, cookie_count, cookies, created_at FROM sessions ORDER BY created_at DESC LIMIT 1`

	var s SessionRecord
	err := d.db.QueryRow(query).Scan(&s.ID, &s.RunID, &s.URL, &s.CookieCount, &s.Cookies, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}
	return &s, nil
}

// RecentLoginAttempts returns up to limit login attempts, newest first.
func (d *Database) RecentLoginAttempts(limit int) ([]*LoginAttempt, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, run_id, attempt, outcome, phase, refreshes, solve_invocations, diagnostic, started_at, finished_at
			  FROM login_attempts ORDER BY started_at DESC, id DESC LIMIT ?`

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query login attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*LoginAttempt
	for rows.Next() {
		var a LoginAttempt
		var phase, diagnostic sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.Attempt, &a.Outcome, &phase, &a.Refreshes, &a.SolveInvocations,
			&diagnostic, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		a.Phase = phase.String
		a.Diagnostic = diagnostic.String
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// SolveAttemptsForRun returns the solver invocations of one login call in order.
func (d *Database) SolveAttemptsForRun(runID string) ([]*SolveAttempt, error) {
	query := `SELECT id, run_id, attempt, refresh_cycle, solve_attempt, status, raw_x, offset_px, confidence, degenerate, target, diagnostic, duration_ms, created_at
			  FROM solve_attempts WHERE run_id = ? ORDER BY id`

	rows, err := d.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query solve attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*SolveAttempt
	for rows.Next() {
		var s SolveAttempt
		var diagnostic sql.NullString
		var durationMs int64
		if err := rows.Scan(&s.ID, &s.RunID, &s.Attempt, &s.RefreshCycle, &s.SolveAttempt, &s.Status, &s.RawX, &s.Offset,
			&s.Confidence, &s.Degenerate, &s.Target, &diagnostic, &durationMs, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan solve attempt: %w", err)
		}
		s.Diagnostic = diagnostic.String
		s.Duration = time.Duration(durationMs) * time.Millisecond
		attempts = append(attempts, &s)
	}
	return attempts, rows.Err()
}

// CountLoginAttemptsSince returns how many login attempts started at or after t.
func (d *Database) CountLoginAttemptsSince(t time.Time) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM login_attempts WHERE started_at >= ?`, t.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count login attempts: %w", err)
	}
	return n, nil
}

// GetDailyStats retrieves the counters for the calendar day containing date.
func (d *Database) GetDailyStats(date time.Time) (map[string]int, error) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location()).UTC()
	end := start.Add(24 * time.Hour)

	query := `
		SELECT
			(SELECT COUNT(*) FROM login_attempts WHERE started_at >= ? AND started_at < ?) as login_attempts,
			(SELECT COUNT(*) FROM login_attempts WHERE outcome != 'failed' AND started_at >= ? AND started_at < ?) as logins_succeeded,
			(SELECT COUNT(*) FROM solve_attempts WHERE created_at >= ? AND created_at < ?) as solve_attempts,
			(SELECT COUNT(*) FROM solve_attempts WHERE status = 'solved' AND created_at >= ? AND created_at < ?) as solves_succeeded
	`

	row := d.db.QueryRow(query, start, end, start, end, start, end, start, end)
	var attempts, succeeded, solves, solved int
	if err := row.Scan(&attempts, &succeeded, &solves, &solved); err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}

	stats := map[string]int{
		"login_attempts":   attempts,
		"logins_succeeded": succeeded,
		"solve_attempts":   solves,
		"solves_succeeded": solved,
	}
	return stats, nil
}
