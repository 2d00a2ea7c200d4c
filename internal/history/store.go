// Package history persists capability invocation outcomes in SQLite. The
// scorer folds a descriptor's recent success rate into its rank, so routing
// gradually prefers capabilities that actually worked for this operator.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"pulsus/internal/logging"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store is closed")

// DefaultWindow is how many recent invocations the success rate covers.
const DefaultWindow = 50

// Prior is the neutral success rate assumed for never-invoked capabilities.
const Prior = 0.5

// Store records invocations and answers windowed success-rate queries.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open creates or opens the database at path, creating parent directories
// as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Get(logging.CategoryStore).Debug("history store opened at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		action TEXT NOT NULL,
		success INTEGER NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_key ON invocations(domain, action, id DESC);
	CREATE INDEX IF NOT EXISTS idx_invocations_run ON invocations(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize history schema: %w", err)
	}
	return nil
}

// Record appends one invocation outcome.
func (s *Store) Record(domain, action string, success bool, runID string, durationMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	successInt := 0
	if success {
		successInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO invocations (domain, action, success, run_id, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		domain, action, successInt, runID, durationMS,
	)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// SuccessRate returns the fraction of successful invocations among the most
// recent window entries for (domain, action). Capabilities with no history
// get the neutral prior so new scripts are neither punished nor promoted.
func (s *Store) SuccessRate(domain, action string, window int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if window <= 0 {
		window = DefaultWindow
	}
	rows, err := s.db.Query(
		`SELECT success FROM invocations WHERE domain = ? AND action = ? ORDER BY id DESC LIMIT ?`,
		domain, action, window,
	)
	if err != nil {
		return 0, fmt.Errorf("query success rate: %w", err)
	}
	defer rows.Close()

	total, won := 0, 0
	for rows.Next() {
		var success int
		if err := rows.Scan(&success); err != nil {
			return 0, fmt.Errorf("scan invocation: %w", err)
		}
		total++
		won += success
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate invocations: %w", err)
	}
	if total == 0 {
		return Prior, nil
	}
	return float64(won) / float64(total), nil
}

// Stats summarizes all recorded history for one capability.
type Stats struct {
	Total         int
	Succeeded     int
	AvgDurationMS float64
}

// CapabilityStats returns lifetime counters for (domain, action).
func (s *Store) CapabilityStats(domain, action string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, ErrClosed
	}
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ms), 0)
		 FROM invocations WHERE domain = ? AND action = ?`,
		domain, action,
	)
	var st Stats
	if err := row.Scan(&st.Total, &st.Succeeded, &st.AvgDurationMS); err != nil {
		return Stats{}, fmt.Errorf("scan stats: %w", err)
	}
	return st, nil
}

// Prune deletes everything but the newest keep rows so the database stays
// small on long-lived installs.
func (s *Store) Prune(keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if keep <= 0 {
		keep = DefaultWindow * 100
	}
	res, err := s.db.Exec(
		`DELETE FROM invocations WHERE id NOT IN (SELECT id FROM invocations ORDER BY id DESC LIMIT ?)`,
		keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
