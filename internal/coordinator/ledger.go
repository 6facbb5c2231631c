package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/tapcrawler/tapcrawler/internal/learner"
)

// Run statuses recorded in the ledger.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Ledger is the durable record of coordinator runs, shard completions and
// training rounds, kept in SQLite under the state directory.
type Ledger struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Run is one coordinator session.
type Run struct {
	RunID      string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Completion is one collector shard reported to the coordinator.
type Completion struct {
	Version   int
	AgentID   int
	RunID     string
	CreatedAt time.Time
}

// Training is the outcome of learning one version.
type Training struct {
	Version      int
	RunID        string
	Trained      bool
	TotalSize    int
	TrainingSize int
	Steps        int
	Duration     time.Duration
	Reason       string
	CreatedAt    time.Time
}

// OpenLedger opens or creates the ledger in stateDir.
func OpenLedger(stateDir string) (*Ledger, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	dbPath := filepath.Join(stateDir, "ledger.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Ledger{db: db, dbPath: dbPath}, nil
}

func createTables(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS completions (
			version INTEGER NOT NULL,
			agent_id INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (version, agent_id)
		);

		CREATE TABLE IF NOT EXISTS trainings (
			version INTEGER PRIMARY KEY,
			run_id TEXT NOT NULL,
			trained BOOLEAN NOT NULL,
			total_size INTEGER NOT NULL,
			training_size INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_completions_run_id ON completions(run_id);
	`

	_, err := db.Exec(schema)
	return err
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.dbPath }

// StartRun records a new coordinator session.
func (l *Ledger) StartRun(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`INSERT INTO runs (run_id, status) VALUES (?, ?)`, runID, RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// FinishRun sets the final status of a session.
func (l *Ledger) FinishRun(runID, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.Exec(`
		UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP
		WHERE run_id = ?
	`, status, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RecordCompletion stores a shard completion and reports whether it was new.
func (l *Ledger) RecordCompletion(runID string, version, agentID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(`
		INSERT INTO completions (version, agent_id, run_id) VALUES (?, ?, ?)
		ON CONFLICT(version, agent_id) DO NOTHING
	`, version, agentID, runID)
	if err != nil {
		return false, fmt.Errorf("failed to record completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record completion: %w", err)
	}
	return n == 1, nil
}

// RecordTraining stores the outcome of learning a version, replacing an
// earlier record of the same version.
func (l *Ledger) RecordTraining(runID string, r learner.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `
		INSERT INTO trainings (version, run_id, trained, total_size, training_size, steps, duration_ms, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(version) DO UPDATE SET
			run_id = excluded.run_id,
			trained = excluded.trained,
			total_size = excluded.total_size,
			training_size = excluded.training_size,
			steps = excluded.steps,
			duration_ms = excluded.duration_ms,
			reason = excluded.reason,
			created_at = CURRENT_TIMESTAMP
	`

	_, err := l.db.Exec(query, r.Version, runID, r.Trained, r.TotalSize, r.TrainingSize, r.Steps,
		r.Duration.Milliseconds(), r.Reason)
	if err != nil {
		return fmt.Errorf("failed to record training: %w", err)
	}
	return nil
}

// Completions returns the agents that completed version, ordered by agent ID.
func (l *Ledger) Completions(version int) ([]Completion, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT version, agent_id, run_id, created_at
		FROM completions
		WHERE version = ?
		ORDER BY agent_id ASC
	`, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var out []Completion
	for rows.Next() {
		var c Completion
		if err := rows.Scan(&c.Version, &c.AgentID, &c.RunID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Trainings returns every training record, newest version first.
func (l *Ledger) Trainings() ([]Training, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT version, run_id, trained, total_size, training_size, steps, duration_ms, reason, created_at
		FROM trainings
		ORDER BY version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trainings: %w", err)
	}
	defer rows.Close()

	var out []Training
	for rows.Next() {
		var t Training
		var durationMS int64
		if err := rows.Scan(&t.Version, &t.RunID, &t.Trained, &t.TotalSize, &t.TrainingSize,
			&t.Steps, &durationMS, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan training: %w", err)
		}
		t.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Runs returns the most recent sessions, newest first.
func (l *Ledger) Runs(limit int) ([]Run, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`
		SELECT run_id, status, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.Status, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// Name returns the name of the health check.
func (l *Ledger) Name() string { return "ledger" }

// Check pings the database.
func (l *Ledger) Check(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger unavailable: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
