package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// RunRecord is one xphate invocation.
type RunRecord struct {
	ID          int64           `json:"id"`
	RunID       string          `json:"run_id"`
	InputPath   string          `json:"input_path"`
	OutputPath  string          `json:"output_path"`
	Status      string          `json:"status"`
	Grid        json.RawMessage `json:"grid,omitempty"`
	SkipReason  string          `json:"skip_reason,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// RunStore records run history.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db.DB}
}

// InsertRun records a run when it starts.
func (s *RunStore) InsertRun(rec RunRecord) error {
	query := `
		INSERT INTO xphate_runs (run_id, input_path, output_path, status, grid, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	var grid *string
	if len(rec.Grid) > 0 {
		g := string(rec.Grid)
		grid = &g
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			rec.RunID,
			rec.InputPath,
			rec.OutputPath,
			rec.Status,
			grid,
			rec.StartedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", rec.RunID, err)
	}
	return nil
}

// CompleteRun stores the final status of a run.
func (s *RunStore) CompleteRun(runID, status, skipReason, errMsg string, completedAt time.Time) error {
	query := `
		UPDATE xphate_runs
		SET status = ?, skip_reason = ?, error = ?, completed_at = ?
		WHERE run_id = ?
	`
	var n int64
	err := retryOnBusy(func() error {
		res, err := s.db.Exec(query,
			status,
			nullStr(skipReason),
			nullStr(errMsg),
			completedAt.UTC().Format(time.RFC3339Nano),
			runID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("completing run %s: no such run", runID)
	}
	return nil
}

const runColumns = `id, run_id, input_path, output_path, status, grid, skip_reason, error, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var grid, skipReason, errMsg, completedAt sql.NullString
	var startedAt string
	if err := sc.Scan(&rec.ID, &rec.RunID, &rec.InputPath, &rec.OutputPath, &rec.Status,
		&grid, &skipReason, &errMsg, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	if grid.Valid {
		rec.Grid = json.RawMessage(grid.String)
	}
	rec.SkipReason = skipReason.String
	rec.Error = errMsg.String
	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at for run %s: %w", rec.RunID, err)
	}
	rec.StartedAt = t
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at for run %s: %w", rec.RunID, err)
		}
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// GetRun returns a run by ID, or nil if there is none.
func (s *RunStore) GetRun(runID string) (*RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM xphate_runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM xphate_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
