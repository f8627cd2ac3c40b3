package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/metrics"
	"github.com/Kocoro-lab/promode/internal/promode"
)

const (
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunRecord is one row of the promode_runs table.
type RunRecord struct {
	RunID      string         `db:"run_id"`
	Prompt     string         `db:"prompt"`
	Requested  int            `db:"requested"`
	Viable     int            `db:"viable"`
	Mode       sql.NullString `db:"mode"`
	Groups     int            `db:"groups_count"`
	FinalText  sql.NullString `db:"final_text"`
	Status     string         `db:"status"`
	ErrorKind  sql.NullString `db:"error_kind"`
	DurationMs int64          `db:"duration_ms"`
	CreatedAt  time.Time      `db:"created_at"`
}

const createRunsTable = `
CREATE TABLE IF NOT EXISTS promode_runs (
    run_id       TEXT PRIMARY KEY,
    prompt       TEXT NOT NULL,
    requested    INTEGER NOT NULL,
    viable       INTEGER NOT NULL,
    mode         TEXT,
    groups_count INTEGER NOT NULL,
    final_text   TEXT,
    status       TEXT NOT NULL,
    error_kind   TEXT,
    duration_ms  BIGINT NOT NULL,
    created_at   TIMESTAMP NOT NULL
)`

const insertRun = `
INSERT INTO promode_runs (
    run_id, prompt, requested, viable, mode, groups_count, final_text, status, error_kind, duration_ms, created_at
) VALUES (
    :run_id, :prompt, :requested, :viable, :mode, :groups_count, :final_text, :status, :error_kind, :duration_ms, :created_at
)`

const selectRun = `
SELECT run_id, prompt, requested, viable, mode, groups_count, final_text, status, error_kind, duration_ms, created_at
FROM promode_runs WHERE run_id = ?`

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// EnsureSchema creates the run log table if it does not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, createRunsTable); err != nil {
		return fmt.Errorf("failed to create promode_runs: %w", err)
	}
	return nil
}

// NewRunRecord builds the row for a finished run. res may be nil when the
// run failed before producing a result.
func NewRunRecord(runID, prompt string, requested int, res *promode.Result, runErr error) *RunRecord {
	rec := &RunRecord{
		RunID:     runID,
		Prompt:    prompt,
		Requested: requested,
		Status:    RunStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}
	if res != nil {
		rec.Viable = res.Viable
		rec.Groups = res.Groups
		rec.DurationMs = res.Duration.Milliseconds()
		rec.Mode = nullString(string(res.Mode))
		rec.FinalText = nullString(res.Final)
	}
	if runErr != nil {
		rec.Status = RunStatusFailed
		rec.ErrorKind = nullString(string(promode.KindOf(runErr)))
		rec.FinalText = sql.NullString{}
	}
	return rec
}

// RecordRun queues the outcome of a run. Failures are logged and counted,
// never returned.
func (c *Client) RecordRun(ctx context.Context, runID, prompt string, requested int, res *promode.Result, runErr error) {
	c.enqueue(ctx, NewRunRecord(runID, prompt, requested, res, runErr))
}

// SaveRun inserts rec synchronously.
func (c *Client) SaveRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := c.db.NamedExecContext(ctx, insertRun, rec)
	return err
}

// GetRun loads a run by ID.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	err := c.db.GetContext(ctx, &rec, c.db.DB().Rebind(selectRun), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) writeRun(ctx context.Context, rec *RunRecord) {
	if err := c.SaveRun(ctx, rec); err != nil {
		metrics.RunLogWrites.WithLabelValues("error").Inc()
		c.logger.Error("Failed to write run log",
			zap.String("run_id", rec.RunID),
			zap.Error(err),
		)
		return
	}
	metrics.RunLogWrites.WithLabelValues("ok").Inc()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
