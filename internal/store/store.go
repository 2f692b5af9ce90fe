// Package store persists deployment runs. The Postgres store is the durable
// backend; the memory store backs tests and DATABASE_URL-less development.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

var ErrNotFound = errors.New("not found")

// RunRecord is the persisted view of one pipeline run. Stage results are
// stored individually so an in-flight run is queryable stage by stage.
type RunRecord struct {
	ID         string                          `json:"id"`
	Trigger    trigger.Context                 `json:"trigger"`
	Stages     map[string]pipeline.StageResult `json:"stages"`
	Healthy    bool                            `json:"healthy"`
	Terminal   bool                            `json:"terminal"`
	CreatedAt  time.Time                       `json:"createdAt"`
	FinishedAt *time.Time                      `json:"finishedAt,omitempty"`
}

// ListFilter bounds a run listing. Runs come back newest first.
type ListFilter struct {
	Limit  int
	Offset int
}

type Store interface {
	CreateRun(ctx context.Context, run *pipeline.Run) error
	UpsertStageResult(ctx context.Context, runID string, res pipeline.StageResult) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, healthy bool) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]RunRecord, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

// NewPGStore returns a PGStore and ensures the run tables exist, so a fresh
// database works without out-of-band DDL.
func NewPGStore(db *sql.DB) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("ensure tables: %w", err)
	}
	return s, nil
}

func (s *PGStore) ensureTables() error {
	const q = `
CREATE TABLE IF NOT EXISTS deploy_runs (
  id text PRIMARY KEY,
  trigger_context jsonb NOT NULL,
  healthy boolean NOT NULL,
  terminal boolean NOT NULL,
  created_at timestamptz NOT NULL,
  finished_at timestamptz
);
CREATE INDEX IF NOT EXISTS idx_deploy_runs_created_at ON deploy_runs (created_at DESC);
CREATE TABLE IF NOT EXISTS deploy_run_stages (
  run_id text NOT NULL REFERENCES deploy_runs (id) ON DELETE CASCADE,
  stage_id text NOT NULL,
  kind text NOT NULL,
  outcome text NOT NULL,
  outputs jsonb,
  reason text,
  started_at timestamptz,
  finished_at timestamptz,
  PRIMARY KEY (run_id, stage_id)
);
`
	_, err := s.db.Exec(q)
	return err
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	triggerJSON, err := json.Marshal(run.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	const query = `
		INSERT INTO deploy_runs (id, trigger_context, healthy, terminal, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`
	if _, err := s.db.ExecContext(ctx, query, run.ID, triggerJSON, true, false, run.CreatedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, res := range run.Stages {
		if err := s.UpsertStageResult(ctx, run.ID, *res); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) UpsertStageResult(ctx context.Context, runID string, res pipeline.StageResult) error {
	outputsJSON, err := json.Marshal(res.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	const query = `
		INSERT INTO deploy_run_stages (run_id, stage_id, kind, outcome, outputs, reason, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (run_id, stage_id) DO UPDATE
		SET outcome=EXCLUDED.outcome,
		    outputs=EXCLUDED.outputs,
		    reason=EXCLUDED.reason,
		    started_at=EXCLUDED.started_at,
		    finished_at=EXCLUDED.finished_at
	`
	_, err = s.db.ExecContext(ctx, query, runID, res.StageID, string(res.Kind), string(res.Outcome), outputsJSON, res.Reason, res.StartedAt, res.FinishedAt)
	if err != nil {
		return fmt.Errorf("upsert stage %s/%s: %w", runID, res.StageID, err)
	}
	return nil
}

func (s *PGStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, healthy bool) error {
	const query = `
		UPDATE deploy_runs
		SET healthy=$2, terminal=TRUE, finished_at=$3
		WHERE id=$1
	`
	res, err := s.db.ExecContext(ctx, query, runID, healthy, finishedAt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	const query = `
		SELECT id, trigger_context, healthy, terminal, created_at, finished_at
		FROM deploy_runs WHERE id=$1
	`
	rec, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, ErrNotFound
		}
		return RunRecord{}, fmt.Errorf("get run: %w", err)
	}

	const stageQuery = `
		SELECT stage_id, kind, outcome, outputs, reason, started_at, finished_at
		FROM deploy_run_stages WHERE run_id=$1
		ORDER BY stage_id
	`
	rows, err := s.db.QueryContext(ctx, stageQuery, runID)
	if err != nil {
		return RunRecord{}, fmt.Errorf("list run stages: %w", err)
	}
	defer rows.Close()

	rec.Stages = map[string]pipeline.StageResult{}
	for rows.Next() {
		res, err := scanStage(rows)
		if err != nil {
			return RunRecord{}, fmt.Errorf("scan stage: %w", err)
		}
		rec.Stages[res.StageID] = res
	}
	if err := rows.Err(); err != nil {
		return RunRecord{}, fmt.Errorf("iterate stages: %w", err)
	}
	return rec, nil
}

func (s *PGStore) ListRuns(ctx context.Context, filter ListFilter) ([]RunRecord, error) {
	query := `
		SELECT id, trigger_context, healthy, terminal, created_at, finished_at
		FROM deploy_runs
		ORDER BY created_at DESC
		LIMIT $1
	`
	args := []interface{}{normalizeLimit(filter.Limit)}
	if filter.Offset > 0 {
		query += " OFFSET $2"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return records, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec         RunRecord
		triggerJSON []byte
		finishedAt  sql.NullTime
	)
	if err := row.Scan(&rec.ID, &triggerJSON, &rec.Healthy, &rec.Terminal, &rec.CreatedAt, &finishedAt); err != nil {
		return RunRecord{}, err
	}
	if err := json.Unmarshal(triggerJSON, &rec.Trigger); err != nil {
		return RunRecord{}, fmt.Errorf("decode trigger: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

func scanStage(row rowScanner) (pipeline.StageResult, error) {
	var (
		res         pipeline.StageResult
		kind        string
		outcome     string
		outputsJSON []byte
		reason      sql.NullString
		startedAt   sql.NullTime
		finishedAt  sql.NullTime
	)
	if err := row.Scan(&res.StageID, &kind, &outcome, &outputsJSON, &reason, &startedAt, &finishedAt); err != nil {
		return pipeline.StageResult{}, err
	}
	res.Kind = pipeline.Kind(kind)
	res.Outcome = pipeline.Outcome(outcome)
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &res.Outputs); err != nil {
			return pipeline.StageResult{}, fmt.Errorf("decode outputs: %w", err)
		}
	}
	if reason.Valid {
		res.Reason = reason.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		res.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		res.FinishedAt = &t
	}
	return res, nil
}
