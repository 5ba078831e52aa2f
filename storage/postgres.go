package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/beemflowhq/beemflow/model"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL as the backend.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage creates a new PostgreSQL storage instance.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create postgres tables: %w", err)
	}

	return &PostgresStorage{db: db}, nil
}

func createPostgresTables(db *sql.DB) error {
	sqlStmt := `
CREATE TABLE IF NOT EXISTS runs (
	id UUID PRIMARY KEY,
	flow_name TEXT NOT NULL,
	event JSONB,
	vars JSONB,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS step_records (
	run_id UUID NOT NULL,
	step_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	output JSONB,
	error TEXT,
	PRIMARY KEY (run_id, step_id, attempt),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS resume_tokens (
	token TEXT PRIMARY KEY,
	data BYTEA
);

CREATE TABLE IF NOT EXISTS flow_versions (
	name TEXT,
	version TEXT,
	content BYTEA,
	PRIMARY KEY (name, version)
);

CREATE INDEX IF NOT EXISTS idx_runs_flow_name ON runs(flow_name);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_step_records_run_id ON step_records(run_id);
`
	_, err := db.Exec(sqlStmt)
	return err
}

func (s *PostgresStorage) SaveRun(ctx context.Context, run *model.Run) error {
	event, err := json.Marshal(run.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}
	vars, err := json.Marshal(run.Vars)
	if err != nil {
		return fmt.Errorf("failed to marshal run vars: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_name, event, vars, status, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(id) DO UPDATE SET
	flow_name = EXCLUDED.flow_name,
	event = EXCLUDED.event,
	vars = EXCLUDED.vars,
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at
`, run.ID, run.FlowName, event, vars, run.Status, run.StartedAt, run.EndedAt)
	return err
}

func (s *PostgresStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, flow_name, event, vars, status, started_at, ended_at
FROM runs WHERE id = $1`, id)
	return scanPostgresRun(row)
}

func scanPostgresRun(row interface {
	Scan(...any) error
}) (*model.Run, error) {
	var run model.Run
	var event, vars []byte
	if err := row.Scan(&run.ID, &run.FlowName, &event, &vars, &run.Status, &run.StartedAt, &run.EndedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(event, &run.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if err := json.Unmarshal(vars, &run.Vars); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vars: %w", err)
	}
	return &run, nil
}

func (s *PostgresStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (s *PostgresStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, flow_name, event, vars, status, started_at, ended_at
FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanPostgresRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresStorage) DeleteRun(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id)
	return err
}

// GetLatestRunByFlowName retrieves the most recent run for a given flow name.
func (s *PostgresStorage) GetLatestRunByFlowName(ctx context.Context, flowName string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, flow_name, event, vars, status, started_at, ended_at
FROM runs
WHERE flow_name = $1
ORDER BY started_at DESC
LIMIT 1`, flowName)
	return scanPostgresRun(row)
}

func (s *PostgresStorage) AppendStepRecord(ctx context.Context, runID uuid.UUID, rec *model.StepRecord) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal step output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO step_records (run_id, step_id, attempt, status, started_at, ended_at, output, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(run_id, step_id, attempt) DO UPDATE SET
	status = EXCLUDED.status,
	ended_at = EXCLUDED.ended_at,
	output = EXCLUDED.output,
	error = EXCLUDED.error
`, runID, rec.StepID, rec.Attempts, rec.Status, rec.StartedAt, rec.EndedAt, output, rec.Error)
	return err
}

func (s *PostgresStorage) GetStepRecords(ctx context.Context, runID uuid.UUID) ([]*model.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT step_id, attempt, status, started_at, ended_at, output, error
FROM step_records WHERE run_id = $1 ORDER BY started_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StepRecord
	for rows.Next() {
		var rec model.StepRecord
		var output []byte
		if err := rows.Scan(&rec.StepID, &rec.Attempts, &rec.Status, &rec.StartedAt, &rec.EndedAt, &output, &rec.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(output, &rec.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) SaveResumeToken(ctx context.Context, token string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resume_tokens (token, data) VALUES ($1, $2)
ON CONFLICT(token) DO UPDATE SET data = EXCLUDED.data`, token, data)
	return err
}

func (s *PostgresStorage) TakeResumeToken(ctx context.Context, token string) ([]byte, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT data FROM resume_tokens WHERE token = $1 FOR UPDATE`, token)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM resume_tokens WHERE token = $1`, token); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *PostgresStorage) ListResumeTokens(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, data FROM resume_tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var token string
		var data []byte
		if err := rows.Scan(&token, &data); err != nil {
			return nil, err
		}
		out[token] = data
	}
	return out, rows.Err()
}

func (s *PostgresStorage) DeployFlowVersion(ctx context.Context, name, version string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flow_versions (name, version, content) VALUES ($1, $2, $3)
ON CONFLICT(name, version) DO UPDATE SET content = EXCLUDED.content`, name, version, content)
	return err
}

func (s *PostgresStorage) GetFlowVersionContent(ctx context.Context, name, version string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT content FROM flow_versions WHERE name = $1 AND version = $2`, name, version)
	var content []byte
	if err := row.Scan(&content); err != nil {
		return nil, err
	}
	return content, nil
}

// Close closes the underlying PostgreSQL database connection.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
