package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/beemflowhq/beemflow/model"
	"github.com/beemflowhq/beemflow/utils"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SqliteStorage implements Storage on a local sqlite file via the pure-Go
// modernc.org/sqlite driver, so the binary stays cgo-free.
type SqliteStorage struct {
	db *sql.DB
}

var _ Storage = (*SqliteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_name TEXT,
	event JSON,
	vars JSON,
	status TEXT,
	started_at INTEGER,
	ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS step_records (
	run_id TEXT,
	step_id TEXT,
	attempt INTEGER,
	status TEXT,
	started_at INTEGER,
	ended_at INTEGER,
	output JSON,
	error TEXT,
	PRIMARY KEY (run_id, step_id, attempt)
);
CREATE TABLE IF NOT EXISTS resume_tokens (
	token TEXT PRIMARY KEY,
	data BLOB
);
CREATE TABLE IF NOT EXISTS flow_versions (
	name TEXT,
	version TEXT,
	content BLOB,
	PRIMARY KEY (name, version)
);
`

func NewSqliteStorage(dsn string) (*SqliteStorage, error) {
	if dsn != ":memory:" && dsn != "" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, utils.Errorf("failed to create db directory %q: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, err
	}
	return &SqliteStorage{db: db}, nil
}

func (s *SqliteStorage) SaveRun(ctx context.Context, run *model.Run) error {
	event, err := json.Marshal(run.Event)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	vars, err := json.Marshal(run.Vars)
	if err != nil {
		return fmt.Errorf("marshal run vars: %w", err)
	}
	var endedAt any
	if run.EndedAt != nil {
		endedAt = run.EndedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_name, event, vars, status, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET flow_name=excluded.flow_name, event=excluded.event, vars=excluded.vars, status=excluded.status, started_at=excluded.started_at, ended_at=excluded.ended_at
`, run.ID.String(), run.FlowName, event, vars, run.Status, run.StartedAt.Unix(), endedAt)
	return err
}

func scanRun(row interface{ Scan(...any) error }) (*model.Run, error) {
	var run model.Run
	var idStr string
	var event, vars []byte
	var startedAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&idStr, &run.FlowName, &event, &vars, &run.Status, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	run.ID = id
	if err := json.Unmarshal(event, &run.Event); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vars, &run.Vars); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		run.EndedAt = &t
	}
	return &run, nil
}

func (s *SqliteStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE id=?`, id.String())
	return scanRun(row)
}

func (s *SqliteStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status=? WHERE id=?`, status, id.String())
	return err
}

func (s *SqliteStorage) GetLatestRunByFlowName(ctx context.Context, flowName string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE flow_name = ? ORDER BY started_at DESC LIMIT 1`, flowName)
	return scanRun(row)
}

func (s *SqliteStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SqliteStorage) DeleteRun(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM step_records WHERE run_id=?`, id.String()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id.String())
	return err
}

func (s *SqliteStorage) AppendStepRecord(ctx context.Context, runID uuid.UUID, rec *model.StepRecord) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO step_records (run_id, step_id, attempt, status, started_at, ended_at, output, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, step_id, attempt) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at, output=excluded.output, error=excluded.error
`, runID.String(), rec.StepID, rec.Attempts, rec.Status, rec.StartedAt.Unix(), endedAt, output, rec.Error)
	return err
}

func (s *SqliteStorage) GetStepRecords(ctx context.Context, runID uuid.UUID) ([]*model.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step_id, attempt, status, started_at, ended_at, output, error FROM step_records WHERE run_id=? ORDER BY started_at`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.StepRecord
	for rows.Next() {
		var rec model.StepRecord
		var output []byte
		var startedAt int64
		var endedAt sql.NullInt64
		if err := rows.Scan(&rec.StepID, &rec.Attempts, &rec.Status, &startedAt, &endedAt, &output, &rec.Error); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(output, &rec.Output); err != nil {
			return nil, err
		}
		rec.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			t := time.Unix(endedAt.Int64, 0)
			rec.EndedAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) SaveResumeToken(ctx context.Context, token string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO resume_tokens (token, data) VALUES (?, ?) ON CONFLICT(token) DO UPDATE SET data=excluded.data`, token, data)
	return err
}

func (s *SqliteStorage) TakeResumeToken(ctx context.Context, token string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM resume_tokens WHERE token=? RETURNING data`, token)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *SqliteStorage) ListResumeTokens(ctx context.Context) (map[string][]byte, error) {
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

func (s *SqliteStorage) DeployFlowVersion(ctx context.Context, name, version string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flow_versions (name, version, content) VALUES (?, ?, ?)
ON CONFLICT(name, version) DO UPDATE SET content=excluded.content
`, name, version, content)
	return err
}

func (s *SqliteStorage) GetFlowVersionContent(ctx context.Context, name, version string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT content FROM flow_versions WHERE name=? AND version=?`, name, version)
	var content []byte
	if err := row.Scan(&content); err != nil {
		return nil, err
	}
	return content, nil
}

// Close closes the underlying SQL database connection.
func (s *SqliteStorage) Close() error {
	return s.db.Close()
}
