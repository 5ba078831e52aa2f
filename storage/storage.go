// Package storage persists Run/StepRecord state and resume tokens for
// await_event continuations, plus deployed flow versions. Each method is an
// independent transaction; the engine does not hold a storage-level lock
// across adapter calls.
package storage

import (
	"context"

	"github.com/beemflowhq/beemflow/model"
	"github.com/google/uuid"
)

// Storage is the persistence contract the Engine drives a run through.
type Storage interface {
	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error
	ListRuns(ctx context.Context) ([]*model.Run, error)
	GetLatestRunByFlowName(ctx context.Context, flowName string) (*model.Run, error)
	DeleteRun(ctx context.Context, id uuid.UUID) error

	// AppendStepRecord upserts by (run_id, step_id, attempt): a retry of the
	// same step id writes a new attempt rather than overwriting the prior one.
	AppendStepRecord(ctx context.Context, runID uuid.UUID, rec *model.StepRecord) error
	GetStepRecords(ctx context.Context, runID uuid.UUID) ([]*model.StepRecord, error)

	// SaveResumeToken persists a suspended await_event continuation; token
	// is opaque to storage. TakeResumeToken atomically reads and deletes it
	// so a resume event can only wake its run once.
	SaveResumeToken(ctx context.Context, token string, data []byte) error
	TakeResumeToken(ctx context.Context, token string) ([]byte, bool, error)
	ListResumeTokens(ctx context.Context) (map[string][]byte, error)

	// DeployFlowVersion/GetFlowVersionContent persist named flow documents by
	// content, independent of the filesystem flows directory.
	DeployFlowVersion(ctx context.Context, name, version string, content []byte) error
	GetFlowVersionContent(ctx context.Context, name, version string) ([]byte, error)

	Close() error
}
