package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/beemflowhq/beemflow/model"
	"github.com/google/uuid"
)

// MemoryStorage implements Storage in-memory, for the CLI's in-process
// fallback when no storage driver (or the "memory" driver) is configured.
type MemoryStorage struct {
	mu           sync.RWMutex
	runs         map[uuid.UUID]*model.Run
	steps        map[uuid.UUID][]*model.StepRecord
	resumeTokens map[string][]byte
	flowVersions map[string][]byte // name@version -> content
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:         make(map[uuid.UUID]*model.Run),
		steps:        make(map[uuid.UUID][]*model.StepRecord),
		resumeTokens: make(map[string][]byte),
		flowVersions: make(map[string][]byte),
	}
}

func (m *MemoryStorage) SaveRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Status = status
	return nil
}

func (m *MemoryStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Run, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStorage) GetLatestRunByFlowName(ctx context.Context, flowName string) (*model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *model.Run
	for _, run := range m.runs {
		if run.FlowName == flowName && (latest == nil || run.StartedAt.After(latest.StartedAt)) {
			latest = run
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no runs found for flow %s", flowName)
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStorage) DeleteRun(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	delete(m.steps, id)
	return nil
}

func (m *MemoryStorage) AppendStepRecord(ctx context.Context, runID uuid.UUID, rec *model.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.steps[runID]
	for i, r := range existing {
		if r.StepID == rec.StepID && r.Attempts == rec.Attempts {
			cp := *rec
			existing[i] = &cp
			return nil
		}
	}
	cp := *rec
	m.steps[runID] = append(existing, &cp)
	return nil
}

func (m *MemoryStorage) GetStepRecords(ctx context.Context, runID uuid.UUID) ([]*model.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.steps[runID], nil
}

func (m *MemoryStorage) SaveResumeToken(ctx context.Context, token string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeTokens[token] = data
	return nil
}

func (m *MemoryStorage) TakeResumeToken(ctx context.Context, token string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.resumeTokens[token]
	if ok {
		delete(m.resumeTokens, token)
	}
	return data, ok, nil
}

func (m *MemoryStorage) ListResumeTokens(ctx context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.resumeTokens))
	for k, v := range m.resumeTokens {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStorage) DeployFlowVersion(ctx context.Context, name, version string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowVersions[name+"@"+version] = content
	return nil
}

func (m *MemoryStorage) GetFlowVersionContent(ctx context.Context, name, version string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.flowVersions[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("flow version %s@%s not found", name, version)
	}
	return content, nil
}

func (m *MemoryStorage) Close() error { return nil }
