package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
)

type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]RunRecord{}}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *pipeline.Run) error {
	rec := RunRecord{
		ID:        run.ID,
		Trigger:   run.Trigger,
		Stages:    map[string]pipeline.StageResult{},
		Healthy:   true,
		CreatedAt: run.CreatedAt,
	}
	for id, res := range run.Stages {
		rec.Stages[id] = *res
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = rec
	return nil
}

func (m *MemoryStore) UpsertStageResult(ctx context.Context, runID string, res pipeline.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	rec.Stages[res.StageID] = res
	m.runs[runID] = rec
	return nil
}

func (m *MemoryStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, healthy bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	t := finishedAt
	rec.FinishedAt = &t
	rec.Healthy = healthy
	rec.Terminal = true
	m.runs[runID] = rec
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter ListFilter) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		records = append(records, copyRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(records) {
		start = len(records)
	}
	end := start + normalizeLimit(filter.Limit)
	if end > len(records) {
		end = len(records)
	}
	return records[start:end], nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func copyRecord(rec RunRecord) RunRecord {
	out := rec
	out.Stages = make(map[string]pipeline.StageResult, len(rec.Stages))
	for id, res := range rec.Stages {
		out.Stages[id] = res
	}
	return out
}
