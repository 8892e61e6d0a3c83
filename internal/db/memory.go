package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jonathan/ontology-robot/internal/types"
)

// Memory is an in-process document store with the same methods as DB. Documents
// are kept as JSON so callers never share state with the store.
type Memory struct {
	mu        sync.RWMutex
	statuses  map[types.PipelineExecutionID][]byte
	results   map[types.PipelineExecutionID][]byte
	pipelines map[types.PipelineID]memPipeline
	seq       int64
}

type memPipeline struct {
	projectID string
	doc       []byte
	seq       int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		statuses:  make(map[types.PipelineExecutionID][]byte),
		results:   make(map[types.PipelineExecutionID][]byte),
		pipelines: make(map[types.PipelineID]memPipeline),
	}
}

// SaveStatus inserts or replaces the status record of an execution.
func (m *Memory) SaveStatus(_ context.Context, status types.PipelineStatus) error {
	doc, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.ExecutionID] = doc
	return nil
}

// FindStatus returns the status of an execution, or nil when there is none.
func (m *Memory) FindStatus(_ context.Context, id types.PipelineExecutionID) (*types.PipelineStatus, error) {
	m.mu.RLock()
	doc, ok := m.statuses[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var status types.PipelineStatus
	if err := json.Unmarshal(doc, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status %s: %w", id, err)
	}
	return &status, nil
}

// DeleteStatus drops a status record, simulating eviction.
func (m *Memory) DeleteStatus(_ context.Context, id types.PipelineExecutionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, id)
}

// ListStatuses returns statuses newest first.
func (m *Memory) ListStatuses(_ context.Context, filters StatusFilters) ([]types.PipelineStatus, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	m.mu.RLock()
	var out []types.PipelineStatus
	for _, doc := range m.statuses {
		var st types.PipelineStatus
		if err := json.Unmarshal(doc, &st); err != nil {
			m.mu.RUnlock()
			return nil, fmt.Errorf("failed to decode status: %w", err)
		}
		if filters.ProjectID != "" && st.ProjectID != filters.ProjectID {
			continue
		}
		if filters.PipelineID != nil && st.PipelineID != *filters.PipelineID {
			continue
		}
		if filters.Running != nil && (st.EndTime == nil) != *filters.Running {
			continue
		}
		out = append(out, st)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// ListRunning returns up to limit statuses that have no end time.
func (m *Memory) ListRunning(ctx context.Context, limit int) ([]types.PipelineStatus, error) {
	running := true
	return m.ListStatuses(ctx, StatusFilters{Running: &running, Limit: limit})
}

// SaveResult records the success result of an execution; results are write-once.
func (m *Memory) SaveResult(_ context.Context, result types.PipelineSuccessResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[result.ExecutionID]; exists {
		return fmt.Errorf("%w: %s", ErrResultExists, result.ExecutionID)
	}
	m.results[result.ExecutionID] = doc
	return nil
}

// FindResult returns the success result of an execution, or nil when there is none.
func (m *Memory) FindResult(_ context.Context, id types.PipelineExecutionID) (*types.PipelineSuccessResult, error) {
	m.mu.RLock()
	doc, ok := m.results[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var result types.PipelineSuccessResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", id, err)
	}
	return &result, nil
}

// ListPipelines returns the pipelines of a project in insertion order.
func (m *Memory) ListPipelines(_ context.Context, projectID string) ([]types.RobotPipeline, error) {
	m.mu.RLock()
	var entries []memPipeline
	for _, p := range m.pipelines {
		if p.projectID == projectID {
			entries = append(entries, p)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]types.RobotPipeline, 0, len(entries))
	for _, e := range entries {
		var p types.RobotPipeline
		if err := json.Unmarshal(e.doc, &p); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// GetPipeline returns a pipeline by id, or nil when there is none.
func (m *Memory) GetPipeline(_ context.Context, id types.PipelineID) (*types.RobotPipeline, error) {
	m.mu.RLock()
	entry, ok := m.pipelines[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var p types.RobotPipeline
	if err := json.Unmarshal(entry.doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline %s: %w", id, err)
	}
	return &p, nil
}

// UpsertPipelines inserts or replaces pipelines by id. Replacing keeps the
// original position in project listings.
func (m *Memory) UpsertPipelines(_ context.Context, pipelines []types.RobotPipeline) error {
	docs := make([][]byte, len(pipelines))
	for i, p := range pipelines {
		doc, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal pipeline %s: %w", p.ID, err)
		}
		docs[i] = doc
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range pipelines {
		seq := m.seq
		if existing, ok := m.pipelines[p.ID]; ok {
			seq = existing.seq
		} else {
			m.seq++
		}
		m.pipelines[p.ID] = memPipeline{projectID: p.ProjectID, doc: docs[i], seq: seq}
	}
	return nil
}

// DeletePipeline removes a pipeline. It reports whether one was deleted.
func (m *Memory) DeletePipeline(_ context.Context, id types.PipelineID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pipelines[id]
	delete(m.pipelines, id)
	return ok, nil
}

// DeletePipelinesByProject removes every pipeline of a project.
func (m *Memory) DeletePipelinesByProject(_ context.Context, projectID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.pipelines {
		if p.projectID == projectID {
			delete(m.pipelines, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}
