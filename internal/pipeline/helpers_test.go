package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/ontology-robot/internal/blob"
	"github.com/jonathan/ontology-robot/internal/db"
	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/ontology"
	"github.com/jonathan/ontology-robot/internal/stages"
	"github.com/jonathan/ontology-robot/internal/types"
)

var (
	_ StatusStore = (*db.Memory)(nil)
	_ ResultStore = (*db.Memory)(nil)
	_ StatusStore = (*db.DB)(nil)
	_ ResultStore = (*db.DB)(nil)
)

// ------ Commands ------

// appendCommand appends its label to the ontology text.
type appendCommand struct {
	label string
	err   error
	empty bool
	panic bool
	calls *callLog
}

func (c appendCommand) Kind() string  { return "append" }
func (c appendCommand) Label() string { return c.label }

func (c appendCommand) Apply(_ context.Context, a *ontology.Artifact) (*ontology.Artifact, error) {
	c.calls.add(c.label)
	switch {
	case c.panic:
		panic("boom")
	case c.err != nil:
		return nil, c.err
	case c.empty:
		return nil, nil
	}
	return &ontology.Artifact{Format: a.Format, Data: append(append([]byte(nil), a.Data...), []byte("\n"+c.label)...)}, nil
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// newTestRegistry registers "append" whose params select the behavior:
// {"label": "...", "fail": "msg", "empty": true, "panic": true}.
func newTestRegistry(calls *callLog) *stages.Registry {
	r := stages.NewRegistry()
	r.Register("append", func(params map[string]any) (stages.Command, error) {
		cmd := appendCommand{calls: calls}
		cmd.label, _ = params["label"].(string)
		if msg, ok := params["fail"].(string); ok {
			cmd.err = errors.New(msg)
		}
		cmd.empty, _ = params["empty"].(bool)
		cmd.panic, _ = params["panic"].(bool)
		return cmd, nil
	})
	return r
}

func stage(label string, extra map[string]any) types.RobotPipelineStage {
	params := map[string]any{"label": label}
	for k, v := range extra {
		params[k] = v
	}
	return types.RobotPipelineStage{
		ID:      types.NewPipelineStageID(),
		Label:   label,
		Command: types.CommandSpec{Kind: "append", Params: params},
	}
}

func testPipeline(stages ...types.RobotPipelineStage) types.RobotPipeline {
	return types.RobotPipeline{
		ID:        types.NewPipelineID(),
		ProjectID: "proj",
		Label:     "test pipeline",
		Stages:    stages,
	}
}

func seedArtifact() *ontology.Artifact {
	return &ontology.Artifact{Format: ontology.FormatTurtle, Data: []byte("@prefix ex: <http://example.org/> .")}
}

// ------ Stores ------

// recordingStore keeps every saved status on top of an in-memory store.
type recordingStore struct {
	*db.Memory
	mu      sync.Mutex
	history map[types.PipelineExecutionID][]types.PipelineStatus
	failAll bool
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Memory: db.NewMemory(), history: make(map[types.PipelineExecutionID][]types.PipelineStatus)}
}

func (s *recordingStore) SaveStatus(ctx context.Context, st types.PipelineStatus) error {
	s.mu.Lock()
	fail := s.failAll
	if !fail {
		s.history[st.ExecutionID] = append(s.history[st.ExecutionID], st)
	}
	s.mu.Unlock()
	if fail {
		return errors.New("status store unavailable")
	}
	return s.Memory.SaveStatus(ctx, st)
}

func (s *recordingStore) saved(id types.PipelineExecutionID) []types.PipelineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PipelineStatus(nil), s.history[id]...)
}

type failingBlobStore struct {
	failOn string
	inner  blob.Store
}

func (s failingBlobStore) Put(ctx context.Context, key string, a *ontology.Artifact) (string, error) {
	if strings.Contains(key, s.failOn) {
		return "", errors.New("disk full")
	}
	return s.inner.Put(ctx, key, a)
}

// ------ Snapshots ------

type snapshotFunc func(ctx context.Context, projectID string) (*ontology.Snapshot, error)

func (f snapshotFunc) CreateSnapshot(ctx context.Context, projectID string) (*ontology.Snapshot, error) {
	return f(ctx, projectID)
}

type countingSnapshots struct {
	mu    sync.Mutex
	calls int
	fn    snapshotFunc
}

func (c *countingSnapshots) CreateSnapshot(ctx context.Context, projectID string) (*ontology.Snapshot, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fn(ctx, projectID)
}

func staticSnapshot(revision int64) snapshotFunc {
	return func(context.Context, string) (*ontology.Snapshot, error) {
		return &ontology.Snapshot{Artifact: seedArtifact(), Revision: revision}, nil
	}
}

// ------ Events ------

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all(id types.PipelineExecutionID) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.ExecutionID == id {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) names(id types.PipelineExecutionID) []events.Name {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Name
	for _, e := range l.events {
		if e.ExecutionID == id {
			out = append(out, e.Name)
		}
	}
	return out
}

// ------ Fixtures ------

type fixture struct {
	statuses *recordingStore
	outputs  *blob.FSStore
	events   *eventLog
	calls    *callLog
	executor *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		statuses: newRecordingStore(),
		outputs:  blob.NewFSStore(memfs.New()),
		events:   &eventLog{},
		calls:    &callLog{},
	}
	f.executor = f.newExecutor(t, f.outputs)
	return f
}

func (f *fixture) newExecutor(t *testing.T, outputs blob.Store) *Executor {
	t.Helper()
	exec, err := NewExecutor(ExecutorOptions{
		Commands: newTestRegistry(f.calls),
		Outputs:  outputs,
		Statuses: f.statuses,
		Events:   f.events,
	})
	require.NoError(t, err)
	return exec
}

// requireMonotonic checks that no stage ever moves backwards across the saved
// history and that end time is set exactly when the execution stopped running.
func requireMonotonic(t *testing.T, history []types.PipelineStatus) {
	t.Helper()
	for i, st := range history {
		require.Equal(t, st.EndTime == nil, st.IsRunning(), "snapshot %d: end time and running disagree", i)
		if i == 0 {
			continue
		}
		prev := history[i-1]
		for j, s := range st.Stages {
			before := prev.Stages[j].Status
			if before != s.Status {
				require.True(t, before.CanTransitionTo(s.Status), "stage %d moved from %s to %s", j, before, s.Status)
			}
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}
