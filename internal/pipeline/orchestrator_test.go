package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/ontology-robot/internal/db"
	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/ontology"
	"github.com/jonathan/ontology-robot/internal/stages"
	"github.com/jonathan/ontology-robot/internal/types"
	"github.com/jonathan/ontology-robot/internal/workerpool"
)

type rejectingRunner struct{}

func (rejectingRunner) Submit(workerpool.Task) error { return workerpool.ErrRejected }

func newOrchestrator(t *testing.T, f *fixture, snapshots ontology.SnapshotProvider, runner workerpool.Runner, sink events.Sink) *Orchestrator {
	t.Helper()
	if sink == nil {
		sink = f.events
	}
	exec, err := NewExecutor(ExecutorOptions{
		Commands: newTestRegistry(f.calls),
		Outputs:  f.outputs,
		Statuses: f.statuses,
		Events:   sink,
	})
	require.NoError(t, err)
	o, err := NewOrchestrator(OrchestratorOptions{
		Snapshots: snapshots,
		Executor:  exec,
		Statuses:  f.statuses,
		Results:   f.statuses,
		Runner:    runner,
		Events:    sink,
	})
	require.NoError(t, err)
	return o
}

func TestOrchestrator_AllStagesSucceed(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(t, f, staticSnapshot(42), workerpool.Inline{}, nil)
	p := testPipeline(stage("one", nil), stage("two", nil), stage("three", nil))

	id, err := o.ExecuteAsync(context.Background(), "proj", p)
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, types.StageFinishedWithSuccess, st.Preparation.Status)
	require.Len(t, st.Stages, 3)
	for _, s := range st.Stages {
		assert.Equal(t, types.StageFinishedWithSuccess, s.Status)
	}
	assert.True(t, st.IsSuccessful())
	assert.False(t, st.IsRunning())
	assert.NotNil(t, st.EndTime)
	requireMonotonic(t, f.statuses.saved(id))

	res, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int64(42), res.Revision)
	assert.Equal(t, p.ID, res.Pipeline.ID)
	assert.Equal(t, *st.EndTime, res.EndTime)
	assert.NotEmpty(t, res.Location)

	names := f.events.names(id)
	assert.Equal(t, []events.Name{events.SnapshotStarted, events.SnapshotSucceeded, events.PipelineExecutionStarted}, names[:3])
	assert.Equal(t, events.PipelineExecutionFinished, names[len(names)-1])
	assert.Equal(t, 1, countName(names, events.PipelineExecutionFinished))
}

func TestOrchestrator_SnapshotFailure(t *testing.T) {
	f := newFixture(t)
	snapshots := &countingSnapshots{fn: func(context.Context, string) (*ontology.Snapshot, error) {
		return nil, errors.New("project store unreachable")
	}}
	o := newOrchestrator(t, f, snapshots, workerpool.Inline{}, nil)
	p := testPipeline(stage("one", nil), stage("two", nil))

	id, err := o.ExecuteAsync(context.Background(), "proj", p)
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StageFinishedWithError, st.Preparation.Status)
	assert.Equal(t, "project store unreachable", st.Preparation.Message)
	for _, s := range st.Stages {
		assert.Equal(t, types.StageWaiting, s.Status)
	}
	assert.True(t, st.IsFailed())
	assert.False(t, st.IsRunning())
	assert.NotNil(t, st.EndTime)
	requireMonotonic(t, f.statuses.saved(id))

	assert.Equal(t, 1, snapshots.calls)
	assert.Empty(t, f.calls.list(), "no stage may run without a snapshot")

	names := f.events.names(id)
	assert.Contains(t, names, events.SnapshotFailed)
	assert.Contains(t, names, events.PipelineExecutionFinishedWithError)
	assert.NotContains(t, names, events.PipelineExecutionStarted)
	assert.Equal(t, events.PipelineExecutionFinished, names[len(names)-1])

	res, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestOrchestrator_EmptySnapshotIsAFailure(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(t, f, snapshotFunc(func(context.Context, string) (*ontology.Snapshot, error) {
		return &ontology.Snapshot{Revision: 3}, nil
	}), workerpool.Inline{}, nil)

	id, err := o.ExecuteAsync(context.Background(), "proj", testPipeline(stage("one", nil)))
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StageFinishedWithError, st.Preparation.Status)
	assert.Empty(t, f.calls.list())
}

func TestOrchestrator_StageFailure(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(t, f, staticSnapshot(1), workerpool.Inline{}, nil)
	p := testPipeline(stage("one", nil), stage("two", map[string]any{"fail": "unsatisfiable"}), stage("three", nil))

	id, err := o.ExecuteAsync(context.Background(), "proj", p)
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StageFinishedWithSuccess, st.Stages[0].Status)
	assert.Equal(t, types.StageFinishedWithError, st.Stages[1].Status)
	assert.Equal(t, types.StageWaiting, st.Stages[2].Status)
	assert.True(t, st.IsFailed())
	assert.Equal(t, types.OutcomeFailed, st.Outcome)
	assert.NotNil(t, st.EndTime)
	requireMonotonic(t, f.statuses.saved(id))

	res, err := o.Result(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, res)

	names := f.events.names(id)
	assert.Equal(t, 1, countName(names, events.PipelineExecutionFinished))
	assert.Equal(t, 1, countName(names, events.PipelineExecutionFinishedWithError))
}

func TestOrchestrator_SubmitReturnsBeforeWork(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	snapshots := snapshotFunc(func(ctx context.Context, _ string) (*ontology.Snapshot, error) {
		<-release
		return staticSnapshot(1)(ctx, "proj")
	})

	pool, err := workerpool.New(workerpool.Config{CoreSize: 1, MaxSize: 2, QueueSize: 4, KeepAlive: time.Second})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background()) //nolint:errcheck

	hub := events.NewHub(64)
	done, cancel := hub.Subscribe(events.IsFinal)
	defer cancel()

	o := newOrchestrator(t, f, snapshots, pool, events.Multi{f.events, hub})
	id, err := o.ExecuteAsync(context.Background(), "proj", testPipeline(stage("one", nil)))
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Contains(t, []types.StageStatus{types.StageWaiting, types.StageRunning}, st.Preparation.Status)
	assert.True(t, st.IsRunning())
	assert.Nil(t, st.EndTime)

	// the worker parks inside the snapshot call once preparation is RUNNING
	waitFor(t, func() bool {
		cur, err := o.Status(context.Background(), id)
		return err == nil && cur.Preparation.Status == types.StageRunning
	})
	st, err = o.Status(context.Background(), id)
	require.NoError(t, err)
	again, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, st, again)

	close(release)
	select {
	case e := <-done:
		assert.Equal(t, id, e.ExecutionID)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}

	st, err = o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, st.IsSuccessful())
}

func TestOrchestrator_ConcurrentSubmissions(t *testing.T) {
	f := newFixture(t)
	pool, err := workerpool.New(workerpool.Config{CoreSize: 2, MaxSize: 4, QueueSize: 8, KeepAlive: time.Second})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background()) //nolint:errcheck

	o := newOrchestrator(t, f, staticSnapshot(5), pool, nil)
	p := testPipeline(stage("one", nil), stage("two", nil))

	var wg sync.WaitGroup
	ids := make([]types.PipelineExecutionID, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := o.ExecuteAsync(context.Background(), "proj", p)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	require.NotEqual(t, ids[0], ids[1])

	for _, id := range ids {
		id := id
		waitFor(t, func() bool {
			st, err := o.Status(context.Background(), id)
			return err == nil && st != nil && !st.IsRunning()
		})
		st, err := o.Status(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, st.IsSuccessful())
		assert.Equal(t, id, st.ExecutionID)
		requireMonotonic(t, f.statuses.saved(id))
	}
}

func TestOrchestrator_RejectedSubmission(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(t, f, staticSnapshot(1), rejectingRunner{}, nil)

	id, err := o.ExecuteAsync(context.Background(), "proj", testPipeline(stage("one", nil)))
	require.Error(t, err)
	assert.ErrorIs(t, err, workerpool.ErrRejected)
	require.False(t, id.IsZero())

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.IsRunning())
	assert.True(t, st.IsFailed())
	assert.NotNil(t, st.EndTime)
	assert.Contains(t, st.Preparation.Message, "execution rejected")

	names := f.events.names(id)
	assert.Equal(t, events.PipelineExecutionFinished, names[len(names)-1])
}

func TestOrchestrator_ProjectMismatch(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(t, f, staticSnapshot(1), workerpool.Inline{}, nil)

	_, err := o.ExecuteAsync(context.Background(), "someone-else", testPipeline(stage("one", nil)))
	assert.ErrorIs(t, err, ErrProjectMismatch)

	p := testPipeline(stage("one", nil))
	p.ProjectID = ""
	id, err := o.ExecuteAsync(context.Background(), "adopted", p)
	require.NoError(t, err)
	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "adopted", st.ProjectID)
}

func TestOrchestrator_PanickingSinkDoesNotBreakRun(t *testing.T) {
	f := newFixture(t)
	sink := events.SinkFunc(func(events.Event) { panic("sink down") })
	o := newOrchestrator(t, f, staticSnapshot(1), workerpool.Inline{}, sink)

	id, err := o.ExecuteAsync(context.Background(), "proj", testPipeline(stage("one", nil)))
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, st.IsSuccessful())
}

func TestOrchestrator_UnknownExecution(t *testing.T) {
	f := newFixture(t)
	o := newOrchestrator(t, f, staticSnapshot(1), workerpool.Inline{}, nil)

	st, err := o.Status(context.Background(), types.NewPipelineExecutionID())
	require.NoError(t, err)
	assert.Nil(t, st)
}

func countName(names []events.Name, want events.Name) int {
	n := 0
	for _, name := range names {
		if name == want {
			n++
		}
	}
	return n
}

// ctxStatusStore fails every call made with a done context, the way the
// database driver does.
type ctxStatusStore struct {
	*recordingStore
}

func (s ctxStatusStore) SaveStatus(ctx context.Context, st types.PipelineStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.recordingStore.SaveStatus(ctx, st)
}

func (s ctxStatusStore) FindStatus(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.recordingStore.FindStatus(ctx, id)
}

// contextRunner runs each task inline with a fixed context.
type contextRunner struct {
	ctx context.Context
}

func (r contextRunner) Submit(task workerpool.Task) error {
	task(r.ctx)
	return nil
}

type cancelCommand struct {
	cancel context.CancelFunc
}

func (cancelCommand) Kind() string  { return "cancel" }
func (cancelCommand) Label() string { return "cancel" }

func (c cancelCommand) Apply(ctx context.Context, _ *ontology.Artifact) (*ontology.Artifact, error) {
	c.cancel()
	return nil, ctx.Err()
}

func newCancellableOrchestrator(t *testing.T, f *fixture, runCtx context.Context, cancel context.CancelFunc) *Orchestrator {
	t.Helper()
	store := ctxStatusStore{f.statuses}
	registry := newTestRegistry(f.calls)
	registry.Register("cancel", func(map[string]any) (stages.Command, error) {
		return cancelCommand{cancel: cancel}, nil
	})
	exec, err := NewExecutor(ExecutorOptions{Commands: registry, Outputs: f.outputs, Statuses: store, Events: f.events})
	require.NoError(t, err)
	o, err := NewOrchestrator(OrchestratorOptions{
		Snapshots: staticSnapshot(1),
		Executor:  exec,
		Statuses:  store,
		Results:   f.statuses,
		Runner:    contextRunner{ctx: runCtx},
		Events:    f.events,
	})
	require.NoError(t, err)
	return o
}

func TestOrchestrator_TaskStartedAfterCancellation(t *testing.T) {
	f := newFixture(t)
	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newCancellableOrchestrator(t, f, runCtx, cancel)

	id, err := o.ExecuteAsync(context.Background(), "proj", testPipeline(stage("one", nil)))
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.IsRunning())
	assert.True(t, st.IsFailed())
	assert.NotNil(t, st.EndTime)
	assert.Equal(t, types.StageFinishedWithError, st.Preparation.Status)
	assert.Contains(t, st.Message, ErrServiceStopped.Error())
	assert.Empty(t, f.calls.list())

	names := f.events.names(id)
	assert.Contains(t, names, events.PipelineExecutionFinishedWithError)
	assert.Equal(t, events.PipelineExecutionFinished, names[len(names)-1])
}

func TestOrchestrator_CancelledMidRunStillCloses(t *testing.T) {
	f := newFixture(t)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := newCancellableOrchestrator(t, f, runCtx, cancel)

	p := testPipeline(stage("one", nil), stage("two", nil), stage("three", nil))
	p.Stages[1].Command.Kind = "cancel"

	id, err := o.ExecuteAsync(context.Background(), "proj", p)
	require.NoError(t, err)

	st, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.IsRunning())
	assert.True(t, st.IsFailed())
	assert.NotNil(t, st.EndTime)
	assert.Equal(t, types.StageFinishedWithSuccess, st.Stages[0].Status)
	assert.Equal(t, types.StageFinishedWithError, st.Stages[1].Status)
	assert.Equal(t, types.StageWaiting, st.Stages[2].Status)

	requireMonotonic(t, f.statuses.saved(id))
}

func TestCloseInterrupted(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := testPipeline(stage("one", nil), stage("two", nil))

	waiting := types.NewPipelineStatus(types.NewPipelineExecutionID(), p, start)
	require.NoError(t, store.SaveStatus(ctx, waiting))

	midway := types.NewPipelineStatus(types.NewPipelineExecutionID(), p, start)
	midway = types.WithPreparationStatus(midway, types.PipelinePreparationStatus{Status: types.StageFinishedWithSuccess})
	midway, err := types.WithStageSuccess(midway, p.Stages[0].ID)
	require.NoError(t, err)
	midway, err = types.WithStageRunning(midway, p.Stages[1].ID)
	require.NoError(t, err)
	require.NoError(t, store.SaveStatus(ctx, midway))

	done := types.WithEndTime(types.WithOutcome(midway, types.OutcomeSucceeded, ""), start.Add(time.Minute))
	done.ExecutionID = types.NewPipelineExecutionID()
	require.NoError(t, store.SaveStatus(ctx, done))

	end := start.Add(time.Hour)
	closed, err := CloseInterrupted(ctx, store, end)
	require.NoError(t, err)
	assert.Equal(t, 2, closed)

	running, err := store.ListRunning(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, running)

	got, err := store.FindStatus(ctx, waiting.ExecutionID)
	require.NoError(t, err)
	assert.True(t, got.IsFailed())
	assert.Equal(t, types.StageFinishedWithError, got.Preparation.Status)
	assert.Equal(t, end, *got.EndTime)

	got, err = store.FindStatus(ctx, midway.ExecutionID)
	require.NoError(t, err)
	assert.True(t, got.IsFailed())
	assert.Equal(t, types.StageFinishedWithSuccess, got.Stages[0].Status)
	assert.Equal(t, types.StageFinishedWithError, got.Stages[1].Status)
	assert.Equal(t, ErrServiceStopped.Error(), got.Stages[1].Message)

	got, err = store.FindStatus(ctx, done.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSucceeded, got.Outcome)
	assert.Equal(t, start.Add(time.Minute), *got.EndTime)
}
