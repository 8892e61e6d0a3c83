package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/ontology"
	"github.com/jonathan/ontology-robot/internal/types"
	"github.com/jonathan/ontology-robot/internal/workerpool"
)

// ErrProjectMismatch is returned when a pipeline is submitted for a project other
// than the one it belongs to.
var ErrProjectMismatch = errors.New("pipeline belongs to another project")

// OrchestratorOptions holds the collaborators of an Orchestrator.
type OrchestratorOptions struct {
	Snapshots ontology.SnapshotProvider
	Executor  *Executor
	Statuses  StatusStore
	Results   ResultStore
	Runner    workerpool.Runner
	Events    events.Sink
	Clock     func() time.Time
}

// Orchestrator accepts pipeline submissions and runs them in the background.
type Orchestrator struct {
	snapshots ontology.SnapshotProvider
	executor  *Executor
	statuses  StatusStore
	results   ResultStore
	runner    workerpool.Runner
	notify    notifier
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator. Events and Clock are optional.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	switch {
	case opts.Snapshots == nil:
		return nil, fmt.Errorf("orchestrator requires a snapshot provider")
	case opts.Executor == nil:
		return nil, fmt.Errorf("orchestrator requires an executor")
	case opts.Statuses == nil:
		return nil, fmt.Errorf("orchestrator requires a status store")
	case opts.Results == nil:
		return nil, fmt.Errorf("orchestrator requires a result store")
	case opts.Runner == nil:
		return nil, fmt.Errorf("orchestrator requires a worker pool")
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		snapshots: opts.Snapshots,
		executor:  opts.Executor,
		statuses:  opts.Statuses,
		results:   opts.Results,
		runner:    opts.Runner,
		notify:    notifier{sink: opts.Events, now: opts.Clock},
		now:       opts.Clock,
	}, nil
}

// ExecuteAsync persists the initial status of a new execution of pipeline and
// schedules the run on the worker pool. It returns as soon as the execution is
// recorded. If the pool refuses the task the execution is closed as failed and
// the id is returned together with an error wrapping workerpool.ErrRejected.
func (o *Orchestrator) ExecuteAsync(ctx context.Context, projectID string, pipeline types.RobotPipeline) (types.PipelineExecutionID, error) {
	switch {
	case pipeline.ProjectID == "":
		pipeline.ProjectID = projectID
	case pipeline.ProjectID != projectID:
		return types.PipelineExecutionID{}, fmt.Errorf("%w: %s is not %s", ErrProjectMismatch, pipeline.ProjectID, projectID)
	}

	x := execution{
		id:        types.NewPipelineExecutionID(),
		projectID: projectID,
		pipeline:  pipeline,
		start:     o.now(),
	}
	if err := o.statuses.SaveStatus(ctx, types.NewPipelineStatus(x.id, pipeline, x.start)); err != nil {
		return types.PipelineExecutionID{}, fmt.Errorf("failed to record execution: %w", err)
	}

	if err := o.runner.Submit(func(taskCtx context.Context) { o.run(taskCtx, x) }); err != nil {
		log.Printf("[pipeline] execution %s not scheduled: %v", x.id, err)
		o.reject(ctx, x, err)
		return x.id, fmt.Errorf("failed to schedule execution %s: %w", x.id, err)
	}
	return x.id, nil
}

func (o *Orchestrator) reject(ctx context.Context, x execution, cause error) {
	tr := newStatusTracker(o.statuses, x)
	tr.failPreparation(ctx, o.now(), fmt.Errorf("execution rejected: %w", cause))
	o.notify.execution(x, events.PipelineExecutionFinishedWithError, cause.Error())
	o.notify.execution(x, events.PipelineExecutionFinished, "")
}

// Status returns the current status of an execution, or nil when it is unknown.
func (o *Orchestrator) Status(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineStatus, error) {
	return o.statuses.FindStatus(ctx, id)
}

// Result returns the success result of an execution, or nil when there is none.
func (o *Orchestrator) Result(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineSuccessResult, error) {
	return o.results.FindResult(ctx, id)
}

// run is the background part of an execution. It always leaves a terminal status
// behind and always ends with the finished event.
func (o *Orchestrator) run(ctx context.Context, x execution) {
	tr := newStatusTracker(o.statuses, x)
	defer o.notify.execution(x, events.PipelineExecutionFinished, "")
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] execution %s panicked: %v", x.id, r)
			o.conclude(ctx, tr, x, nil, fmt.Errorf("execution aborted: %v", r))
		}
	}()

	// Tasks still queued when the pool gives up start with a cancelled context.
	if err := ctx.Err(); err != nil {
		cause := fmt.Errorf("%w: %v", ErrServiceStopped, err)
		tr.failPreparation(ctx, o.now(), cause)
		o.notify.execution(x, events.PipelineExecutionFinishedWithError, cause.Error())
		return
	}

	snapshot, err := o.prepare(ctx, tr, x)
	if err != nil {
		if isInvariantError(err) {
			o.conclude(ctx, tr, x, nil, err)
			return
		}
		o.notify.execution(x, events.PipelineExecutionFinishedWithError, err.Error())
		return
	}

	report, err := o.executor.run(ctx, tr, x, snapshot.Artifact, snapshot.Revision)
	o.conclude(ctx, tr, x, report, err)
}

// prepare obtains the ontology snapshot. A snapshot failure is recorded as a
// terminal preparation failure before it is returned.
func (o *Orchestrator) prepare(ctx context.Context, tr *statusTracker, x execution) (*ontology.Snapshot, error) {
	if err := tr.preparation(ctx, types.StageRunning, "Creating ontology snapshot"); err != nil {
		return nil, err
	}
	o.notify.execution(x, events.SnapshotStarted, "")

	snapshot, err := o.snapshot(ctx, x.projectID)
	if err != nil {
		tr.failPreparation(ctx, o.now(), err)
		o.notify.execution(x, events.SnapshotFailed, err.Error())
		return nil, err
	}

	if err := tr.preparation(ctx, types.StageFinishedWithSuccess, fmt.Sprintf("Snapshot at revision %d", snapshot.Revision)); err != nil {
		return nil, err
	}
	o.notify.execution(x, events.SnapshotSucceeded, fmt.Sprintf("revision %d", snapshot.Revision))
	return snapshot, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, projectID string) (snapshot *ontology.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snapshot, err = nil, fmt.Errorf("snapshot provider panicked: %v", r)
		}
	}()

	snapshot, err = o.snapshots.CreateSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil || snapshot.Artifact == nil {
		return nil, fmt.Errorf("snapshot of project %s contains no ontology", projectID)
	}
	return snapshot, nil
}

// conclude records the outcome of an executor pass. A successful run is only
// marked succeeded once its result record is stored.
func (o *Orchestrator) conclude(ctx context.Context, tr *statusTracker, x execution, report *Report, runErr error) {
	end := o.now()
	if runErr == nil && report != nil {
		runErr = o.saveResult(ctx, x, report, end)
	}
	if runErr != nil && isInvariantError(runErr) {
		log.Printf("[pipeline] execution %s hit an invalid status transition: %v", x.id, runErr)
	}

	tr.finish(ctx, end, runErr)
	if runErr != nil {
		o.notify.execution(x, events.PipelineExecutionFinishedWithError, runErr.Error())
	}
}

func (o *Orchestrator) saveResult(ctx context.Context, x execution, report *Report, end time.Time) error {
	if end.Before(x.start) {
		end = x.start
	}

	err := o.results.SaveResult(ctx, types.PipelineSuccessResult{
		ExecutionID: x.id,
		ProjectID:   x.projectID,
		Revision:    report.Revision,
		Pipeline:    x.pipeline,
		StartTime:   x.start,
		EndTime:     end,
		Outputs:     report.Outputs,
		Location:    report.Location,
	})
	if err != nil {
		return fmt.Errorf("failed to record result: %w", err)
	}
	return nil
}
