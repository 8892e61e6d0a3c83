package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonathan/ontology-robot/internal/types"
)

// ErrServiceStopped marks executions that were still running when the service
// went down.
var ErrServiceStopped = errors.New("service stopped before the execution finished")

// statusWriteTimeout bounds each status read or write. Status bookkeeping is
// detached from the task context so a cancelled run still records its outcome.
const statusWriteTimeout = 10 * time.Second

// StatusStore persists the status record of each execution. SaveStatus is an
// upsert; FindStatus returns nil when there is no record.
type StatusStore interface {
	SaveStatus(ctx context.Context, status types.PipelineStatus) error
	FindStatus(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineStatus, error)
}

// ResultStore persists the success result of each execution.
type ResultStore interface {
	SaveResult(ctx context.Context, result types.PipelineSuccessResult) error
	FindResult(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineSuccessResult, error)
}

// execution identifies one run of a pipeline.
type execution struct {
	id        types.PipelineExecutionID
	projectID string
	pipeline  types.RobotPipeline
	start     time.Time
}

// statusTracker applies transitions to the stored status of one execution. Every
// update re-reads the record first and writes back a full replacement.
type statusTracker struct {
	store StatusStore
	exec  execution
	last  *types.PipelineStatus
}

func newStatusTracker(store StatusStore, exec execution) *statusTracker {
	return &statusTracker{store: store, exec: exec}
}

// current returns the stored status. When the record is missing or unreadable it
// is rebuilt from the last value this tracker wrote, or from the pipeline
// definition when there is none.
func (t *statusTracker) current(ctx context.Context) types.PipelineStatus {
	stored, err := t.store.FindStatus(ctx, t.exec.id)
	switch {
	case err != nil:
		log.Printf("[pipeline] failed to read status of %s: %v", t.exec.id, err)
	case stored != nil:
		return *stored
	case t.last != nil:
		log.Printf("[pipeline] status of %s disappeared, rebuilding", t.exec.id)
	}
	if t.last != nil {
		return *t.last
	}
	return types.NewPipelineStatus(t.exec.id, t.exec.pipeline, t.exec.start)
}

// update derives a new status with fn and persists it. Errors from fn are
// invariant violations and are returned; store write failures are only logged.
func (t *statusTracker) update(ctx context.Context, fn func(types.PipelineStatus) (types.PipelineStatus, error)) (types.PipelineStatus, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	next, err := fn(t.current(ctx))
	if err != nil {
		return next, fmt.Errorf("status transition of %s: %w", t.exec.id, err)
	}
	if err := t.store.SaveStatus(ctx, next); err != nil {
		log.Printf("[pipeline] failed to save status of %s: %v", t.exec.id, err)
	}
	t.last = &next
	return next, nil
}

func (t *statusTracker) preparation(ctx context.Context, status types.StageStatus, message string) error {
	_, err := t.update(ctx, func(ps types.PipelineStatus) (types.PipelineStatus, error) {
		return types.WithPreparationStatus(ps, types.PipelinePreparationStatus{Status: status, Message: message}), nil
	})
	return err
}

func (t *statusTracker) stageRunning(ctx context.Context, id types.PipelineStageID) error {
	_, err := t.update(ctx, func(ps types.PipelineStatus) (types.PipelineStatus, error) {
		return types.WithStageRunning(ps, id)
	})
	return err
}

func (t *statusTracker) stageSuccess(ctx context.Context, id types.PipelineStageID) error {
	_, err := t.update(ctx, func(ps types.PipelineStatus) (types.PipelineStatus, error) {
		return types.WithStageSuccess(ps, id)
	})
	return err
}

func (t *statusTracker) stageError(ctx context.Context, id types.PipelineStageID, message string) error {
	_, err := t.update(ctx, func(ps types.PipelineStatus) (types.PipelineStatus, error) {
		return types.WithStageError(ps, id, message)
	})
	return err
}

func (t *statusTracker) stageOutput(ctx context.Context, id types.PipelineStageID, ref types.OutputReference) error {
	_, err := t.update(ctx, func(ps types.PipelineStatus) (types.PipelineStatus, error) {
		return types.WithStageOutput(ps, id, ref)
	})
	return err
}

// finish records the terminal outcome and end time in a single write.
func (t *statusTracker) finish(ctx context.Context, end time.Time, runErr error) types.PipelineStatus {
	ps, err := t.update(ctx, func(ps types.PipelineStatus) (types.PipelineStatus, error) {
		if runErr != nil {
			ps = types.WithOutcome(ps, types.OutcomeFailed, runErr.Error())
		} else {
			ps = types.WithOutcome(ps, types.OutcomeSucceeded, "")
		}
		return types.WithEndTime(ps, end), nil
	})
	if err != nil {
		log.Printf("[pipeline] failed to finish %s: %v", t.exec.id, err)
	}
	return ps
}

// failPreparation marks preparation failed and closes the execution in one write.
func (t *statusTracker) failPreparation(ctx context.Context, end time.Time, cause error) {
	_, err := t.update(ctx, func(ps types.PipelineStatus) (types.PipelineStatus, error) {
		ps = types.WithPreparationStatus(ps, types.PipelinePreparationStatus{
			Status:  types.StageFinishedWithError,
			Message: cause.Error(),
		})
		ps = types.WithOutcome(ps, types.OutcomeFailed, cause.Error())
		return types.WithEndTime(ps, end), nil
	})
	if err != nil {
		log.Printf("[pipeline] failed to record preparation failure of %s: %v", t.exec.id, err)
	}
}

// RunningStatusStore is a status store that can list unfinished executions.
type RunningStatusStore interface {
	StatusStore
	ListRunning(ctx context.Context, limit int) ([]types.PipelineStatus, error)
}

// interrupt closes ps as failed with cause. Preparation or a stage that was
// still running is marked failed with it.
func interrupt(ps types.PipelineStatus, end time.Time, cause error) types.PipelineStatus {
	if !ps.Preparation.Status.IsFinished() {
		ps = types.WithPreparationStatus(ps, types.PipelinePreparationStatus{
			Status:  types.StageFinishedWithError,
			Message: cause.Error(),
		})
	}
	for _, s := range ps.Stages {
		if s.Status == types.StageRunning {
			ps, _ = types.WithStageError(ps, s.StageID, cause.Error())
		}
	}
	ps = types.WithOutcome(ps, types.OutcomeFailed, cause.Error())
	return types.WithEndTime(ps, end)
}

// CloseInterrupted fails every execution the store still lists as running. It is
// meant for startup, before any new execution is scheduled, and returns the
// number of executions it closed.
func CloseInterrupted(ctx context.Context, store RunningStatusStore, end time.Time) (int, error) {
	closed := 0
	for {
		running, err := store.ListRunning(ctx, 100)
		if err != nil {
			return closed, fmt.Errorf("failed to list running executions: %w", err)
		}
		if len(running) == 0 {
			return closed, nil
		}
		for _, ps := range running {
			if err := store.SaveStatus(ctx, interrupt(ps, end, ErrServiceStopped)); err != nil {
				return closed, fmt.Errorf("failed to close execution %s: %w", ps.ExecutionID, err)
			}
			log.Printf("[pipeline] closed interrupted execution %s", ps.ExecutionID)
			closed++
		}
	}
}

// isInvariantError reports whether err comes from an impossible status transition.
func isInvariantError(err error) bool {
	var unknown *types.ErrUnknownStage
	var invalid *types.ErrInvalidTransition
	return errors.As(err, &unknown) || errors.As(err, &invalid)
}
