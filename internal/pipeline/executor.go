// Package pipeline runs robot pipelines against project ontologies and tracks
// their progress in the status store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/jonathan/ontology-robot/internal/blob"
	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/ontology"
	"github.com/jonathan/ontology-robot/internal/stages"
	"github.com/jonathan/ontology-robot/internal/types"
)

// ErrInvalidStageResult is returned when a stage command reports success but
// produces no ontology.
var ErrInvalidStageResult = errors.New("invalid stage result: command returned no ontology")

// StageError reports the stage that stopped a pipeline.
type StageError struct {
	Index   int
	StageID types.PipelineStageID
	Label   string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %v", e.Index+1, e.Label, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// SaveError reports an output that could not be stored.
type SaveError struct {
	Key string
	Err error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed to save %s: %v", e.Key, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// CommandResolver turns a stage's command spec into something executable.
type CommandResolver interface {
	Resolve(spec types.CommandSpec) (stages.Command, error)
}

// Report is what a successful run produced.
type Report struct {
	Artifact *ontology.Artifact
	Revision int64
	// Outputs maps each declared stage output path to its stored location.
	Outputs  map[string]string
	Location string
}

// ExecutorOptions holds the collaborators of an Executor.
type ExecutorOptions struct {
	Commands CommandResolver
	Outputs  blob.Store
	Statuses StatusStore
	Events   events.Sink
	Clock    func() time.Time
}

// Executor runs the stages of a pipeline one after another.
type Executor struct {
	commands CommandResolver
	outputs  blob.Store
	statuses StatusStore
	notify   notifier
	now      func() time.Time
}

// NewExecutor creates an executor. Events and Clock are optional.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Commands == nil {
		return nil, fmt.Errorf("executor requires a command resolver")
	}
	if opts.Outputs == nil {
		return nil, fmt.Errorf("executor requires an output store")
	}
	if opts.Statuses == nil {
		return nil, fmt.Errorf("executor requires a status store")
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Executor{
		commands: opts.Commands,
		outputs:  opts.Outputs,
		statuses: opts.Statuses,
		notify:   notifier{sink: opts.Events, now: opts.Clock},
		now:      opts.Clock,
	}, nil
}

// ExecutePipeline runs pipeline against an ontology that is already in hand and
// closes the execution's status. It fails with a *StageError on the first failing
// stage and with a *SaveError when an output cannot be stored.
func (e *Executor) ExecutePipeline(ctx context.Context, projectID string, executionID types.PipelineExecutionID,
	artifact *ontology.Artifact, revision int64, pipeline types.RobotPipeline) (*Report, error) {

	x := execution{id: executionID, projectID: projectID, pipeline: pipeline, start: e.now()}
	tr := newStatusTracker(e.statuses, x)
	defer e.notify.execution(x, events.PipelineExecutionFinished, "")

	if err := tr.preparation(ctx, types.StageFinishedWithSuccess, "Ontology supplied"); err != nil {
		return nil, err
	}
	report, err := e.run(ctx, tr, x, artifact, revision)
	e.close(ctx, tr, x, err)
	return report, err
}

// ExecuteFile loads the ontology stored at name on fs and runs pipeline against it.
// Loading is tracked as the preparation phase.
func (e *Executor) ExecuteFile(ctx context.Context, projectID string, executionID types.PipelineExecutionID,
	fs billy.Filesystem, name string, pipeline types.RobotPipeline) (*Report, error) {

	x := execution{id: executionID, projectID: projectID, pipeline: pipeline, start: e.now()}
	tr := newStatusTracker(e.statuses, x)
	defer e.notify.execution(x, events.PipelineExecutionFinished, "")

	if err := tr.preparation(ctx, types.StageRunning, "Loading "+path.Base(name)); err != nil {
		return nil, err
	}
	e.notify.execution(x, events.LoadOntologyStarted, name)

	artifact, err := ontology.LoadFile(fs, name)
	if err != nil {
		tr.failPreparation(ctx, e.now(), err)
		e.notify.execution(x, events.LoadOntologyFailed, err.Error())
		e.notify.execution(x, events.PipelineExecutionFinishedWithError, err.Error())
		return nil, err
	}
	if err := tr.preparation(ctx, types.StageFinishedWithSuccess, "Ontology loaded"); err != nil {
		return nil, err
	}
	e.notify.execution(x, events.LoadOntologySucceeded, fmt.Sprintf("%d bytes", artifact.Size()))

	report, err := e.run(ctx, tr, x, artifact, 0)
	e.close(ctx, tr, x, err)
	return report, err
}

// close writes the terminal status of a standalone run.
func (e *Executor) close(ctx context.Context, tr *statusTracker, x execution, runErr error) {
	tr.finish(ctx, e.now(), runErr)
	if runErr != nil {
		e.notify.execution(x, events.PipelineExecutionFinishedWithError, runErr.Error())
	}
}

// run is the stage loop shared by every entry point. It does not close the
// execution; the caller records the outcome.
func (e *Executor) run(ctx context.Context, tr *statusTracker, x execution, artifact *ontology.Artifact, revision int64) (*Report, error) {
	e.notify.execution(x, events.PipelineExecutionStarted, x.pipeline.Label)

	if artifact == nil {
		return nil, fmt.Errorf("pipeline %s started without an ontology", x.pipeline.ID)
	}

	report := &Report{Revision: revision, Outputs: make(map[string]string)}
	current := artifact

	for i, stage := range x.pipeline.Stages {
		if err := tr.stageRunning(ctx, stage.ID); err != nil {
			return nil, err
		}

		// StageStarted carries the command's own summary, e.g. "Add 3 axiom(s)".
		cmd, err := e.commands.Resolve(stage.Command)
		var summary string
		if err == nil {
			summary = cmd.Label()
		}
		e.notify.stage(x, stage, events.StageStarted, summary)

		var next *ontology.Artifact
		if err == nil {
			next, err = e.apply(ctx, stage, cmd, current)
		}
		if err != nil {
			if terr := tr.stageError(ctx, stage.ID, err.Error()); terr != nil {
				return nil, terr
			}
			e.notify.stage(x, stage, events.StageFailed, err.Error())
			return nil, &StageError{Index: i, StageID: stage.ID, Label: stage.DisplayName(), Err: err}
		}
		current = next

		if err := tr.stageSuccess(ctx, stage.ID); err != nil {
			return nil, err
		}

		if stage.ProducesOutput() {
			key := stageOutputKey(x.id, *stage.OutputPath)
			location, err := e.outputs.Put(ctx, key, current)
			if err != nil {
				e.notify.stage(x, stage, events.SavingFailed, err.Error())
				return nil, &SaveError{Key: key, Err: err}
			}
			report.Outputs[*stage.OutputPath] = location
			if err := tr.stageOutput(ctx, stage.ID, types.OutputReference{Path: *stage.OutputPath, Location: location}); err != nil {
				return nil, err
			}
		}
		e.notify.stage(x, stage, events.StageFinished, "")
	}

	key := resultKey(x.id, current.Format)
	e.notify.execution(x, events.SavingStarted, key)
	location, err := e.outputs.Put(ctx, key, current)
	if err != nil {
		e.notify.execution(x, events.SavingFailed, err.Error())
		return nil, &SaveError{Key: key, Err: err}
	}
	e.notify.execution(x, events.SavingSucceeded, location)

	report.Artifact = current
	report.Location = location
	return report, nil
}

// Stage outputs live under <execution>/outputs/ so no declared path can collide
// with the final artifact at <execution>/result<ext>.
func stageOutputKey(id types.PipelineExecutionID, outputPath string) string {
	return path.Join(id.String(), "outputs", outputPath)
}

func resultKey(id types.PipelineExecutionID, format ontology.Format) string {
	return path.Join(id.String(), "result"+format.Extension())
}

// apply runs one stage command. Panics and empty results are reported as errors.
func (e *Executor) apply(ctx context.Context, stage types.RobotPipelineStage, cmd stages.Command, artifact *ontology.Artifact) (out *ontology.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[pipeline] stage %s panicked: %v", stage.DisplayName(), r)
			out, err = nil, fmt.Errorf("stage command %s panicked: %v", cmd.Kind(), r)
		}
	}()

	out, err = cmd.Apply(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrInvalidStageResult
	}
	return out, nil
}
