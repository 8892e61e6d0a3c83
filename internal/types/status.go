package types

import (
	"fmt"
	"time"
)

// StageStatus is the progress of a single stage or of the preparation phase.
type StageStatus string

// StageStatus values. The two FINISHED values are terminal.
const (
	StageWaiting             StageStatus = "WAITING"
	StageRunning             StageStatus = "RUNNING"
	StageFinishedWithSuccess StageStatus = "FINISHED_WITH_SUCCESS"
	StageFinishedWithError   StageStatus = "FINISHED_WITH_ERROR"
)

// IsFinished reports whether s is terminal.
func (s StageStatus) IsFinished() bool {
	return s == StageFinishedWithSuccess || s == StageFinishedWithError
}

func (s StageStatus) rank() int {
	switch s {
	case StageWaiting:
		return 0
	case StageRunning:
		return 1
	case StageFinishedWithSuccess, StageFinishedWithError:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next keeps the progression
// WAITING -> RUNNING -> FINISHED_*. Terminal states never move again. A stage may
// jump straight from WAITING to a finished state.
func (s StageStatus) CanTransitionTo(next StageStatus) bool {
	if s.IsFinished() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Outcome is the final verdict of an execution, recorded separately from the
// per-stage flags so that failures outside any stage (saving the final artifact,
// a rejected submission) are visible on the status.
type Outcome string

// Outcome values.
const (
	OutcomePending   Outcome = "PENDING"
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
)

// OutputReference points at a stored stage output.
type OutputReference struct {
	Path     string `json:"path"`
	Location string `json:"location"`
}

// PipelineStageStatus is the progress of one stage inside an execution.
type PipelineStageStatus struct {
	StageID PipelineStageID  `json:"stage_id"`
	Status  StageStatus      `json:"status"`
	Output  *OutputReference `json:"output,omitempty"`
	Message string           `json:"message,omitempty"`
}

// PipelinePreparationStatus tracks the snapshot acquisition phase.
type PipelinePreparationStatus struct {
	Status  StageStatus `json:"status"`
	Message string      `json:"message"`
}

// PreparationWaiting is the preparation state of a freshly submitted execution.
func PreparationWaiting() PipelinePreparationStatus {
	return PipelinePreparationStatus{Status: StageWaiting, Message: "Preparing ontology snapshot"}
}

// PipelineStatus is the root status record of one execution. It is never mutated in
// place; the With* functions return updated copies.
type PipelineStatus struct {
	ExecutionID PipelineExecutionID       `json:"execution_id"`
	PipelineID  PipelineID                `json:"pipeline_id"`
	ProjectID   string                    `json:"project_id"`
	StartTime   time.Time                 `json:"start_time"`
	EndTime     *time.Time                `json:"end_time,omitempty"`
	Preparation PipelinePreparationStatus `json:"preparation"`
	Stages      []PipelineStageStatus     `json:"stages"`
	Outcome     Outcome                   `json:"outcome"`
	Message     string                    `json:"message,omitempty"`
}

// NewPipelineStatus builds the initial status for an execution of pipeline:
// preparation WAITING and every stage WAITING, in pipeline order.
func NewPipelineStatus(executionID PipelineExecutionID, pipeline RobotPipeline, start time.Time) PipelineStatus {
	stages := make([]PipelineStageStatus, len(pipeline.Stages))
	for i, s := range pipeline.Stages {
		stages[i] = PipelineStageStatus{StageID: s.ID, Status: StageWaiting}
	}
	return PipelineStatus{
		ExecutionID: executionID,
		PipelineID:  pipeline.ID,
		ProjectID:   pipeline.ProjectID,
		StartTime:   start,
		Preparation: PreparationWaiting(),
		Stages:      stages,
		Outcome:     OutcomePending,
	}
}

// ErrUnknownStage is returned when a transition names a stage that is not part of
// the execution. It indicates a programming error.
type ErrUnknownStage struct {
	ExecutionID PipelineExecutionID
	StageID     PipelineStageID
}

func (e *ErrUnknownStage) Error() string {
	return fmt.Sprintf("stage %s is not part of execution %s", e.StageID, e.ExecutionID)
}

// ErrInvalidTransition is returned when a transition would move a stage backwards
// or out of a terminal state.
type ErrInvalidTransition struct {
	StageID PipelineStageID
	From    StageStatus
	To      StageStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("stage %s cannot move from %s to %s", e.StageID, e.From, e.To)
}

func (ps PipelineStatus) clone() PipelineStatus {
	ps.Stages = append([]PipelineStageStatus(nil), ps.Stages...)
	if ps.EndTime != nil {
		t := *ps.EndTime
		ps.EndTime = &t
	}
	return ps
}

// WithPreparationStatus returns a copy with the preparation phase replaced.
func WithPreparationStatus(ps PipelineStatus, prep PipelinePreparationStatus) PipelineStatus {
	out := ps.clone()
	out.Preparation = prep
	return out
}

func withStage(ps PipelineStatus, id PipelineStageID, next StageStatus, message string) (PipelineStatus, error) {
	out := ps.clone()
	for i := range out.Stages {
		if out.Stages[i].StageID != id {
			continue
		}
		if cur := out.Stages[i].Status; !cur.CanTransitionTo(next) {
			return ps, &ErrInvalidTransition{StageID: id, From: cur, To: next}
		}
		out.Stages[i].Status = next
		out.Stages[i].Message = message
		return out, nil
	}
	return ps, &ErrUnknownStage{ExecutionID: ps.ExecutionID, StageID: id}
}

// WithStageRunning marks the stage RUNNING.
func WithStageRunning(ps PipelineStatus, id PipelineStageID) (PipelineStatus, error) {
	return withStage(ps, id, StageRunning, "")
}

// WithStageSuccess marks the stage FINISHED_WITH_SUCCESS.
func WithStageSuccess(ps PipelineStatus, id PipelineStageID) (PipelineStatus, error) {
	return withStage(ps, id, StageFinishedWithSuccess, "")
}

// WithStageError marks the stage FINISHED_WITH_ERROR and records message.
func WithStageError(ps PipelineStatus, id PipelineStageID, message string) (PipelineStatus, error) {
	return withStage(ps, id, StageFinishedWithError, message)
}

// WithStageOutput attaches the resolved output reference of a stage.
func WithStageOutput(ps PipelineStatus, id PipelineStageID, ref OutputReference) (PipelineStatus, error) {
	out := ps.clone()
	for i := range out.Stages {
		if out.Stages[i].StageID == id {
			r := ref
			out.Stages[i].Output = &r
			return out, nil
		}
	}
	return ps, &ErrUnknownStage{ExecutionID: ps.ExecutionID, StageID: id}
}

// WithOutcome returns a copy with the final outcome and message set.
func WithOutcome(ps PipelineStatus, outcome Outcome, message string) PipelineStatus {
	out := ps.clone()
	out.Outcome = outcome
	out.Message = message
	return out
}

// WithEndTime returns a copy with the end timestamp set. Timestamps before the
// start time are clamped to it. Callers only use this once the execution reached a
// terminal condition.
func WithEndTime(ps PipelineStatus, t time.Time) PipelineStatus {
	out := ps.clone()
	if t.Before(out.StartTime) {
		t = out.StartTime
	}
	out.EndTime = &t
	return out
}

// Stage returns the status entry of the given stage.
func (ps PipelineStatus) Stage(id PipelineStageID) (PipelineStageStatus, bool) {
	for _, s := range ps.Stages {
		if s.StageID == id {
			return s, true
		}
	}
	return PipelineStageStatus{}, false
}

func (ps PipelineStatus) allStages(status StageStatus) bool {
	for _, s := range ps.Stages {
		if s.Status != status {
			return false
		}
	}
	return true
}

// IsRunning reports whether the execution has not reached a terminal condition:
// preparation is unfinished, or preparation succeeded and no outcome was recorded.
func (ps PipelineStatus) IsRunning() bool {
	if !ps.Preparation.Status.IsFinished() {
		return ps.Outcome != OutcomeFailed
	}
	return ps.Preparation.Status == StageFinishedWithSuccess && ps.Outcome == OutcomePending
}

// IsSuccessful reports whether preparation and every stage succeeded and no later
// failure was recorded.
func (ps PipelineStatus) IsSuccessful() bool {
	return ps.Preparation.Status == StageFinishedWithSuccess &&
		ps.allStages(StageFinishedWithSuccess) &&
		ps.Outcome == OutcomeSucceeded
}

// IsFailed reports whether preparation failed, any stage failed, or the execution
// was marked failed outside the stages.
func (ps PipelineStatus) IsFailed() bool {
	if ps.Preparation.Status == StageFinishedWithError || ps.Outcome == OutcomeFailed {
		return true
	}
	for _, s := range ps.Stages {
		if s.Status == StageFinishedWithError {
			return true
		}
	}
	return false
}

// PipelineSuccessResult is the append-only record written once when an execution
// succeeds.
type PipelineSuccessResult struct {
	ExecutionID PipelineExecutionID `json:"execution_id"`
	ProjectID   string              `json:"project_id"`
	Revision    int64               `json:"revision"`
	Pipeline    RobotPipeline       `json:"pipeline"`
	StartTime   time.Time           `json:"start_time"`
	EndTime     time.Time           `json:"end_time"`
	Outputs     map[string]string   `json:"outputs"`
	Location    string              `json:"location,omitempty"`
}
