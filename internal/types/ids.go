// Package types provides the identifiers, pipeline definitions and execution status
// records shared by the robot pipeline engine, its stores and its HTTP API.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// PipelineID identifies a stored pipeline definition.
type PipelineID uuid.UUID

// PipelineExecutionID identifies one run of a pipeline.
type PipelineExecutionID uuid.UUID

// PipelineStageID identifies one stage within a pipeline definition.
type PipelineStageID uuid.UUID

// NewPipelineID returns a random pipeline id.
func NewPipelineID() PipelineID { return PipelineID(uuid.New()) }

// NewPipelineExecutionID returns a random execution id.
func NewPipelineExecutionID() PipelineExecutionID { return PipelineExecutionID(uuid.New()) }

// NewPipelineStageID returns a random stage id.
func NewPipelineStageID() PipelineStageID { return PipelineStageID(uuid.New()) }

// ParsePipelineID parses the canonical string form of a pipeline id.
func ParsePipelineID(s string) (PipelineID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PipelineID{}, fmt.Errorf("invalid pipeline id %q: %w", s, err)
	}
	return PipelineID(id), nil
}

// ParsePipelineExecutionID parses the canonical string form of an execution id.
func ParsePipelineExecutionID(s string) (PipelineExecutionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PipelineExecutionID{}, fmt.Errorf("invalid execution id %q: %w", s, err)
	}
	return PipelineExecutionID(id), nil
}

// ParsePipelineStageID parses the canonical string form of a stage id.
func ParsePipelineStageID(s string) (PipelineStageID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PipelineStageID{}, fmt.Errorf("invalid stage id %q: %w", s, err)
	}
	return PipelineStageID(id), nil
}

func (id PipelineID) String() string          { return uuid.UUID(id).String() }
func (id PipelineExecutionID) String() string { return uuid.UUID(id).String() }
func (id PipelineStageID) String() string     { return uuid.UUID(id).String() }

// IsZero reports whether the id is unset.
func (id PipelineID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

// IsZero reports whether the id is unset.
func (id PipelineExecutionID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

// IsZero reports whether the id is unset.
func (id PipelineStageID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func (id PipelineID) MarshalText() ([]byte, error)          { return uuid.UUID(id).MarshalText() }
func (id PipelineExecutionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id PipelineStageID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }

func (id *PipelineID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *PipelineExecutionID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id *PipelineStageID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
