// Package server provides the HTTP REST API for ontology robot pipelines.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/ontology-robot/internal/pipeline"
	"github.com/jonathan/ontology-robot/internal/schemas"
	"github.com/jonathan/ontology-robot/internal/stages"
	"github.com/jonathan/ontology-robot/internal/workerpool"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrNotFound indicates the addressed resource does not exist or is not visible
// to the caller
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrForbidden indicates the caller's token does not cover the project
type ErrForbidden struct {
	ProjectID string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("access to project %s denied", e.ProjectID)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	switch err.(type) {
	case *ErrValidation, *schemas.ValidationError, *stages.UnknownKindError:
		return http.StatusBadRequest
	case *ErrNotFound:
		return http.StatusNotFound
	case *ErrForbidden:
		return http.StatusForbidden
	}

	switch {
	case errors.Is(err, workerpool.ErrRejected), errors.Is(err, workerpool.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrProjectMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
