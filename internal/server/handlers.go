package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/jonathan/ontology-robot/internal/schemas"
	"github.com/jonathan/ontology-robot/internal/types"
)

// maxBodyBytes caps request documents.
const maxBodyBytes = 4 << 20

// parseQueryInt parses an integer query parameter with default and max values
func parseQueryInt(r *http.Request, key string, defaultValue, maxValue int) int {
	valStr := r.URL.Query().Get(key)
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil || val < 0 {
		return defaultValue
	}
	if maxValue > 0 && val > maxValue {
		return maxValue
	}
	return val
}

// parseQueryBool parses an optional boolean query parameter
func parseQueryBool(r *http.Request, key string) *bool {
	val, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return nil
	}
	return &val
}

// readBody reads the request body up to maxBodyBytes
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &ErrValidation{Field: "body", Message: err.Error()}
	}
	if len(body) == 0 {
		return nil, &ErrValidation{Field: "body", Message: "request body is empty"}
	}
	return body, nil
}

// decodePipeline schema-checks a single pipeline document and prepares it for
// projectID
func (s *Server) decodePipeline(doc []byte, projectID string) (types.RobotPipeline, error) {
	if err := schemas.ValidatePipeline(doc); err != nil {
		return types.RobotPipeline{}, asRequestError(err)
	}
	var p types.RobotPipeline
	if err := json.Unmarshal(doc, &p); err != nil {
		return types.RobotPipeline{}, &ErrValidation{Field: "pipeline", Message: err.Error()}
	}
	return s.preparePipeline(p, projectID)
}

// decodePipelines schema-checks an array of pipeline documents
func (s *Server) decodePipelines(doc []byte, projectID string) ([]types.RobotPipeline, error) {
	if err := schemas.ValidatePipelines(doc); err != nil {
		return nil, asRequestError(err)
	}
	var items []types.RobotPipeline
	if err := json.Unmarshal(doc, &items); err != nil {
		return nil, &ErrValidation{Field: "pipelines", Message: err.Error()}
	}
	out := make([]types.RobotPipeline, 0, len(items))
	for i, p := range items {
		prepared, err := s.preparePipeline(p, projectID)
		if err != nil {
			return nil, &ErrValidation{Field: strconv.Itoa(i), Message: err.Error()}
		}
		out = append(out, prepared)
	}
	return out, nil
}

// preparePipeline assigns missing ids, binds the pipeline to projectID and
// checks that every stage command can be built
func (s *Server) preparePipeline(p types.RobotPipeline, projectID string) (types.RobotPipeline, error) {
	switch {
	case p.ProjectID == "":
		p.ProjectID = projectID
	case p.ProjectID != projectID:
		return p, &ErrValidation{Field: "project_id", Message: fmt.Sprintf("pipeline belongs to %s, not %s", p.ProjectID, projectID)}
	}
	if p.ID.IsZero() {
		p.ID = types.NewPipelineID()
	}
	if err := p.Validate(); err != nil {
		return p, &ErrValidation{Field: "pipeline", Message: err.Error()}
	}
	if err := s.commands.Check(p); err != nil {
		return p, &ErrValidation{Field: "stages", Message: err.Error()}
	}
	return p, nil
}

// asRequestError keeps schema validation errors and turns unreadable documents
// into bad requests
func asRequestError(err error) error {
	switch err.(type) {
	case *schemas.ValidationError, *schemas.SchemaLoadError:
		return err
	default:
		return &ErrValidation{Field: "body", Message: err.Error()}
	}
}
