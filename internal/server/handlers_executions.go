package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jonathan/ontology-robot/internal/db"
	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/types"
	"github.com/jonathan/ontology-robot/internal/workerpool"
)

// SubmitRequest is the body of POST /projects/{project_id}/executions. Exactly
// one of Pipeline and PipelineID must be set.
type SubmitRequest struct {
	Pipeline   json.RawMessage   `json:"pipeline,omitempty"`
	PipelineID *types.PipelineID `json:"pipeline_id,omitempty"`
}

// SubmitResponse is returned when an execution has been recorded
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
	StatusURL   string `json:"status_url"`
	EventsURL   string `json:"events_url"`
}

// ExecutionResponse is a status with its derived predicates spelled out
type ExecutionResponse struct {
	*types.PipelineStatus
	Running    bool `json:"running"`
	Successful bool `json:"successful"`
	Failed     bool `json:"failed"`
}

func newExecutionResponse(st *types.PipelineStatus) ExecutionResponse {
	return ExecutionResponse{
		PipelineStatus: st,
		Running:        st.IsRunning(),
		Successful:     st.IsSuccessful(),
		Failed:         st.IsFailed(),
	}
}

// handleSubmitExecution starts a pipeline execution in the background
func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if err := s.authorize(r, projectID); err != nil {
		s.errResponse(w, err)
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	inline := len(req.Pipeline) > 0 && string(req.Pipeline) != "null"

	var pipeline types.RobotPipeline
	switch {
	case inline && req.PipelineID != nil:
		s.errResponse(w, &ErrValidation{Field: "pipeline", Message: "pipeline and pipeline_id are mutually exclusive"})
		return
	case inline:
		pipeline, err = s.decodePipeline(req.Pipeline, projectID)
	case req.PipelineID != nil:
		pipeline, err = s.storedPipeline(r, *req.PipelineID, projectID)
	default:
		err = &ErrValidation{Field: "pipeline", Message: "either pipeline or pipeline_id is required"}
	}
	if err != nil {
		s.errResponse(w, err)
		return
	}

	id, err := s.executions.ExecuteAsync(r.Context(), projectID, pipeline)
	if err != nil {
		if errors.Is(err, workerpool.ErrRejected) || errors.Is(err, workerpool.ErrClosed) {
			log.Printf("[server] execution %s rejected: %v", id, err)
			w.Header().Set("Retry-After", "30")
			s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{
				"error":        "Execution rejected: worker pool saturated",
				"execution_id": id.String(),
			})
			return
		}
		s.errResponse(w, err)
		return
	}

	log.Printf("[server] execution %s submitted for pipeline %s (project %s)", id, pipeline.ID, projectID)
	s.jsonResponse(w, http.StatusAccepted, SubmitResponse{
		ExecutionID: id.String(),
		StatusURL:   "/executions/" + id.String(),
		EventsURL:   "/executions/" + id.String() + "/events",
	})
}

// storedPipeline loads a saved pipeline definition and re-checks it against the
// current command registry
func (s *Server) storedPipeline(r *http.Request, id types.PipelineID, projectID string) (types.RobotPipeline, error) {
	p, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		return types.RobotPipeline{}, err
	}
	if p == nil || p.ProjectID != projectID {
		return types.RobotPipeline{}, &ErrNotFound{Resource: "pipeline", ID: id.String()}
	}
	if err := s.commands.Check(*p); err != nil {
		return types.RobotPipeline{}, &ErrValidation{Field: "stages", Message: err.Error()}
	}
	return *p, nil
}

// handleListExecutions lists the executions of a project, newest first
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if err := s.authorize(r, projectID); err != nil {
		s.errResponse(w, err)
		return
	}

	filters := db.StatusFilters{
		ProjectID: projectID,
		Running:   parseQueryBool(r, "running"),
		Limit:     parseQueryInt(r, "limit", 50, 200),
	}
	if raw := r.URL.Query().Get("pipeline_id"); raw != "" {
		pid, err := types.ParsePipelineID(raw)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Invalid pipeline ID")
			return
		}
		filters.PipelineID = &pid
	}

	statuses, err := s.store.ListStatuses(r.Context(), filters)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	out := make([]ExecutionResponse, 0, len(statuses))
	for i := range statuses {
		out = append(out, newExecutionResponse(&statuses[i]))
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"executions": out,
		"total":      len(out),
	})
}

// lookupExecution resolves the {id} path value to a status the caller may see
func (s *Server) lookupExecution(r *http.Request) (*types.PipelineStatus, error) {
	idStr := r.PathValue("id")
	id, err := types.ParsePipelineExecutionID(idStr)
	if err != nil {
		return nil, &ErrValidation{Field: "id", Message: "invalid execution ID format"}
	}

	status, err := s.executions.Status(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, &ErrNotFound{Resource: "execution", ID: idStr}
	}
	if err := s.authorize(r, status.ProjectID); err != nil {
		return nil, err
	}
	return status, nil
}

// handleGetExecution returns the current status of an execution
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	status, err := s.lookupExecution(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, newExecutionResponse(status))
}

// handleGetResult returns the success result of a finished execution
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	status, err := s.lookupExecution(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	if status.IsRunning() {
		s.errorResponse(w, http.StatusConflict, "Execution still running")
		return
	}

	result, err := s.executions.Result(r.Context(), status.ExecutionID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if result == nil {
		s.errResponse(w, &ErrNotFound{Resource: "result", ID: status.ExecutionID.String()})
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// handleExecutionEvents streams the lifecycle events of an execution until it
// finishes
func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	status, err := s.lookupExecution(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	if s.events == nil {
		s.errorResponse(w, http.StatusNotImplemented, "Event streaming is not enabled")
		return
	}

	// Subscribe before re-reading so the final event cannot slip between the
	// check and the subscription.
	ch, cancel := s.events.Subscribe(events.ForExecution(status.ExecutionID))
	defer cancel()

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	current, err := s.executions.Status(r.Context(), status.ExecutionID)
	if err == nil && current != nil {
		status = current
	}
	if !status.IsRunning() {
		sse.WriteComplete(status)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := sse.Ping(); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.WriteEvent(string(e.Name), e); err != nil {
				log.Printf("[server] event stream for %s closed: %v", status.ExecutionID, err)
				return
			}
			if events.IsFinal(e) {
				if final, err := s.executions.Status(r.Context(), status.ExecutionID); err == nil && final != nil {
					sse.WriteComplete(final)
				} else {
					sse.WriteError("final status unavailable")
				}
				return
			}
		}
	}
}
