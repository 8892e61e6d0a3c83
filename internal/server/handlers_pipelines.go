package server

import (
	"log"
	"net/http"

	"github.com/jonathan/ontology-robot/internal/types"
)

// handleListPipelines lists the pipeline definitions of a project
func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if err := s.authorize(r, projectID); err != nil {
		s.errResponse(w, err)
		return
	}

	pipelines, err := s.store.ListPipelines(r.Context(), projectID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if pipelines == nil {
		pipelines = []types.RobotPipeline{}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"pipelines": pipelines,
		"total":     len(pipelines),
	})
}

// handleUpsertPipelines creates or replaces several pipeline definitions at once
func (s *Server) handleUpsertPipelines(w http.ResponseWriter, r *http.Request) {
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
	pipelines, err := s.decodePipelines(body, projectID)
	if err != nil {
		s.errResponse(w, err)
		return
	}

	// A pipeline id already owned by another project cannot be taken over.
	for _, p := range pipelines {
		existing, err := s.store.GetPipeline(r.Context(), p.ID)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
			return
		}
		if existing != nil && existing.ProjectID != projectID {
			s.errResponse(w, &ErrValidation{Field: "id", Message: "pipeline " + p.ID.String() + " belongs to another project"})
			return
		}
	}

	if err := s.store.UpsertPipelines(r.Context(), pipelines); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	log.Printf("[server] upserted %d pipeline(s) for project %s", len(pipelines), projectID)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"pipelines": pipelines,
		"total":     len(pipelines),
	})
}

// handleDeleteProjectPipelines removes every pipeline definition of a project
func (s *Server) handleDeleteProjectPipelines(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project_id")
	if err := s.authorize(r, projectID); err != nil {
		s.errResponse(w, err)
		return
	}

	deleted, err := s.store.DeletePipelinesByProject(r.Context(), projectID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// lookupPipeline resolves the {id} path value to a pipeline the caller may see
func (s *Server) lookupPipeline(r *http.Request) (*types.RobotPipeline, error) {
	idStr := r.PathValue("id")
	id, err := types.ParsePipelineID(idStr)
	if err != nil {
		return nil, &ErrValidation{Field: "id", Message: "invalid pipeline ID format"}
	}

	p, err := s.store.GetPipeline(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &ErrNotFound{Resource: "pipeline", ID: idStr}
	}
	if err := s.authorize(r, p.ProjectID); err != nil {
		return nil, err
	}
	return p, nil
}

// handleGetPipeline retrieves a pipeline definition by ID
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.lookupPipeline(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

// handleDeletePipeline removes a pipeline definition by ID
func (s *Server) handleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	p, err := s.lookupPipeline(r)
	if err != nil {
		s.errResponse(w, err)
		return
	}

	deleted, err := s.store.DeletePipeline(r.Context(), p.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Database error: "+err.Error())
		return
	}
	if !deleted {
		s.errResponse(w, &ErrNotFound{Resource: "pipeline", ID: p.ID.String()})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
