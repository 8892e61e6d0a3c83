package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/ontology-robot/internal/db"
	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/schemas"
	"github.com/jonathan/ontology-robot/internal/server/middleware"
	"github.com/jonathan/ontology-robot/internal/server/ratelimit"
	"github.com/jonathan/ontology-robot/internal/types"
)

// Store is the persistence the API reads and writes directly. *db.DB and
// *db.Memory both satisfy it.
type Store interface {
	ListPipelines(ctx context.Context, projectID string) ([]types.RobotPipeline, error)
	GetPipeline(ctx context.Context, id types.PipelineID) (*types.RobotPipeline, error)
	UpsertPipelines(ctx context.Context, pipelines []types.RobotPipeline) error
	DeletePipeline(ctx context.Context, id types.PipelineID) (bool, error)
	DeletePipelinesByProject(ctx context.Context, projectID string) (int64, error)
	ListStatuses(ctx context.Context, filters db.StatusFilters) ([]types.PipelineStatus, error)
	Ping(ctx context.Context) error
	Close()
}

// Executions starts pipeline executions and reports on them.
type Executions interface {
	ExecuteAsync(ctx context.Context, projectID string, pipeline types.RobotPipeline) (types.PipelineExecutionID, error)
	Status(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineStatus, error)
	Result(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineSuccessResult, error)
}

// PipelineChecker rejects pipelines whose stage commands cannot be built.
type PipelineChecker interface {
	Check(p types.RobotPipeline) error
}

// Drainer is a worker pool that can be shut down gracefully.
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	store       Store
	executions  Executions
	commands    PipelineChecker
	events      *events.Hub
	pool        Drainer
	rateLimiter *ratelimit.Limiter
	jwtService  *JWTService
}

// Config holds server configuration
type Config struct {
	Port       int
	Store      Store
	Executions Executions
	Commands   PipelineChecker
	// Events feeds the execution event streams. Optional.
	Events *events.Hub
	// Pool is drained on shutdown. Optional.
	Pool Drainer
	// RateLimit defaults to ratelimit.LoadConfig().
	RateLimit *ratelimit.Config
	// JWT enables bearer authentication when set.
	JWT *JWTService
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("server requires a store")
	case cfg.Executions == nil:
		return nil, fmt.Errorf("server requires an execution service")
	case cfg.Commands == nil:
		return nil, fmt.Errorf("server requires a command registry")
	}

	s := &Server{
		store:      cfg.Store,
		executions: cfg.Executions,
		commands:   cfg.Commands,
		events:     cfg.Events,
		pool:       cfg.Pool,
		jwtService: cfg.JWT,
	}

	// Initialize rate limiter
	limits := cfg.RateLimit
	if limits == nil {
		limits = ratelimit.LoadConfig()
	}
	s.rateLimiter = ratelimit.NewLimiter(limits)

	// Setup router
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	// Executions
	mux.HandleFunc("POST /projects/{project_id}/executions", s.handleSubmitExecution)
	mux.HandleFunc("GET /projects/{project_id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /executions/{id}/result", s.handleGetResult)
	mux.HandleFunc("GET /executions/{id}/events", s.handleExecutionEvents)

	// Pipeline definitions
	mux.HandleFunc("GET /projects/{project_id}/pipelines", s.handleListPipelines)
	mux.HandleFunc("PUT /projects/{project_id}/pipelines", s.handleUpsertPipelines)
	mux.HandleFunc("DELETE /projects/{project_id}/pipelines", s.handleDeleteProjectPipelines)
	mux.HandleFunc("GET /pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("DELETE /pipelines/{id}", s.handleDeletePipeline)

	// Create HTTP server. No write timeout: event streams stay open until the
	// execution finishes.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.withRateLimit(s.withLogging(s.withCORS(s.withAuth(mux)))),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for requests
func (s *Server) Start() error {
	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.Shutdown(ctx)
}

// Shutdown stops accepting requests, then lets running executions finish before
// releasing the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			log.Printf("[server] worker pool did not drain: %v", err)
		}
	}

	s.store.Close()
	log.Println("Server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withAuth requires a bearer token on everything except the health check when
// authentication is enabled
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.jwtService == nil {
		return next
	}
	authed := middleware.AuthMiddleware(s.jwtService.AsTokenValidator())(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract client identifier (IP address)
		clientID := s.extractClientID(r)

		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)

		if !allowed {
			s.setRateLimitHeaders(w, info)
			s.rateLimitResponse(w, info)
			return
		}

		s.setRateLimitHeaders(w, info)
		next.ServeHTTP(w, r)
	})
}

// statusRecorder keeps the response code for the request log. It passes
// Flush through so event streams keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(rec, r)
		log.Printf("[%s] %s completed %d in %v", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

// authorize checks that the caller's token covers projectID. It always passes
// when authentication is disabled.
func (s *Server) authorize(r *http.Request, projectID string) error {
	if s.jwtService == nil || middleware.CanAccessProject(r, projectID) {
		return nil
	}
	return &ErrForbidden{ProjectID: projectID}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// errResponse writes err with the status HTTPStatus picks for it. Schema
// validation failures carry their field errors.
func (s *Server) errResponse(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[server] request failed: %v", err)
	}
	if verr, ok := err.(*schemas.ValidationError); ok {
		s.jsonResponse(w, status, map[string]any{"error": "validation failed", "fields": verr.Errors})
		return
	}
	s.errorResponse(w, status, err.Error())
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr.
func (s *Server) extractClientID(r *http.Request) string {
	// Get IP from RemoteAddr (format: "IP:port")
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]interface{}{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		response["retry_after"] = int(info.RetryAfter.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(info.RetryAfter.Seconds())))
	}

	log.Printf("[rate-limit] Rate limit exceeded: Limit=%d Remaining=%d Reset=%s",
		info.Limit, info.Remaining, info.ResetTime.Format(time.RFC3339))

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
