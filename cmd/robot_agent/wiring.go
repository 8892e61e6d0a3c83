package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-git/go-billy/v5/osfs"

	"github.com/jonathan/ontology-robot/internal/blob"
	"github.com/jonathan/ontology-robot/internal/config"
	"github.com/jonathan/ontology-robot/internal/db"
	"github.com/jonathan/ontology-robot/internal/engine"
	"github.com/jonathan/ontology-robot/internal/ontology"
	"github.com/jonathan/ontology-robot/internal/pipeline"
	"github.com/jonathan/ontology-robot/internal/schemas"
	"github.com/jonathan/ontology-robot/internal/server"
	"github.com/jonathan/ontology-robot/internal/types"
)

// agentStore is everything the agent persists: pipeline definitions, statuses
// and results.
type agentStore interface {
	server.Store
	pipeline.RunningStatusStore
	pipeline.ResultStore
}

// loadAgentConfig reads the optional config file, applies environment overrides
// and fills the remaining fields with defaults.
func loadAgentConfig(path string) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}
	cfg.ApplyEnv()
	cfg = cfg.MergeWithDefaults(config.Defaults())
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openStore connects to PostgreSQL and applies the schema, or keeps everything in
// memory when no database is configured or inMemory is set.
func openStore(ctx context.Context, cfg config.Config, inMemory bool) (agentStore, error) {
	if inMemory || cfg.DatabaseURL == "" {
		log.Printf("[robot] using in-memory store")
		return db.NewMemory(), nil
	}
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// newEngine builds the engine client from cfg.
func newEngine(cfg config.Config) (engine.Engine, error) {
	if cfg.Engine.URL == "" {
		return nil, fmt.Errorf("engine URL is required (ENGINE_URL or engine.url in config)")
	}
	return engine.NewHTTPClient(cfg.Engine.URL, &http.Client{Timeout: cfg.Engine.Timeout()}), nil
}

// newSnapshotProvider builds the snapshot source from cfg.
func newSnapshotProvider(cfg config.Config) (ontology.SnapshotProvider, error) {
	switch {
	case cfg.Snapshots.URL != "":
		return ontology.NewHTTPSnapshotProvider(cfg.Snapshots.URL, nil), nil
	case cfg.Snapshots.Dir != "":
		return ontology.NewFSSnapshotProvider(osfs.New(cfg.Snapshots.Dir)), nil
	default:
		return nil, fmt.Errorf("a snapshot source is required (SNAPSHOT_URL or SNAPSHOT_DIR)")
	}
}

// newOutputStore builds the stage output store from cfg.
func newOutputStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	if cfg.Outputs.Minio != nil {
		store, err := blob.NewMinioStore(ctx, *cfg.Outputs.Minio)
		if err != nil {
			return nil, err
		}
		log.Printf("[robot] writing outputs to bucket %s", cfg.Outputs.Minio.Bucket)
		return store, nil
	}
	if err := os.MkdirAll(cfg.Outputs.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	log.Printf("[robot] writing outputs to %s", cfg.Outputs.Dir)
	return blob.NewFSStore(osfs.New(cfg.Outputs.Dir)), nil
}

// loadPipelineFile reads, schema-checks and decodes a pipeline document. A
// missing id is generated and a missing project is taken from projectID.
func loadPipelineFile(path, projectID string) (types.RobotPipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.RobotPipeline{}, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	if err := schemas.ValidatePipeline(data); err != nil {
		return types.RobotPipeline{}, err
	}

	var p types.RobotPipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return types.RobotPipeline{}, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	switch {
	case p.ProjectID == "":
		p.ProjectID = projectID
	case projectID != "" && p.ProjectID != projectID:
		return types.RobotPipeline{}, fmt.Errorf("pipeline belongs to project %s, not %s", p.ProjectID, projectID)
	}
	if p.ProjectID == "" {
		return types.RobotPipeline{}, fmt.Errorf("--project is required when the pipeline names no project")
	}
	if p.ID.IsZero() {
		p.ID = types.NewPipelineID()
	}
	if err := p.Validate(); err != nil {
		return types.RobotPipeline{}, fmt.Errorf("invalid pipeline: %w", err)
	}
	return p, nil
}
