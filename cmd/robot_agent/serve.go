package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/ontology-robot/internal/config"
	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/pipeline"
	"github.com/jonathan/ontology-robot/internal/server"
	"github.com/jonathan/ontology-robot/internal/stages"
	"github.com/jonathan/ontology-robot/internal/workerpool"
)

var (
	servePort       int
	serveConfigPath string
	serveMemory     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that accepts pipeline submissions, runs them on a worker pool and reports their status.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to PORT or 8080)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a JSON or TOML config file")
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "Keep pipelines and statuses in memory even if DATABASE_URL is set")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAgentConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}

	ctx := context.Background()
	srv, err := buildServer(ctx, cfg, serveMemory)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start()
}

// buildServer wires every collaborator of the API server from cfg.
func buildServer(ctx context.Context, cfg config.Config, inMemory bool) (*server.Server, error) {
	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	snapshots, err := newSnapshotProvider(cfg)
	if err != nil {
		return nil, err
	}
	outputs, err := newOutputStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var jwtService *server.JWTService
	if cfg.Auth.Enabled {
		jwtCfg, err := config.NewJWTConfig()
		if err != nil {
			return nil, err
		}
		jwtService = server.NewJWTService(jwtCfg)
	}

	store, err := openStore(ctx, cfg, inMemory)
	if err != nil {
		return nil, err
	}
	// One server owns the database, so anything still running was cut off by
	// the previous process.
	if _, err := pipeline.CloseInterrupted(ctx, store, time.Now().UTC()); err != nil {
		store.Close()
		return nil, err
	}

	pool, err := workerpool.New(cfg.Pool.Worker())
	if err != nil {
		store.Close()
		return nil, err
	}

	hub := events.NewHub(64)
	sink := events.Multi{events.LogSink{}, hub}
	registry := stages.NewEngineRegistry(eng)

	executor, err := pipeline.NewExecutor(pipeline.ExecutorOptions{
		Commands: registry,
		Outputs:  outputs,
		Statuses: store,
		Events:   sink,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	orchestrator, err := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		Snapshots: snapshots,
		Executor:  executor,
		Statuses:  store,
		Results:   store,
		Runner:    pool,
		Events:    sink,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	log.Printf("[robot] %d command kinds registered, pool core=%d max=%d queue=%d",
		len(registry.Kinds()), cfg.Pool.CoreSize, cfg.Pool.MaxSize, cfg.Pool.QueueSize)

	srv, err := server.New(server.Config{
		Port:       cfg.Port,
		Store:      store,
		Executions: orchestrator,
		Commands:   registry,
		Events:     hub,
		Pool:       pool,
		JWT:        jwtService,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return srv, nil
}
