package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/jonathan/ontology-robot/internal/blob"
	"github.com/jonathan/ontology-robot/internal/db"
	"github.com/jonathan/ontology-robot/internal/events"
	"github.com/jonathan/ontology-robot/internal/observability"
	"github.com/jonathan/ontology-robot/internal/pipeline"
	"github.com/jonathan/ontology-robot/internal/stages"
	"github.com/jonathan/ontology-robot/internal/types"
)

var (
	runPipelinePath string
	runOntologyPath string
	runProject      string
	runOutDir       string
	runEngineURL    string
	runConfigPath   string
	runVerbose      bool
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline against a local ontology file",
	Long: `Run every stage of a pipeline file against an ontology file on disk, without a server.
Stage outputs are written below --out and the final status is printed when the run ends.`,
	RunE: runRun,
}

func init() {
	runCommand.Flags().StringVarP(&runPipelinePath, "pipeline", "p", "", "Path to pipeline JSON file")
	runCommand.Flags().StringVarP(&runOntologyPath, "ontology", "i", "", "Path to the input ontology file")
	runCommand.Flags().StringVar(&runProject, "project", "", "Project ID (defaults to the pipeline's project_id)")
	runCommand.Flags().StringVarP(&runOutDir, "out", "o", "", "Output directory for stage outputs (defaults to outputs.dir)")
	runCommand.Flags().StringVar(&runEngineURL, "engine-url", "", "Ontology engine URL (optional, defaults to ENGINE_URL env var)")
	runCommand.Flags().StringVar(&runConfigPath, "config", "", "Path to a JSON or TOML config file (values can be overridden by other flags)")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print every lifecycle event")

	if err := runCommand.MarkFlagRequired("pipeline"); err != nil {
		panic(fmt.Sprintf("failed to mark pipeline flag as required: %v", err))
	}
	if err := runCommand.MarkFlagRequired("ontology"); err != nil {
		panic(fmt.Sprintf("failed to mark ontology flag as required: %v", err))
	}

	rootCmd.AddCommand(runCommand)
}

// runOptions is the resolved input of a local run.
type runOptions struct {
	PipelinePath string
	OntologyPath string
	ProjectID    string
	OutDir       string
	Verbose      bool
}

func runRun(cmd *cobra.Command, _ []string) error {
	// Step 1: Load config file (if provided) and environment
	cfg, err := loadAgentConfig(runConfigPath)
	if err != nil {
		return err
	}

	// Step 2: Apply CLI overrides
	if cmd.Flags().Changed("engine-url") {
		cfg.Engine.URL = runEngineURL
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = runVerbose
	}
	outDir := cfg.Outputs.Dir
	if cmd.Flags().Changed("out") {
		outDir = runOutDir
	}
	if outDir == "" {
		return fmt.Errorf("--out is required when outputs go to a bucket")
	}

	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}

	status, err := runPipelineFile(cmd.Context(), runOptions{
		PipelinePath: runPipelinePath,
		OntologyPath: runOntologyPath,
		ProjectID:    runProject,
		OutDir:       outDir,
		Verbose:      cfg.Verbose,
	}, stages.NewEngineRegistry(eng), os.Stdout)
	if err != nil {
		return err
	}
	if !status.IsSuccessful() {
		return fmt.Errorf("pipeline execution %s failed: %s", status.ExecutionID, status.Message)
	}
	return nil
}

// runPipelineFile executes the pipeline at opts.PipelinePath against the ontology at
// opts.OntologyPath and prints its progress to out. A failing stage is reported
// through the returned status, not the error.
func runPipelineFile(ctx context.Context, opts runOptions, commands pipeline.CommandResolver, out io.Writer) (*types.PipelineStatus, error) {
	p, err := loadPipelineFile(opts.PipelinePath, opts.ProjectID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.OutDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	absOntology, err := filepath.Abs(opts.OntologyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ontology path: %w", err)
	}

	printer := observability.NewPrinter(out)
	printer.PrintPipeline(&p)

	sink := events.Discard
	if opts.Verbose {
		sink = events.SinkFunc(printer.PrintEvent)
	}

	store := db.NewMemory()
	executor, err := pipeline.NewExecutor(pipeline.ExecutorOptions{
		Commands: commands,
		Outputs:  blob.NewFSStore(osfs.New(opts.OutDir)),
		Statuses: store,
		Events:   sink,
	})
	if err != nil {
		return nil, err
	}

	executionID := types.NewPipelineExecutionID()
	report, runErr := executor.ExecuteFile(ctx, p.ProjectID, executionID,
		osfs.New(filepath.Dir(absOntology)), filepath.Base(absOntology), p)

	status, err := store.FindStatus(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		if runErr == nil {
			runErr = fmt.Errorf("no status recorded for execution %s", executionID)
		}
		return nil, runErr
	}
	printer.PrintStatus(status, &p)

	if report != nil {
		result := &types.PipelineSuccessResult{
			ExecutionID: executionID,
			ProjectID:   p.ProjectID,
			Revision:    report.Revision,
			Pipeline:    p,
			StartTime:   status.StartTime,
			Outputs:     report.Outputs,
			Location:    report.Location,
		}
		if status.EndTime != nil {
			result.EndTime = *status.EndTime
		}
		printer.PrintResult(result)
	}
	return status, nil
}
