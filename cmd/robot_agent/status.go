package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonathan/ontology-robot/internal/db"
	"github.com/jonathan/ontology-robot/internal/observability"
	"github.com/jonathan/ontology-robot/internal/types"
)

var statusConfigPath string

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the status of a pipeline execution",
	Long:  "Reads the status of an execution from the database and prints its stages and, once it has succeeded, its result.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusConfigPath, "config", "", "Path to a JSON or TOML config file")
	rootCmd.AddCommand(statusCmd)
}

// executionReader is the read side of the execution store.
type executionReader interface {
	FindStatus(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineStatus, error)
	FindResult(ctx context.Context, id types.PipelineExecutionID) (*types.PipelineSuccessResult, error)
	GetPipeline(ctx context.Context, id types.PipelineID) (*types.RobotPipeline, error)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := types.ParsePipelineExecutionID(args[0])
	if err != nil {
		return fmt.Errorf("invalid execution ID %q: %w", args[0], err)
	}

	cfg, err := loadAgentConfig(statusConfigPath)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	database, err := db.Connect(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	return printExecution(cmd.Context(), database, id, cmd.OutOrStdout())
}

// printExecution prints the status of execution id and its result when one exists.
func printExecution(ctx context.Context, store executionReader, id types.PipelineExecutionID, out io.Writer) error {
	status, err := store.FindStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}
	if status == nil {
		return fmt.Errorf("execution not found: %s", id)
	}

	// The stored definition may have been edited or removed since the run.
	var pipeline *types.RobotPipeline
	result, err := store.FindResult(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load result: %w", err)
	}
	if result != nil {
		pipeline = &result.Pipeline
	} else if pipeline, err = store.GetPipeline(ctx, status.PipelineID); err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}

	printer := observability.NewPrinter(out)
	printer.PrintStatus(status, pipeline)
	printer.PrintResult(result)
	return nil
}
