package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/ontology-robot/internal/schemas"
	"github.com/jonathan/ontology-robot/internal/stages"
	"github.com/jonathan/ontology-robot/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate pipeline documents",
	Long: `Validates a pipeline file against the robot pipeline schema, then checks that every
stage command kind is known and its parameters are well formed. With --schema the file is
checked against that JSON Schema only.`,
	RunE: runValidate,
}

var (
	validatePipelinePath string
	validateMany         bool
	validateSchemaPath   string
)

func init() {
	validateCmd.Flags().StringVarP(&validatePipelinePath, "pipeline", "p", "", "Path to pipeline JSON file (required)")
	validateCmd.Flags().BoolVar(&validateMany, "many", false, "The file holds an array of pipelines")
	validateCmd.Flags().StringVar(&validateSchemaPath, "schema", "", "Validate against this JSON Schema file instead")

	if err := validateCmd.MarkFlagRequired("pipeline"); err != nil {
		panic(fmt.Sprintf("failed to mark pipeline flag as required: %v", err))
	}

	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	return validatePipelineFile(validatePipelinePath, validateMany, validateSchemaPath, cmd.OutOrStdout())
}

// validatePipelineFile prints "Validation passed" or the list of problems found
// in the document at path. It returns an error whenever validation fails.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func validatePipelineFile(path string, many bool, schemaPath string, out io.Writer) error {
	var err error
	if schemaPath != "" {
		err = schemas.ValidateJSON(schemaPath, path)
	} else {
		err = validatePipelineDocument(path, many)
	}
	if err == nil {
		fmt.Fprintln(out, "Validation passed")
		return nil
	}

	fmt.Fprintln(out, "Validation failed")
	var verr *schemas.ValidationError
	if errors.As(err, &verr) {
		for i, fe := range verr.Errors {
			fmt.Fprintf(out, "  %d. %s: %s\n", i+1, fe.Field, fe.Message)
		}
	} else {
		fmt.Fprintf(out, "  %v\n", err)
	}
	return fmt.Errorf("validation failed for %s", path)
}

func validatePipelineDocument(path string, many bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var pipelines []types.RobotPipeline
	if many {
		if err := schemas.ValidatePipelines(data); err != nil {
			return err
		}
		if err := json.Unmarshal(data, &pipelines); err != nil {
			return fmt.Errorf("failed to parse pipelines: %w", err)
		}
	} else {
		if err := schemas.ValidatePipeline(data); err != nil {
			return err
		}
		var p types.RobotPipeline
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to parse pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}

	// Commands are built to check their parameters but never applied, so no
	// engine is needed.
	registry := stages.NewEngineRegistry(nil)
	for i, p := range pipelines {
		if p.ID.IsZero() {
			p.ID = types.NewPipelineID()
		}
		if p.ProjectID == "" {
			p.ProjectID = "-"
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pipeline %d: %w", i, err)
		}
		if err := registry.Check(p); err != nil {
			return fmt.Errorf("pipeline %d: %w", i, err)
		}
	}
	return nil
}
