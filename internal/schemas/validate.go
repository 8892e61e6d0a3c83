// Package schemas validates robot pipeline documents against their JSON Schema.
package schemas

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed robot_pipeline.schema.json
var robotPipelineSchema string

var (
	pipelineOnce   sync.Once
	pipelineSchema *gojsonschema.Schema
	pipelineErr    error
)

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed:\n")
	for i, err := range ve.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Path, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

func compiledPipelineSchema() (*gojsonschema.Schema, error) {
	pipelineOnce.Do(func() {
		pipelineSchema, pipelineErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(robotPipelineSchema))
		if pipelineErr != nil {
			pipelineErr = &SchemaLoadError{Path: "robot_pipeline.schema.json", Message: "invalid embedded schema", Cause: pipelineErr}
		}
	})
	return pipelineSchema, pipelineErr
}

// ValidatePipeline validates one pipeline document.
func ValidatePipeline(doc []byte) error {
	schema, err := compiledPipelineSchema()
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to read pipeline document: %w", err)
	}
	return toValidationError(result, "")
}

// ValidatePipelines validates a JSON array of pipeline documents. Field paths are
// prefixed with the array index.
func ValidatePipelines(doc []byte) error {
	schema, err := compiledPipelineSchema()
	if err != nil {
		return err
	}

	loaded, err := gojsonschema.NewBytesLoader(doc).LoadJSON()
	if err != nil {
		return fmt.Errorf("failed to read pipeline documents: %w", err)
	}
	items, ok := loaded.([]any)
	if !ok {
		return &ValidationError{Errors: []FieldError{{Field: "(root)", Message: "Expected an array of pipelines"}}}
	}

	combined := &ValidationError{}
	for i, item := range items {
		result, err := schema.Validate(gojsonschema.NewGoLoader(item))
		if err != nil {
			return fmt.Errorf("failed to read pipeline %d: %w", i, err)
		}
		if verr, ok := toValidationError(result, fmt.Sprintf("%d", i)).(*ValidationError); ok {
			combined.Errors = append(combined.Errors, verr.Errors...)
		}
	}
	if len(combined.Errors) > 0 {
		return combined
	}
	return nil
}

// ValidateJSON validates a JSON file against a JSON Schema file
func ValidateJSON(schemaPath, jsonPath string) error {
	schemaAbsPath, err := filepath.Abs(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to resolve schema path: %w", err)
	}

	jsonAbsPath, err := filepath.Abs(jsonPath)
	if err != nil {
		return fmt.Errorf("failed to resolve JSON path: %w", err)
	}

	if _, err := os.Stat(schemaAbsPath); os.IsNotExist(err) {
		return fmt.Errorf("schema file not found: %s", schemaAbsPath)
	}

	if _, err := os.Stat(jsonAbsPath); os.IsNotExist(err) {
		return fmt.Errorf("JSON file not found: %s", jsonAbsPath)
	}

	schemaLoader := gojsonschema.NewReferenceLoader("file://" + schemaAbsPath)
	documentLoader := gojsonschema.NewReferenceLoader("file://" + jsonAbsPath)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return &SchemaLoadError{
			Path:    schemaAbsPath,
			Message: "schema validation failed during load",
			Cause:   err,
		}
	}
	return toValidationError(result, "")
}

func toValidationError(result *gojsonschema.Result, prefix string) error {
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		switch {
		case prefix != "" && field == "(root)":
			field = prefix
		case prefix != "":
			field = prefix + "." + field
		case field == "":
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}
