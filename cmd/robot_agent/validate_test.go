package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidatePipelineFile_Success(t *testing.T) {
	var out bytes.Buffer
	err := validatePipelineFile(validPipelinePath, false, "", &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Validation passed")
}

func TestValidatePipelineFile_SchemaFailure(t *testing.T) {
	var out bytes.Buffer
	err := validatePipelineFile("../../internal/schemas/testdata/invalid_pipeline.json", false, "", &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "Validation failed")
	assert.Contains(t, out.String(), "1. ")
}

func TestValidatePipelineFile_UnknownKind(t *testing.T) {
	path := writeTemp(t, "pipeline.json", `{
		"project_id": "pizza",
		"stages": [
			{"id": "0b6c9a52-6e8e-4bb1-9d55-2f3f4c0e7a01", "command": {"kind": "teleport"}}
		]
	}`)

	var out bytes.Buffer
	err := validatePipelineFile(path, false, "", &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "Validation failed")
	assert.Contains(t, out.String(), "teleport")
}

func TestValidatePipelineFile_Many(t *testing.T) {
	valid, err := os.ReadFile(validPipelinePath)
	require.NoError(t, err)

	path := writeTemp(t, "pipelines.json", "["+string(valid)+"]")
	var out bytes.Buffer
	require.NoError(t, validatePipelineFile(path, true, "", &out))
	assert.Contains(t, out.String(), "Validation passed")

	out.Reset()
	err = validatePipelineFile(validPipelinePath, true, "", &out)
	require.Error(t, err, "a single object is not an array")
	assert.Contains(t, out.String(), "Expected an array of pipelines")
}

func TestValidatePipelineFile_CustomSchema(t *testing.T) {
	schema := writeTemp(t, "schema.json", `{
		"type": "object",
		"required": ["owner"]
	}`)

	var out bytes.Buffer
	err := validatePipelineFile(validPipelinePath, false, schema, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "owner")
}

func TestValidatePipelineFile_MissingFile(t *testing.T) {
	var out bytes.Buffer
	err := validatePipelineFile(filepath.Join(t.TempDir(), "nope.json"), false, "", &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "failed to read pipeline file")
}
