// Package engine provides the client for the external ontology-processing engine
// that executes stage instructions against an ontology document.
package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonathan/ontology-robot/internal/ontology"
)

// Instruction is an engine-level operation with its arguments.
type Instruction struct {
	Operation string         `json:"operation"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Engine executes an instruction against an ontology and returns the result.
type Engine interface {
	Execute(ctx context.Context, in Instruction, artifact *ontology.Artifact) (*ontology.Artifact, error)
}

// Error is a failure reported by the engine itself (as opposed to a transport error).
type Error struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine rejected %s (status %d): %s", e.Operation, e.StatusCode, e.Message)
}

// HTTPClient talks to the engine's JSON API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an engine client for baseURL. A nil client uses a client
// with a thirty minute timeout; reasoning over large ontologies is slow.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type executeRequest struct {
	Instruction
	Format   ontology.Format `json:"format"`
	Ontology string          `json:"ontology"`
}

type executeResponse struct {
	Format   ontology.Format `json:"format"`
	Ontology *string         `json:"ontology"`
	Error    string          `json:"error,omitempty"`
}

// Execute implements Engine.
func (c *HTTPClient) Execute(ctx context.Context, in Instruction, artifact *ontology.Artifact) (*ontology.Artifact, error) {
	if artifact == nil {
		return nil, fmt.Errorf("no ontology to apply %s to", in.Operation)
	}
	body, err := json.Marshal(executeRequest{
		Instruction: in,
		Format:      artifact.Format,
		Ontology:    base64.StdEncoding.EncodeToString(artifact.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal engine request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build engine request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine response: %w", err)
	}

	var out executeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &Error{Operation: in.Operation, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return nil, fmt.Errorf("failed to decode engine response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return nil, &Error{Operation: in.Operation, StatusCode: resp.StatusCode, Message: out.Error}
	}
	// A missing document is reported to the caller as a nil artifact.
	if out.Ontology == nil {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(*out.Ontology)
	if err != nil {
		return nil, fmt.Errorf("failed to decode engine ontology: %w", err)
	}
	format := out.Format
	if format == "" {
		format = artifact.Format
	}
	return &ontology.Artifact{Format: format, Data: data}, nil
}
