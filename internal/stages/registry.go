// Package stages provides the stage commands a robot pipeline is made of and the
// registry that turns a serialized CommandSpec into an executable Command.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jonathan/ontology-robot/internal/ontology"
	"github.com/jonathan/ontology-robot/internal/types"
)

// Command is one executable transformation step.
type Command interface {
	Kind() string
	Label() string
	// Apply transforms the ontology. A nil artifact with a nil error is an invalid
	// result and is treated as a stage failure by the executor.
	Apply(ctx context.Context, artifact *ontology.Artifact) (*ontology.Artifact, error)
}

// Factory builds a command from its parameters.
type Factory func(params map[string]any) (Command, error)

// UnknownKindError is returned when no factory is registered for a kind.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown stage command kind %q", e.Kind)
}

// Registry maps command kinds to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve builds the command described by spec.
func (r *Registry) Resolve(spec types.CommandSpec) (Command, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownKindError{Kind: spec.Kind}
	}
	cmd, err := f(spec.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid %s parameters: %w", spec.Kind, err)
	}
	return cmd, nil
}

// Check resolves every stage of p without running anything, so malformed
// pipelines can be rejected at submission time.
func (r *Registry) Check(p types.RobotPipeline) error {
	for i, s := range p.Stages {
		if _, err := r.Resolve(s.Command); err != nil {
			return fmt.Errorf("stage %d (%s): %w", i+1, s.DisplayName(), err)
		}
	}
	return nil
}

// decodeParams copies the generic parameter map into a typed struct and validates it.
func decodeParams(params map[string]any, into any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}
	return types.Validator().Struct(into)
}
