package types

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// CommandSpec is the serialized form of a stage command: a kind tag selecting the
// implementation and the kind-specific parameters. The engine never looks inside Params.
type CommandSpec struct {
	Kind   string         `json:"kind" validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

// RobotPipelineStage is one step of a robot pipeline.
type RobotPipelineStage struct {
	ID          PipelineStageID `json:"id" validate:"required"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description,omitempty"`
	Command     CommandSpec     `json:"command"`
	OutputPath  *string         `json:"output_path,omitempty" validate:"omitempty,relpath"`
}

// ProducesOutput reports whether the stage declares an output file.
func (s RobotPipelineStage) ProducesOutput() bool {
	return s.OutputPath != nil
}

// DisplayName returns the label, falling back to the command kind.
func (s RobotPipelineStage) DisplayName() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Command.Kind
}

// RobotPipeline is an ordered list of stages belonging to a project.
// Values are treated as immutable; edits produce a new value with the same ID.
type RobotPipeline struct {
	ID          PipelineID           `json:"id" validate:"required"`
	ProjectID   string               `json:"project_id" validate:"required"`
	Label       string               `json:"label,omitempty"`
	Description string               `json:"description,omitempty"`
	Stages      []RobotPipelineStage `json:"stages" validate:"dive"`
}

// WithStages returns a copy of the pipeline with its stage list replaced.
func (p RobotPipeline) WithStages(stages []RobotPipelineStage) RobotPipeline {
	p.Stages = append([]RobotPipelineStage(nil), stages...)
	return p
}

// WithLabel returns a copy of the pipeline with a new label and description.
func (p RobotPipeline) WithLabel(label, description string) RobotPipeline {
	p.Label = label
	p.Description = description
	p.Stages = append([]RobotPipelineStage(nil), p.Stages...)
	return p
}

// Stage returns the stage with the given id.
func (p RobotPipeline) Stage(id PipelineStageID) (RobotPipelineStage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return RobotPipelineStage{}, false
}

// Validate checks the structural constraints of the pipeline definition.
func (p *RobotPipeline) Validate() error {
	if err := Validator().Struct(p); err != nil {
		return err
	}
	seen := make(map[PipelineStageID]struct{}, len(p.Stages))
	outputs := make(map[string]PipelineStageID)
	for _, s := range p.Stages {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate stage id %s", s.ID)
		}
		seen[s.ID] = struct{}{}

		if !s.ProducesOutput() {
			continue
		}
		out := path.Clean(*s.OutputPath)
		if other, dup := outputs[out]; dup {
			return fmt.Errorf("stages %s and %s both write output %q", other, s.ID, out)
		}
		outputs[out] = s.ID
	}
	return nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the custom tags used by this package
// registered ("relpath" for stage output paths).
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("relpath", func(fl validator.FieldLevel) bool {
			return ValidateOutputPath(fl.Field().String()) == nil
		})
	})
	return validate
}

// ValidateOutputPath checks that p is a relative, forward-slash path that stays
// inside the output root.
func ValidateOutputPath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("output path is empty")
	case strings.Contains(p, `\`):
		return fmt.Errorf("output path %q must use forward slashes", p)
	case strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':'):
		return fmt.Errorf("output path %q must be relative", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("output path %q must not traverse upwards", p)
		}
	}
	if c := path.Clean(p); c == "." {
		return fmt.Errorf("output path %q does not name a file", p)
	}
	return nil
}
