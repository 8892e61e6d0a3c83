package stages

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/jonathan/ontology-robot/internal/engine"
	"github.com/jonathan/ontology-robot/internal/ontology"
)

// Command kinds backed by the ontology engine.
const (
	KindAddAxioms        = "add_axioms"
	KindRemoveAxioms     = "remove_axioms"
	KindRenameEntity     = "rename_entity"
	KindMergeOntology    = "merge_ontology"
	KindReason           = "reason"
	KindSPARQLUpdate     = "sparql_update"
	KindAnnotateOntology = "annotate_ontology"
	KindExtractModule    = "extract_module"
)

// engineCommand forwards a fixed instruction to the engine.
type engineCommand struct {
	kind        string
	label       string
	instruction engine.Instruction
	engine      engine.Engine
}

func (c *engineCommand) Kind() string  { return c.kind }
func (c *engineCommand) Label() string { return c.label }

func (c *engineCommand) Apply(ctx context.Context, artifact *ontology.Artifact) (*ontology.Artifact, error) {
	return c.engine.Execute(ctx, c.instruction, artifact)
}

// AxiomParams lists axioms in functional syntax.
type AxiomParams struct {
	Axioms []string `json:"axioms" validate:"required,min=1,dive,required"`
}

// RenameParams maps old IRIs to new IRIs.
type RenameParams struct {
	Mappings map[string]string `json:"mappings" validate:"required,min=1,dive,keys,required,endkeys,required"`
}

// MergeParams names the ontology to merge in, either inline or by IRI.
type MergeParams struct {
	IRI      string          `json:"iri,omitempty" validate:"omitempty,uri"`
	Ontology string          `json:"ontology,omitempty" validate:"omitempty,base64"`
	Format   ontology.Format `json:"format,omitempty"`
}

// ReasonParams selects a reasoner and the inferences to materialize.
type ReasonParams struct {
	Reasoner        string   `json:"reasoner" validate:"omitempty,oneof=elk hermit whelk structural"`
	Inferences      []string `json:"inferences,omitempty" validate:"dive,oneof=subclass equivalence disjoint property_assertion class_assertion"`
	RemoveRedundant bool     `json:"remove_redundant,omitempty"`
}

// SPARQLUpdateParams holds one or more SPARQL UPDATE requests.
type SPARQLUpdateParams struct {
	Queries []string `json:"queries" validate:"required,min=1,dive,required"`
}

// AnnotateParams sets ontology-level annotations.
type AnnotateParams struct {
	OntologyIRI string            `json:"ontology_iri,omitempty" validate:"omitempty,uri"`
	VersionIRI  string            `json:"version_iri,omitempty" validate:"omitempty,uri"`
	Annotations map[string]string `json:"annotations,omitempty" validate:"omitempty,dive,keys,required,endkeys,required"`
}

// ExtractParams selects a module extraction method and its seed terms.
type ExtractParams struct {
	Method string   `json:"method" validate:"required,oneof=star top bot mireot"`
	Terms  []string `json:"terms" validate:"required,min=1,dive,required"`
}

// RegisterEngineCommands registers every engine-backed kind on r.
func RegisterEngineCommands(r *Registry, eng engine.Engine) {
	build := func(kind, label string, args map[string]any) Command {
		return &engineCommand{
			kind:        kind,
			label:       label,
			instruction: engine.Instruction{Operation: kind, Arguments: args},
			engine:      eng,
		}
	}

	r.Register(KindAddAxioms, func(params map[string]any) (Command, error) {
		var p AxiomParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return build(KindAddAxioms, fmt.Sprintf("Add %d axiom(s)", len(p.Axioms)),
			map[string]any{"axioms": p.Axioms}), nil
	})

	r.Register(KindRemoveAxioms, func(params map[string]any) (Command, error) {
		var p AxiomParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return build(KindRemoveAxioms, fmt.Sprintf("Remove %d axiom(s)", len(p.Axioms)),
			map[string]any{"axioms": p.Axioms}), nil
	})

	r.Register(KindRenameEntity, func(params map[string]any) (Command, error) {
		var p RenameParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return build(KindRenameEntity, fmt.Sprintf("Rename %d entit(ies)", len(p.Mappings)),
			map[string]any{"mappings": p.Mappings}), nil
	})

	r.Register(KindMergeOntology, func(params map[string]any) (Command, error) {
		var p MergeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.IRI == "" && p.Ontology == "" {
			return nil, fmt.Errorf("either iri or ontology is required")
		}
		args := map[string]any{}
		label := "Merge inline ontology"
		if p.IRI != "" {
			args["iri"] = p.IRI
			label = "Merge " + p.IRI
		} else {
			if _, err := base64.StdEncoding.DecodeString(p.Ontology); err != nil {
				return nil, fmt.Errorf("ontology is not base64: %w", err)
			}
			args["ontology"] = p.Ontology
			args["format"] = p.Format
		}
		return build(KindMergeOntology, label, args), nil
	})

	r.Register(KindReason, func(params map[string]any) (Command, error) {
		var p ReasonParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.Reasoner == "" {
			p.Reasoner = "elk"
		}
		if len(p.Inferences) == 0 {
			p.Inferences = []string{"subclass"}
		}
		return build(KindReason, "Reason with "+p.Reasoner, map[string]any{
			"reasoner":         p.Reasoner,
			"inferences":       p.Inferences,
			"remove_redundant": p.RemoveRedundant,
		}), nil
	})

	r.Register(KindSPARQLUpdate, func(params map[string]any) (Command, error) {
		var p SPARQLUpdateParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return build(KindSPARQLUpdate, fmt.Sprintf("Run %d SPARQL update(s)", len(p.Queries)),
			map[string]any{"queries": p.Queries}), nil
	})

	r.Register(KindAnnotateOntology, func(params map[string]any) (Command, error) {
		var p AnnotateParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.OntologyIRI == "" && p.VersionIRI == "" && len(p.Annotations) == 0 {
			return nil, fmt.Errorf("nothing to annotate")
		}
		return build(KindAnnotateOntology, "Annotate ontology", map[string]any{
			"ontology_iri": p.OntologyIRI,
			"version_iri":  p.VersionIRI,
			"annotations":  p.Annotations,
		}), nil
	})

	r.Register(KindExtractModule, func(params map[string]any) (Command, error) {
		var p ExtractParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return build(KindExtractModule, fmt.Sprintf("Extract %s module", p.Method), map[string]any{
			"method": p.Method,
			"terms":  p.Terms,
		}), nil
	})
}

// NewEngineRegistry returns a registry with every engine-backed kind registered.
func NewEngineRegistry(eng engine.Engine) *Registry {
	r := NewRegistry()
	RegisterEngineCommands(r, eng)
	return r
}
