// Package schema holds the frozen JSON Schema definitions for the job
// payload, each pipeline stage output, and the combined pipeline
// envelope, and validates values against them. The registry is
// immutable once constructed: schemas are embedded resources, compiled
// once at boot, and never mutated afterward.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Kind identifies one of the frozen schema documents.
type Kind string

const (
	KindJob               Kind = "Job"
	KindRetrieval         Kind = "Retrieval"
	KindMatching          Kind = "Matching"
	KindFindingGeneration Kind = "FindingGeneration"
	KindAgreementScoring  Kind = "AgreementScoring"
	KindCategorySynthesis Kind = "CategorySynthesis"
	KindOverallAssessment Kind = "OverallAssessment"
	KindPipeline          Kind = "Pipeline"
)

var schemaFiles = map[Kind]string{
	KindJob:               "job.json",
	KindRetrieval:         "retrieval.json",
	KindMatching:          "matching.json",
	KindFindingGeneration: "finding_generation.json",
	KindAgreementScoring:  "agreement_scoring.json",
	KindCategorySynthesis: "category_synthesis.json",
	KindOverallAssessment: "overall_assessment.json",
	KindPipeline:          "pipeline.json",
}

var schemaIDs = map[Kind]string{
	KindJob:               "https://crosscheck.internal/schemas/job.json",
	KindRetrieval:         "https://crosscheck.internal/schemas/retrieval.json",
	KindMatching:          "https://crosscheck.internal/schemas/matching.json",
	KindFindingGeneration: "https://crosscheck.internal/schemas/finding_generation.json",
	KindAgreementScoring:  "https://crosscheck.internal/schemas/agreement_scoring.json",
	KindCategorySynthesis: "https://crosscheck.internal/schemas/category_synthesis.json",
	KindOverallAssessment: "https://crosscheck.internal/schemas/overall_assessment.json",
	KindPipeline:          "https://crosscheck.internal/schemas/pipeline.json",
}

// Registry compiles and holds every frozen schema document.
type Registry struct {
	compiled map[Kind]*jsonschema.Schema
	raw      map[Kind][]byte
}

// NewRegistry compiles all embedded schema documents. A compile failure
// is a boot-time error: a registry that cannot compile every schema
// cannot serve any request.
func NewRegistry() (*Registry, error) {
	compiler := jsonschema.NewCompiler()
	raw := make(map[Kind][]byte, len(schemaFiles))
	for kind, file := range schemaFiles {
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		raw[kind] = data
		if err := compiler.AddResource(schemaIDs[kind], bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", file, err)
		}
	}
	compiled := make(map[Kind]*jsonschema.Schema, len(schemaFiles))
	for kind, id := range schemaIDs {
		schema, err := compiler.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		compiled[kind] = schema
	}
	return &Registry{compiled: compiled, raw: raw}, nil
}

// RawSchema returns the embedded JSON Schema document text for kind, for
// callers (the pipeline's per-stage prompt builder) that need to hand
// the target schema to the LLM verbatim.
func (r *Registry) RawSchema(kind Kind) []byte {
	return r.raw[kind]
}

// ValidationError is the composite error returned when a value fails
// schema validation: "<label> failed schema validation: <path> <msg>; ...".
type ValidationError struct {
	Label  string
	Issues []Issue
}

// Issue is a single schema-validation failure at a JSON pointer path.
type Issue struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s %s", issue.Path, issue.Message))
	}
	return fmt.Sprintf("%s failed schema validation: %s", e.Label, strings.Join(parts, "; "))
}

// Validate validates value against the schema for kind. value may be a
// []byte/json.RawMessage of JSON, or any JSON-marshalable Go value. On
// success, if out is non-nil, the normalized value is decoded into it.
func (r *Registry) Validate(kind Kind, value any, out any) error {
	compiled, ok := r.compiled[kind]
	if !ok {
		return fmt.Errorf("unknown schema kind %q", kind)
	}
	normalized, raw, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("%s: decode payload: %w", kind, err)
	}
	if err := compiled.Validate(normalized); err != nil {
		return &ValidationError{Label: string(kind), Issues: flatten(err)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode validated value: %w", kind, err)
		}
	}
	return nil
}

func normalizeValue(value any) (any, []byte, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil, fmt.Errorf("value is nil")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, nil, err
		}
		raw = encoded
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, err
	}
	return decoded, raw, nil
}

func flatten(err error) []Issue {
	valErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Path: "#", Message: err.Error()}}
	}
	var issues []Issue
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			issues = append(issues, Issue{
				Path:    v.InstanceLocation,
				Message: v.Message,
			})
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(valErr)
	if len(issues) == 0 {
		issues = []Issue{{Path: "#", Message: err.Error()}}
	}
	return issues
}
