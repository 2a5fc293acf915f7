package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ewoutbarendregt/crosscheck/internal/llm"
	"github.com/ewoutbarendregt/crosscheck/internal/model"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
)

// StageError describes a single stage's failure, carrying enough detail
// to build the dead-letter description: stage name, HTTP status where
// relevant, and the first parser/validator error.
type StageError struct {
	Stage   string
	Message string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Pipeline runs the six fixed reasoning stages against an LLM client,
// validating every stage's output against the schema registry before it
// feeds the next stage, and validates the assembled result against the
// combined Pipeline schema before returning it.
type Pipeline struct {
	client   llm.Client
	registry *schema.Registry
}

// New constructs a Pipeline over the given LLM client and schema registry.
func New(client llm.Client, registry *schema.Registry) *Pipeline {
	return &Pipeline{client: client, registry: registry}
}

// Run executes all six stages in order for job and returns the combined,
// schema-validated result. Any stage failure aborts the run and returns
// a *StageError; the caller (the worker) is responsible for
// dead-lettering with reason "PipelineFailure".
func (p *Pipeline) Run(ctx context.Context, job model.ReasoningJob) (*model.PipelineResult, error) {
	work := &pipelineWork{job: job}

	for _, stage := range stages {
		content, err := p.runStage(ctx, stage, work)
		if err != nil {
			return nil, err
		}
		if err := applyStageOutput(p.registry, stage, content, work); err != nil {
			return nil, err
		}
	}

	result := &model.PipelineResult{
		JobID:             job.JobID,
		Retrieval:         work.retrieval,
		Matching:          work.matching,
		FindingGeneration: work.findingGeneration,
		AgreementScoring:  work.agreementScoring,
		CategorySynthesis: work.categorySynthesis,
		OverallAssessment: work.overallAssessment,
	}
	var validated model.PipelineResult
	if err := p.registry.Validate(schema.KindPipeline, result, &validated); err != nil {
		return nil, &StageError{Stage: "Pipeline", Message: err.Error()}
	}
	return &validated, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage stageDef, work *pipelineWork) (string, error) {
	input := stage.input(work)
	prompt, err := buildUserPrompt(stage.name, p.registry.RawSchema(stage.kind), input)
	if err != nil {
		return "", &StageError{Stage: stage.name, Message: fmt.Sprintf("failed to build prompt: %v", err)}
	}

	content, err := p.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return "", &StageError{Stage: stage.name, Message: fmt.Sprintf("%s request failed: %v", stage.name, err)}
	}
	if content == "" {
		return "", &StageError{Stage: stage.name, Message: fmt.Sprintf("%s response was empty", stage.name)}
	}
	return content, nil
}

func buildUserPrompt(taskName string, schemaDoc []byte, input any) (string, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"Task: %s\nRespond with a single JSON object matching this schema exactly:\n%s\nInput:\n%s",
		taskName, string(schemaDoc), string(inputJSON),
	), nil
}

// applyStageOutput parses and schema-validates one stage's raw content
// and stores it on work for downstream stages.
func applyStageOutput(registry *schema.Registry, stage stageDef, content string, work *pipelineWork) error {
	stageName := stage.name
	var parsed any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return &StageError{Stage: stageName, Message: fmt.Sprintf("%s response was not valid JSON: %v", stage.label, err)}
	}

	switch stageName {
	case "Retrieval":
		var out model.RetrievalResult
		if err := registry.Validate(schema.KindRetrieval, parsed, &out); err != nil {
			return &StageError{Stage: stageName, Message: err.Error()}
		}
		work.retrieval = out
	case "Matching":
		var out model.MatchingResult
		if err := registry.Validate(schema.KindMatching, parsed, &out); err != nil {
			return &StageError{Stage: stageName, Message: err.Error()}
		}
		work.matching = out
	case "FindingGeneration":
		var out model.FindingGenerationResult
		if err := registry.Validate(schema.KindFindingGeneration, parsed, &out); err != nil {
			return &StageError{Stage: stageName, Message: err.Error()}
		}
		work.findingGeneration = out
	case "AgreementScoring":
		var out model.AgreementScoringResult
		if err := registry.Validate(schema.KindAgreementScoring, parsed, &out); err != nil {
			return &StageError{Stage: stageName, Message: err.Error()}
		}
		work.agreementScoring = out
	case "CategorySynthesis":
		var out model.CategorySynthesisResult
		if err := registry.Validate(schema.KindCategorySynthesis, parsed, &out); err != nil {
			return &StageError{Stage: stageName, Message: err.Error()}
		}
		work.categorySynthesis = out
	case "OverallAssessment":
		var out model.OverallAssessmentResult
		if err := registry.Validate(schema.KindOverallAssessment, parsed, &out); err != nil {
			return &StageError{Stage: stageName, Message: err.Error()}
		}
		work.overallAssessment = out
	default:
		return fmt.Errorf("unknown stage %q", stageName)
	}
	return nil
}
