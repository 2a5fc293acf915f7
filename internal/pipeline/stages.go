// Package pipeline runs the fixed six-stage reasoning chain against an
// LLM endpoint, validating each stage's output against the schema
// registry before it becomes input to the next stage.
package pipeline

import (
	"github.com/ewoutbarendregt/crosscheck/internal/model"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
)

// systemPrompt is fixed for every stage.
const systemPrompt = "You are a reasoning worker. Respond with strict JSON only."

// stageDef describes one pipeline stage: its name, target schema, and
// how to build its input object from prior stage outputs. name is the
// PascalCase identifier used for StageError.Stage and internal matching;
// label is the human-readable form used in dead-letter descriptions.
type stageDef struct {
	name  string
	label string
	kind  schema.Kind
	input func(w *pipelineWork) any
}

// pipelineWork accumulates validated stage outputs as the pipeline runs.
type pipelineWork struct {
	job               model.ReasoningJob
	retrieval         model.RetrievalResult
	matching          model.MatchingResult
	findingGeneration model.FindingGenerationResult
	agreementScoring  model.AgreementScoringResult
	categorySynthesis model.CategorySynthesisResult
	overallAssessment model.OverallAssessmentResult
}

var stages = []stageDef{
	{
		name:  "Retrieval",
		label: "Retrieval",
		kind:  schema.KindRetrieval,
		input: func(w *pipelineWork) any {
			return map[string]any{
				"claim":     w.job.Claim,
				"documents": w.job.Context.Documents,
			}
		},
	},
	{
		name:  "Matching",
		label: "Matching",
		kind:  schema.KindMatching,
		input: func(w *pipelineWork) any {
			return map[string]any{
				"claim":     w.job.Claim,
				"criteria":  w.job.Criteria,
				"retrieval": w.retrieval,
			}
		},
	},
	{
		name:  "FindingGeneration",
		label: "Finding generation",
		kind:  schema.KindFindingGeneration,
		input: func(w *pipelineWork) any {
			return map[string]any{
				"claim":   w.job.Claim,
				"matches": w.matching.Matches,
			}
		},
	},
	{
		name:  "AgreementScoring",
		label: "Agreement scoring",
		kind:  schema.KindAgreementScoring,
		input: func(w *pipelineWork) any {
			return map[string]any{
				"claim":    w.job.Claim,
				"findings": w.findingGeneration.Findings,
			}
		},
	},
	{
		name:  "CategorySynthesis",
		label: "Category synthesis",
		kind:  schema.KindCategorySynthesis,
		input: func(w *pipelineWork) any {
			return map[string]any{
				"findings":   w.findingGeneration.Findings,
				"agreements": w.agreementScoring.Agreements,
			}
		},
	},
	{
		name:  "OverallAssessment",
		label: "Overall assessment",
		kind:  schema.KindOverallAssessment,
		input: func(w *pipelineWork) any {
			return map[string]any{
				"claim":      w.job.Claim,
				"findings":   w.findingGeneration.Findings,
				"agreements": w.agreementScoring.Agreements,
				"categories": w.categorySynthesis.Categories,
			}
		},
	},
}
