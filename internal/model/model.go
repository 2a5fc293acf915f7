// Package model holds the plain data types shared by the admission and
// worker processes: the job payload, the six pipeline stage results, the
// combined pipeline result, and the lifecycle events exchanged between
// them.
package model

// Document is a single piece of retrievable context supplied with a job.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Criterion is a single evaluation criterion a claim is checked against.
type Criterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// JobContext wraps the documents a job may draw evidence from.
type JobContext struct {
	Documents []Document `json:"documents"`
}

// ReasoningJob is the immutable unit of work accepted at admission and
// consumed once by the pipeline.
type ReasoningJob struct {
	JobID    string      `json:"jobId"`
	TenantID string      `json:"tenantId"`
	Claim    string      `json:"claim"`
	Context  JobContext  `json:"context"`
	Criteria []Criterion `json:"criteria"`
}

// RetrievalMatch is one retrieved passage relevant to the claim.
type RetrievalMatch struct {
	DocumentID string  `json:"documentId"`
	Snippet    string  `json:"snippet"`
	Relevance  float64 `json:"relevance"`
}

// RetrievalResult is stage 1's output.
type RetrievalResult struct {
	Matches []RetrievalMatch `json:"matches"`
	Summary string           `json:"summary"`
}

// CriterionMatch links a criterion to supporting evidence found during
// retrieval.
type CriterionMatch struct {
	CriterionID string  `json:"criterionId"`
	DocumentID  string  `json:"documentId"`
	Relevance   float64 `json:"relevance"`
	Rationale   string  `json:"rationale"`
}

// MatchingResult is stage 2's output.
type MatchingResult struct {
	Matches []CriterionMatch `json:"matches"`
}

// Finding is a single observation produced against one criterion.
type Finding struct {
	ID          string   `json:"id"`
	CriterionID string   `json:"criterionId"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Evidence    []string `json:"evidence"`
}

// FindingGenerationResult is stage 3's output.
type FindingGenerationResult struct {
	Findings []Finding `json:"findings"`
}

// Agreement scores whether independent findings agree on a conclusion.
type Agreement struct {
	FindingID      string  `json:"findingId"`
	AgreementScore float64 `json:"agreementScore"`
	RiskLevel      string  `json:"riskLevel"`
}

// AgreementScoringResult is stage 4's output.
type AgreementScoringResult struct {
	Agreements []Agreement `json:"agreements"`
}

// Category is a synthesized grouping of findings/agreements.
type Category struct {
	Name    string  `json:"name"`
	Score   float64 `json:"score"`
	Summary string  `json:"summary"`
}

// CategorySynthesisResult is stage 5's output.
type CategorySynthesisResult struct {
	Categories []Category `json:"categories"`
}

// OverallAssessmentResult is stage 6's, and the pipeline's final, output.
type OverallAssessmentResult struct {
	OverallScore    float64  `json:"overallScore"`
	RiskLevel       string   `json:"riskLevel"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

// PipelineResult is the full six-stage output for one job.
type PipelineResult struct {
	JobID             string                  `json:"jobId"`
	Retrieval         RetrievalResult         `json:"retrieval"`
	Matching          MatchingResult          `json:"matching"`
	FindingGeneration FindingGenerationResult `json:"findingGeneration"`
	AgreementScoring  AgreementScoringResult  `json:"agreementScoring"`
	CategorySynthesis CategorySynthesisResult `json:"categorySynthesis"`
	OverallAssessment OverallAssessmentResult `json:"overallAssessment"`
}

// UsageEventType enumerates tenant lifecycle transitions.
type UsageEventType string

const (
	UsageStarted   UsageEventType = "started"
	UsageCompleted UsageEventType = "completed"
	UsageFailed    UsageEventType = "failed"
	UsageRejected  UsageEventType = "rejected"
)

// Valid reports whether t is one of the four recognized event types.
func (t UsageEventType) Valid() bool {
	switch t {
	case UsageStarted, UsageCompleted, UsageFailed, UsageRejected:
		return true
	default:
		return false
	}
}

// UsageEvent is a lifecycle transition posted by the worker back to
// admission accounting.
type UsageEvent struct {
	TenantID string         `json:"tenantId"`
	Type     UsageEventType `json:"type"`
}

// EnvelopeUsage mirrors the queued/active pair reported in submission
// responses and envelopes.
type EnvelopeUsage struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
}

// RejectionError describes why a job was rejected on the worker side.
type RejectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Quota   int    `json:"quota"`
	Active  int    `json:"active"`
}

// ResultEnvelope is the JSON object emitted to the output bus for a
// completed or rejected job.
type ResultEnvelope struct {
	JobID       string          `json:"jobId"`
	TenantID    string          `json:"tenantId"`
	CompletedAt string          `json:"completedAt"`
	Status      string          `json:"status"`
	Result      *PipelineResult `json:"result,omitempty"`
	Error       *RejectionError `json:"error,omitempty"`
}
