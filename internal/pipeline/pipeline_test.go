package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ewoutbarendregt/crosscheck/internal/model"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
)

// scriptedClient returns one canned response per call, in order, keyed
// by the sequence of stages invoked.
type scriptedClient struct {
	responses []string
	err       error
	calls     int
}

func (c *scriptedClient) Complete(_ context.Context, _, _ string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	if c.calls >= len(c.responses) {
		return "", errors.New("scriptedClient: no more responses")
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func validStageResponses() []string {
	return []string{
		`{"matches":[{"documentId":"d1","snippet":"s","relevance":0.9}],"summary":"sum"}`,
		`{"matches":[{"criterionId":"k1","documentId":"d1","relevance":0.8,"rationale":"r"}]}`,
		`{"findings":[{"id":"f1","criterionId":"k1","description":"d","severity":"low","evidence":["e"]}]}`,
		`{"agreements":[{"findingId":"f1","agreementScore":0.7,"riskLevel":"low"}]}`,
		`{"categories":[{"name":"c1","score":0.6,"summary":"cs"}]}`,
		`{"overallScore":0.5,"riskLevel":"low","summary":"os","recommendations":["r1"]}`,
	}
}

func testJob() model.ReasoningJob {
	return model.ReasoningJob{
		JobID:    "j1",
		TenantID: "t1",
		Claim:    "c",
		Context:  model.JobContext{Documents: []model.Document{{ID: "d1", Content: "x"}}},
		Criteria: []model.Criterion{{ID: "k1", Description: "r"}},
	}
}

func TestPipelineRunSixStagesSucceeds(t *testing.T) {
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	client := &scriptedClient{responses: validStageResponses()}
	p := New(client, registry)

	result, err := p.Run(context.Background(), testJob())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.JobID != "j1" {
		t.Fatalf("expected jobId j1, got %q", result.JobID)
	}
	if client.calls != 6 {
		t.Fatalf("expected 6 LLM calls, got %d", client.calls)
	}
	if result.OverallAssessment.RiskLevel != "low" {
		t.Fatalf("unexpected overall assessment: %+v", result.OverallAssessment)
	}
}

func TestPipelineStageNonJSONResponseFails(t *testing.T) {
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	responses := validStageResponses()
	responses[2] = "not-json"
	client := &scriptedClient{responses: responses}
	p := New(client, registry)

	_, err = p.Run(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected pipeline run to fail on stage 3")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *StageError, got %T: %v", err, err)
	}
	if stageErr.Stage != "FindingGeneration" {
		t.Fatalf("expected FindingGeneration stage error, got %q", stageErr.Stage)
	}
	const wantDescription = "Finding generation response was not valid JSON"
	if !strings.Contains(stageErr.Message, wantDescription) {
		t.Fatalf("expected description to contain %q, got %q", wantDescription, stageErr.Message)
	}
}

func TestPipelineStageSchemaInvalidResponseFails(t *testing.T) {
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	responses := validStageResponses()
	responses[0] = `{"matches":[],"summary":"sum"}` // minItems:1 violated
	client := &scriptedClient{responses: responses}
	p := New(client, registry)

	_, err = p.Run(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected schema validation failure")
	}
}

func TestPipelineLLMRequestErrorFails(t *testing.T) {
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	client := &scriptedClient{err: errors.New("connection refused")}
	p := New(client, registry)

	_, err = p.Run(context.Background(), testJob())
	if err == nil {
		t.Fatal("expected error when LLM request fails")
	}
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != "Retrieval" {
		t.Fatalf("expected Retrieval stage error, got %v", err)
	}
}
