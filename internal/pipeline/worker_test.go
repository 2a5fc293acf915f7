package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ewoutbarendregt/crosscheck/internal/bus"
	"github.com/ewoutbarendregt/crosscheck/internal/model"
	"github.com/ewoutbarendregt/crosscheck/internal/observability"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
)

// fakeAccounting is a minimal in-memory stand-in for the worker's
// Accounting dependency, tracking quota/active per tenant the way the
// admission process's tenant.Accounting would.
type fakeAccounting struct {
	mu       sync.Mutex
	quota    map[string]int
	active   map[string]int
	terminal []model.UsageEventType
}

func newFakeAccounting(quota int) *fakeAccounting {
	return &fakeAccounting{quota: map[string]int{"t1": quota}, active: map[string]int{}}
}

func (f *fakeAccounting) QuotaFor(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quota[tenantID]
}

func (f *fakeAccounting) ActiveFor(tenantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[tenantID]
}

func (f *fakeAccounting) OnDispatchStart(tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[tenantID]++
}

func (f *fakeAccounting) OnTerminal(tenantID string, eventType model.UsageEventType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eventType != model.UsageStarted {
		if f.active[tenantID] > 0 {
			f.active[tenantID]--
		}
	}
	f.terminal = append(f.terminal, eventType)
}

func jobBody(t *testing.T, job model.ReasoningJob) []byte {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return body
}

func newTestWorker(t *testing.T, client *scriptedClient, accounting Accounting) (*Worker, *bus.MemoryBus, chan *model.ResultEnvelope) {
	t.Helper()
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	b := bus.NewMemoryBus()
	p := New(client, registry)
	w := NewWorker(b, "reasoning.jobs", "reasoning.results", p, registry, accounting, nil, observability.Noop{}, 1, 4)

	results := make(chan *model.ResultEnvelope, 4)
	_, err = b.Subscribe(context.Background(), "reasoning.results", "test", 1, bus.Handler{
		OnMessage: func(_ context.Context, msg *bus.Message, r bus.Receiver) {
			var env model.ResultEnvelope
			if err := json.Unmarshal(msg.Body, &env); err != nil {
				t.Errorf("failed to decode result envelope: %v", err)
				return
			}
			results <- &env
			_ = r.Complete(context.Background(), msg)
		},
	})
	if err != nil {
		t.Fatalf("subscribe results: %v", err)
	}
	return w, b, results
}

func awaitResult(t *testing.T, ch chan *model.ResultEnvelope) *model.ResultEnvelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result envelope")
		return nil
	}
}

func TestWorkerHappyPathCompletes(t *testing.T) {
	client := &scriptedClient{responses: validStageResponses()}
	accounting := newFakeAccounting(2)
	w, b, results := newTestWorker(t, client, accounting)

	sub, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	if err := b.Send(context.Background(), "reasoning.jobs", jobBody(t, testJob()), "t1"); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := awaitResult(t, results)
	if env.Status != "completed" {
		t.Fatalf("expected completed status, got %q", env.Status)
	}
	if env.Result == nil {
		t.Fatal("expected result payload on completion envelope")
	}

	waitForAccountingIdle(t, accounting, "t1")
	if accounting.ActiveFor("t1") != 0 {
		t.Fatalf("expected active back to 0, got %d", accounting.ActiveFor("t1"))
	}
}

func TestWorkerStageFailureDeadLetters(t *testing.T) {
	responses := validStageResponses()
	responses[2] = "not-json"
	client := &scriptedClient{responses: responses}
	accounting := newFakeAccounting(2)
	w, b, results := newTestWorker(t, client, accounting)

	sub, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	if err := b.Send(context.Background(), "reasoning.jobs", jobBody(t, testJob()), "t1"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-results:
		t.Fatalf("expected no completion envelope on stage failure, got %+v", env)
	case <-time.After(300 * time.Millisecond):
	}

	waitForAccountingIdle(t, accounting, "t1")
	if accounting.ActiveFor("t1") != 0 {
		t.Fatalf("expected active back to 0 after failure, got %d", accounting.ActiveFor("t1"))
	}
	found := false
	accounting.mu.Lock()
	for _, ev := range accounting.terminal {
		if ev == model.UsageFailed {
			found = true
		}
	}
	accounting.mu.Unlock()
	if !found {
		t.Fatal("expected a failed usage event to be recorded")
	}
}

func TestWorkerRejectsWhenQuotaExhausted(t *testing.T) {
	client := &scriptedClient{responses: validStageResponses()}
	accounting := newFakeAccounting(1)
	accounting.OnDispatchStart("t1") // pre-occupy the single slot

	w, b, results := newTestWorker(t, client, accounting)
	sub, err := w.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	if err := b.Send(context.Background(), "reasoning.jobs", jobBody(t, testJob()), "t1"); err != nil {
		t.Fatalf("send: %v", err)
	}

	env := awaitResult(t, results)
	if env.Status != "rejected" {
		t.Fatalf("expected rejected status, got %q", env.Status)
	}
	if env.Error == nil || env.Error.Code != "TenantQuotaExceeded" {
		t.Fatalf("expected TenantQuotaExceeded error, got %+v", env.Error)
	}
	if client.calls != 0 {
		t.Fatalf("expected pipeline never invoked on rejection, got %d calls", client.calls)
	}
}

func waitForAccountingIdle(t *testing.T, accounting *fakeAccounting, tenantID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if accounting.ActiveFor(tenantID) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
