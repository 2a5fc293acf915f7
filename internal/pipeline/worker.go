package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ewoutbarendregt/crosscheck/internal/bus"
	"github.com/ewoutbarendregt/crosscheck/internal/logging"
	"github.com/ewoutbarendregt/crosscheck/internal/model"
	"github.com/ewoutbarendregt/crosscheck/internal/observability"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
	"github.com/ewoutbarendregt/crosscheck/internal/usage"
)

// backpressureRetryDelay is the redelivery delay requested on messages
// abandoned because the worker's own pending queue is full.
const backpressureRetryDelay = 2 * time.Second

// Accounting is the subset of tenant.Accounting the worker needs to
// resolve quota/active before running a job and to release the tenant
// slot on every terminal path. In a single-process deployment this is
// the admission process's own *tenant.Accounting. The crosscheck-worker
// binary passes a *tenant.Accounting local to the worker process, which
// counts only the jobs that worker itself runs; it is not synchronized
// with the admission process's counters.
type Accounting interface {
	QuotaFor(tenantID string) int
	ActiveFor(tenantID string) int
	OnDispatchStart(tenantID string)
	OnTerminal(tenantID string, eventType model.UsageEventType)
}

// Worker consumes job messages from the bus, runs the pipeline, and
// settles each message exactly once. It maintains its own bounded
// concurrency (maxConcurrentCalls), distinct from the admission-side
// dispatch bound, decoupling bus redelivery from pipeline execution.
type Worker struct {
	bus         bus.Bus
	jobSubject  string
	resultSubject string
	pipeline    *Pipeline
	registry    *schema.Registry
	accounting  Accounting
	usageClient *usage.Client
	sink        observability.Sink

	maxConcurrentCalls int
	maxQueueDepth      int
	sem                chan struct{}
	pending            chan struct{}
}

// NewWorker constructs a Worker. maxConcurrentCalls bounds concurrent
// pipeline executions; maxQueueDepth bounds the in-process backlog of
// messages accepted before new deliveries are abandoned back to the bus.
func NewWorker(b bus.Bus, jobSubject, resultSubject string, p *Pipeline, registry *schema.Registry, accounting Accounting, usageClient *usage.Client, sink observability.Sink, maxConcurrentCalls, maxQueueDepth int) *Worker {
	if maxConcurrentCalls <= 0 {
		maxConcurrentCalls = 1
	}
	if maxQueueDepth <= 0 {
		maxQueueDepth = 1
	}
	if sink == nil {
		sink = observability.Noop{}
	}
	return &Worker{
		bus:                b,
		jobSubject:         jobSubject,
		resultSubject:      resultSubject,
		pipeline:           p,
		registry:           registry,
		accounting:         accounting,
		usageClient:        usageClient,
		sink:               sink,
		maxConcurrentCalls: maxConcurrentCalls,
		maxQueueDepth:      maxQueueDepth,
		sem:                make(chan struct{}, maxConcurrentCalls),
		pending:            make(chan struct{}, maxQueueDepth),
	}
}

// Start subscribes to the job subject with maxConcurrentCalls=1 at the
// bus level; pipeline concurrency is managed explicitly by the worker
// itself.
func (w *Worker) Start(ctx context.Context) (bus.Subscription, error) {
	return w.bus.Subscribe(ctx, w.jobSubject, "reasoning-workers", 1, bus.Handler{
		OnMessage: func(ctx context.Context, msg *bus.Message, r bus.Receiver) {
			w.onMessage(ctx, msg, r)
		},
		OnError: func(err error) {
			w.sink.TrackException(err, map[string]string{"subject": w.jobSubject})
			logging.Error("worker", "bus subscription error", "error", err)
		},
	})
}

func (w *Worker) onMessage(ctx context.Context, msg *bus.Message, r bus.Receiver) {
	select {
	case w.pending <- struct{}{}:
	default:
		w.sink.TrackEvent("reasoning.queue.backpressure", map[string]string{"tenantId": msg.TenantID})
		backpressureErr := bus.RetryAfter(fmt.Errorf("worker queue at capacity"), backpressureRetryDelay)
		if err := r.Abandon(ctx, msg, backpressureErr); err != nil {
			logging.Error("worker", "failed to abandon message under backpressure", "error", err)
		}
		return
	}

	go func() {
		w.sem <- struct{}{}
		defer func() { <-w.sem; <-w.pending }()
		w.process(ctx, msg, r)
	}()
}

func (w *Worker) process(ctx context.Context, msg *bus.Message, r bus.Receiver) {
	var job model.ReasoningJob
	if err := w.registry.Validate(schema.KindJob, msg.Body, &job); err != nil {
		w.deadLetter(ctx, msg, r, "job payload failed schema validation: "+err.Error())
		return
	}

	quota := w.accounting.QuotaFor(job.TenantID)
	current := w.accounting.ActiveFor(job.TenantID)
	if current >= quota {
		w.reject(ctx, msg, r, job, quota, current)
		return
	}

	w.accounting.OnDispatchStart(job.TenantID)
	terminal := model.UsageFailed
	defer func() {
		w.accounting.OnTerminal(job.TenantID, terminal)
		w.postUsage(ctx, job.TenantID, terminal)
	}()

	w.postUsage(ctx, job.TenantID, model.UsageStarted)
	w.sink.TrackEvent("reasoning.job.started", map[string]string{"tenantId": job.TenantID, "jobId": job.JobID})
	startedAt := time.Now()

	result, err := w.pipeline.Run(ctx, job)
	if err != nil {
		terminal = model.UsageFailed
		w.deadLetter(ctx, msg, r, err.Error())
		w.sink.TrackEvent("reasoning.job.failed", map[string]string{"tenantId": job.TenantID, "jobId": job.JobID})
		return
	}

	envelope := model.ResultEnvelope{
		JobID:       job.JobID,
		TenantID:    job.TenantID,
		CompletedAt: nowISO(),
		Status:      "completed",
		Result:      result,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		terminal = model.UsageFailed
		w.deadLetter(ctx, msg, r, fmt.Sprintf("failed to encode completion envelope: %v", err))
		return
	}
	if err := w.bus.Send(ctx, w.resultSubject, body, job.TenantID); err != nil {
		terminal = model.UsageFailed
		w.deadLetter(ctx, msg, r, fmt.Sprintf("failed to send completion envelope: %v", err))
		return
	}
	if err := r.Complete(ctx, msg); err != nil {
		logging.Error("worker", "failed to complete message after successful pipeline run", "error", err)
	}

	terminal = model.UsageCompleted
	w.sink.TrackEvent("reasoning.job.completed", map[string]string{"tenantId": job.TenantID, "jobId": job.JobID})
	w.sink.TrackMetric("reasoning.job.duration_ms", float64(time.Since(startedAt).Milliseconds()), map[string]string{"tenantId": job.TenantID})
}

func (w *Worker) reject(ctx context.Context, msg *bus.Message, r bus.Receiver, job model.ReasoningJob, quota, current int) {
	envelope := model.ResultEnvelope{
		JobID:       job.JobID,
		TenantID:    job.TenantID,
		CompletedAt: nowISO(),
		Status:      "rejected",
		Error: &model.RejectionError{
			Code:    "TenantQuotaExceeded",
			Message: "tenant is already at its concurrency quota",
			Quota:   quota,
			Active:  current,
		},
	}
	body, err := json.Marshal(envelope)
	if err == nil {
		if sendErr := w.bus.Send(ctx, w.resultSubject, body, job.TenantID); sendErr != nil {
			w.sink.TrackException(sendErr, map[string]string{"tenantId": job.TenantID, "jobId": job.JobID})
		}
	}
	if err := r.Complete(ctx, msg); err != nil {
		logging.Error("worker", "failed to complete rejected message", "error", err)
	}
	w.sink.TrackEvent("reasoning.job.rejected", map[string]string{"tenantId": job.TenantID, "jobId": job.JobID})
	w.postUsage(ctx, job.TenantID, model.UsageRejected)
}

func (w *Worker) deadLetter(ctx context.Context, msg *bus.Message, r bus.Receiver, description string) {
	if err := r.DeadLetter(ctx, msg, "PipelineFailure", description); err != nil {
		logging.Error("worker", "failed to dead-letter message", "error", err, "description", description)
	}
}

func (w *Worker) postUsage(ctx context.Context, tenantID string, eventType model.UsageEventType) {
	if w.usageClient == nil {
		return
	}
	if err := w.usageClient.Post(ctx, model.UsageEvent{TenantID: tenantID, Type: eventType}); err != nil {
		w.sink.TrackException(err, map[string]string{"tenantId": tenantID})
		logging.Error("worker", "failed to post usage event", "tenantId", tenantID, "type", eventType, "error", err)
	}
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
