// Package admission implements the FIFO admission/dispatch queue: it
// admits jobs against tenant quota and the global depth ceiling, then
// asynchronously dispatches admitted jobs to the bus from a single drain
// loop, one send at a time, following the reference scheduler engine's
// admit-then-dispatch shape (core/controlplane/scheduler.Engine) minus
// its protocol-buffer wire format.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ewoutbarendregt/crosscheck/internal/bus"
	"github.com/ewoutbarendregt/crosscheck/internal/logging"
	"github.com/ewoutbarendregt/crosscheck/internal/model"
	"github.com/ewoutbarendregt/crosscheck/internal/observability"
	"github.com/ewoutbarendregt/crosscheck/internal/schema"
	"github.com/ewoutbarendregt/crosscheck/internal/tenant"
)

// Error codes surfaced to the admission API, per the error model table.
var (
	ErrInvalidJob          = fmt.Errorf("invalid job")
	ErrTenantQuotaExceeded = fmt.Errorf("tenant quota exceeded")
	ErrQueueDepthExceeded  = fmt.Errorf("queue depth exceeded")
	ErrBusUnavailable      = fmt.Errorf("bus unavailable")
)

// pendingEntry is one FIFO slot: an admitted job waiting to be dispatched
// to the bus.
type pendingEntry struct {
	job model.ReasoningJob
}

// AdmitOutcome is returned to the caller of Enqueue. Limit is only
// meaningful alongside ErrQueueDepthExceeded, where it carries the
// configured global ceiling that QueueDepth was measured against.
// TenantID is only meaningful alongside ErrTenantQuotaExceeded.
type AdmitOutcome struct {
	Position   int
	QueueDepth int
	TenantID   string
	Quota      int
	Usage      tenant.Usage
	Limit      int
}

// Queue is the admission/dispatch core. All accounting mutations are
// serialized behind Accounting's own mutex; the pending list is
// protected by mu, a distinct lock, so bus I/O in drain() never runs
// while either lock is held.
type Queue struct {
	accounting *tenant.Accounting
	registry   *schema.Registry
	bus        bus.Bus
	jobSubject string
	sink       observability.Sink

	maxDispatchInFlight int

	mu               sync.Mutex
	pending          []pendingEntry
	draining         bool
	inFlightDispatch int
}

// NewQueue constructs a Queue. bus may be nil, in which case Enqueue
// still admits jobs (for accounting purposes) but dispatch always fails
// with ErrBusUnavailable.
func NewQueue(accounting *tenant.Accounting, registry *schema.Registry, b bus.Bus, jobSubject string, sink observability.Sink, maxDispatchInFlight int) *Queue {
	if maxDispatchInFlight <= 0 {
		maxDispatchInFlight = 1
	}
	if sink == nil {
		sink = observability.Noop{}
	}
	return &Queue{
		accounting:          accounting,
		registry:            registry,
		bus:                 b,
		jobSubject:          jobSubject,
		sink:                sink,
		maxDispatchInFlight: maxDispatchInFlight,
	}
}

// Enqueue validates job against the Job schema, admits it against tenant
// quota and the global depth ceiling, and if admitted appends it to the
// FIFO and kicks off an asynchronous drain. It returns the position,
// current counters, and quota observed at admission time.
func (q *Queue) Enqueue(ctx context.Context, job model.ReasoningJob) (AdmitOutcome, error) {
	var validated model.ReasoningJob
	if err := q.registry.Validate(schema.KindJob, job, &validated); err != nil {
		return AdmitOutcome{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	result, quota, usage := q.accounting.TryAdmit(validated.TenantID)
	switch result {
	case tenant.QuotaExceeded:
		return AdmitOutcome{TenantID: validated.TenantID, Quota: quota, Usage: usage}, ErrTenantQuotaExceeded
	case tenant.DepthExceeded:
		return AdmitOutcome{
			QueueDepth: q.accounting.Snapshot().QueueDepth,
			Limit:      q.accounting.MaxQueueDepth(),
		}, ErrQueueDepthExceeded
	}

	q.mu.Lock()
	q.pending = append(q.pending, pendingEntry{job: validated})
	position := len(q.pending)
	q.mu.Unlock()

	q.sink.TrackEvent("reasoning.queue.enqueued", map[string]string{"tenantId": validated.TenantID, "jobId": validated.JobID})
	q.sink.TrackMetric("reasoning.queue.depth", float64(q.accounting.Snapshot().QueueDepth), nil)

	go q.drain(context.WithoutCancel(ctx))

	return AdmitOutcome{Position: position, QueueDepth: q.accounting.Snapshot().QueueDepth, Quota: quota, Usage: usage}, nil
}

// drain re-entrantly pops the head of the pending FIFO and dispatches it
// to the bus. Concurrent calls collapse to a single in-progress drain via
// the draining flag, and that drain waits for each send before popping
// the next entry, so at most one send is in flight at a time whatever
// maxDispatchInFlight is set to.
func (q *Queue) drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.inFlightDispatch >= q.maxDispatchInFlight {
			q.mu.Unlock()
			return
		}
		entry := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlightDispatch++
		q.mu.Unlock()

		ok := q.dispatchOne(ctx, entry)

		q.mu.Lock()
		q.inFlightDispatch--
		q.mu.Unlock()

		if !ok {
			// Dispatch failed and the job was requeued at the head; stop
			// this drain pass so the caller's next enqueue or a timer
			// retries it, per the reference scheduler's fail-and-retry
			// shape rather than hot-looping on a broken bus.
			return
		}
	}
}

// dispatchOne moves entry's tenant usage from queued to active
// optimistically, then attempts the bus send. On failure it reverts the
// counters and pushes the job back to the head of the FIFO, returning
// false so drain stops rather than hammering a failing bus.
func (q *Queue) dispatchOne(ctx context.Context, entry pendingEntry) bool {
	q.accounting.OnDispatchStart(entry.job.TenantID)

	if q.bus == nil {
		q.accounting.RevertDispatch(entry.job.TenantID)
		q.requeueHead(entry)
		q.sink.TrackException(ErrBusUnavailable, map[string]string{"tenantId": entry.job.TenantID, "jobId": entry.job.JobID})
		return false
	}

	body, err := json.Marshal(entry.job)
	if err != nil {
		q.accounting.RevertDispatch(entry.job.TenantID)
		q.requeueHead(entry)
		q.sink.TrackException(err, map[string]string{"tenantId": entry.job.TenantID, "jobId": entry.job.JobID})
		return false
	}

	if err := q.bus.Send(ctx, q.jobSubject, body, entry.job.TenantID); err != nil {
		q.accounting.RevertDispatch(entry.job.TenantID)
		q.requeueHead(entry)
		q.sink.TrackException(fmt.Errorf("dispatch failed: %w", err), map[string]string{"tenantId": entry.job.TenantID, "jobId": entry.job.JobID})
		logging.Error("admission", "bus send failed, requeueing", "tenantId", entry.job.TenantID, "jobId", entry.job.JobID, "error", err)
		return false
	}

	q.sink.TrackEvent("reasoning.queue.dispatched", map[string]string{"tenantId": entry.job.TenantID, "jobId": entry.job.JobID})
	return true
}

// requeueHead pushes entry back to the front of the FIFO after a failed
// dispatch, preserving order for the next drain attempt.
func (q *Queue) requeueHead(entry pendingEntry) {
	q.mu.Lock()
	q.pending = append([]pendingEntry{entry}, q.pending...)
	q.mu.Unlock()
}

// Snapshot returns the current accounting view.
func (q *Queue) Snapshot() tenant.Snapshot {
	return q.accounting.Snapshot()
}
