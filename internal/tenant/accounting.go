// Package tenant maintains per-tenant queue/active counters and resolves
// quota admissibility. All mutations are serialized behind a single
// mutex, following the reference control plane's "encapsulate in a
// single accounting object with internal synchronization" design note;
// no callback invoked while the lock is held is permitted to re-enter
// the accounting object.
package tenant

import (
	"sort"
	"sync"

	"github.com/ewoutbarendregt/crosscheck/internal/model"
)

// Usage is a tenant's current queued/active counters.
type Usage struct {
	Queued int
	Active int
}

// QuotaPolicy resolves the admissible queued+active ceiling for a tenant.
type QuotaPolicy struct {
	DefaultQuota int
	Overrides    map[string]int
}

// QuotaFor returns the tenant's override quota if configured, else the
// process default.
func (p QuotaPolicy) QuotaFor(tenantID string) int {
	if p.Overrides != nil {
		if q, ok := p.Overrides[tenantID]; ok && q > 0 {
			return q
		}
	}
	if p.DefaultQuota <= 0 {
		return 1
	}
	return p.DefaultQuota
}

// AdmitResult is the outcome of a TryAdmit call.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	QuotaExceeded
	DepthExceeded
)

// TenantSnapshot is one row of Accounting.Snapshot().
type TenantSnapshot struct {
	TenantID string `json:"tenantId"`
	Queued   int    `json:"queued"`
	Active   int    `json:"active"`
	Quota    int    `json:"quota"`
}

// Snapshot is the full accounting view returned to the admin endpoint.
type Snapshot struct {
	QueueDepth    int              `json:"queueDepth"`
	MaxQueueDepth int              `json:"maxQueueDepth"`
	Tenants       []TenantSnapshot `json:"tenants"`
}

// Accounting is the single authoritative source of tenant queue/active
// counters for one admission process.
type Accounting struct {
	mu            sync.Mutex
	policy        QuotaPolicy
	maxQueueDepth int
	usage         map[string]Usage
	totalDepth    int
}

// NewAccounting constructs an Accounting with the given quota policy and
// global queue-depth ceiling.
func NewAccounting(policy QuotaPolicy, maxQueueDepth int) *Accounting {
	if maxQueueDepth <= 0 {
		maxQueueDepth = 1
	}
	return &Accounting{
		policy:        policy,
		maxQueueDepth: maxQueueDepth,
		usage:         make(map[string]Usage),
	}
}

// QuotaFor returns the tenant's configured quota.
func (a *Accounting) QuotaFor(tenantID string) int {
	return a.policy.QuotaFor(tenantID)
}

// MaxQueueDepth returns the configured global ceiling.
func (a *Accounting) MaxQueueDepth() int {
	return a.maxQueueDepth
}

// UsageFor returns the tenant's current counters (0/0 if never referenced).
func (a *Accounting) UsageFor(tenantID string) Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage[tenantID]
}

// ActiveFor returns the tenant's current active count.
func (a *Accounting) ActiveFor(tenantID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage[tenantID].Active
}

// TryAdmit atomically checks the tenant quota and the global ceiling and,
// if both pass, increments the tenant's queued counter. It returns the
// resulting outcome along with the tenant's quota and usage: on Admitted
// the usage already includes the new queued unit; on a refusal it is the
// usage observed at decision time (for error reporting).
func (a *Accounting) TryAdmit(tenantID string) (AdmitResult, int, Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	quota := a.policy.QuotaFor(tenantID)
	if a.totalDepth >= a.maxQueueDepth {
		return DepthExceeded, quota, a.usage[tenantID]
	}
	u := a.usage[tenantID]
	if u.Queued+u.Active >= quota {
		return QuotaExceeded, quota, u
	}
	u.Queued++
	a.usage[tenantID] = u
	a.totalDepth++
	return Admitted, quota, u
}

// OnDispatchStart moves one unit of a tenant's usage from queued to
// active at the start of a dispatch, before the bus send; RevertDispatch
// undoes it if the send fails.
func (a *Accounting) OnDispatchStart(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.usage[tenantID]
	if u.Queued > 0 {
		u.Queued--
	}
	u.Active++
	a.setLocked(tenantID, u)
}

// RevertDispatch undoes OnDispatchStart after a failed bus send, moving
// the unit back from active to queued.
func (a *Accounting) RevertDispatch(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.usage[tenantID]
	if u.Active > 0 {
		u.Active--
	}
	u.Queued++
	a.setLocked(tenantID, u)
}

// OnTerminal records a terminal lifecycle event for a tenant. completed,
// failed, and rejected all decrement active (floored at zero, a
// defensive no-op if already zero); started is a no-op since accounting
// already moved queued to active at dispatch.
func (a *Accounting) OnTerminal(tenantID string, eventType model.UsageEventType) {
	if eventType == model.UsageStarted {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	u := a.usage[tenantID]
	if u.Active > 0 {
		u.Active--
	}
	a.setLocked(tenantID, u)
}

// setLocked writes usage back to the map, updates the running global
// depth counter, and reclaims the entry if both counters are zero. Must
// be called with a.mu held.
func (a *Accounting) setLocked(tenantID string, u Usage) {
	prev := a.usage[tenantID]
	a.totalDepth += (u.Queued + u.Active) - (prev.Queued + prev.Active)
	if a.totalDepth < 0 {
		a.totalDepth = 0
	}
	if u.Queued == 0 && u.Active == 0 {
		delete(a.usage, tenantID)
		return
	}
	a.usage[tenantID] = u
}

// Snapshot returns the current queue depth, the configured ceiling, and
// every tenant's counters sorted by tenant id.
func (a *Accounting) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	tenants := make([]TenantSnapshot, 0, len(a.usage))
	for tenantID, u := range a.usage {
		tenants = append(tenants, TenantSnapshot{
			TenantID: tenantID,
			Queued:   u.Queued,
			Active:   u.Active,
			Quota:    a.policy.QuotaFor(tenantID),
		})
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].TenantID < tenants[j].TenantID })
	return Snapshot{
		QueueDepth:    a.totalDepth,
		MaxQueueDepth: a.maxQueueDepth,
		Tenants:       tenants,
	}
}
