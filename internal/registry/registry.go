// Package registry implements the task registry (spec §4.3, component C3):
// three bounded mappings — pending, completed, and owner records — each
// guarded so that no I/O or external collaborator call ever happens while
// the registry's lock is held.
package registry

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/notify"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

// ErrCapacity is returned by Admit when the pending set is saturated.
type ErrCapacity struct{}

func (ErrCapacity) Error() string { return "pending task capacity exceeded" }

// LookupResult is the outcome of a lookup/cancel ownership check.
type LookupResult int

const (
	LookupNotFound LookupResult = iota
	LookupForbidden
	LookupRunning
	LookupCompleted
)

// PendingHandle is returned on admission; callers use it to arm a wait and
// to later report completion.
type PendingHandle struct {
	Submission task.Submission
	AdmittedAt time.Time
	Notifier   *notify.Notifier
}

// Registry owns the pending, completed, and owner record families. All
// three invariants from spec §3 (bounded maps, owner presence) are enforced
// here and nowhere else.
type Registry struct {
	mu          sync.Mutex
	pending     map[string]*PendingHandle
	owners      map[string]string
	completed   *gocache.Cache
	maxPending  int
	maxComplete int
	ttl         time.Duration
}

// New constructs a Registry. maxPending and maxCompleted are the bounds from
// spec §3; ttl is the default completed-record lifetime (spec §4.3).
func New(maxPending, maxCompleted int, ttl time.Duration) *Registry {
	return &Registry{
		pending:     make(map[string]*PendingHandle),
		owners:      make(map[string]string),
		completed:   gocache.New(ttl, time.Minute),
		maxPending:  maxPending,
		maxComplete: maxCompleted,
		ttl:         ttl,
	}
}

// Admit inserts a PendingRecord and its OwnerRecord atomically (spec §4.2
// step 8). The notifier is armed here, before dispatch, eliminating the
// fast-completion race described in spec §4.10.
func (r *Registry) Admit(sub task.Submission, identity string) (*PendingHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= r.maxPending {
		return nil, ErrCapacity{}
	}

	handle := &PendingHandle{
		Submission: sub,
		AdmittedAt: time.Now(),
		Notifier:   notify.New(),
	}
	r.pending[sub.TaskID] = handle
	r.owners[sub.TaskID] = identity
	return handle, nil
}

// Complete removes the pending record, stores the completed record (with
// the configured TTL, evicting the eldest-by-expiry completed record if the
// registry is over its cap), and fires the pending handle's notifier.
func (r *Registry) Complete(taskID string, rec task.CompletedRecord) {
	r.mu.Lock()
	handle := r.pending[taskID]
	delete(r.pending, taskID)

	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = time.Now().Add(r.ttl)
	}
	r.evictOldestLocked()
	r.completed.Set(taskID, rec, time.Until(rec.ExpiresAt))
	r.mu.Unlock()

	if handle != nil {
		handle.Notifier.Fire(rec)
	}
}

// evictOldestLocked drops the completed record with the earliest expiry
// when the store is at capacity. Must be called with r.mu held.
func (r *Registry) evictOldestLocked() {
	if r.completed.ItemCount() < r.maxComplete {
		return
	}
	var oldestKey string
	var oldestExp int64
	first := true
	for k, item := range r.completed.Items() {
		if first || item.Expiration < oldestExp {
			oldestKey = k
			oldestExp = item.Expiration
			first = false
		}
	}
	if oldestKey != "" {
		r.completed.Delete(oldestKey)
		delete(r.owners, oldestKey)
	}
}

// Lookup reports the state of a task and enforces the owner gate (spec
// §4.3, §8): a requester that differs from the admitting identity sees
// LookupForbidden rather than the task's real state while the task exists.
func (r *Registry) Lookup(taskID, requester string) (LookupResult, *task.CompletedRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner, exists := r.owners[taskID]
	if !exists {
		return LookupNotFound, nil
	}
	if owner != requester {
		return LookupForbidden, nil
	}

	if v, ok := r.completed.Get(taskID); ok {
		rec := v.(task.CompletedRecord)
		return LookupCompleted, &rec
	}
	if _, ok := r.pending[taskID]; ok {
		return LookupRunning, nil
	}
	return LookupNotFound, nil
}

// Owner returns the owning identity for a task id, if any.
func (r *Registry) Owner(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[taskID]
	return owner, ok
}

// PendingHandleFor returns the live pending handle for a task id, used by
// the cancel path and by synchronous waiters.
func (r *Registry) PendingHandleFor(taskID string) (*PendingHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.pending[taskID]
	return h, ok
}

// PendingCount reports the current number of in-flight tasks.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// CompletedCount reports the current number of stored completed records.
func (r *Registry) CompletedCount() int {
	return r.completed.ItemCount()
}

// Sweep removes expired completed records and their owner entries. go-cache
// already runs its own janitor for expiry; this additionally drops the
// owner rows so spec §3's "OwnerRecord exists exactly while a pending or
// completed record exists" invariant does not leak entries between the
// janitor's sweep and ours.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID := range r.owners {
		if _, pend := r.pending[taskID]; pend {
			continue
		}
		if _, comp := r.completed.Get(taskID); comp {
			continue
		}
		delete(r.owners, taskID)
	}
}
