// Package syncer owns the pending-mutation queue: it accepts new mutations,
// flushes them to the network when connectivity allows, enforces single-flight
// execution, applies bounded retry with failure demotion, and exposes
// introspection and manual controls.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"offsync/bus"
	"offsync/client"
	"offsync/store"
)

// DefaultMaxRetries is the number of failed flush attempts after which a
// mutation is demoted to failed.
const DefaultMaxRetries = 3

// Requester issues one network request on behalf of a mutation. Satisfied by
// *client.Client.
type Requester interface {
	Do(ctx context.Context, method, path string, body json.RawMessage) (*client.Response, error)
}

// Options tunes the sync manager.
type Options struct {
	// MaxRetries is the failure demotion threshold. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the base of the bounded exponential backoff between
	// retry attempts of one mutation. Zero means a demoted mutation is
	// eligible again immediately, matching the original deployment's
	// observed behavior.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff. Default: 32x the base delay.
	RetryMaxDelay time.Duration

	// Clock overrides the time source (for tests). Default: time.Now.
	Clock func() time.Time
}

// Result summarizes one flush cycle.
type Result struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Stats reports queue counts grouped by status. Completed mutations are
// deleted on success, so Completed is always 0 here; the pass-local success
// count lives in the flush Result instead.
type Stats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Manager is the sync manager. Construct one per process with New; all state
// (single-flight guard, backoff bookkeeping) is instance state so independent
// instances can run in isolation.
type Manager struct {
	store   store.Store
	client  Requester
	bus     bus.Bus
	monitor *Monitor
	now     func() time.Time

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	flushing atomic.Bool

	mu          sync.Mutex
	nextAttempt map[string]time.Time // per-mutation backoff eligibility
	lastFlush   time.Time
}

// New creates a sync manager with injected dependencies. The bus may be nil
// (no cross-tab notifications). On every offline-to-online transition of the
// monitor a flush cycle is triggered automatically.
func New(st store.Store, rq Requester, b bus.Bus, mon *Monitor, opts Options) *Manager {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay <= 0 && opts.RetryBaseDelay > 0 {
		maxDelay = 32 * opts.RetryBaseDelay
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if mon == nil {
		mon = NewMonitor(ModeAuto, nil, 0)
	}

	m := &Manager{
		store:       st,
		client:      rq,
		bus:         b,
		monitor:     mon,
		now:         now,
		maxRetries:  maxRetries,
		baseDelay:   opts.RetryBaseDelay,
		maxDelay:    maxDelay,
		nextAttempt: make(map[string]time.Time),
	}

	mon.OnOnline(func() {
		go m.SyncPendingMutations(context.Background())
	})

	return m
}

// Monitor returns the connectivity monitor this manager observes.
func (m *Manager) Monitor() *Monitor {
	return m.monitor
}

// QueueMutation creates and persists a pending mutation, then - only if the
// device is currently online - asynchronously triggers a flush cycle. It
// never blocks on network completion.
//
// Queueing does not touch the read path: callers must pair every enqueue
// with an immediate cache Set or InvalidateEntity for the target entity.
func (m *Manager) QueueMutation(ctx context.Context, kind store.MutationKind, entityType, entityID, endpoint, method string, body json.RawMessage) (*store.Mutation, error) {
	mut := &store.Mutation{
		ID:         store.GenerateID(),
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Endpoint:   endpoint,
		Method:     method,
		Body:       body,
		Status:     store.StatusPending,
		Timestamp:  m.now(),
	}

	if err := m.store.PutMutation(ctx, mut); err != nil {
		return nil, err
	}

	if m.monitor.Online() {
		go m.SyncPendingMutations(context.Background())
	}

	return mut, nil
}

// SyncPendingMutations runs one flush cycle. If a cycle is already in
// progress, the engine is offline, or no network client is configured, it
// returns immediately with a zero Result and makes no network calls. The
// pending set is read fresh at pass start, so a concurrent enqueue is picked
// up by the running pass or the next one.
func (m *Manager) SyncPendingMutations(ctx context.Context) Result {
	if !m.flushing.CompareAndSwap(false, true) {
		// Concurrent-flush collision: not an error, zero-effect result.
		return Result{}
	}
	defer m.flushing.Store(false)

	if m.client == nil || !m.monitor.Online() {
		return Result{}
	}

	var res Result
	pending, err := m.store.MutationsByStatus(ctx, store.StatusPending)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("read pending queue: %v", err))
		return res
	}

	now := m.now()
	for i := range pending {
		mut := &pending[i]
		if !m.eligible(mut.ID, now) {
			continue
		}

		switch m.flushOne(ctx, mut) {
		case flushOK:
			res.Success++
		case flushFailed:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("mutation %s: %s", mut.ID, mut.LastError))
		case flushDiscarded:
			// Cancelled mid-flight; counts toward neither outcome.
		}
	}

	m.mu.Lock()
	m.lastFlush = m.now()
	m.mu.Unlock()

	return res
}

type flushOutcome int

const (
	flushOK flushOutcome = iota
	flushFailed
	flushDiscarded
)

// flushOne drives one mutation through the syncing state, issues its network
// request and applies the retry/demotion rules. The mutation's LastError
// field is updated in place so the caller can report it.
func (m *Manager) flushOne(ctx context.Context, mut *store.Mutation) flushOutcome {
	mut.Status = store.StatusSyncing
	if err := m.store.UpdateMutation(ctx, mut); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Cancelled since the pass snapshot was taken.
			return flushDiscarded
		}
		mut.LastError = err.Error()
		return flushFailed
	}

	resp, reqErr := m.client.Do(ctx, mut.Method, mut.Endpoint, mut.Body)

	// Re-check existence before applying the outcome: a cancellation that
	// raced the network call wins, and the response is discarded.
	if _, err := m.store.GetMutation(ctx, mut.ID); errors.Is(err, store.ErrNotFound) {
		return flushDiscarded
	}

	if reqErr == nil {
		if err := m.store.DeleteMutation(ctx, mut.ID); err != nil {
			mut.LastError = err.Error()
			return flushFailed
		}
		m.clearBackoff(mut.ID)
		m.publishSynced(mut, resp)
		return flushOK
	}

	// Failure: demote or re-queue.
	mut.RetryCount++
	if mut.RetryCount >= m.maxRetries {
		mut.Status = store.StatusFailed
		mut.LastError = reqErr.Error()
		m.clearBackoff(mut.ID)
	} else {
		mut.Status = store.StatusPending
		mut.LastError = reqErr.Error()
		m.scheduleBackoff(mut.ID, mut.RetryCount)
	}

	if err := m.store.UpdateMutation(ctx, mut); err != nil && !errors.Is(err, store.ErrNotFound) {
		mut.LastError = err.Error()
	}
	return flushFailed
}

// publishSynced broadcasts a mutation_synced event carrying the response body.
func (m *Manager) publishSynced(mut *store.Mutation, resp *client.Response) {
	if m.bus == nil {
		return
	}
	var payload json.RawMessage
	if resp != nil {
		payload = resp.Body
	}
	m.bus.Publish(bus.Event{
		Type:     bus.EventMutationSynced,
		Entity:   mut.EntityType,
		EntityID: mut.EntityID,
		Payload:  payload,
	})
}

// eligible reports whether a mutation's retry backoff window has elapsed.
func (m *Manager) eligible(id string, now time.Time) bool {
	if m.baseDelay <= 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.nextAttempt[id]
	return !ok || !now.Before(next)
}

// scheduleBackoff records when a demoted mutation becomes eligible again:
// base * 2^(retryCount-1), capped at the max delay.
func (m *Manager) scheduleBackoff(id string, retryCount int) {
	if m.baseDelay <= 0 {
		return
	}
	delay := m.baseDelay * time.Duration(math.Pow(2, float64(retryCount-1)))
	if m.maxDelay > 0 && delay > m.maxDelay {
		delay = m.maxDelay
	}
	m.mu.Lock()
	m.nextAttempt[id] = m.now().Add(delay)
	m.mu.Unlock()
}

func (m *Manager) clearBackoff(id string) {
	if m.baseDelay <= 0 {
		return
	}
	m.mu.Lock()
	delete(m.nextAttempt, id)
	m.mu.Unlock()
}

// GetPendingMutations returns all pending mutations sorted by ascending
// timestamp. Syncing, completed and failed mutations are excluded.
func (m *Manager) GetPendingMutations(ctx context.Context) ([]store.Mutation, error) {
	return m.store.MutationsByStatus(ctx, store.StatusPending)
}

// GetFailedMutations returns all failed mutations sorted by ascending
// timestamp.
func (m *Manager) GetFailedMutations(ctx context.Context) ([]store.Mutation, error) {
	return m.store.MutationsByStatus(ctx, store.StatusFailed)
}

// GetMutationStats returns queue counts grouped by status.
func (m *Manager) GetMutationStats(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountMutationsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending: counts[store.StatusPending] + counts[store.StatusSyncing],
		Failed:  counts[store.StatusFailed],
	}, nil
}

// CancelMutation removes a mutation from the queue unconditionally,
// regardless of its current status. A mutation already mid-flight is not
// aborted, but its result is discarded rather than applied.
func (m *Manager) CancelMutation(ctx context.Context, id string) error {
	m.clearBackoff(id)
	return m.store.DeleteMutation(ctx, id)
}

// RetryFailedMutations resets every failed mutation to pending - retry counts
// keep accumulating, preserving the audit of total attempts - and immediately
// runs a flush cycle.
func (m *Manager) RetryFailedMutations(ctx context.Context) (Result, error) {
	failed, err := m.store.MutationsByStatus(ctx, store.StatusFailed)
	if err != nil {
		return Result{}, err
	}

	for i := range failed {
		mut := &failed[i]
		mut.Status = store.StatusPending
		if err := m.store.UpdateMutation(ctx, mut); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
	}

	return m.SyncPendingMutations(ctx), nil
}

// ClearQueue removes every queued mutation regardless of status and returns
// how many were dropped.
func (m *Manager) ClearQueue(ctx context.Context) (int, error) {
	dropped := 0
	for _, status := range []store.MutationStatus{store.StatusPending, store.StatusSyncing, store.StatusFailed} {
		muts, err := m.store.MutationsByStatus(ctx, status)
		if err != nil {
			return dropped, err
		}
		for i := range muts {
			if err := m.store.DeleteMutation(ctx, muts[i].ID); err != nil {
				return dropped, err
			}
			dropped++
		}
	}

	return dropped, nil
}

// LastFlushTime returns when the last flush cycle finished, or the zero time
// if none ran yet.
func (m *Manager) LastFlushTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFlush
}
