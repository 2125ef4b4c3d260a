// Package cache implements the tiered read path: an in-process memory tier in
// front of the durable store, with the network as the tier of last resort.
// Reads serve the freshest local copy immediately and revalidate stale entries
// in the background, so callers see data fast and converge to server state.
//
// The cache is not mutation-aware. Every mutation enqueued on the sync
// manager must be paired with an immediate Set or InvalidateEntity call here
// by the same caller, so that a pending delete reads as deleted and a pending
// write reads as written before the server confirms. The cache never polls
// the mutation queue itself.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"offsync/bus"
	"offsync/store"
)

// DefaultStaleAfter is how old a local copy may be before a background
// revalidation is scheduled on read.
const DefaultStaleAfter = 5 * time.Minute

// Source names the tier a result was served from.
type Source string

const (
	SourceMemory  Source = "memory"
	SourceStore   Source = "store"
	SourceNetwork Source = "network"
)

// Status is the outcome classification of a read.
type Status string

const (
	// StatusLoading marks an intermediate notification while a fetch is in
	// flight and no local copy exists.
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is one read outcome: the record (nil on error), the tier it came
// from and the error when Status is error.
type Result struct {
	Record *store.Record
	Source Source
	Status Status
	Err    error
}

// Fetcher retrieves entities from the remote endpoint. FetchCollection
// returns the full set for an entity type keyed by entity ID.
type Fetcher interface {
	FetchEntity(ctx context.Context, entityType, entityID string) (json.RawMessage, error)
	FetchCollection(ctx context.Context, entityType string) (map[string]json.RawMessage, error)
}

// Options tunes the cache manager.
type Options struct {
	// StaleAfter is the revalidation threshold. Default: 5 minutes.
	StaleAfter time.Duration

	// Clock overrides the time source (for tests). Default: time.Now.
	Clock func() time.Time
}

// Manager coordinates the three tiers. Construct with New; the bus may be nil
// (no cross-instance notifications).
type Manager struct {
	store   store.Store
	fetcher Fetcher
	bus     bus.Bus
	now     func() time.Time

	staleAfter time.Duration
	group      singleflight.Group

	mu      sync.RWMutex
	memory  map[string]store.Record
	subs    map[string]map[int]func(Result)
	nextSub int
	closed  bool

	unsubBus func()
	refresh  sync.WaitGroup
}

// New creates a cache manager over the given store and fetcher. When a bus is
// provided, events from other instances invalidate the memory tier so the
// next read re-populates from store or network.
func New(st store.Store, f Fetcher, b bus.Bus, opts Options) *Manager {
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		store:      st,
		fetcher:    f,
		bus:        b,
		now:        now,
		staleAfter: staleAfter,
		memory:     make(map[string]store.Record),
		subs:       make(map[string]map[int]func(Result)),
	}

	if b != nil {
		m.unsubBus = b.Subscribe(nil, m.handleBusEvent)
	}

	return m
}

// Close drops the bus subscription and waits for in-flight background
// refreshes to settle.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if m.unsubBus != nil {
		m.unsubBus()
	}
	m.refresh.Wait()
}

func cacheKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// GetEntity serves one entity through the tiers: memory first, then the
// durable store, then the network. A hit older than the staleness threshold
// is still returned immediately, with a background revalidation scheduled.
// Store unavailability is not fatal; the read degrades to network-only.
func (m *Manager) GetEntity(ctx context.Context, entityType, entityID string) Result {
	key := cacheKey(entityType, entityID)

	m.mu.RLock()
	rec, ok := m.memory[key]
	m.mu.RUnlock()
	if ok {
		if m.isStale(rec.FetchedAt) {
			m.scheduleRefresh(entityType, entityID)
		}
		cp := rec
		cp.SourceTier = string(SourceMemory)
		return Result{Record: &cp, Source: SourceMemory, Status: StatusSuccess}
	}

	stored, err := m.store.GetEntity(ctx, entityType, entityID)
	switch {
	case err == nil:
		stored.SourceTier = string(SourceStore)
		m.putMemory(*stored)
		if m.isStale(stored.FetchedAt) {
			m.scheduleRefresh(entityType, entityID)
		}
		return Result{Record: stored, Source: SourceStore, Status: StatusSuccess}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStorageUnavailable):
		// Fall through to the network.
	default:
		return Result{Source: SourceStore, Status: StatusError, Err: err}
	}

	// No local copy anywhere; let subscribers show a loading state while the
	// network round trip runs.
	m.notify(entityType, entityID, Result{Source: SourceNetwork, Status: StatusLoading})
	return m.fetchEntity(ctx, entityType, entityID)
}

// fetchEntity performs the network fetch for one entity, collapsed across
// concurrent callers, and writes the result through both local tiers.
func (m *Manager) fetchEntity(ctx context.Context, entityType, entityID string) Result {
	key := cacheKey(entityType, entityID)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		payload, err := m.fetcher.FetchEntity(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
		rec := store.Record{
			EntityType: entityType,
			EntityID:   entityID,
			Payload:    payload,
			FetchedAt:  m.now(),
			SourceTier: string(SourceNetwork),
		}
		m.writeThrough(ctx, rec)
		return rec, nil
	})
	if err != nil {
		return Result{Source: SourceNetwork, Status: StatusError, Err: err}
	}

	rec := v.(store.Record)
	return Result{Record: &rec, Source: SourceNetwork, Status: StatusSuccess}
}

// GetEntities serves a whole collection. The store tier is authoritative for
// membership when available; the network is consulted when the store has
// nothing or is unavailable. A zero-row collection is indistinguishable from
// one never fetched, so an authoritatively empty collection consults the
// network on every call; request collapsing keeps concurrent readers to one
// fetch.
func (m *Manager) GetEntities(ctx context.Context, entityType string) ([]store.Record, Source, error) {
	recs, err := m.store.GetEntities(ctx, entityType)
	if err == nil && len(recs) > 0 {
		stale := false
		for i := range recs {
			recs[i].SourceTier = string(SourceStore)
			m.putMemory(recs[i])
			if m.isStale(recs[i].FetchedAt) {
				stale = true
			}
		}
		if stale {
			m.scheduleCollectionRefresh(entityType)
		}
		return recs, SourceStore, nil
	}
	if err != nil && !errors.Is(err, store.ErrStorageUnavailable) {
		return nil, SourceStore, err
	}

	return m.fetchCollection(ctx, entityType)
}

func (m *Manager) fetchCollection(ctx context.Context, entityType string) ([]store.Record, Source, error) {
	v, err, _ := m.group.Do("collection/"+entityType, func() (interface{}, error) {
		byID, err := m.fetcher.FetchCollection(ctx, entityType)
		if err != nil {
			return nil, err
		}
		recs := make([]store.Record, 0, len(byID))
		for id, payload := range byID {
			recs = append(recs, store.Record{
				EntityType: entityType,
				EntityID:   id,
				Payload:    payload,
				FetchedAt:  m.now(),
				SourceTier: string(SourceNetwork),
			})
		}
		if err := m.store.BulkPutEntities(ctx, recs); err != nil && !errors.Is(err, store.ErrStorageUnavailable) {
			return nil, err
		}
		for i := range recs {
			m.putMemory(recs[i])
		}
		return recs, nil
	})
	if err != nil {
		return nil, SourceNetwork, err
	}
	return v.([]store.Record), SourceNetwork, nil
}

// GetByList serves the subset of a collection whose payload carries the given
// list ID under the `listId` field.
func (m *Manager) GetByList(ctx context.Context, entityType, listID string) ([]store.Record, Source, error) {
	recs, src, err := m.GetEntities(ctx, entityType)
	if err != nil {
		return nil, src, err
	}

	filtered := recs[:0]
	for _, rec := range recs {
		var fields struct {
			ListID string `json:"listId"`
		}
		if json.Unmarshal(rec.Payload, &fields) == nil && fields.ListID == listID {
			filtered = append(filtered, rec)
		}
	}
	return filtered, src, nil
}

// Set writes an entity through both local tiers and announces the change.
// Used for optimistic updates; the durable write is skipped silently when
// storage is unavailable so the optimistic state still lands in memory.
func (m *Manager) Set(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	rec := store.Record{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		FetchedAt:  m.now(),
		SourceTier: string(SourceMemory),
	}
	m.writeThrough(ctx, rec)

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:     bus.EventCacheUpdated,
			Entity:   entityType,
			EntityID: entityID,
			Payload:  payload,
		})
	}
	return nil
}

// InvalidateEntity drops an entity (or, with an empty ID, a whole collection)
// from both local tiers and announces the removal.
func (m *Manager) InvalidateEntity(ctx context.Context, entityType, entityID string) error {
	if entityID == "" {
		m.dropCollection(entityType)
		if err := m.store.DeleteEntities(ctx, entityType); err != nil && !errors.Is(err, store.ErrStorageUnavailable) {
			return err
		}
		if m.bus != nil {
			m.bus.Publish(bus.Event{Type: bus.EventCacheUpdated, Entity: entityType})
		}
		return nil
	}

	m.dropMemory(entityType, entityID)
	if err := m.store.DeleteEntity(ctx, entityType, entityID); err != nil && !errors.Is(err, store.ErrStorageUnavailable) {
		return err
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{Type: bus.EventEntityDeleted, Entity: entityType, EntityID: entityID})
	}
	return nil
}

// Subscribe registers fn for changes to one entity key. Multiple subscribers
// per key are independent; the returned function removes only this one.
func (m *Manager) Subscribe(entityType, entityID string, fn func(Result)) func() {
	key := cacheKey(entityType, entityID)

	m.mu.Lock()
	if m.subs[key] == nil {
		m.subs[key] = make(map[int]func(Result))
	}
	id := m.nextSub
	m.nextSub++
	m.subs[key][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs[key], id)
		m.mu.Unlock()
	}
}

// handleBusEvent applies a cross-instance change notification to the memory
// tier. Deletions drop the entry; updates and synced mutations drop it too,
// so the next read re-populates from the store or the network.
func (m *Manager) handleBusEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventEntityDeleted:
		m.dropMemory(ev.Entity, ev.EntityID)
		m.notify(ev.Entity, ev.EntityID, Result{Source: SourceMemory, Status: StatusSuccess})
	case bus.EventCacheUpdated:
		if ev.EntityID == "" {
			m.dropCollection(ev.Entity)
			return
		}
		if len(ev.Payload) > 0 {
			rec := store.Record{
				EntityType: ev.Entity,
				EntityID:   ev.EntityID,
				Payload:    ev.Payload,
				FetchedAt:  m.now(),
				SourceTier: string(SourceMemory),
			}
			m.putMemory(rec)
			m.notify(ev.Entity, ev.EntityID, Result{Record: &rec, Source: SourceMemory, Status: StatusSuccess})
			return
		}
		m.dropMemory(ev.Entity, ev.EntityID)
	case bus.EventMutationSynced:
		m.dropMemory(ev.Entity, ev.EntityID)
		m.scheduleRefresh(ev.Entity, ev.EntityID)
	}
}

// writeThrough puts a record in memory and, best effort, in the store.
func (m *Manager) writeThrough(ctx context.Context, rec store.Record) {
	m.putMemory(rec)
	if err := m.store.PutEntity(ctx, &rec); err != nil && !errors.Is(err, store.ErrStorageUnavailable) {
		// Unexpected store failure; the memory copy still serves reads.
		m.notify(rec.EntityType, rec.EntityID, Result{
			Record: &rec,
			Source: SourceMemory,
			Status: StatusError,
			Err:    fmt.Errorf("durable write: %w", err),
		})
		return
	}
	m.notify(rec.EntityType, rec.EntityID, Result{Record: &rec, Source: SourceMemory, Status: StatusSuccess})
}

func (m *Manager) putMemory(rec store.Record) {
	m.mu.Lock()
	m.memory[cacheKey(rec.EntityType, rec.EntityID)] = rec
	m.mu.Unlock()
}

func (m *Manager) dropMemory(entityType, entityID string) {
	m.mu.Lock()
	delete(m.memory, cacheKey(entityType, entityID))
	m.mu.Unlock()
}

func (m *Manager) dropCollection(entityType string) {
	prefix := entityType + "/"
	m.mu.Lock()
	for key := range m.memory {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.memory, key)
		}
	}
	m.mu.Unlock()
}

// notify fans a result out to the key's subscribers. Delivery is synchronous,
// so successive changes to the same key arrive in order.
func (m *Manager) notify(entityType, entityID string, res Result) {
	key := cacheKey(entityType, entityID)

	m.mu.RLock()
	fns := make([]func(Result), 0, len(m.subs[key]))
	for _, fn := range m.subs[key] {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(res)
	}
}

func (m *Manager) isStale(fetchedAt time.Time) bool {
	return m.now().Sub(fetchedAt) > m.staleAfter
}

// scheduleRefresh revalidates one entity from the network without blocking
// the caller. Failures are delivered to subscribers and otherwise dropped;
// the stale copy keeps serving.
func (m *Manager) scheduleRefresh(entityType, entityID string) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	m.refresh.Add(1)
	go func() {
		defer m.refresh.Done()
		res := m.fetchEntity(context.Background(), entityType, entityID)
		if res.Status == StatusError {
			m.notify(entityType, entityID, res)
		}
	}()
}

func (m *Manager) scheduleCollectionRefresh(entityType string) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	m.refresh.Add(1)
	go func() {
		defer m.refresh.Done()
		m.fetchCollection(context.Background(), entityType)
	}()
}
