package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offsync/bus"
	"offsync/store"
	"offsync/store/memory"
)

// fakeFetcher serves scripted payloads and counts calls.
type fakeFetcher struct {
	mu          sync.Mutex
	entities    map[string]json.RawMessage // "type/id" -> payload
	collections map[string]map[string]json.RawMessage
	err         error
	entityCalls int32
	delay       time.Duration
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		entities:    make(map[string]json.RawMessage),
		collections: make(map[string]map[string]json.RawMessage),
	}
}

func (f *fakeFetcher) FetchEntity(_ context.Context, entityType, entityID string) (json.RawMessage, error) {
	atomic.AddInt32(&f.entityCalls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	payload, ok := f.entities[entityType+"/"+entityID]
	if !ok {
		return nil, fmt.Errorf("remote: %s/%s not found", entityType, entityID)
	}
	return payload, nil
}

func (f *fakeFetcher) FetchCollection(_ context.Context, entityType string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]json.RawMessage, len(f.collections[entityType]))
	for id, p := range f.collections[entityType] {
		out[id] = p
	}
	return out, nil
}

func (f *fakeFetcher) calls() int32 { return atomic.LoadInt32(&f.entityCalls) }

func newTestManager(t *testing.T, f Fetcher, b bus.Bus, opts Options) (*Manager, *memory.Store) {
	t.Helper()
	st := memory.New()
	m := New(st, f, b, opts)
	t.Cleanup(func() {
		m.Close()
		st.Close()
	})
	return m, st
}

func TestGetEntityServesFromNetworkWhenLocalTiersEmpty(t *testing.T) {
	f := newFakeFetcher()
	f.entities["todo/t1"] = json.RawMessage(`{"title":"buy milk"}`)
	m, st := newTestManager(t, f, nil, Options{})

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q, err = %v", res.Status, res.Err)
	}
	if res.Source != SourceNetwork {
		t.Errorf("Source = %q, want network", res.Source)
	}
	if string(res.Record.Payload) != `{"title":"buy milk"}` {
		t.Errorf("Payload = %s", res.Record.Payload)
	}

	// The fetch wrote through to the durable store.
	stored, err := st.GetEntity(context.Background(), "todo", "t1")
	if err != nil {
		t.Fatalf("store miss after network fetch: %v", err)
	}
	if string(stored.Payload) != `{"title":"buy milk"}` {
		t.Errorf("stored payload = %s", stored.Payload)
	}
}

func TestGetEntityServesFromMemoryOnSecondRead(t *testing.T) {
	f := newFakeFetcher()
	f.entities["todo/t1"] = json.RawMessage(`{"title":"x"}`)
	m, _ := newTestManager(t, f, nil, Options{})

	m.GetEntity(context.Background(), "todo", "t1")
	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Source != SourceMemory {
		t.Errorf("Source = %q, want memory", res.Source)
	}
	if n := f.calls(); n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
}

func TestGetEntityServesFromStoreWhenMemoryCold(t *testing.T) {
	f := newFakeFetcher()
	m, st := newTestManager(t, f, nil, Options{})

	st.PutEntity(context.Background(), &store.Record{
		EntityType: "todo", EntityID: "t1",
		Payload: json.RawMessage(`{"title":"stored"}`), FetchedAt: time.Now(),
	})

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Source != SourceStore {
		t.Errorf("Source = %q, want store", res.Source)
	}
	if n := f.calls(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestStaleEntryServedImmediatelyThenRevalidated(t *testing.T) {
	f := newFakeFetcher()
	f.entities["todo/t1"] = json.RawMessage(`{"title":"fresh"}`)
	m, st := newTestManager(t, f, nil, Options{StaleAfter: time.Minute})

	st.PutEntity(context.Background(), &store.Record{
		EntityType: "todo", EntityID: "t1",
		Payload:   json.RawMessage(`{"title":"stale"}`),
		FetchedAt: time.Now().Add(-time.Hour),
	})

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Source != SourceStore {
		t.Fatalf("Source = %q, want store (stale copy served immediately)", res.Source)
	}
	if string(res.Record.Payload) != `{"title":"stale"}` {
		t.Errorf("served payload = %s, want the stale copy", res.Record.Payload)
	}

	// The background revalidation lands in both tiers.
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetEntity(context.Background(), "todo", "t1")
		if err == nil && string(got.Payload) == `{"title":"fresh"}` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background refresh never updated the store")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res = m.GetEntity(context.Background(), "todo", "t1")
	if string(res.Record.Payload) != `{"title":"fresh"}` {
		t.Errorf("post-refresh payload = %s, want fresh", res.Record.Payload)
	}
}

func TestConcurrentReadsCollapseToOneFetch(t *testing.T) {
	f := newFakeFetcher()
	f.entities["todo/t1"] = json.RawMessage(`{"title":"x"}`)
	f.delay = 30 * time.Millisecond
	m, _ := newTestManager(t, f, nil, Options{})

	const readers = 10
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			res := m.GetEntity(context.Background(), "todo", "t1")
			if res.Status != StatusSuccess {
				t.Errorf("read failed: %v", res.Err)
			}
		}()
	}
	wg.Wait()

	if n := f.calls(); n != 1 {
		t.Errorf("network calls = %d, want 1 (collapsed)", n)
	}
}

func TestStorageUnavailableDegradesToNetworkOnly(t *testing.T) {
	f := newFakeFetcher()
	f.entities["todo/t1"] = json.RawMessage(`{"title":"x"}`)
	st := memory.New()
	m := New(st, f, nil, Options{})
	t.Cleanup(m.Close)
	st.Close()

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Status != StatusSuccess {
		t.Fatalf("degraded read failed: %v", res.Err)
	}
	if res.Source != SourceNetwork {
		t.Errorf("Source = %q, want network", res.Source)
	}

	// Memory tier still works without the store.
	res = m.GetEntity(context.Background(), "todo", "t1")
	if res.Source != SourceMemory {
		t.Errorf("second degraded read Source = %q, want memory", res.Source)
	}
}

func TestNetworkErrorYieldsErrorResult(t *testing.T) {
	f := newFakeFetcher()
	f.err = errors.New("gateway timeout")
	m, _ := newTestManager(t, f, nil, Options{})

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Status != StatusError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
	if res.Record != nil {
		t.Error("error result carries a record")
	}
	if res.Err == nil || res.Err.Error() != "gateway timeout" {
		t.Errorf("Err = %v", res.Err)
	}
}

func TestSetWritesThroughAndPublishes(t *testing.T) {
	f := newFakeFetcher()
	b := bus.NewLocal()
	m, st := newTestManager(t, f, b, Options{})

	var mu sync.Mutex
	var events []bus.Event
	b.Subscribe([]bus.EventType{bus.EventCacheUpdated}, func(ev bus.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	if err := m.Set(context.Background(), "todo", "t1", json.RawMessage(`{"title":"optimistic"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Source != SourceMemory || string(res.Record.Payload) != `{"title":"optimistic"}` {
		t.Errorf("read after Set = %+v", res)
	}
	stored, err := st.GetEntity(context.Background(), "todo", "t1")
	if err != nil || string(stored.Payload) != `{"title":"optimistic"}` {
		t.Errorf("store after Set: %v %s", err, stored.Payload)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].EntityID != "t1" {
		t.Errorf("published events = %v, want one cache_updated for t1", events)
	}
}

func TestInvalidateEntityDropsBothTiersAndPublishes(t *testing.T) {
	f := newFakeFetcher()
	b := bus.NewLocal()
	m, st := newTestManager(t, f, b, Options{})

	var mu sync.Mutex
	var deleted []string
	b.Subscribe([]bus.EventType{bus.EventEntityDeleted}, func(ev bus.Event) {
		mu.Lock()
		deleted = append(deleted, ev.EntityID)
		mu.Unlock()
	})

	m.Set(context.Background(), "todo", "t1", json.RawMessage(`{}`))
	if err := m.InvalidateEntity(context.Background(), "todo", "t1"); err != nil {
		t.Fatalf("InvalidateEntity: %v", err)
	}

	if _, err := st.GetEntity(context.Background(), "todo", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("store entry survived invalidation, err = %v", err)
	}

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Source == SourceMemory {
		t.Error("memory entry survived invalidation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "t1" {
		t.Errorf("entity_deleted events = %v, want [t1]", deleted)
	}
}

func TestInvalidateCollection(t *testing.T) {
	f := newFakeFetcher()
	m, st := newTestManager(t, f, nil, Options{})

	m.Set(context.Background(), "todo", "t1", json.RawMessage(`{}`))
	m.Set(context.Background(), "todo", "t2", json.RawMessage(`{}`))
	m.Set(context.Background(), "note", "n1", json.RawMessage(`{}`))

	if err := m.InvalidateEntity(context.Background(), "todo", ""); err != nil {
		t.Fatalf("InvalidateEntity(collection): %v", err)
	}

	recs, _ := st.GetEntities(context.Background(), "todo")
	if len(recs) != 0 {
		t.Errorf("todo collection survived: %d records", len(recs))
	}
	if res := m.GetEntity(context.Background(), "note", "n1"); res.Source != SourceMemory {
		t.Errorf("unrelated collection evicted, source = %q", res.Source)
	}
}

func TestGetEntitiesFromStoreThenNetwork(t *testing.T) {
	f := newFakeFetcher()
	f.collections["todo"] = map[string]json.RawMessage{
		"t1": json.RawMessage(`{"title":"a"}`),
		"t2": json.RawMessage(`{"title":"b"}`),
	}
	m, _ := newTestManager(t, f, nil, Options{})

	recs, src, err := m.GetEntities(context.Background(), "todo")
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if src != SourceNetwork || len(recs) != 2 {
		t.Errorf("first read = %q/%d, want network/2", src, len(recs))
	}

	recs, src, err = m.GetEntities(context.Background(), "todo")
	if err != nil {
		t.Fatalf("GetEntities: %v", err)
	}
	if src != SourceStore || len(recs) != 2 {
		t.Errorf("second read = %q/%d, want store/2", src, len(recs))
	}
}

func TestGetByListFiltersByPayloadField(t *testing.T) {
	f := newFakeFetcher()
	f.collections["todo"] = map[string]json.RawMessage{
		"t1": json.RawMessage(`{"title":"a","listId":"work"}`),
		"t2": json.RawMessage(`{"title":"b","listId":"home"}`),
		"t3": json.RawMessage(`{"title":"c","listId":"work"}`),
	}
	m, _ := newTestManager(t, f, nil, Options{})

	recs, _, err := m.GetByList(context.Background(), "todo", "work")
	if err != nil {
		t.Fatalf("GetByList: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("filtered = %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.EntityID != "t1" && rec.EntityID != "t3" {
			t.Errorf("unexpected record %s", rec.EntityID)
		}
	}
}

func TestSubscribersNotifiedInOrderPerKey(t *testing.T) {
	f := newFakeFetcher()
	m, _ := newTestManager(t, f, nil, Options{})

	var mu sync.Mutex
	var seen []string
	unsub := m.Subscribe("todo", "t1", func(res Result) {
		if res.Record == nil {
			return
		}
		mu.Lock()
		seen = append(seen, string(res.Record.Payload))
		mu.Unlock()
	})
	defer unsub()

	for i := 0; i < 5; i++ {
		m.Set(context.Background(), "todo", "t1", json.RawMessage(fmt.Sprintf(`{"v":%d}`, i)))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 5 {
		t.Fatalf("notifications = %d, want >= 5", len(seen))
	}
	// Versions must appear in write order, whatever interleaving duplicates.
	last := -1
	for _, payload := range seen {
		var v struct {
			V int `json:"v"`
		}
		json.Unmarshal([]byte(payload), &v)
		if v.V < last {
			t.Fatalf("out of order notification: %v", seen)
		}
		last = v.V
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	f := newFakeFetcher()
	m, _ := newTestManager(t, f, nil, Options{})

	var count int32
	unsub := m.Subscribe("todo", "t1", func(Result) { atomic.AddInt32(&count, 1) })
	m.Set(context.Background(), "todo", "t1", json.RawMessage(`{}`))
	before := atomic.LoadInt32(&count)
	if before == 0 {
		t.Fatal("subscriber never notified")
	}

	unsub()
	m.Set(context.Background(), "todo", "t1", json.RawMessage(`{}`))
	if after := atomic.LoadInt32(&count); after != before {
		t.Errorf("notified after unsubscribe: %d -> %d", before, after)
	}
}

func TestBusEventFromPeerInvalidatesMemory(t *testing.T) {
	f := newFakeFetcher()
	f.entities["todo/t1"] = json.RawMessage(`{"title":"v2"}`)
	b := bus.NewLocal()
	m, _ := newTestManager(t, f, b, Options{})

	m.GetEntity(context.Background(), "todo", "t1") // warm memory
	if n := f.calls(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}

	// A peer instance announces a deletion; the memory entry must go.
	b.Publish(bus.Event{Type: bus.EventEntityDeleted, Entity: "todo", EntityID: "t1"})

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Source == SourceMemory {
		t.Error("memory entry survived peer deletion event")
	}
}

func TestPeerCacheUpdateRefreshesMemoryFromPayload(t *testing.T) {
	f := newFakeFetcher()
	b := bus.NewLocal()
	m, _ := newTestManager(t, f, b, Options{})

	b.Publish(bus.Event{
		Type: bus.EventCacheUpdated, Entity: "todo", EntityID: "t1",
		Payload: json.RawMessage(`{"title":"from peer"}`),
	})

	res := m.GetEntity(context.Background(), "todo", "t1")
	if res.Source != SourceMemory {
		t.Fatalf("Source = %q, want memory (populated from peer payload)", res.Source)
	}
	if string(res.Record.Payload) != `{"title":"from peer"}` {
		t.Errorf("payload = %s", res.Record.Payload)
	}
	if n := f.calls(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestLoadingNotificationPrecedesNetworkFetch(t *testing.T) {
	f := newFakeFetcher()
	f.entities["todo/t1"] = json.RawMessage(`{}`)
	m, _ := newTestManager(t, f, nil, Options{})

	var mu sync.Mutex
	var statuses []Status
	unsub := m.Subscribe("todo", "t1", func(res Result) {
		mu.Lock()
		statuses = append(statuses, res.Status)
		mu.Unlock()
	})
	defer unsub()

	m.GetEntity(context.Background(), "todo", "t1")

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[0] != StatusLoading {
		t.Errorf("statuses = %v, want loading first", statuses)
	}
}
