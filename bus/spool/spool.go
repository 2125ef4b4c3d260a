// Package spool provides a cross-process bus.Bus backed by a shared spool
// directory. Each publish writes one JSON event file; other processes pick it
// up through an fsnotify watch on the directory. This is the transport that
// keeps independent tabs/processes of the same logical client consistent when
// they only share durable storage and a filesystem.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"offsync/bus"
)

// gcHorizon is how long delivered event files linger before publishers prune
// them. Consumers that were asleep longer than this simply miss the events,
// which the best-effort contract allows.
const gcHorizon = 1 * time.Minute

// envelope wraps an event with the identity of the publishing process so a
// process can skip its own files and avoid self-echo loops.
type envelope struct {
	Origin string    `json:"origin"`
	Event  bus.Event `json:"event"`
}

// Bus is a cross-process bus over a shared spool directory.
type Bus struct {
	dir    string
	origin string
	local  *bus.Local
	fsw    *fsnotify.Watcher

	mu        sync.Mutex
	delivered map[string]bool // filenames already handed to subscribers
	stopped   bool
	stopCh    chan struct{}
}

// New creates a spool bus on dir, creating the directory if needed, and
// starts watching for events published by other processes.
func New(dir string) (*Bus, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch spool directory %q: %w", dir, err)
	}

	b := &Bus{
		dir:       dir,
		origin:    uuid.New().String(),
		local:     bus.NewLocal(),
		fsw:       fsw,
		delivered: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
	go b.eventLoop()
	return b, nil
}

// Publish writes the event as a spool file for other processes and delivers
// it to this process's own subscribers directly. If the spool directory is
// unavailable the cross-process write degrades to a no-op.
func (b *Bus) Publish(ev bus.Event) {
	if !ev.Type.Valid() {
		return
	}

	// Local subscribers first: in-process delivery never depends on the
	// filesystem transport being healthy.
	b.local.Publish(ev)

	data, err := json.Marshal(envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return
	}

	// Write-then-rename so watchers only ever see complete files.
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.New().String())
	tmp := filepath.Join(b.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return
	}
	if err := os.Rename(tmp, filepath.Join(b.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return
	}

	b.prune()
}

// Subscribe registers a filtered listener; see bus.Bus.
func (b *Bus) Subscribe(types []bus.EventType, fn bus.Handler) func() {
	return b.local.Subscribe(types, fn)
}

// Close stops the directory watcher. Pending spool files are left for other
// processes and eventually pruned by their publishers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true
	close(b.stopCh)
	_ = b.fsw.Close()
}

// eventLoop delivers foreign spool files to local subscribers.
func (b *Bus) eventLoop() {
	for {
		select {
		case <-b.stopCh:
			return

		case event, ok := <-b.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			b.consume(event.Name)

		case _, ok := <-b.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors are non-fatal; delivery stays best-effort.
		}
	}
}

// consume reads one spool file and fans it out unless this process wrote it
// or already delivered it.
func (b *Bus) consume(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return
	}

	b.mu.Lock()
	if b.delivered[name] {
		b.mu.Unlock()
		return
	}
	b.delivered[name] = true
	b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.Origin == b.origin {
		return
	}

	b.local.Publish(env.Event)
}

// prune removes spool files older than the GC horizon and forgets their
// delivery bookkeeping.
func (b *Bus) prune() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-gcHorizon)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(b.dir, entry.Name()))
		b.mu.Lock()
		delete(b.delivered, entry.Name())
		b.mu.Unlock()
	}
}

// Verify interface compliance at compile time
var _ bus.Bus = (*Bus)(nil)
