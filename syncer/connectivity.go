package syncer

import (
	"context"
	"sync"
	"time"
)

// Mode controls how the engine decides whether it is online.
type Mode string

const (
	// ModeAuto derives the online state from probes and explicit signals.
	ModeAuto Mode = "auto"
	// ModeOnline forces the engine to treat the network as reachable.
	ModeOnline Mode = "online"
	// ModeOffline forces queueing; no network call is ever attempted.
	ModeOffline Mode = "offline"
)

// DefaultProbeTimeout bounds a single connectivity probe.
const DefaultProbeTimeout = 5 * time.Second

// Probe checks reachability of the remote endpoint. A nil error means online.
type Probe func(ctx context.Context) error

// Monitor tracks a boolean online state plus the two edge-triggered events
// "became online" and "became offline".
type Monitor struct {
	mu           sync.Mutex
	mode         Mode
	online       bool
	probe        Probe
	probeTimeout time.Duration
	onOnline     []func()
	onOffline    []func()
}

// NewMonitor creates a connectivity monitor. In ModeAuto the state starts
// online until a probe or an explicit SetOnline says otherwise. probe may be
// nil, in which case only explicit signals change the state.
func NewMonitor(mode Mode, probe Probe, probeTimeout time.Duration) *Monitor {
	if mode == "" {
		mode = ModeAuto
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Monitor{
		mode:         mode,
		online:       mode != ModeOffline,
		probe:        probe,
		probeTimeout: probeTimeout,
	}
}

// Mode returns the configured offline mode.
func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode switches the offline mode at runtime and fires the matching edge
// callbacks when the effective online state changes as a result.
func (m *Monitor) SetMode(mode Mode) {
	if mode == "" {
		mode = ModeAuto
	}

	m.mu.Lock()
	wasOnline := m.effectiveOnline()
	m.mode = mode
	nowOnline := m.effectiveOnline()

	var fns []func()
	if !wasOnline && nowOnline {
		fns = append(fns, m.onOnline...)
	} else if wasOnline && !nowOnline {
		fns = append(fns, m.onOffline...)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// effectiveOnline computes the online state under the current mode. Caller
// holds mu.
func (m *Monitor) effectiveOnline() bool {
	switch m.mode {
	case ModeOnline:
		return true
	case ModeOffline:
		return false
	default:
		return m.online
	}
}

// Online reports the current connectivity state. Forced modes override
// whatever probes observed.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveOnline()
}

// SetOnline records an externally observed connectivity change and fires the
// matching edge callbacks on a transition. Ignored in forced modes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.mode != ModeAuto || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	var fns []func()
	if online {
		fns = append(fns, m.onOnline...)
	} else {
		fns = append(fns, m.onOffline...)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// CheckNow runs the probe (if any) and updates the state, returning the
// resulting online value.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	m.mu.Lock()
	mode, probe, timeout := m.mode, m.probe, m.probeTimeout
	m.mu.Unlock()

	if mode != ModeAuto || probe == nil {
		return m.Online()
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.SetOnline(probe(probeCtx) == nil)
	return m.Online()
}

// OnOnline registers fn to run on each offline-to-online transition.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnOffline registers fn to run on each online-to-offline transition.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}
