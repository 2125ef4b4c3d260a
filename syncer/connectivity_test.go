package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMonitorForcedModes(t *testing.T) {
	on := NewMonitor(ModeOnline, nil, 0)
	if !on.Online() {
		t.Error("forced online monitor reports offline")
	}
	on.SetOnline(false)
	if !on.Online() {
		t.Error("SetOnline(false) overrode forced online mode")
	}

	off := NewMonitor(ModeOffline, nil, 0)
	if off.Online() {
		t.Error("forced offline monitor reports online")
	}
	off.SetOnline(true)
	if off.Online() {
		t.Error("SetOnline(true) overrode forced offline mode")
	}
}

func TestMonitorAutoStartsOnline(t *testing.T) {
	m := NewMonitor(ModeAuto, nil, 0)
	if !m.Online() {
		t.Error("auto monitor did not start online")
	}
	if m.Mode() != ModeAuto {
		t.Errorf("Mode = %q, want auto", m.Mode())
	}
}

func TestMonitorEmptyModeDefaultsToAuto(t *testing.T) {
	m := NewMonitor("", nil, 0)
	if m.Mode() != ModeAuto {
		t.Errorf("Mode = %q, want auto", m.Mode())
	}
}

func TestMonitorEdgeCallbacksFireOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(ModeAuto, nil, 0)

	var mu sync.Mutex
	var onlines, offlines int
	m.OnOnline(func() { mu.Lock(); onlines++; mu.Unlock() })
	m.OnOffline(func() { mu.Lock(); offlines++; mu.Unlock() })

	m.SetOnline(true) // already online, no edge
	m.SetOnline(false)
	m.SetOnline(false) // repeated, no edge
	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	if onlines != 1 {
		t.Errorf("online callbacks = %d, want 1", onlines)
	}
	if offlines != 1 {
		t.Errorf("offline callbacks = %d, want 1", offlines)
	}
}

func TestMonitorCheckNowUsesProbe(t *testing.T) {
	var mu sync.Mutex
	probeErr := error(nil)
	probe := func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return probeErr
	}

	m := NewMonitor(ModeAuto, probe, time.Second)
	if !m.CheckNow(context.Background()) {
		t.Error("CheckNow with healthy probe reported offline")
	}

	mu.Lock()
	probeErr = errors.New("unreachable")
	mu.Unlock()
	if m.CheckNow(context.Background()) {
		t.Error("CheckNow with failing probe reported online")
	}
	if m.Online() {
		t.Error("state not updated after failed probe")
	}
}

func TestMonitorCheckNowIgnoredInForcedMode(t *testing.T) {
	probe := func(ctx context.Context) error { return errors.New("unreachable") }
	m := NewMonitor(ModeOnline, probe, time.Second)
	if !m.CheckNow(context.Background()) {
		t.Error("forced online mode did not override failing probe")
	}
}

func TestMonitorProbeRespectsTimeout(t *testing.T) {
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m := NewMonitor(ModeAuto, probe, 20*time.Millisecond)

	start := time.Now()
	online := m.CheckNow(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("CheckNow took %v, probe timeout not applied", elapsed)
	}
	if online {
		t.Error("timed-out probe reported online")
	}
}

func TestMonitorSetModeFiresEdges(t *testing.T) {
	m := NewMonitor(ModeOffline, nil, 0)

	var mu sync.Mutex
	var onlines, offlines int
	m.OnOnline(func() { mu.Lock(); onlines++; mu.Unlock() })
	m.OnOffline(func() { mu.Lock(); offlines++; mu.Unlock() })

	m.SetMode(ModeOnline)
	m.SetMode(ModeOnline) // no change, no edge
	m.SetMode(ModeOffline)

	mu.Lock()
	defer mu.Unlock()
	if onlines != 1 {
		t.Errorf("online callbacks = %d, want 1", onlines)
	}
	if offlines != 1 {
		t.Errorf("offline callbacks = %d, want 1", offlines)
	}
}
