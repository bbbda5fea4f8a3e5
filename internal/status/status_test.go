package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/postmelder/postmelder-core/internal/device"
	"github.com/postmelder/postmelder-core/internal/infrastructure/mqtt"
)

const testID = "a0:b1:c2:d3:e4:f5"

// =============================================================================
// Mocks
// =============================================================================

type recordingIndicator struct {
	mu    sync.Mutex
	calls []triState
}

type triState struct {
	external, ok, internal bool
}

func (r *recordingIndicator) SetTriState(external, ok, internal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, triState{external, ok, internal})
}

func (r *recordingIndicator) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingIndicator) last() triState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func intPtr(n int) *int { return &n }

func configuredDevice(t *testing.T) *device.Device {
	t.Helper()
	return device.FromSnapshot(device.Snapshot{
		ID:          testID,
		Subscribers: []string{"owner@example.com"},
		BoxNumber:   intPtr(2),
	}, device.DefaultSettings())
}

// =============================================================================
// Aggregation
// =============================================================================

func TestInitialStateOK(t *testing.T) {
	a := New(Options{})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)

	if ind.callCount() != 1 {
		t.Fatalf("indicator called %d times, want 1 on registration", ind.callCount())
	}
	got := ind.last()
	if !got.ok || got.external || got.internal {
		t.Errorf("initial state = %+v, want ok", got)
	}
}

func TestExternalErrorInputs(t *testing.T) {
	tests := []struct {
		name string
		set  func(a *Aggregator)
	}{
		{"mqtt", func(a *Aggregator) { a.SetMQTTError(true) }},
		{"transporter", func(a *Aggregator) { a.SetTransporterError(true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Options{})
			ind := &recordingIndicator{}
			a.SetIndicator(ind)

			tt.set(a)

			got := ind.last()
			if !got.external || got.ok {
				t.Errorf("state after %s error = %+v, want external", tt.name, got)
			}

			snap := a.Snapshot()
			if !snap.ExternalError || snap.OK {
				t.Errorf("Snapshot() = %+v, want external error", snap)
			}
		})
	}
}

func TestErrorRecoveryReturnsToOK(t *testing.T) {
	a := New(Options{})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)

	a.SetMQTTError(true)
	a.SetMQTTError(false)

	got := ind.last()
	if !got.ok {
		t.Errorf("state after recovery = %+v, want ok", got)
	}
}

func TestUnchangedStateNotRepushed(t *testing.T) {
	a := New(Options{})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)
	before := ind.callCount()

	a.SetMQTTError(false)
	a.SetTransporterError(false)

	if ind.callCount() != before {
		t.Errorf("indicator called %d extra times for unchanged state", ind.callCount()-before)
	}
}

func TestOfflineConfiguredDeviceIsInternal(t *testing.T) {
	a := New(Options{})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)

	d := configuredDevice(t)
	a.WatchDevice(d)

	got := ind.last()
	if !got.internal || got.external {
		t.Errorf("state with offline configured device = %+v, want internal", got)
	}
	if snap := a.Snapshot(); snap.OfflineConfigured != 1 {
		t.Errorf("OfflineConfigured = %d, want 1", snap.OfflineConfigured)
	}

	if err := d.ApplyMessage(mqtt.SubtopicOnline, []byte(mqtt.PayloadConnected)); err != nil {
		t.Fatalf("ApplyMessage() error = %v", err)
	}

	got = ind.last()
	if !got.ok {
		t.Errorf("state after device came online = %+v, want ok", got)
	}
}

func TestUnconfiguredDeviceIgnored(t *testing.T) {
	a := New(Options{})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)

	a.WatchDevice(device.New(testID, device.DefaultSettings()))

	got := ind.last()
	if !got.ok {
		t.Errorf("state with offline unconfigured device = %+v, want ok", got)
	}
}

func TestUnwatchDeviceClearsInternal(t *testing.T) {
	a := New(Options{})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)

	d := configuredDevice(t)
	a.WatchDevice(d)
	a.UnwatchDevice(d.ID())

	got := ind.last()
	if !got.ok {
		t.Errorf("state after unwatch = %+v, want ok", got)
	}
}

func TestExternalAndInternalTogether(t *testing.T) {
	a := New(Options{})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)

	a.WatchDevice(configuredDevice(t))
	a.SetMQTTError(true)

	got := ind.last()
	if !got.external || !got.internal || got.ok {
		t.Errorf("state = %+v, want both faults", got)
	}
}

// =============================================================================
// Connectivity probe
// =============================================================================

func TestProbeFailureAndRecovery(t *testing.T) {
	a := New(Options{ProbeInterval: 10 * time.Millisecond})
	ind := &recordingIndicator{}
	a.SetIndicator(ind)

	var mu sync.Mutex
	fail := true
	a.lookup = func(ctx context.Context, host string) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("no route to host")
		}
		return nil
	}

	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, func() bool { return a.Snapshot().InternetError })
	if got := ind.last(); !got.external {
		t.Errorf("state during outage = %+v, want external", got)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	waitFor(t, func() bool { return !a.Snapshot().InternetError })
	if got := ind.last(); !got.ok {
		t.Errorf("state after recovery = %+v, want ok", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
