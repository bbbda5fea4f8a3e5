package device

import (
	"errors"
	"testing"
	"time"
)

func testDevice() *Device {
	return New("a0:b1:c2:d3:e4:f5", DefaultSettings())
}

func intPtr(n int) *int { return &n }

// applyWeightMsg is a test helper feeding one currentWeight message.
func applyWeightMsg(t *testing.T, d *Device, payload string) {
	t.Helper()
	if err := d.ApplyMessage("currentWeight", []byte(payload)); err != nil {
		t.Fatalf("ApplyMessage(currentWeight, %q) error = %v", payload, err)
	}
}

// =============================================================================
// Presence Tests
// =============================================================================

func TestApplyPresence(t *testing.T) {
	d := testDevice()

	var transitions []bool
	d.OnOnlineChanged(func(online bool) {
		transitions = append(transitions, online)
	})

	if err := d.ApplyMessage("online", []byte("connected")); err != nil {
		t.Fatalf("ApplyMessage(online, connected) error = %v", err)
	}
	if !d.IsOnline() {
		t.Error("IsOnline() = false after connected")
	}

	// Feeding the same sentinel again must not re-fire.
	if err := d.ApplyMessage("online", []byte("connected")); err != nil {
		t.Fatalf("ApplyMessage(online, connected) error = %v", err)
	}

	if err := d.ApplyMessage("online", []byte("disconnected")); err != nil {
		t.Fatalf("ApplyMessage(online, disconnected) error = %v", err)
	}
	if d.IsOnline() {
		t.Error("IsOnline() = true after disconnected")
	}

	want := []bool{true, false}
	if len(transitions) != len(want) {
		t.Fatalf("onlineChanged fired %d times, want %d (%v)", len(transitions), len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestApplyPresenceUnrecognized(t *testing.T) {
	d := testDevice()
	if err := d.ApplyMessage("online", []byte("connected")); err != nil {
		t.Fatalf("ApplyMessage() error = %v", err)
	}

	err := d.ApplyMessage("online", []byte("rebooting"))
	if !errors.Is(err, ErrUnrecognizedPresence) {
		t.Errorf("ApplyMessage() error = %v, want ErrUnrecognizedPresence", err)
	}
	if d.IsOnline() {
		t.Error("IsOnline() = true after unrecognized payload, want forced offline")
	}
}

// =============================================================================
// Weight Tests
// =============================================================================

func TestApplyWeightOccupancy(t *testing.T) {
	d := testDevice()

	var occupiedEvents []bool
	d.OnOccupiedChanged(func(occupied bool) {
		occupiedEvents = append(occupiedEvents, occupied)
	})

	applyWeightMsg(t, d, "42")

	if !d.IsOccupied() {
		t.Error("IsOccupied() = false after weight 42")
	}
	if got := d.CurrentWeight(); got != 42 {
		t.Errorf("CurrentWeight() = %v, want 42", got)
	}

	// Second positive reading before emptying must not re-fire occupied.
	applyWeightMsg(t, d, "57")
	if got := d.CurrentWeight(); got != 57 {
		t.Errorf("CurrentWeight() = %v, want most recent reading 57", got)
	}
	if len(d.History()) != 2 {
		t.Errorf("History() length = %d, want 2", len(d.History()))
	}

	if len(occupiedEvents) != 1 || !occupiedEvents[0] {
		t.Fatalf("occupiedChanged events = %v, want exactly one true", occupiedEvents)
	}

	// Occupancy invariant holds at every observation point.
	if d.IsOccupied() != (d.CurrentWeight() > 0) {
		t.Error("IsOccupied() disagrees with CurrentWeight() > 0")
	}
}

func TestApplyWeightDuplicateSuppressed(t *testing.T) {
	d := testDevice()

	fired := 0
	d.OnWeightRecorded(func(Reading) { fired++ })

	applyWeightMsg(t, d, "42")
	applyWeightMsg(t, d, "42") // retained redelivery

	if len(d.History()) != 1 {
		t.Errorf("History() length = %d after duplicate, want 1", len(d.History()))
	}
	if fired != 1 {
		t.Errorf("weightRecorded fired %d times, want 1", fired)
	}
}

func TestApplyWeightEmptiesBox(t *testing.T) {
	d := testDevice()

	var occupiedEvents []bool
	d.OnOccupiedChanged(func(occupied bool) {
		occupiedEvents = append(occupiedEvents, occupied)
	})

	applyWeightMsg(t, d, "42")
	d.MarkMessageSent()

	applyWeightMsg(t, d, "0")

	if d.IsOccupied() {
		t.Error("IsOccupied() = true after emptying")
	}
	if len(d.History()) != 0 {
		t.Errorf("History() length = %d after emptying, want 0", len(d.History()))
	}
	if d.LastEmptied() == nil {
		t.Error("LastEmptied() = nil after emptying")
	}
	if d.MessageSent() {
		t.Error("MessageSent() = true after emptying, want reset")
	}

	want := []bool{true, false}
	if len(occupiedEvents) != 2 || occupiedEvents[0] != want[0] || occupiedEvents[1] != want[1] {
		t.Errorf("occupiedChanged events = %v, want %v", occupiedEvents, want)
	}
}

func TestApplyWeightEmptyOnEmptyNoOp(t *testing.T) {
	d := testDevice()

	applyWeightMsg(t, d, "42")
	applyWeightMsg(t, d, "0")
	first := d.LastEmptied()

	// A redelivered empty reading must not move lastEmptied.
	applyWeightMsg(t, d, "0.5")

	if got := d.LastEmptied(); got == nil || !got.Equal(*first) {
		t.Errorf("LastEmptied() = %v after redelivered empty, want unchanged %v", got, first)
	}
}

func TestApplyWeightBelowThresholdCountsAsEmpty(t *testing.T) {
	d := testDevice() // default threshold 1g

	applyWeightMsg(t, d, "42")
	applyWeightMsg(t, d, "0.8")

	if d.IsOccupied() {
		t.Error("IsOccupied() = true for reading below empty threshold")
	}
}

func TestApplyWeightMalformed(t *testing.T) {
	d := testDevice()
	applyWeightMsg(t, d, "42")

	tests := []string{"not-a-number", "NaN", "+Inf", ""}
	for _, payload := range tests {
		err := d.ApplyMessage("currentWeight", []byte(payload))
		if !errors.Is(err, ErrInvalidWeight) {
			t.Errorf("ApplyMessage(currentWeight, %q) error = %v, want ErrInvalidWeight", payload, err)
		}
	}

	// State untouched.
	if got := d.CurrentWeight(); got != 42 {
		t.Errorf("CurrentWeight() = %v after malformed payloads, want 42", got)
	}
}

func TestApplyMessageUnknownTopic(t *testing.T) {
	d := testDevice()
	err := d.ApplyMessage("batteryLevel", []byte("90"))
	if !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("ApplyMessage() error = %v, want ErrUnknownTopic", err)
	}
}

// =============================================================================
// Configuration Tests
// =============================================================================

func TestConfigure(t *testing.T) {
	d := testDevice()

	var intervalChanges [][2]CheckInterval
	d.OnCheckIntervalChanged(func(oldVal, newVal CheckInterval) {
		intervalChanges = append(intervalChanges, [2]CheckInterval{oldVal, newVal})
	})

	cfg := Configuration{
		Subscribers:       []string{"tenant@example.com"},
		NotificationTitle: "Box {BOXNR}",
		BoxNumber:         intPtr(3),
		CheckInterval:     CheckHourly,
	}
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	if !d.IsCompletelyConfigured() {
		t.Error("IsCompletelyConfigured() = false with box number and subscriber")
	}
	if len(intervalChanges) != 1 {
		t.Fatalf("checkIntervalChanged fired %d times, want 1", len(intervalChanges))
	}
	if intervalChanges[0] != [2]CheckInterval{CheckImmediate, CheckHourly} {
		t.Errorf("interval change = %v, want immediate->hourly", intervalChanges[0])
	}

	// Re-applying the same interval must not re-fire.
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if len(intervalChanges) != 1 {
		t.Errorf("checkIntervalChanged fired %d times after no-op set, want 1", len(intervalChanges))
	}
}

func TestConfigureValidation(t *testing.T) {
	d := testDevice()

	tests := []struct {
		name    string
		cfg     Configuration
		wantErr error
	}{
		{
			name:    "zero box number",
			cfg:     Configuration{BoxNumber: intPtr(0), CheckInterval: CheckImmediate},
			wantErr: ErrInvalidBoxNumber,
		},
		{
			name:    "negative box number",
			cfg:     Configuration{BoxNumber: intPtr(-4), CheckInterval: CheckImmediate},
			wantErr: ErrInvalidBoxNumber,
		},
		{
			name:    "bad interval",
			cfg:     Configuration{CheckInterval: "fortnightly"},
			wantErr: ErrInvalidCheckInterval,
		},
		{
			name:    "bad subscriber",
			cfg:     Configuration{Subscribers: []string{"not-an-address"}, CheckInterval: CheckDaily},
			wantErr: ErrInvalidSubscriber,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Configure(tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Configure() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClearConfiguration(t *testing.T) {
	d := testDevice()
	if err := d.Configure(Configuration{
		Subscribers:   []string{"tenant@example.com"},
		BoxNumber:     intPtr(3),
		CheckInterval: CheckWeekly,
	}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	applyWeightMsg(t, d, "42")
	d.MarkMessageSent()

	var occupiedEvents []bool
	d.OnOccupiedChanged(func(occupied bool) {
		occupiedEvents = append(occupiedEvents, occupied)
	})

	d.ClearConfiguration()

	if d.IsCompletelyConfigured() {
		t.Error("IsCompletelyConfigured() = true after clear")
	}
	if d.BoxNumber() != nil || len(d.Subscribers()) != 0 {
		t.Error("configuration fields not cleared")
	}
	if d.CheckInterval() != CheckImmediate {
		t.Errorf("CheckInterval() = %v after clear, want immediate", d.CheckInterval())
	}
	if len(d.History()) != 0 || d.LastEmptied() != nil {
		t.Error("history or lastEmptied not cleared")
	}
	if d.MessageSent() {
		t.Error("MessageSent() = true after clear")
	}
	if len(occupiedEvents) != 1 || occupiedEvents[0] {
		t.Errorf("occupiedChanged events = %v, want one false", occupiedEvents)
	}
	if d.ID() != "a0:b1:c2:d3:e4:f5" {
		t.Error("id must survive a configuration clear")
	}
}

// =============================================================================
// Listener Removal Tests
// =============================================================================

func TestListenerRemoval(t *testing.T) {
	d := testDevice()

	fired := 0
	remove := d.OnOccupiedChanged(func(bool) { fired++ })

	applyWeightMsg(t, d, "42")
	remove()
	applyWeightMsg(t, d, "0")

	if fired != 1 {
		t.Errorf("listener fired %d times after removal, want 1", fired)
	}
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestSnapshotRoundtrip(t *testing.T) {
	d := testDevice()
	if err := d.Configure(Configuration{
		Subscribers:       []string{"tenant@example.com", "other@example.com"},
		NotificationTitle: "Box {BOXNR}",
		NotificationBody:  "Weight: {WEIGHT}",
		BoxNumber:         intPtr(7),
		CheckInterval:     CheckDaily,
	}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	applyWeightMsg(t, d, "42")

	restored := FromSnapshot(d.Snapshot(), DefaultSettings())

	if restored.ID() != d.ID() {
		t.Errorf("restored ID = %q, want %q", restored.ID(), d.ID())
	}
	if restored.CheckInterval() != CheckDaily {
		t.Errorf("restored CheckInterval = %v, want daily", restored.CheckInterval())
	}
	if got := restored.CurrentWeight(); got != 42 {
		t.Errorf("restored CurrentWeight() = %v, want 42", got)
	}
	if restored.IsOnline() {
		t.Error("restored device must start offline; presence is rebuilt from broker traffic")
	}
	if restored.MessageSent() {
		t.Error("restored device must not carry the duplicate-send guard")
	}
}

func TestFromSnapshotInvalidInterval(t *testing.T) {
	s := Snapshot{
		ID:            "dev",
		CheckInterval: "bogus",
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	d := FromSnapshot(s, DefaultSettings())
	if d.CheckInterval() != CheckImmediate {
		t.Errorf("CheckInterval() = %v for invalid stored value, want immediate fallback", d.CheckInterval())
	}
}
