package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/postmelder/postmelder-core/internal/infrastructure/mqtt"
)

// CheckInterval controls how often an occupied device is evaluated for a
// notification send.
type CheckInterval string

// Check interval policy buckets. A device belongs to exactly one at a time.
const (
	CheckImmediate CheckInterval = "immediate"
	CheckHourly    CheckInterval = "hourly"
	CheckDaily     CheckInterval = "daily"
	CheckWeekly    CheckInterval = "weekly"
)

// CheckIntervals lists all valid check interval values.
var CheckIntervals = []CheckInterval{CheckImmediate, CheckHourly, CheckDaily, CheckWeekly}

// Valid reports whether the interval is one of the known policy buckets.
func (c CheckInterval) Valid() bool {
	switch c {
	case CheckImmediate, CheckHourly, CheckDaily, CheckWeekly:
		return true
	}
	return false
}

// Reading is one weight measurement since the box was last emptied.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Weight    float64   `json:"weight"`
}

// Settings holds the tunable behaviour shared by all device records.
type Settings struct {
	// EmptyThreshold is the weight in grams at or below which the box
	// counts as emptied.
	EmptyThreshold float64

	// CalibrationTimeout bounds how long a calibration round-trip may take.
	CalibrationTimeout time.Duration
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		EmptyThreshold:     1,
		CalibrationTimeout: 5 * time.Second,
	}
}

// Snapshot is the persisted form of a device record. Live state (online,
// calibration, duplicate-send tracking) is intentionally absent: it is
// rebuilt from broker traffic after a restart.
type Snapshot struct {
	ID                string        `json:"id"`
	Subscribers       []string      `json:"subscribers"`
	NotificationTitle string        `json:"notification_title,omitempty"`
	NotificationBody  string        `json:"notification_body,omitempty"`
	BoxNumber         *int          `json:"box_number,omitempty"`
	CheckInterval     CheckInterval `json:"check_interval"`
	LastEmptied       *time.Time    `json:"last_emptied,omitempty"`
	History           []Reading     `json:"history"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Configuration is the externally writable part of a device record.
// Applied atomically via Configure.
type Configuration struct {
	Subscribers       []string      `json:"subscribers"`
	NotificationTitle string        `json:"notification_title"`
	NotificationBody  string        `json:"notification_body"`
	BoxNumber         *int          `json:"box_number"`
	CheckInterval     CheckInterval `json:"check_interval"`
}

// Device is one smart mailbox unit: its stored configuration plus the live
// state reconstructed from broker messages.
//
// All exported methods are safe for concurrent use. Change listeners are
// invoked outside the internal lock, so they may call back into the device.
type Device struct {
	id       string
	settings Settings

	mu                sync.Mutex
	subscribers       []string
	notificationTitle string
	notificationBody  string
	boxNumber         *int
	checkInterval     CheckInterval
	lastEmptied       *time.Time
	history           []Reading
	createdAt         time.Time
	updatedAt         time.Time

	// Live state, never persisted.
	online        bool
	messageSent   bool
	inCalibration bool
	pending       map[CalibrationStep]chan float64
	commander     Commander

	listeners listenerSet
}

// New creates a device record in its discovery-default state: no box number,
// no subscribers, immediate check interval, empty history.
func New(id string, settings Settings) *Device {
	now := time.Now().UTC()
	return &Device{
		id:            id,
		settings:      settings,
		checkInterval: CheckImmediate,
		createdAt:     now,
		updatedAt:     now,
		pending:       make(map[CalibrationStep]chan float64),
	}
}

// FromSnapshot rebuilds a device record from its persisted form.
func FromSnapshot(s Snapshot, settings Settings) *Device {
	d := New(s.ID, settings)
	d.subscribers = append([]string(nil), s.Subscribers...)
	d.notificationTitle = s.NotificationTitle
	d.notificationBody = s.NotificationBody
	d.boxNumber = s.BoxNumber
	if s.CheckInterval.Valid() {
		d.checkInterval = s.CheckInterval
	}
	d.lastEmptied = s.LastEmptied
	d.history = append([]Reading(nil), s.History...)
	if !s.CreatedAt.IsZero() {
		d.createdAt = s.CreatedAt
	}
	if !s.UpdatedAt.IsZero() {
		d.updatedAt = s.UpdatedAt
	}
	return d
}

// Snapshot returns a deep copy of the persistable state.
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:                d.id,
		Subscribers:       append([]string(nil), d.subscribers...),
		NotificationTitle: d.notificationTitle,
		NotificationBody:  d.notificationBody,
		BoxNumber:         d.boxNumber,
		CheckInterval:     d.checkInterval,
		LastEmptied:       d.lastEmptied,
		History:           append([]Reading(nil), d.history...),
		CreatedAt:         d.createdAt,
		UpdatedAt:         d.updatedAt,
	}
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the immutable device identifier (the unit's MAC address).
func (d *Device) ID() string { return d.id }

// IsOnline reports the last known presence state.
func (d *Device) IsOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// CurrentWeight is the weight of the most recent reading, or 0 when the
// box is empty. Duplicate suppression assumes one live reading represents
// the current weight, so this is deliberately not a sum over the history.
func (d *Device) CurrentWeight() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentWeightLocked()
}

func (d *Device) currentWeightLocked() float64 {
	if len(d.history) == 0 {
		return 0
	}
	return d.history[len(d.history)-1].Weight
}

// IsOccupied reports whether the box currently holds mail.
func (d *Device) IsOccupied() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentWeightLocked() > 0
}

// IsCompletelyConfigured reports whether the device can participate in
// notifications: a box number is set and at least one subscriber exists.
func (d *Device) IsCompletelyConfigured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boxNumber != nil && len(d.subscribers) > 0
}

// MessageSent reports whether a notification went out for the current occupancy.
func (d *Device) MessageSent() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.messageSent
}

// MarkMessageSent records that a notification went out for the current
// occupancy. Cleared automatically when the box empties.
func (d *Device) MarkMessageSent() {
	d.mu.Lock()
	d.messageSent = true
	d.mu.Unlock()
}

// CheckInterval returns the device's notification policy bucket.
func (d *Device) CheckInterval() CheckInterval {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkInterval
}

// Subscribers returns a copy of the recipient list.
func (d *Device) Subscribers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.subscribers...)
}

// NotificationTitle returns the configured title template ("" means default).
func (d *Device) NotificationTitle() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notificationTitle
}

// NotificationBody returns the configured body template ("" means default).
func (d *Device) NotificationBody() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notificationBody
}

// BoxNumber returns the assigned box number, or nil when unconfigured.
func (d *Device) BoxNumber() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boxNumber
}

// LastEmptied returns when the box last transitioned to empty, or nil.
func (d *Device) LastEmptied() *time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEmptied
}

// History returns a copy of the readings since the box was last emptied.
func (d *Device) History() []Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Reading(nil), d.history...)
}

// InCalibration reports whether a calibration session is active.
// Weight messages are ignored while calibrating.
func (d *Device) InCalibration() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inCalibration
}

// =============================================================================
// Configuration writes
// =============================================================================

// Configure replaces the externally writable configuration atomically.
// A checkIntervalChanged event fires when the policy bucket changes.
func (d *Device) Configure(cfg Configuration) error {
	if err := ValidateConfiguration(cfg); err != nil {
		return err
	}

	d.mu.Lock()
	oldInterval := d.checkInterval
	d.subscribers = append([]string(nil), cfg.Subscribers...)
	d.notificationTitle = cfg.NotificationTitle
	d.notificationBody = cfg.NotificationBody
	d.boxNumber = cfg.BoxNumber
	d.checkInterval = cfg.CheckInterval
	d.updatedAt = time.Now().UTC()
	changed := oldInterval != cfg.CheckInterval
	d.mu.Unlock()

	if changed {
		d.listeners.fireIntervalChanged(oldInterval, cfg.CheckInterval)
	}
	return nil
}

// ClearConfiguration resets the device to its discovery-default state while
// keeping the id. Box number, templates, subscribers, check interval,
// history and lastEmptied are all cleared.
func (d *Device) ClearConfiguration() {
	d.mu.Lock()
	oldInterval := d.checkInterval
	wasOccupied := d.currentWeightLocked() > 0
	d.subscribers = nil
	d.notificationTitle = ""
	d.notificationBody = ""
	d.boxNumber = nil
	d.checkInterval = CheckImmediate
	d.lastEmptied = nil
	d.history = nil
	d.messageSent = false
	d.updatedAt = time.Now().UTC()
	intervalChanged := oldInterval != CheckImmediate
	d.mu.Unlock()

	if intervalChanged {
		d.listeners.fireIntervalChanged(oldInterval, CheckImmediate)
	}
	if wasOccupied {
		d.listeners.fireOccupiedChanged(false)
	}
}

// =============================================================================
// Message interpretation
// =============================================================================

// ApplyMessage interprets one device-originated message, routed by subtopic.
//
// Subtopics:
//   - "online": presence sentinels; anything else forces offline and
//     returns ErrUnrecognizedPresence.
//   - "currentWeight": weight reading, with duplicate suppression and
//     empty-threshold handling. Ignored during calibration.
//   - "calibration/scaleOffset", "calibration/scaleValue": resolve the
//     outstanding calibration request for that step.
//
// Any other subtopic returns ErrUnknownTopic so the router can log it
// distinctly from an unknown device.
func (d *Device) ApplyMessage(subtopic string, payload []byte) error {
	switch subtopic {
	case mqtt.SubtopicOnline:
		return d.applyPresence(payload)
	case mqtt.SubtopicCurrentWeight:
		return d.applyWeight(payload)
	case mqtt.SubtopicScaleOffset:
		return d.resolveCalibration(CalibrationOffset, payload)
	case mqtt.SubtopicScaleValue:
		return d.resolveCalibration(CalibrationValue, payload)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTopic, subtopic)
	}
}

// applyPresence handles the online subtopic. Only the two sentinels are
// valid; anything else counts as offline so a half-dead device never looks
// reachable.
func (d *Device) applyPresence(payload []byte) error {
	var online bool
	var err error
	switch string(payload) {
	case mqtt.PayloadConnected:
		online = true
	case mqtt.PayloadDisconnected:
		online = false
	default:
		online = false
		err = fmt.Errorf("%w: %q", ErrUnrecognizedPresence, payload)
	}

	d.mu.Lock()
	changed := d.online != online
	d.online = online
	d.mu.Unlock()

	if changed {
		d.listeners.fireOnlineChanged(online)
	}
	return err
}

// applyWeight handles a currentWeight reading.
//
// Retained-message redelivery makes duplicates common: a reading equal to
// the most recent history entry is dropped without any event or mutation.
func (d *Device) applyWeight(payload []byte) error {
	weight, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidWeight, payload)
	}

	d.mu.Lock()
	if d.inCalibration {
		d.mu.Unlock()
		return nil
	}

	// Duplicate suppression against the most recent reading.
	if n := len(d.history); n > 0 && d.history[n-1].Weight == weight {
		d.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()

	if weight <= d.settings.EmptyThreshold {
		if len(d.history) == 0 {
			// Already empty; a redelivered empty reading must not move lastEmptied.
			d.mu.Unlock()
			return nil
		}
		d.lastEmptied = &now
		d.history = nil
		d.messageSent = false
		d.updatedAt = now
		d.mu.Unlock()

		d.listeners.fireOccupiedChanged(false)
		return nil
	}

	reading := Reading{Timestamp: now, Weight: weight}
	d.history = append(d.history, reading)
	first := len(d.history) == 1
	d.updatedAt = now
	d.mu.Unlock()

	if first {
		d.listeners.fireOccupiedChanged(true)
	}
	d.listeners.fireWeightRecorded(reading)
	return nil
}
