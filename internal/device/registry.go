package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry owns the in-memory device collection and its persistence.
//
// Weight traffic is bursty, so weight-triggered saves are debounced: each
// qualifying event restarts a quiet-period timer and only the last write
// survives a burst. Configuration writes bypass the debounce and persist
// synchronously via SaveNow.
//
// All public methods are thread-safe.
type Registry struct {
	repo     Repository
	settings Settings
	debounce time.Duration
	logger   Logger

	mu      sync.RWMutex
	devices map[string]*Device

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// NewRegistry creates a device registry backed by the given repository.
func NewRegistry(repo Repository, settings Settings, debounce time.Duration) *Registry {
	return &Registry{
		repo:     repo,
		settings: settings,
		debounce: debounce,
		devices:  make(map[string]*Device),
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Load restores all device records from the repository. An empty store
// yields an empty registry, not an error. Call once at startup.
func (r *Registry) Load(ctx context.Context) error {
	snapshots, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	r.devices = make(map[string]*Device, len(snapshots))
	for _, s := range snapshots {
		r.devices[s.ID] = FromSnapshot(s, r.settings)
	}
	r.mu.Unlock()

	r.logger.Info("device registry loaded", "count", len(snapshots))
	return nil
}

// FindByID returns the live device record for an id.
// Returns ErrDeviceNotFound if the id is unknown.
func (r *Registry) FindByID(id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// Create adds a device record in its discovery-default state.
// Returns ErrDeviceExists if the id is already registered.
func (r *Registry) Create(id string) (*Device, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, id)
	}
	d := New(id, r.settings)
	r.devices[id] = d
	return d, nil
}

// Remove deletes a device record entirely. Only used when forget-on-delete
// is enabled; the default delete path clears configuration instead.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	delete(r.devices, id)
	return nil
}

// All returns every device record, ordered by id for stable display.
func (r *Registry) All() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID() < devices[j].ID()
	})
	return devices
}

// Partition splits the registry into completely configured devices and the
// rest, each ordered by id.
func (r *Registry) Partition() (configured, unconfigured []*Device) {
	for _, d := range r.All() {
		if d.IsCompletelyConfigured() {
			configured = append(configured, d)
		} else {
			unconfigured = append(unconfigured, d)
		}
	}
	return configured, unconfigured
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// ScheduleSave arms (or re-arms) the debounced persistence timer.
// Bursts of weight events collapse into a single write after the quiet period.
func (r *Registry) ScheduleSave() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.AfterFunc(r.debounce, func() {
		if err := r.SaveNow(context.Background()); err != nil {
			// Snapshot write failures keep the previous on-disk state.
			r.logger.Error("debounced device save failed", "error", err)
		}
	})
}

// SaveNow persists the current registry snapshot synchronously and cancels
// any pending debounced save.
func (r *Registry) SaveNow(ctx context.Context) error {
	r.saveMu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	r.saveMu.Unlock()

	devices := r.All()
	snapshots := make([]Snapshot, 0, len(devices))
	for _, d := range devices {
		snapshots = append(snapshots, d.Snapshot())
	}

	if err := r.repo.SaveAll(ctx, snapshots); err != nil {
		return fmt.Errorf("saving devices: %w", err)
	}

	r.logger.Debug("device registry saved", "count", len(snapshots))
	return nil
}

// Close flushes any pending debounced save. Call on shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.saveMu.Lock()
	pending := r.saveTimer != nil
	r.saveMu.Unlock()

	if !pending {
		return nil
	}
	return r.SaveNow(ctx)
}
