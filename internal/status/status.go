package status

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/postmelder/postmelder-core/internal/device"
)

// Logger is the minimal logging interface the aggregator needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Indicator receives the tri-state system health whenever it changes.
// external is true when broker, mail transport or internet is down,
// internal when a configured mailbox unit is offline, ok when neither.
type Indicator interface {
	SetTriState(external, ok, internal bool)
}

type noopIndicator struct{}

func (noopIndicator) SetTriState(bool, bool, bool) {}

// Defaults for the connectivity probe.
const (
	DefaultProbeInterval = 60 * time.Second
	DefaultProbeHost     = "one.one.one.one"
)

// Snapshot is the aggregator state at one point in time.
type Snapshot struct {
	MQTTError         bool `json:"mqtt_error"`
	TransporterError  bool `json:"transporter_error"`
	InternetError     bool `json:"internet_error"`
	OfflineConfigured int  `json:"offline_configured"`
	ExternalError     bool `json:"external_error"`
	InternalError     bool `json:"internal_error"`
	OK                bool `json:"ok"`
}

// Options tunes the aggregator.
type Options struct {
	// ProbeInterval is how often internet reachability is checked.
	ProbeInterval time.Duration

	// ProbeHost is the hostname resolved by the reachability check.
	ProbeHost string
}

// Aggregator folds the error inputs of the system into one tri-state
// health value and pushes it to the indicator on every change.
//
// External faults (broker, mail transport, internet) and internal faults
// (a configured unit offline) are tracked separately so the indicator can
// show which side of the system needs attention.
type Aggregator struct {
	opts      Options
	logger    Logger
	indicator Indicator

	// lookup is swapped in tests.
	lookup func(ctx context.Context, host string) error

	mu          sync.Mutex
	mqttError   bool
	transporter bool
	internet    bool
	watched     map[string]*device.Device
	unwatch     map[string]func()
	last        *Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an aggregator. The connectivity probe does not run until Start.
func New(opts Options) *Aggregator {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.ProbeHost == "" {
		opts.ProbeHost = DefaultProbeHost
	}
	return &Aggregator{
		opts:      opts,
		logger:    noopLogger{},
		indicator: noopIndicator{},
		lookup: func(ctx context.Context, host string) error {
			_, err := net.DefaultResolver.LookupHost(ctx, host)
			return err
		},
		watched: make(map[string]*device.Device),
		unwatch: make(map[string]func()),
	}
}

// SetLogger installs a logger. Safe to call before Start.
func (a *Aggregator) SetLogger(logger Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// SetIndicator installs the health indicator and pushes the current state
// to it.
func (a *Aggregator) SetIndicator(ind Indicator) {
	if ind == nil {
		return
	}
	a.mu.Lock()
	a.indicator = ind
	a.last = nil
	a.mu.Unlock()
	a.evaluate()
}

// Start begins the periodic internet probe. The first probe runs
// immediately.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.probeLoop(ctx)
}

// Stop ends the probe loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
}

func (a *Aggregator) probeLoop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.opts.ProbeInterval)
	defer ticker.Stop()

	a.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.probe(ctx)
		}
	}
}

func (a *Aggregator) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := a.lookup(probeCtx, a.opts.ProbeHost)
	cancel()

	failed := err != nil

	a.mu.Lock()
	changed := a.internet != failed
	a.internet = failed
	a.mu.Unlock()

	if changed {
		if failed {
			a.logger.Warn("internet unreachable", "probe_host", a.opts.ProbeHost, "error", err)
		} else {
			a.logger.Info("internet reachable again", "probe_host", a.opts.ProbeHost)
		}
	}
	a.evaluate()
}

// SetMQTTError records broker connectivity.
func (a *Aggregator) SetMQTTError(failed bool) {
	a.mu.Lock()
	a.mqttError = failed
	a.mu.Unlock()
	a.evaluate()
}

// SetTransporterError records mail transport health. Implements the
// notification engine's status sink.
func (a *Aggregator) SetTransporterError(failed bool) {
	a.mu.Lock()
	a.transporter = failed
	a.mu.Unlock()
	a.evaluate()
}

// WatchDevice follows a device's online state. Only completely configured
// devices count towards the internal fault; unconfigured units come and go
// as they like.
func (a *Aggregator) WatchDevice(d *device.Device) {
	id := d.ID()

	a.mu.Lock()
	if _, exists := a.watched[id]; exists {
		a.mu.Unlock()
		return
	}
	a.watched[id] = d
	a.unwatch[id] = d.OnOnlineChanged(func(bool) { a.evaluate() })
	a.mu.Unlock()

	a.evaluate()
}

// UnwatchDevice stops following a device, for example when it is forgotten.
func (a *Aggregator) UnwatchDevice(id string) {
	a.mu.Lock()
	remove := a.unwatch[id]
	delete(a.unwatch, id)
	delete(a.watched, id)
	a.mu.Unlock()

	if remove != nil {
		remove()
	}
	a.evaluate()
}

// Snapshot returns the current aggregate state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	offline := 0
	for _, d := range a.watched {
		if d.IsCompletelyConfigured() && !d.IsOnline() {
			offline++
		}
	}

	s := Snapshot{
		MQTTError:         a.mqttError,
		TransporterError:  a.transporter,
		InternetError:     a.internet,
		OfflineConfigured: offline,
	}
	s.ExternalError = s.MQTTError || s.TransporterError || s.InternetError
	s.InternalError = offline > 0
	s.OK = !s.ExternalError && !s.InternalError
	return s
}

// evaluate recomputes the aggregate and, when it changed, logs it and
// pushes it to the indicator.
func (a *Aggregator) evaluate() {
	a.mu.Lock()
	s := a.snapshotLocked()
	if a.last != nil && *a.last == s {
		a.mu.Unlock()
		return
	}
	a.last = &s
	ind := a.indicator
	a.mu.Unlock()

	a.logger.Info("system status changed",
		"ok", s.OK,
		"external_error", s.ExternalError,
		"internal_error", s.InternalError,
		"mqtt_error", s.MQTTError,
		"transporter_error", s.TransporterError,
		"internet_error", s.InternetError,
		"offline_configured", s.OfflineConfigured,
	)
	ind.SetTriState(s.ExternalError, s.OK, s.InternalError)
}
