package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/postmelder/postmelder-core/internal/device"
	"github.com/postmelder/postmelder-core/internal/infrastructure/mqtt"
)

// Transport is the subset of the MQTT client the router depends on.
// Narrowed to an interface so tests can drive the router without a broker.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
	QoS() byte
}

// Logger defines the logging interface used by the Router.
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

// Options tunes router behaviour.
type Options struct {
	// ForgetOnDelete removes a device record entirely when its
	// configuration is deleted, including its broker subscription.
	// When false only the configuration fields are cleared.
	ForgetOnDelete bool
}

// Router owns the broker connection on behalf of the rest of the system:
// it runs the discovery protocol, demultiplexes per-device traffic to
// device records, and publishes outbound commands.
//
// One router instance serves the whole process. All methods are safe for
// concurrent use.
type Router struct {
	transport Transport
	registry  *device.Registry
	opts      Options
	logger    Logger
	topics    mqtt.Topics

	connMu    sync.RWMutex
	connected bool

	callbackMu    sync.Mutex
	nextID        int
	deviceAdded   map[int]func(*device.Device)
	deviceRemoved map[int]func(id string)
	connectivity  map[int]func(connected bool)

	// watched tracks devices whose persistence listeners are attached and
	// announced tracks devices already handed to deviceAdded listeners, so
	// re-entering Connected never double-attaches either side.
	watchedMu sync.Mutex
	watched   map[string]bool
	announced map[string]bool
}

// New creates a router over a connected transport and a loaded registry.
// Call Start to begin handling traffic.
func New(transport Transport, registry *device.Registry, opts Options) *Router {
	return &Router{
		transport:     transport,
		registry:      registry,
		opts:          opts,
		logger:        noopLogger{},
		deviceAdded:   make(map[int]func(*device.Device)),
		deviceRemoved: make(map[int]func(string)),
		connectivity:  make(map[int]func(bool)),
		watched:       make(map[string]bool),
		announced:     make(map[string]bool),
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// Start attaches the router to the transport and, if the transport is
// already connected, runs the connect sequence immediately: subscribe to
// the discovery topic, re-subscribe every known device's subtree and
// announce devices not yet seen by deviceAdded listeners.
//
// The same sequence runs again on every reconnect. Subscriptions are
// restored each time; deviceAdded fires once per device.
func (r *Router) Start() error {
	r.transport.SetOnConnect(r.handleConnected)
	r.transport.SetOnDisconnect(r.handleDisconnected)

	// Devices loaded from the snapshot need their wiring before any
	// traffic arrives.
	for _, d := range r.registry.All() {
		r.watchDevice(d)
	}

	if r.transport.IsConnected() {
		r.handleConnected()
	}
	return nil
}

// OnDeviceAdded registers a listener for newly discovered devices. Each
// device fires at most once; listeners attach per-device state here without
// tracking duplicates themselves. A forgotten device fires again when it is
// rediscovered.
func (r *Router) OnDeviceAdded(fn func(*device.Device)) (remove func()) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	id := r.nextID
	r.nextID++
	r.deviceAdded[id] = fn
	return func() {
		r.callbackMu.Lock()
		delete(r.deviceAdded, id)
		r.callbackMu.Unlock()
	}
}

// OnDeviceRemoved registers a listener for devices forgotten through
// DeleteDeviceConfig. Fires only when the record itself is removed, not
// when a delete merely clears the configuration.
func (r *Router) OnDeviceRemoved(fn func(id string)) (remove func()) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	id := r.nextID
	r.nextID++
	r.deviceRemoved[id] = fn
	return func() {
		r.callbackMu.Lock()
		delete(r.deviceRemoved, id)
		r.callbackMu.Unlock()
	}
}

// OnConnectivityChanged registers a listener for broker connectivity
// transitions. The current state is not replayed on registration; read
// IsConnected for the initial value.
func (r *Router) OnConnectivityChanged(fn func(connected bool)) (remove func()) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	id := r.nextID
	r.nextID++
	r.connectivity[id] = fn
	return func() {
		r.callbackMu.Lock()
		delete(r.connectivity, id)
		r.callbackMu.Unlock()
	}
}

// IsConnected reports the router's view of broker connectivity.
func (r *Router) IsConnected() bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return r.connected
}

// handleConnected runs on initial connect and every reconnect.
func (r *Router) handleConnected() {
	if err := r.transport.Subscribe(mqtt.TopicDiscovery, r.transport.QoS(), r.handleDiscovery); err != nil {
		r.logger.Error("subscribing to discovery topic failed", "error", err)
	}

	for _, d := range r.registry.All() {
		r.subscribeDevice(d.ID())
		r.fireDeviceAdded(d)
	}

	r.setConnected(true)
	r.logger.Info("message router connected", "devices", r.registry.Count())
}

// handleDisconnected only updates connectivity state. The transport
// reconnects on its own; raising faults here would take the router down
// with every network blip.
func (r *Router) handleDisconnected(err error) {
	r.setConnected(false)
	r.logger.Warn("message router disconnected", "error", err)
}

func (r *Router) setConnected(connected bool) {
	r.connMu.Lock()
	changed := r.connected != connected
	r.connected = connected
	r.connMu.Unlock()

	if !changed {
		return
	}
	r.callbackMu.Lock()
	fns := make([]func(bool), 0, len(r.connectivity))
	for _, fn := range r.connectivity {
		fns = append(fns, fn)
	}
	r.callbackMu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (r *Router) fireDeviceRemoved(id string) {
	r.callbackMu.Lock()
	fns := make([]func(string), 0, len(r.deviceRemoved))
	for _, fn := range r.deviceRemoved {
		fns = append(fns, fn)
	}
	r.callbackMu.Unlock()
	for _, fn := range fns {
		fn(id)
	}
}

// fireDeviceAdded announces a device to the deviceAdded listeners, at most
// once per device. Reconnects replay the connect sequence for every known
// device; without the guard each replay would stack fresh per-device
// listeners on components wired through OnDeviceAdded.
func (r *Router) fireDeviceAdded(d *device.Device) {
	r.watchedMu.Lock()
	if r.announced[d.ID()] {
		r.watchedMu.Unlock()
		return
	}
	r.announced[d.ID()] = true
	r.watchedMu.Unlock()

	r.callbackMu.Lock()
	fns := make([]func(*device.Device), 0, len(r.deviceAdded))
	for _, fn := range r.deviceAdded {
		fns = append(fns, fn)
	}
	r.callbackMu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

// handleDiscovery processes an announcement on the discovery topic.
// The payload is the device id. Unknown ids become new registry records;
// known ids still get the subscription and the registration ack, since
// devices re-announce after every reconnect.
func (r *Router) handleDiscovery(_ string, payload []byte) error {
	id := strings.TrimSpace(string(payload))
	if err := device.ValidateID(id); err != nil {
		r.logger.Warn("discovery announcement rejected", "payload", string(payload), "error", err)
		return nil
	}

	d, err := r.registry.FindByID(id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		d, err = r.registry.Create(id)
		if err != nil {
			r.logger.Error("creating discovered device failed", "device_id", id, "error", err)
			return nil
		}
		r.logger.Info("device discovered", "device_id", id)
		r.watchDevice(d)
		r.fireDeviceAdded(d)
		r.registry.ScheduleSave()
	} else if err != nil {
		r.logger.Error("looking up discovered device failed", "device_id", id, "error", err)
		return nil
	}

	r.subscribeDevice(id)

	// Empty publish on the device's direct topic acknowledges registration.
	if err := r.transport.Publish(r.topics.DeviceRegistered(id), nil, r.transport.QoS(), false); err != nil {
		r.logger.Error("registration ack failed", "device_id", id, "error", err)
	}
	return nil
}

// subscribeDevice subscribes to everything one device publishes.
func (r *Router) subscribeDevice(id string) {
	if err := r.transport.Subscribe(r.topics.DeviceSubtree(id), r.transport.QoS(), r.handleDeviceMessage); err != nil {
		r.logger.Error("subscribing to device subtree failed", "device_id", id, "error", err)
	}
}

// watchDevice attaches the persistence listeners once per device:
// weight-changing events arm the registry's debounced save.
func (r *Router) watchDevice(d *device.Device) {
	r.watchedMu.Lock()
	if r.watched[d.ID()] {
		r.watchedMu.Unlock()
		return
	}
	r.watched[d.ID()] = true
	r.watchedMu.Unlock()

	d.SetCommander(r)
	d.OnWeightRecorded(func(device.Reading) { r.registry.ScheduleSave() })
	d.OnOccupiedChanged(func(bool) { r.registry.ScheduleSave() })
}

// handleDeviceMessage demultiplexes a message from a device subtree to the
// owning record. Unknown devices and unknown subtopics are logged
// distinctly; neither takes the router down.
func (r *Router) handleDeviceMessage(topic string, payload []byte) error {
	id, subtopic, ok := splitDeviceTopic(topic)
	if !ok {
		// Bare /{id} messages are our own registration acks echoed back.
		return nil
	}

	d, err := r.registry.FindByID(id)
	if err != nil {
		r.logger.Warn("message for unknown device", "topic", topic, "device_id", id)
		return nil
	}

	if err := d.ApplyMessage(subtopic, payload); err != nil {
		switch {
		case errors.Is(err, device.ErrUnknownTopic):
			r.logger.Warn("unknown device subtopic", "topic", topic)
		case errors.Is(err, device.ErrUnrecognizedPresence):
			r.logger.Warn("unrecognized presence payload", "device_id", id, "payload", string(payload))
		case errors.Is(err, device.ErrInvalidWeight):
			r.logger.Warn("malformed numeric payload", "topic", topic, "payload", string(payload))
		case errors.Is(err, device.ErrNoPendingCalibration):
			r.logger.Debug("calibration response without request", "topic", topic)
		default:
			r.logger.Error("applying device message failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// splitDeviceTopic extracts the device id and subtopic from a /{id}/...
// topic. ok is false when there is no subtopic.
func splitDeviceTopic(topic string) (id, subtopic string, ok bool) {
	trimmed := strings.TrimPrefix(topic, "/")
	id, subtopic, found := strings.Cut(trimmed, "/")
	if !found || id == "" || subtopic == "" {
		return "", "", false
	}
	return id, subtopic, true
}

// SendCommand publishes a command to one device. Implements
// device.Commander for the calibration protocol.
func (r *Router) SendCommand(deviceID, command string, payload []byte) error {
	return r.Publish(r.topics.DeviceCommand(deviceID, command), payload, false)
}

// Publish sends a raw message through the transport. Guarded so callers
// cannot publish before the router is connected.
func (r *Router) Publish(topic string, payload []byte, retained bool) error {
	if !r.IsConnected() {
		return mqtt.ErrNotConnected
	}
	return r.transport.Publish(topic, payload, r.transport.QoS(), retained)
}

// UpdateDevice applies an external configuration write and persists the
// registry synchronously. Configuration changes are rare and must survive
// a crash, unlike debounced weight snapshots.
func (r *Router) UpdateDevice(ctx context.Context, id string, cfg device.Configuration) error {
	d, err := r.registry.FindByID(id)
	if err != nil {
		return err
	}
	if err := d.Configure(cfg); err != nil {
		return err
	}
	if err := r.registry.SaveNow(ctx); err != nil {
		return fmt.Errorf("persisting device update: %w", err)
	}
	return nil
}

// DeleteDeviceConfig deletes a device's configuration. By default the
// record and its broker subscription survive with cleared fields, so a
// still-installed unit keeps reporting. With ForgetOnDelete the record is
// removed entirely and its subtree unsubscribed.
func (r *Router) DeleteDeviceConfig(ctx context.Context, id string) error {
	d, err := r.registry.FindByID(id)
	if err != nil {
		return err
	}

	if r.opts.ForgetOnDelete {
		if err := r.registry.Remove(id); err != nil {
			return err
		}
		r.watchedMu.Lock()
		delete(r.watched, id)
		delete(r.announced, id)
		r.watchedMu.Unlock()
		if r.IsConnected() {
			if err := r.transport.Unsubscribe(r.topics.DeviceSubtree(id)); err != nil {
				r.logger.Warn("unsubscribing forgotten device failed", "device_id", id, "error", err)
			}
		}
		r.fireDeviceRemoved(id)
	} else {
		d.ClearConfiguration()
	}

	if err := r.registry.SaveNow(ctx); err != nil {
		return fmt.Errorf("persisting device deletion: %w", err)
	}
	return nil
}

// Close flushes any pending debounced registry save.
func (r *Router) Close(ctx context.Context) error {
	return r.registry.Close(ctx)
}
