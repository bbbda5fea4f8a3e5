package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/postmelder/postmelder-core/internal/device"
	"github.com/postmelder/postmelder-core/internal/secrets"
)

// Logger is the minimal logging interface the engine needs.
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

// StatusSink receives the health of the mail transport. Implemented by the
// status aggregator.
type StatusSink interface {
	SetTransporterError(failed bool)
}

type noopStatusSink struct{}

func (noopStatusSink) SetTransporterError(bool) {}

// DefaultTestPrefix is prepended to the subject of test mails.
const DefaultTestPrefix = "Test: "

// Cron specs for the periodic notification buckets.
const (
	hourlySpec = "0 * * * *"
	dailySpec  = "0 0 * * *"
	weeklySpec = "0 0 * * 1"
)

// Engine drives outgoing mail. Devices are grouped into buckets by check
// interval; immediate devices mail as soon as they become occupied, the
// others are swept by cron jobs. A new mail configuration only becomes
// active after it verifies against the SMTP server.
type Engine struct {
	mailer     Mailer
	repo       MailConfigRepository
	box        *secrets.Box
	logger     Logger
	status     StatusSink
	testPrefix string

	cron *cron.Cron

	mu      sync.Mutex
	active  *SMTPConfig
	stored  *StoredConfig
	buckets map[device.CheckInterval]map[string]*device.Device
	detach  map[string][]func()
}

// Options tunes engine behaviour.
type Options struct {
	// TestPrefix overrides the subject prefix for test mails.
	TestPrefix string
}

// NewEngine creates an engine. The configuration is not loaded until Start.
func NewEngine(mailer Mailer, repo MailConfigRepository, box *secrets.Box, opts Options) *Engine {
	prefix := opts.TestPrefix
	if prefix == "" {
		prefix = DefaultTestPrefix
	}

	buckets := make(map[device.CheckInterval]map[string]*device.Device)
	for _, iv := range device.CheckIntervals {
		buckets[iv] = make(map[string]*device.Device)
	}

	return &Engine{
		mailer:     mailer,
		repo:       repo,
		box:        box,
		logger:     noopLogger{},
		status:     noopStatusSink{},
		testPrefix: prefix,
		cron:       cron.New(),
		buckets:    buckets,
		detach:     make(map[string][]func()),
	}
}

// SetLogger installs a logger. Safe to call before Start.
func (e *Engine) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetStatusSink installs the transporter health receiver.
func (e *Engine) SetStatusSink(sink StatusSink) {
	if sink != nil {
		e.status = sink
	}
}

// Start loads the stored mail configuration and starts the periodic bucket
// sweeps. A missing configuration is not an error; mail stays disabled
// until one is saved.
func (e *Engine) Start(ctx context.Context) error {
	stored, err := e.repo.Load(ctx)
	switch {
	case errors.Is(err, ErrNotConfigured):
		e.logger.Info("no mail configuration stored, notifications disabled")
	case err != nil:
		return fmt.Errorf("loading mail configuration: %w", err)
	default:
		active, err := e.decrypt(stored)
		if err != nil {
			e.logger.Error("decrypting stored mail password failed", "error", err)
		} else {
			e.mu.Lock()
			e.stored = stored
			e.active = active
			e.mu.Unlock()
			e.logger.Info("mail configuration loaded", "host", stored.Host, "username", stored.Username)
		}
	}

	if _, err := e.cron.AddFunc(hourlySpec, func() { e.checkBucket(device.CheckHourly) }); err != nil {
		return fmt.Errorf("scheduling hourly check: %w", err)
	}
	if _, err := e.cron.AddFunc(dailySpec, func() { e.checkBucket(device.CheckDaily) }); err != nil {
		return fmt.Errorf("scheduling daily check: %w", err)
	}
	if _, err := e.cron.AddFunc(weeklySpec, func() { e.checkBucket(device.CheckWeekly) }); err != nil {
		return fmt.Errorf("scheduling weekly check: %w", err)
	}
	e.cron.Start()

	return nil
}

// Stop halts the periodic sweeps. Running sweeps finish first.
func (e *Engine) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}

// AddDevice registers a device with the engine. The device is bucketed by
// its check interval and followed across interval changes, occupancy
// changes and online changes.
func (e *Engine) AddDevice(d *device.Device) {
	id := d.ID()

	e.mu.Lock()
	if _, exists := e.detach[id]; exists {
		e.mu.Unlock()
		return
	}
	e.buckets[d.CheckInterval()][id] = d

	var removers []func()
	removers = append(removers, d.OnCheckIntervalChanged(func(oldVal, newVal device.CheckInterval) {
		e.rebucket(d, oldVal, newVal)
	}))
	removers = append(removers, d.OnOccupiedChanged(func(occupied bool) {
		if occupied {
			e.occupiedChanged(d)
		}
	}))
	removers = append(removers, d.OnOnlineChanged(func(online bool) {
		e.onlineChanged(d, online)
	}))
	e.detach[id] = removers
	e.mu.Unlock()

	// An immediate device may already be holding unreported mail.
	if d.CheckInterval() == device.CheckImmediate && d.IsOccupied() && !d.MessageSent() {
		go e.notify(d)
	}
}

// RemoveDevice detaches the engine from a device, for example when the
// device is forgotten.
func (e *Engine) RemoveDevice(id string) {
	e.mu.Lock()
	removers := e.detach[id]
	delete(e.detach, id)
	for _, bucket := range e.buckets {
		delete(bucket, id)
	}
	e.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
}

func (e *Engine) rebucket(d *device.Device, oldVal, newVal device.CheckInterval) {
	id := d.ID()

	e.mu.Lock()
	delete(e.buckets[oldVal], id)
	e.buckets[newVal][id] = d
	e.mu.Unlock()

	if newVal == device.CheckImmediate && d.IsOccupied() && !d.MessageSent() {
		go e.notify(d)
	}
}

func (e *Engine) occupiedChanged(d *device.Device) {
	if d.CheckInterval() != device.CheckImmediate {
		return
	}
	if d.MessageSent() {
		return
	}
	go e.notify(d)
}

func (e *Engine) onlineChanged(d *device.Device, online bool) {
	if !d.IsCompletelyConfigured() {
		return
	}

	state := "offline"
	if online {
		state = "online"
	}
	msgBody := fmt.Sprintf("%s has changed its online state to %s", d.ID(), state)

	go func() {
		if err := e.send(d, "Device online state", msgBody, false); err != nil {
			e.logger.Warn("online state mail failed", "device_id", d.ID(), "error", err)
		}
	}()
}

// checkBucket sweeps one interval bucket and mails every occupied device
// that has not been reported yet. One failing device does not stop the
// sweep.
func (e *Engine) checkBucket(interval device.CheckInterval) {
	e.mu.Lock()
	devices := make([]*device.Device, 0, len(e.buckets[interval]))
	for _, d := range e.buckets[interval] {
		devices = append(devices, d)
	}
	e.mu.Unlock()

	for _, d := range devices {
		if !d.IsOccupied() || d.MessageSent() {
			continue
		}
		e.notify(d)
	}
}

func (e *Engine) notify(d *device.Device) {
	if err := e.SendDeviceMessage(context.Background(), d, false); err != nil {
		e.logger.Warn("notification failed", "device_id", d.ID(), "error", err)
	}
}

// SendDeviceMessage builds the notification mail for a device from its
// templates and sends it. Test mails get the test prefix on the subject
// and do not mark the device as reported.
func (e *Engine) SendDeviceMessage(ctx context.Context, d *device.Device, test bool) error {
	if len(d.Subscribers()) == 0 {
		return ErrNoRecipients
	}

	e.mu.Lock()
	cfg := e.active
	e.mu.Unlock()
	if cfg == nil {
		return ErrNoSender
	}

	if err := e.mailer.Verify(*cfg); err != nil {
		e.status.SetTransporterError(true)
		e.logger.Error("mail transport unavailable", "host", cfg.Host, "error", err)
		return fmt.Errorf("%w: %v", ErrTransporterUnavailable, err)
	}

	subject := InsertVariables(TitleTemplate(d), d)
	if test {
		subject = e.testPrefix + subject
	}

	msg := Message{
		From:    cfg.Username,
		To:      d.Subscribers(),
		Subject: subject,
		Body:    InsertVariables(BodyTemplate(d), d),
	}

	result, err := e.mailer.Send(*cfg, msg)
	if err != nil {
		e.status.SetTransporterError(true)
		return fmt.Errorf("sending notification for %s: %w", d.ID(), err)
	}
	e.status.SetTransporterError(false)

	e.logger.Info("notification sent",
		"device_id", d.ID(),
		"test", test,
		"accepted", len(result.Accepted),
		"rejected", len(result.Rejected),
	)
	if len(result.Rejected) > 0 {
		e.logger.Warn("some recipients rejected", "device_id", d.ID(), "rejected", result.Rejected)
	}

	if !test && len(result.Accepted) > 0 {
		d.MarkMessageSent()
	}
	return nil
}

func (e *Engine) send(d *device.Device, subject, body string, markSent bool) error {
	if len(d.Subscribers()) == 0 {
		return ErrNoRecipients
	}

	e.mu.Lock()
	cfg := e.active
	e.mu.Unlock()
	if cfg == nil {
		return ErrNoSender
	}

	if err := e.mailer.Verify(*cfg); err != nil {
		e.status.SetTransporterError(true)
		return fmt.Errorf("%w: %v", ErrTransporterUnavailable, err)
	}

	msg := Message{
		From:    cfg.Username,
		To:      d.Subscribers(),
		Subject: subject,
		Body:    body,
	}

	result, err := e.mailer.Send(*cfg, msg)
	if err != nil {
		e.status.SetTransporterError(true)
		return err
	}
	e.status.SetTransporterError(false)

	if markSent && len(result.Accepted) > 0 {
		d.MarkMessageSent()
	}
	return nil
}

// UpdateConfig verifies a proposed mail configuration against the SMTP
// server and, only on success, persists it and makes it active. An empty
// password means keep the current one. A rejected proposal leaves the
// previous configuration in place.
func (e *Engine) UpdateConfig(ctx context.Context, proposed SMTPConfig) error {
	if proposed.Host == "" || proposed.Username == "" {
		return fmt.Errorf("%w: host and username are required", ErrInvalidConfig)
	}
	if proposed.Port == 0 {
		proposed.Port = DefaultSMTPPort
	}

	e.mu.Lock()
	current := e.active
	stored := e.stored
	e.mu.Unlock()

	if proposed.Password == "" {
		if current == nil {
			return fmt.Errorf("%w: password is required", ErrInvalidConfig)
		}
		proposed.Password = current.Password
	}

	if err := e.mailer.Verify(proposed); err != nil {
		e.logger.Warn("proposed mail configuration rejected", "host", proposed.Host, "error", err)
		return fmt.Errorf("%w: %v", ErrConfigRejected, err)
	}

	hash, err := e.encryptPassword(proposed.Password, stored)
	if err != nil {
		return fmt.Errorf("encrypting mail password: %w", err)
	}

	next := StoredConfig{
		Username: proposed.Username,
		Password: hash,
		Host:     proposed.Host,
		Port:     proposed.Port,
		SSL:      proposed.SSL,
	}
	if err := e.repo.Save(ctx, next); err != nil {
		return fmt.Errorf("persisting mail configuration: %w", err)
	}

	e.mu.Lock()
	e.stored = &next
	e.active = &proposed
	e.mu.Unlock()

	e.status.SetTransporterError(false)
	e.logger.Info("mail configuration updated", "host", proposed.Host, "username", proposed.Username)
	return nil
}

// encryptPassword reuses the stored ciphertext when the password has not
// changed, so an unmodified configuration round-trips byte identical.
func (e *Engine) encryptPassword(password string, stored *StoredConfig) (secrets.Hash, error) {
	if stored != nil && !stored.Password.IsZero() {
		hash, err := e.box.EncryptWithIV(password, stored.Password.IV)
		if err == nil && hash == stored.Password {
			return hash, nil
		}
	}
	return e.box.Encrypt(password)
}

// Config returns the active configuration with the password blanked, for
// the HTTP API. The second return is false when no configuration is
// active.
func (e *Engine) Config() (SMTPConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil {
		return SMTPConfig{}, false
	}
	cfg := *e.active
	cfg.Password = ""
	return cfg, true
}

func (e *Engine) decrypt(stored *StoredConfig) (*SMTPConfig, error) {
	password, err := e.box.Decrypt(stored.Password)
	if err != nil {
		return nil, err
	}
	return &SMTPConfig{
		Username: stored.Username,
		Password: password,
		Host:     stored.Host,
		Port:     stored.Port,
		SSL:      stored.SSL,
	}, nil
}
