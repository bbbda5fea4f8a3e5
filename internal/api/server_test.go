package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/postmelder/postmelder-core/internal/device"
	"github.com/postmelder/postmelder-core/internal/infrastructure/config"
	"github.com/postmelder/postmelder-core/internal/infrastructure/logging"
	"github.com/postmelder/postmelder-core/internal/infrastructure/mqtt"
	"github.com/postmelder/postmelder-core/internal/notification"
	"github.com/postmelder/postmelder-core/internal/router"
	"github.com/postmelder/postmelder-core/internal/secrets"
	"github.com/postmelder/postmelder-core/internal/status"
)

const testID = "a0:b1:c2:d3:e4:f5"

// =============================================================================
// Fakes
// =============================================================================

// fakeTransport satisfies router.Transport without a broker. Commands sent
// to devices are recorded; calibration answers can be injected by calling
// the registered subscription handlers.
type fakeTransport struct {
	mu        sync.Mutex
	subs      map[string]mqtt.MessageHandler
	published map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		subs:      make(map[string]mqtt.MessageHandler),
		published: make(map[string][][]byte),
	}
}

func (f *fakeTransport) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload)
	return nil
}

func (f *fakeTransport) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return nil
}

func (f *fakeTransport) IsConnected() bool           { return true }
func (f *fakeTransport) SetOnConnect(func())         {}
func (f *fakeTransport) SetOnDisconnect(func(error)) {}
func (f *fakeTransport) QoS() byte                   { return 1 }

func (f *fakeTransport) publishedTo(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.published[topic]...)
}

type memoryRepo struct {
	mu        sync.Mutex
	snapshots []device.Snapshot
}

func (m *memoryRepo) List(ctx context.Context) ([]device.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]device.Snapshot(nil), m.snapshots...), nil
}

func (m *memoryRepo) SaveAll(ctx context.Context, snapshots []device.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append([]device.Snapshot(nil), snapshots...)
	return nil
}

type memoryMailRepo struct {
	mu     sync.Mutex
	stored *notification.StoredConfig
}

func (r *memoryMailRepo) Load(ctx context.Context) (*notification.StoredConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stored == nil {
		return nil, notification.ErrNotConfigured
	}
	cfg := *r.stored
	return &cfg, nil
}

func (r *memoryMailRepo) Save(ctx context.Context, cfg notification.StoredConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = &cfg
	return nil
}

type fakeMailer struct {
	mu        sync.Mutex
	verifyErr error
	sent      []notification.Message
}

func (m *fakeMailer) Verify(notification.SMTPConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyErr
}

func (m *fakeMailer) Send(cfg notification.SMTPConfig, msg notification.Message) (notification.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return notification.SendResult{Accepted: msg.To}, nil
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	server    *httptest.Server
	registry  *device.Registry
	router    *router.Router
	transport *fakeTransport
	mailer    *fakeMailer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	registry := device.NewRegistry(&memoryRepo{}, device.Settings{
		EmptyThreshold:     1,
		CalibrationTimeout: 200 * time.Millisecond,
	}, time.Hour)
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	transport := newFakeTransport()
	rt := router.New(transport, registry, router.Options{})
	if err := rt.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	box, err := secrets.New("api-test-secret")
	if err != nil {
		t.Fatalf("secrets.New() error = %v", err)
	}
	mailer := &fakeMailer{}
	engine := notification.NewEngine(mailer, &memoryMailRepo{}, box, notification.Options{})

	agg := status.New(status.Options{})

	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config:   config.APIConfig{Host: "127.0.0.1"},
		Logger:   log,
		Registry: registry,
		Router:   rt,
		Engine:   engine,
		Status:   agg,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &harness{
		server:    ts,
		registry:  registry,
		router:    rt,
		transport: transport,
		mailer:    mailer,
	}
}

// discover announces a device on the discovery topic.
func (h *harness) discover(t *testing.T, id string) *device.Device {
	t.Helper()
	h.transport.mu.Lock()
	handler := h.transport.subs[mqtt.TopicDiscovery]
	h.transport.mu.Unlock()
	if handler == nil {
		t.Fatal("router did not subscribe to the discovery topic")
	}
	if err := handler(mqtt.TopicDiscovery, []byte(id)); err != nil {
		t.Fatalf("discovery handler error = %v", err)
	}
	d, err := h.registry.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID() after discovery error = %v", err)
	}
	return d
}

func (h *harness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return m
}

// =============================================================================
// Health and status
// =============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/api/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["mqtt_connected"] != true {
		t.Errorf("mqtt_connected = %v, want true", body["mqtt_connected"])
	}
	if _, ok := body["status"].(map[string]any); !ok {
		t.Errorf("status field missing: %v", body)
	}
}

// =============================================================================
// Devices
// =============================================================================

func TestListDevicesPartitioned(t *testing.T) {
	h := newHarness(t)
	h.discover(t, testID)
	configured := h.discover(t, "11:22:33:44:55:66")
	err := configured.Configure(device.Configuration{
		Subscribers:   []string{"owner@example.com"},
		BoxNumber:     intPtr(1),
		CheckInterval: device.CheckImmediate,
	})
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	resp, body := h.get(t, "/api/v1/devices")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
	if got := len(body["configured"].([]any)); got != 1 {
		t.Errorf("configured len = %d, want 1", got)
	}
	if got := len(body["unconfigured"].([]any)); got != 1 {
		t.Errorf("unconfigured len = %d, want 1", got)
	}
}

func TestGetDevice(t *testing.T) {
	h := newHarness(t)
	h.discover(t, testID)

	resp, body := h.get(t, "/api/v1/devices/"+testID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["id"] != testID {
		t.Errorf("id = %v, want %q", body["id"], testID)
	}
	if body["online"] != false || body["occupied"] != false {
		t.Errorf("fresh device state = %v", body)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	h := newHarness(t)

	resp, body := h.get(t, "/api/v1/devices/unknown")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != ErrCodeNotFound {
		t.Errorf("code = %v", body["code"])
	}
}

func TestUpdateDevice(t *testing.T) {
	h := newHarness(t)
	h.discover(t, testID)

	resp, body := h.do(t, http.MethodPatch, "/api/v1/devices/"+testID, map[string]any{
		"subscribers":    []string{"owner@example.com"},
		"box_number":     12,
		"check_interval": "daily",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %v", resp.StatusCode, body)
	}
	if body["check_interval"] != "daily" {
		t.Errorf("check_interval = %v, want daily", body["check_interval"])
	}
	if body["completely_configured"] != true {
		t.Errorf("completely_configured = %v, want true", body["completely_configured"])
	}
}

func TestUpdateDeviceValidation(t *testing.T) {
	h := newHarness(t)
	h.discover(t, testID)

	resp, _ := h.do(t, http.MethodPatch, "/api/v1/devices/"+testID, map[string]any{
		"subscribers": []string{"not-an-address"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteDeviceClearsConfiguration(t *testing.T) {
	h := newHarness(t)
	d := h.discover(t, testID)
	if err := d.Configure(device.Configuration{
		Subscribers:   []string{"owner@example.com"},
		BoxNumber:     intPtr(3),
		CheckInterval: device.CheckImmediate,
	}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	resp, _ := h.do(t, http.MethodDelete, "/api/v1/devices/"+testID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	// Record stays, configuration is gone.
	d, err := h.registry.FindByID(testID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if d.IsCompletelyConfigured() {
		t.Error("configuration should be cleared after delete")
	}
}

func TestDeviceHistory(t *testing.T) {
	h := newHarness(t)
	d := h.discover(t, testID)
	if err := d.ApplyMessage(mqtt.SubtopicCurrentWeight, []byte("310")); err != nil {
		t.Fatalf("ApplyMessage() error = %v", err)
	}

	resp, body := h.get(t, "/api/v1/devices/"+testID+"/history")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	history, ok := body["history"].([]any)
	if !ok || len(history) != 1 {
		t.Errorf("history = %v, want one reading", body["history"])
	}
}

// =============================================================================
// Messages
// =============================================================================

func TestSendTestMessage(t *testing.T) {
	h := newHarness(t)
	d := h.discover(t, testID)
	if err := d.Configure(device.Configuration{
		Subscribers:   []string{"owner@example.com"},
		BoxNumber:     intPtr(1),
		CheckInterval: device.CheckImmediate,
	}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	// No mail configuration active yet.
	resp, _ := h.do(t, http.MethodPost, "/api/v1/devices/"+testID+"/message/test", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status without mail config = %d, want 409", resp.StatusCode)
	}

	putResp, _ := h.do(t, http.MethodPut, "/api/v1/notification/config", map[string]any{
		"username": "postmelder@example.com",
		"password": "hunter2",
		"host":     "smtp.example.com",
	})
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("PUT config status = %d, want 200", putResp.StatusCode)
	}

	resp, body := h.do(t, http.MethodPost, "/api/v1/devices/"+testID+"/message/test", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %v", resp.StatusCode, body)
	}
	if h.mailer.sentCount() != 1 {
		t.Errorf("sent %d mails, want 1", h.mailer.sentCount())
	}
	if d.MessageSent() {
		t.Error("test send must not mark the device as reported")
	}
}

// =============================================================================
// Calibration
// =============================================================================

func TestCalibrationOffsetRoundTrip(t *testing.T) {
	h := newHarness(t)
	d := h.discover(t, testID)
	if err := d.ApplyMessage(mqtt.SubtopicOnline, []byte(mqtt.PayloadConnected)); err != nil {
		t.Fatalf("ApplyMessage() error = %v", err)
	}

	// Answer the command as the device would.
	go func() {
		commandTopic := fmt.Sprintf("/%s/command/%s", testID, mqtt.CommandCalcOffset)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if len(h.transport.publishedTo(commandTopic)) > 0 {
				h.transport.mu.Lock()
				handler := h.transport.subs["/"+testID+"/#"]
				h.transport.mu.Unlock()
				if handler != nil {
					_ = handler("/"+testID+"/"+mqtt.SubtopicScaleOffset, []byte("-1234.5"))
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, body := h.do(t, http.MethodPost, "/api/v1/devices/"+testID+"/calibration/offset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %v", resp.StatusCode, body)
	}
	if body["scale_offset"] != float64(-1234.5) {
		t.Errorf("scale_offset = %v, want -1234.5", body["scale_offset"])
	}
}

func TestCalibrationOffsetDeviceOffline(t *testing.T) {
	h := newHarness(t)
	h.discover(t, testID)

	resp, _ := h.do(t, http.MethodPost, "/api/v1/devices/"+testID+"/calibration/offset", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCalibrationScaleRequiresWeight(t *testing.T) {
	h := newHarness(t)
	d := h.discover(t, testID)
	if err := d.ApplyMessage(mqtt.SubtopicOnline, []byte(mqtt.PayloadConnected)); err != nil {
		t.Fatalf("ApplyMessage() error = %v", err)
	}

	resp, _ := h.do(t, http.MethodPost, "/api/v1/devices/"+testID+"/calibration/scale", map[string]any{
		"known_weight": 0,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCalibrationCancelWithoutSession(t *testing.T) {
	h := newHarness(t)
	d := h.discover(t, testID)
	if err := d.ApplyMessage(mqtt.SubtopicOnline, []byte(mqtt.PayloadConnected)); err != nil {
		t.Fatalf("ApplyMessage() error = %v", err)
	}

	resp, body := h.do(t, http.MethodPost, "/api/v1/devices/"+testID+"/calibration/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %v", resp.StatusCode, body)
	}
}

// =============================================================================
// Mail configuration
// =============================================================================

func TestMailConfigLifecycle(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.get(t, "/api/v1/notification/config")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET before PUT status = %d, want 404", resp.StatusCode)
	}

	resp, body := h.do(t, http.MethodPut, "/api/v1/notification/config", map[string]any{
		"username": "postmelder@example.com",
		"password": "hunter2",
		"host":     "smtp.example.com",
		"ssl":      true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want 200, body %v", resp.StatusCode, body)
	}
	if _, hasPassword := body["password"]; hasPassword {
		t.Error("response must not echo the password")
	}

	resp, body = h.get(t, "/api/v1/notification/config")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d, want 200", resp.StatusCode)
	}
	if body["username"] != "postmelder@example.com" || body["ssl"] != true {
		t.Errorf("config = %v", body)
	}
}

func TestMailConfigRejected(t *testing.T) {
	h := newHarness(t)
	h.mailer.verifyErr = fmt.Errorf("535 authentication failed")

	resp, _ := h.do(t, http.MethodPut, "/api/v1/notification/config", map[string]any{
		"username": "postmelder@example.com",
		"password": "bad",
		"host":     "smtp.example.com",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func intPtr(n int) *int { return &n }
