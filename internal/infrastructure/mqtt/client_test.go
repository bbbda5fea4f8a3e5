package mqtt

import (
	"errors"
	"sync"
	"testing"
)

// newDisconnectedClient returns a client that has never connected.
// Useful for testing validation guards without a running broker.
func newDisconnectedClient() *Client {
	return &Client{
		subscriptions: make(map[string]subscription),
	}
}

// =============================================================================
// Topic Builder Tests
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{}
	deviceID := "a0:b1:c2:d3:e4:f5"

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DeviceRegistered", topics.DeviceRegistered(deviceID), "/a0:b1:c2:d3:e4:f5"},
		{"DeviceSubtree", topics.DeviceSubtree(deviceID), "/a0:b1:c2:d3:e4:f5/#"},
		{"DeviceOnline", topics.DeviceOnline(deviceID), "/a0:b1:c2:d3:e4:f5/online"},
		{"DeviceCommand", topics.DeviceCommand(deviceID, CommandCalcOffset), "/a0:b1:c2:d3:e4:f5/command/CalcOffset"},
		{"Discovery", TopicDiscovery, "/devices"},
		{"ServerStatus", TopicServerStatus, "/server/online"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

// =============================================================================
// Validation Guard Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	client := newDisconnectedClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "/devices", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "/devices", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "/devices", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := newDisconnectedClient()
	handler := func(_ string, _ []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe() empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("/devices", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe() qos 3 error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("/devices", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() nil handler error = %v, want ErrSubscribeFailed", err)
	}
	if err := client.Subscribe("/devices", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestUnsubscribeValidation(t *testing.T) {
	client := newDisconnectedClient()

	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe() empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Unsubscribe("/devices"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

// =============================================================================
// Subscription Tracking Tests
// =============================================================================

func TestSubscriptionTracking(t *testing.T) {
	client := newDisconnectedClient()

	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
	if client.HasSubscription("/devices") {
		t.Error("HasSubscription() = true for untracked topic")
	}

	client.subMu.Lock()
	client.subscriptions["/devices"] = subscription{topic: "/devices", qos: 1}
	client.subMu.Unlock()

	if client.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", client.SubscriptionCount())
	}
	if !client.HasSubscription("/devices") {
		t.Error("HasSubscription() = false for tracked topic")
	}
}

// =============================================================================
// Callback Tests
// =============================================================================

func TestConnectionCallbacks(t *testing.T) {
	client := newDisconnectedClient()

	var mu sync.Mutex
	var connectCalled bool
	var gotErr error

	client.SetOnConnect(func() {
		mu.Lock()
		connectCalled = true
		mu.Unlock()
	})
	client.SetOnDisconnect(func(err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})

	// Exercise the disconnect path directly; the connect path touches the
	// paho client for subscription restore so it needs a live broker.
	wantErr := errors.New("link down")
	client.handleDisconnect(wantErr)

	mu.Lock()
	defer mu.Unlock()
	if connectCalled {
		t.Error("onConnect fired without a connection event")
	}
	if !errors.Is(gotErr, wantErr) {
		t.Errorf("onDisconnect error = %v, want %v", gotErr, wantErr)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
}
