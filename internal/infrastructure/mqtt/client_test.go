package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "robot-backend-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func newTestClient(t *testing.T) (*Client, *fakeConn, *recordingLogger) {
	t.Helper()
	conn := newFakeConn()
	log := &recordingLogger{}
	return newWithConn(testConfig(), conn, log), conn, log
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "robot"
	cfg.Auth.Password = "secret"
	cfg.Broker.TLS = true

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "robot-backend-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "robot" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig not set for TLS broker")
	}
	if !opts.WillEnabled || opts.WillTopic != SystemStatusTopic || !opts.WillRetained {
		t.Errorf("last will = (%v, %q, retained=%v), want retained will on %s",
			opts.WillEnabled, opts.WillTopic, opts.WillRetained, SystemStatusTopic)
	}
	if !strings.Contains(string(opts.WillPayload), "unexpected_disconnect") {
		t.Errorf("WillPayload = %s, want unexpected_disconnect reason", opts.WillPayload)
	}
}

func TestStatusPayload(t *testing.T) {
	var body map[string]string
	if err := json.Unmarshal([]byte(statusPayload("robot-backend", "offline", "graceful_shutdown")), &body); err != nil {
		t.Fatalf("statusPayload() is not JSON: %v", err)
	}
	if body["status"] != "offline" || body["reason"] != "graceful_shutdown" || body["client_id"] != "robot-backend" {
		t.Errorf("statusPayload() = %v", body)
	}

	if err := json.Unmarshal([]byte(statusPayload("robot-backend", "online", "")), &body); err != nil {
		t.Fatalf("statusPayload() is not JSON: %v", err)
	}
	if body["status"] != "online" {
		t.Errorf("status = %q, want online", body["status"])
	}
}

func TestPublish(t *testing.T) {
	client, conn, _ := newTestClient(t)

	if err := client.PublishRetained("foundry/robot/R1/state", []byte(`{"health":100}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}

	msgs := conn.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if !msgs[0].retained || msgs[0].qos != 1 {
		t.Errorf("published retained=%v qos=%d, want retained qos 1", msgs[0].retained, msgs[0].qos)
	}
}

func TestPublish_Validation(t *testing.T) {
	client, conn, _ := newTestClient(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"oversized payload", "a/b", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}

	conn.Disconnect(0)
	if err := client.Publish("a/b", nil, 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() while disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribe_DeliversMessages(t *testing.T) {
	client, conn, _ := newTestClient(t)

	var got []string
	err := client.Subscribe("robot/data", 1, func(topic string, payload []byte) error {
		got = append(got, topic+"="+string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription("robot/data") {
		t.Error("HasSubscription() = false after Subscribe()")
	}

	conn.Publish("robot/data", 1, false, []byte(`{"robot_id":"R1"}`))
	if len(got) != 1 || got[0] != `robot/data={"robot_id":"R1"}` {
		t.Errorf("handler received %v", got)
	}

	if err := client.Unsubscribe("robot/data"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription("robot/data") {
		t.Error("HasSubscription() = true after Unsubscribe()")
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client, conn, _ := newTestClient(t)
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("a", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := client.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}

	conn.subscribeErr = errors.New("not authorised")
	if err := client.Subscribe("a", 1, noop); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("broker rejection error = %v", err)
	}
	if client.HasSubscription("a") {
		t.Error("failed subscription should not be tracked")
	}
}

func TestWrapHandler_RecoversAndLogs(t *testing.T) {
	client, conn, log := newTestClient(t)

	if err := client.Subscribe("panic", 1, func(string, []byte) error { panic("boom") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := client.Subscribe("fail", 1, func(string, []byte) error { return errors.New("bad") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	conn.Publish("panic", 1, false, []byte("x"))
	conn.Publish("fail", 1, false, []byte("x"))

	if len(log.errors) != 1 {
		t.Errorf("logged %d errors, want 1 for the panic", len(log.errors))
	}
	if len(log.warns) != 1 {
		t.Errorf("logged %d warnings, want 1 for the handler error", len(log.warns))
	}
}

func TestReconnect_RestoresSubscriptions(t *testing.T) {
	client, conn, _ := newTestClient(t)

	calls := 0
	if err := client.Subscribe("robot/data", 1, func(string, []byte) error { calls++; return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var reconnected, lost bool
	client.SetOnConnect(func() { reconnected = true })
	client.SetOnDisconnect(func(error) { lost = true })

	client.handleDisconnect(errors.New("network down"))
	if !lost || client.IsConnected() {
		t.Fatal("disconnect not recorded")
	}

	conn.Unsubscribe("robot/data") // broker forgot us (clean session)
	client.handleConnect()
	if !reconnected || !client.IsConnected() {
		t.Fatal("reconnect not recorded")
	}

	conn.Publish("robot/data", 1, false, []byte("{}"))
	if calls != 1 {
		t.Errorf("handler calls after reconnect = %d, want 1", calls)
	}

	var sawOnline bool
	for _, m := range conn.messages() {
		if m.topic == SystemStatusTopic && strings.Contains(string(m.payload), `"online"`) && m.retained {
			sawOnline = true
		}
	}
	if !sawOnline {
		t.Error("online status not published on reconnect")
	}
}

func TestClose(t *testing.T) {
	client, conn, _ := newTestClient(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !conn.disconnected {
		t.Error("Close() did not disconnect")
	}
	msgs := conn.messages()
	if len(msgs) == 0 || !strings.Contains(string(msgs[len(msgs)-1].payload), "graceful_shutdown") {
		t.Error("Close() did not publish graceful offline status")
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	client, conn, _ := newTestClient(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}

	conn.Disconnect(0)
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() disconnected error = %v", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 1 // nothing listens here

	if _, err := Connect(cfg, nil); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}
