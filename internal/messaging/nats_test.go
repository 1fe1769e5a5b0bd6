package messaging

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/arch1tech/platform/internal/protocol"
)

func TestWorkspaceSubject(t *testing.T) {
	subject, err := WorkspaceSubject("ws_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "workspace.ws_1" {
		t.Errorf("expected workspace.ws_1, got %s", subject)
	}

	for _, bad := range []string{"", "a.b", "*", ">", "a b"} {
		if _, err := WorkspaceSubject(bad); err == nil {
			t.Errorf("expected error for workspace id %q", bad)
		}
	}
}

// newTestClient connects to NATS_URL (default localhost). Tests that call
// this helper require a running NATS server.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestWorkspaceChannel_PublishSubscribe(t *testing.T) {
	c := newTestClient(t)
	ch := c.Workspace("test_pubsub")

	got := make(chan protocol.ChannelEvent, 1)
	unsubscribe, err := ch.Subscribe(func(ev protocol.ChannelEvent) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	// Malformed events are dropped before reaching the handler.
	if err := c.Publish("workspace.test_pubsub", []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	err = ch.Publish(protocol.ChannelEvent{
		Type:    protocol.ChannelBroadcast,
		Event:   "code-change",
		From:    "u1",
		Payload: json.RawMessage(`{"code":"x"}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != protocol.ChannelBroadcast || ev.From != "u1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	if err := unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	// A second call is harmless.
	if err := unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
}

func TestSubscribeWorkspace_Keyed(t *testing.T) {
	c := newTestClient(t)

	if err := c.SubscribeWorkspace("test_keyed", func(protocol.ChannelEvent) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.SubscribeWorkspace("test_keyed", func(protocol.ChannelEvent) {}); err == nil {
		t.Fatal("expected duplicate subscription to fail")
	}
	if err := c.UnsubscribeWorkspace("test_keyed"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := c.UnsubscribeWorkspace("test_keyed"); err == nil {
		t.Fatal("expected error unsubscribing twice")
	}
}
