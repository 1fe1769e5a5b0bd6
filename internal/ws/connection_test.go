package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// pipeConnection returns a Connection backed by one end of a net.Pipe and the
// client end for reading what the server writes.
func pipeConnection(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{ID: id, Conn: server, Fd: -1, CreatedAt: time.Now(), WorkspaceID: "ws1"}
	c.Touch()
	return c, client
}

func TestConnectionManager_AddGetRemove(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConnection(t, "a")
	b, _ := pipeConnection(t, "b")

	cm.Add(a)
	cm.Add(b)

	if cm.Count() != 2 {
		t.Fatalf("expected 2 connections, got %d", cm.Count())
	}
	if cm.Get("a") != a {
		t.Error("Get returned the wrong connection")
	}
	if cm.GetByConn(b.Conn) != b {
		t.Error("GetByConn returned the wrong connection")
	}

	if !cm.Remove("a") {
		t.Fatal("expected first Remove to succeed")
	}
	if cm.Remove("a") {
		t.Fatal("expected second Remove to report the connection gone")
	}
	if cm.Get("a") != nil || cm.GetByConn(a.Conn) != nil {
		t.Error("removed connection still indexed")
	}
	if len(cm.All()) != 1 {
		t.Errorf("expected 1 connection in snapshot, got %d", len(cm.All()))
	}
}

func TestConnection_WriteMessage(t *testing.T) {
	c, client := pipeConnection(t, "a")

	errCh := make(chan error, 1)
	go func() { errCh <- c.WriteMessage([]byte(`{"type":"pong"}`)) }()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if op != ws.OpText {
		t.Errorf("expected text frame, got %v", op)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected payload %q", data)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConnection_Touch(t *testing.T) {
	c, _ := pipeConnection(t, "a")
	before := c.LastActivity()
	time.Sleep(2 * time.Millisecond)
	c.Touch()
	if !c.LastActivity().After(before) {
		t.Error("Touch did not advance LastActivity")
	}
}
