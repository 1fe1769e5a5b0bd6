// Package client provides a WebSocket load test client for the workspace
// relay. It connects using gobwas/ws (the same library the server uses),
// waits for the relay's joined handshake, and tracks per-connection
// performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/arch1tech/platform/internal/protocol"
)

// Metrics is a snapshot of one connection's counters.
type Metrics struct {
	ConnectLatency   time.Duration
	JoinLatency      time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated collaborator connected to a workspace.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex

	connectLatency time.Duration
	joinLatency    atomic.Int64
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	joined    chan protocol.JoinedMsg
	done      chan struct{}
	closeOnce sync.Once
}

// URL builds the relay URL for workspaceID, passing token as a query
// parameter.
func URL(base, workspaceID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("workspace", workspaceID)
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// New dials rawURL and starts the read loop. Use WaitForJoin to block until
// the relay has admitted the connection.
func New(ctx context.Context, rawURL string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// The server may have sent frames along with the handshake.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:           conn,
		connectLatency: time.Since(start),
		handlers:       make(map[string]func(json.RawMessage)),
		joined:         make(chan protocol.JoinedMsg, 1),
		done:           make(chan struct{}),
	}
	go c.readLoop(start)
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// Broadcast sends a broadcast message with the given event and payload.
func (c *Client) Broadcast(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.Send(protocol.BroadcastMsg{Type: protocol.TypeBroadcast, Event: event, Payload: raw})
}

// On registers a handler for a server message type, replacing any previous
// one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// WaitForJoin blocks until the relay sends joined, the connection closes or
// ctx is done.
func (c *Client) WaitForJoin(ctx context.Context) (protocol.JoinedMsg, error) {
	select {
	case <-ctx.Done():
		return protocol.JoinedMsg{}, ctx.Err()
	case <-c.done:
		return protocol.JoinedMsg{}, fmt.Errorf("connection closed before join")
	case j := <-c.joined:
		return j, nil
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		JoinLatency:      time.Duration(c.joinLatency.Load()),
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop(start time.Time) {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Type == protocol.TypeJoined {
			var j protocol.JoinedMsg
			if err := json.Unmarshal(data, &j); err == nil {
				c.joinLatency.Store(int64(time.Since(start)))
				select {
				case c.joined <- j:
				default:
				}
			}
		}

		c.handlersMu.RLock()
		handler := c.handlers[env.Type]
		c.handlersMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// bufferedConn reads through the handshake's leftover buffer first.
type bufferedConn struct {
	net.Conn
	r interface{ Read([]byte) (int, error) }
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
