// Package protocol defines the WebSocket message types exchanged between
// browsers and the workspace relay, and the events relays publish on
// workspace channels. All messages are JSON and carry a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeBroadcast = "broadcast"
	TypeTrack     = "track"
	TypePing      = "ping"
)

// Server -> Client message types. Broadcast relays reuse the channel event
// names so clients can route on a single field.
const (
	TypeJoined       = "joined"
	TypeCodeChange   = "code-change"
	TypeChatMessage  = "chat-message"
	TypePresenceSync = "presence_sync"
	TypeRateLimited  = "rate_limited"
	TypeError        = "error"
	TypePong         = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// BroadcastMsg asks the relay to publish a payload to everyone else in the
// workspace. Payload is untrusted and is validated by the relay's guard.
type BroadcastMsg struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// TrackMsg updates the sender's presence metadata.
type TrackMsg struct {
	Type       string `json:"type"`
	ActiveFile string `json:"active_file"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// JoinedMsg confirms the connection joined a workspace.
type JoinedMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
}

// ServerCodeChangeMsg relays a validated code change. From is the sender's
// authenticated user ID as stamped by the relay.
type ServerCodeChangeMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	Code string `json:"code"`
}

// ServerChatMsg relays a sanitized chat message.
type ServerChatMsg struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	Username string `json:"username"`
	Content  string `json:"content"`
	Ts       int64  `json:"ts"`
}

// PresenceSyncMsg carries the full collaborator list, excluding the
// receiving user.
type PresenceSyncMsg struct {
	Type          string         `json:"type"`
	Collaborators []PresenceMeta `json:"collaborators"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct, and any parse error.
// Unknown and server-only message types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeBroadcast:
		var m BroadcastMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTrack:
		var m TrackMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded server message. msgType is
// injected under the "type" key regardless of what the payload carries.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
