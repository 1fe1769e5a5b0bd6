package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Channel event types published on workspace.<id> subjects.
const (
	ChannelBroadcast    = "broadcast"
	ChannelPresenceSync = "presence_sync"
)

var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidWorkspaceID reports whether id can name a workspace. IDs are used
// verbatim as NATS subject tokens and Redis key suffixes.
func ValidWorkspaceID(id string) bool {
	return workspaceIDPattern.MatchString(id)
}

// ChannelEvent is what relays publish to a workspace channel. From and
// SenderConn are stamped by the publishing relay from the authenticated
// connection; Payload and Presence entries remain untrusted and are validated
// again by every receiver.
type ChannelEvent struct {
	Type       string                       `json:"type"`
	Event      string                       `json:"event,omitempty"`
	From       string                       `json:"from,omitempty"`
	SenderConn string                       `json:"sender_conn,omitempty"`
	Payload    json.RawMessage              `json:"payload,omitempty"`
	Presence   map[string][]json.RawMessage `json:"presence,omitempty"`
	Ts         int64                        `json:"ts,omitempty"`
}

// PresenceMeta is one tracked presence entry. A user with several open
// connections has several entries under the same key.
type PresenceMeta struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	AvatarURL  string `json:"avatar_url,omitempty"`
	ActiveFile string `json:"active_file,omitempty"`
	LastSeen   string `json:"last_seen"`
}

// ParseChannelEvent decodes a channel event and checks its discriminator.
func ParseChannelEvent(data []byte) (ChannelEvent, error) {
	var ev ChannelEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChannelEvent{}, fmt.Errorf("protocol: failed to parse channel event: %w", err)
	}
	switch ev.Type {
	case ChannelBroadcast, ChannelPresenceSync:
		return ev, nil
	case "":
		return ChannelEvent{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	default:
		return ChannelEvent{}, fmt.Errorf("protocol: unknown channel event type: %q", ev.Type)
	}
}
