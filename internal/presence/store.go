// Package presence tracks who is connected to each workspace. Entries live in
// one Redis hash per workspace so every relay instance sees the same state.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arch1tech/platform/internal/protocol"
)

const (
	// PresencePrefix is the Redis key prefix for workspace presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a workspace's presence survives without
	// any Track call, so entries left by a crashed relay eventually expire.
	PresenceTTL = 2 * time.Hour
)

// Store manages presence state in Redis. The hash field is the connection
// ID and the value is the JSON-encoded protocol.PresenceMeta.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore creates a presence store on an existing client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

func key(workspaceID string) string {
	return PresencePrefix + workspaceID
}

// Track records or replaces connID's entry and refreshes the workspace TTL.
// LastSeen is stamped here.
func (s *Store) Track(ctx context.Context, workspaceID, connID string, meta protocol.PresenceMeta) error {
	meta.LastSeen = s.now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("presence: marshal: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(workspaceID), connID, data)
	pipe.Expire(ctx, key(workspaceID), PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: track: %w", err)
	}
	return nil
}

// Untrack removes connID's entry.
func (s *Store) Untrack(ctx context.Context, workspaceID, connID string) error {
	if err := s.client.HDel(ctx, key(workspaceID), connID).Err(); err != nil {
		return fmt.Errorf("presence: untrack: %w", err)
	}
	return nil
}

// Get returns connID's entry, or nil when it is not tracked.
func (s *Store) Get(ctx context.Context, workspaceID, connID string) (*protocol.PresenceMeta, error) {
	data, err := s.client.HGet(ctx, key(workspaceID), connID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: get: %w", err)
	}
	var meta protocol.PresenceMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("presence: decode: %w", err)
	}
	return &meta, nil
}

// State returns every entry in the workspace grouped by user ID. Entries
// that fail to decode are skipped.
func (s *Store) State(ctx context.Context, workspaceID string) (map[string][]json.RawMessage, error) {
	entries, err := s.client.HGetAll(ctx, key(workspaceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: state: %w", err)
	}

	state := make(map[string][]json.RawMessage)
	for _, raw := range entries {
		var meta protocol.PresenceMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta.UserID == "" {
			continue
		}
		state[meta.UserID] = append(state[meta.UserID], json.RawMessage(raw))
	}
	return state, nil
}
