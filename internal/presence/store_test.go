package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arch1tech/platform/internal/protocol"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewStore(client)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, srv
}

func TestTrackAndState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "ws1", "conn-a", protocol.PresenceMeta{UserID: "u1", Username: "alice"}))
	require.NoError(t, s.Track(ctx, "ws1", "conn-b", protocol.PresenceMeta{UserID: "u1", Username: "alice", ActiveFile: "b.py"}))
	require.NoError(t, s.Track(ctx, "ws1", "conn-c", protocol.PresenceMeta{UserID: "u2", Username: "bob"}))
	require.NoError(t, s.Track(ctx, "ws2", "conn-d", protocol.PresenceMeta{UserID: "u3", Username: "carol"}))

	state, err := s.State(ctx, "ws1")
	require.NoError(t, err)
	assert.Len(t, state, 2)
	assert.Len(t, state["u1"], 2)
	assert.Len(t, state["u2"], 1)

	var meta protocol.PresenceMeta
	require.NoError(t, json.Unmarshal(state["u2"][0], &meta))
	assert.Equal(t, "bob", meta.Username)
	assert.Equal(t, "2026-03-01T12:00:00Z", meta.LastSeen)
}

func TestUntrack(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "ws1", "conn-a", protocol.PresenceMeta{UserID: "u1", Username: "alice"}))
	require.NoError(t, s.Untrack(ctx, "ws1", "conn-a"))

	state, err := s.State(ctx, "ws1")
	require.NoError(t, err)
	assert.Empty(t, state)

	meta, err := s.Get(ctx, "ws1", "conn-a")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestTrackReplacesEntry(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "ws1", "conn-a", protocol.PresenceMeta{UserID: "u1", Username: "alice", ActiveFile: "a.py"}))
	require.NoError(t, s.Track(ctx, "ws1", "conn-a", protocol.PresenceMeta{UserID: "u1", Username: "alice", ActiveFile: "b.py"}))

	meta, err := s.Get(ctx, "ws1", "conn-a")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "b.py", meta.ActiveFile)
}

func TestStateSkipsCorruptEntries(t *testing.T) {
	s, srv := newTestStore(t)
	srv.HSet(PresencePrefix+"ws1", "conn-x", "{not json")
	srv.HSet(PresencePrefix+"ws1", "conn-y", `{"username":"no-id"}`)

	state, err := s.State(context.Background(), "ws1")
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestPresenceExpires(t *testing.T) {
	s, srv := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "ws1", "conn-a", protocol.PresenceMeta{UserID: "u1", Username: "alice"}))
	srv.FastForward(PresenceTTL + time.Second)

	state, err := s.State(ctx, "ws1")
	require.NoError(t, err)
	assert.Empty(t, state)
}
