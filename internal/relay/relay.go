// Package relay joins local WebSocket connections to their workspace
// channels. Outbound broadcasts are rate limited, validated and stamped with
// the sender's identity before publishing; inbound channel events are
// validated again and fanned out to the workspace's local connections.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/collab"
	"github.com/arch1tech/platform/internal/guard"
	"github.com/arch1tech/platform/internal/metrics"
	"github.com/arch1tech/platform/internal/protocol"
	"github.com/arch1tech/platform/internal/ratelimit"
)

const maxActiveFileChars = 1024

// Sender writes a server message to one local connection.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Bus carries channel events between relay instances.
type Bus interface {
	PublishWorkspace(workspaceID string, ev protocol.ChannelEvent) error
	SubscribeWorkspace(workspaceID string, handler func(protocol.ChannelEvent)) error
	UnsubscribeWorkspace(workspaceID string) error
}

// PresenceStore holds the shared presence state of every workspace.
type PresenceStore interface {
	Track(ctx context.Context, workspaceID, connID string, meta protocol.PresenceMeta) error
	Untrack(ctx context.Context, workspaceID, connID string) error
	State(ctx context.Context, workspaceID string) (map[string][]json.RawMessage, error)
}

// Limiter rate limits broadcasts per connection.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Member is a local connection joined to a workspace.
type Member struct {
	ConnID      string
	UserID      string
	Username    string
	AvatarURL   string
	WorkspaceID string
}

// Relay tracks the local members of each workspace and holds one bus
// subscription per workspace with at least one local member.
type Relay struct {
	sender   Sender
	bus      Bus
	presence PresenceStore
	limiter  Limiter
	rule     ratelimit.Rule
	guard    *guard.Guard
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	members map[string]map[string]Member // workspace -> conn -> member
}

// Option configures a Relay.
type Option func(*Relay)

// WithBroadcastRule overrides ratelimit.RuleBroadcast.
func WithBroadcastRule(rule ratelimit.Rule) Option {
	return func(r *Relay) { r.rule = rule }
}

// WithLogger sets the relay's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// New creates a Relay. The sender may be nil and set later with SetSender.
func New(sender Sender, bus Bus, presence PresenceStore, limiter Limiter, opts ...Option) *Relay {
	r := &Relay{
		sender:   sender,
		bus:      bus,
		presence: presence,
		limiter:  limiter,
		rule:     ratelimit.RuleBroadcast,
		logger:   zap.NewNop(),
		now:      time.Now,
		members:  make(map[string]map[string]Member),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("relay")
	r.guard = guard.New(r.logger)
	return r
}

// SetSender assigns the Sender. It must be called before the first Join.
func (r *Relay) SetSender(sender Sender) {
	r.sender = sender
}

// Join adds m to its workspace, subscribing to the workspace channel if m is
// the first local member, then tracks m's presence and publishes a sync.
func (r *Relay) Join(ctx context.Context, m Member) error {
	if err := r.addMember(m); err != nil {
		return err
	}

	meta := protocol.PresenceMeta{
		UserID:    m.UserID,
		Username:  m.Username,
		AvatarURL: m.AvatarURL,
	}
	if err := r.presence.Track(ctx, m.WorkspaceID, m.ConnID, meta); err != nil {
		r.removeMember(m)
		return fmt.Errorf("relay: join: %w", err)
	}
	r.publishPresence(ctx, m.WorkspaceID)
	return nil
}

// Leave removes m from its workspace, dropping the channel subscription with
// the last local member, and publishes the updated presence.
func (r *Relay) Leave(ctx context.Context, m Member) {
	r.removeMember(m)

	if err := r.presence.Untrack(ctx, m.WorkspaceID, m.ConnID); err != nil {
		r.logger.Warn("untrack failed", zap.String("conn", m.ConnID), zap.Error(err))
	}
	r.publishPresence(ctx, m.WorkspaceID)
}

// Track updates m's active file and publishes the updated presence.
func (r *Relay) Track(ctx context.Context, m Member, activeFile string) {
	activeFile = guard.Sanitize(activeFile)
	if utf8.RuneCountInString(activeFile) > maxActiveFileChars {
		r.reply(m, protocol.TypeError, protocol.ErrorMsg{
			Code:    "invalid_track",
			Message: "active_file is too long",
		})
		return
	}

	meta := protocol.PresenceMeta{
		UserID:     m.UserID,
		Username:   m.Username,
		AvatarURL:  m.AvatarURL,
		ActiveFile: activeFile,
	}
	if err := r.presence.Track(ctx, m.WorkspaceID, m.ConnID, meta); err != nil {
		r.logger.Warn("track failed", zap.String("conn", m.ConnID), zap.Error(err))
		return
	}
	r.publishPresence(ctx, m.WorkspaceID)
}

// Broadcast publishes msg to m's workspace. Rate-limited senders get a
// rate_limited reply and invalid payloads an error reply; neither is
// published. The published payload is the validated form, so unknown fields
// the client sent never reach other participants.
func (r *Relay) Broadcast(ctx context.Context, m Member, msg protocol.BroadcastMsg) {
	allowed, err := r.limiter.Allow(ctx, m.ConnID, r.rule)
	if err != nil {
		r.logger.Warn("rate limit check failed", zap.String("conn", m.ConnID), zap.Error(err))
	}
	if !allowed {
		retry := r.limiter.RetryAfter(ctx, m.ConnID, r.rule)
		r.reply(m, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(retry / time.Second),
		})
		return
	}

	p, ok := r.guard.Admit(msg.Event, msg.Payload)
	if !ok {
		r.reply(m, protocol.TypeError, protocol.ErrorMsg{
			Code:    "invalid_payload",
			Message: "broadcast payload rejected",
		})
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		r.logger.Error("marshal payload failed", zap.Error(err))
		return
	}

	ev := protocol.ChannelEvent{
		Type:       protocol.ChannelBroadcast,
		Event:      p.Event(),
		From:       m.UserID,
		SenderConn: m.ConnID,
		Payload:    payload,
		Ts:         r.now().UnixMilli(),
	}
	if err := r.bus.PublishWorkspace(m.WorkspaceID, ev); err != nil {
		r.logger.Error("publish broadcast failed",
			zap.String("workspace", m.WorkspaceID),
			zap.Error(err))
	}
}

// Members returns the number of local members in a workspace.
func (r *Relay) Members(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[workspaceID])
}

func (r *Relay) addMember(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.members[m.WorkspaceID]
	if set == nil {
		ws := m.WorkspaceID
		if err := r.bus.SubscribeWorkspace(ws, func(ev protocol.ChannelEvent) { r.deliver(ws, ev) }); err != nil {
			return fmt.Errorf("relay: subscribe %s: %w", ws, err)
		}
		set = make(map[string]Member)
		r.members[ws] = set
	}
	set[m.ConnID] = m
	return nil
}

func (r *Relay) removeMember(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.members[m.WorkspaceID]
	if _, ok := set[m.ConnID]; !ok {
		return
	}
	delete(set, m.ConnID)
	if len(set) > 0 {
		return
	}
	delete(r.members, m.WorkspaceID)
	if err := r.bus.UnsubscribeWorkspace(m.WorkspaceID); err != nil {
		r.logger.Warn("unsubscribe failed", zap.String("workspace", m.WorkspaceID), zap.Error(err))
	}
}

func (r *Relay) localMembers(workspaceID string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.members[workspaceID]
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

func (r *Relay) publishPresence(ctx context.Context, workspaceID string) {
	state, err := r.presence.State(ctx, workspaceID)
	if err != nil {
		r.logger.Warn("presence state failed", zap.String("workspace", workspaceID), zap.Error(err))
		return
	}
	ev := protocol.ChannelEvent{
		Type:     protocol.ChannelPresenceSync,
		Presence: state,
		Ts:       r.now().UnixMilli(),
	}
	if err := r.bus.PublishWorkspace(workspaceID, ev); err != nil {
		r.logger.Warn("publish presence failed", zap.String("workspace", workspaceID), zap.Error(err))
		return
	}
	metrics.PresenceSyncs.Inc()
}

// deliver handles one event from a workspace channel.
func (r *Relay) deliver(workspaceID string, ev protocol.ChannelEvent) {
	members := r.localMembers(workspaceID)
	if len(members) == 0 {
		return
	}

	switch ev.Type {
	case protocol.ChannelBroadcast:
		r.deliverBroadcast(members, ev)
	case protocol.ChannelPresenceSync:
		r.deliverPresence(members, ev)
	}
}

func (r *Relay) deliverBroadcast(members []Member, ev protocol.ChannelEvent) {
	if ev.From == "" {
		return
	}
	p, ok := r.guard.Admit(ev.Event, ev.Payload)
	if !ok {
		return
	}

	var (
		data []byte
		err  error
	)
	switch v := p.(type) {
	case guard.CodeChange:
		data, err = protocol.NewServerMessage(protocol.TypeCodeChange, protocol.ServerCodeChangeMsg{
			From: ev.From,
			Code: v.Code,
		})
	case guard.ChatMessage:
		data, err = protocol.NewServerMessage(protocol.TypeChatMessage, protocol.ServerChatMsg{
			From:     ev.From,
			Username: v.Username,
			Content:  v.Content,
			Ts:       ev.Ts,
		})
	}
	if err != nil {
		r.logger.Error("build relay message failed", zap.Error(err))
		return
	}

	for _, m := range members {
		if m.ConnID == ev.SenderConn {
			continue
		}
		r.send(m, data)
	}
}

// deliverPresence sends each member the collaborator list without its own
// user. Invalid entries are dropped here as well as in clients.
func (r *Relay) deliverPresence(members []Member, ev protocol.ChannelEvent) {
	cache := make(map[string][]byte)
	for _, m := range members {
		data, ok := cache[m.UserID]
		if !ok {
			collaborators, invalid := collab.CollaboratorsFromState(ev.Presence, m.UserID)
			if invalid > 0 {
				r.logger.Debug("dropped presence entries", zap.Int("count", invalid))
			}
			metas := make([]protocol.PresenceMeta, 0, len(collaborators))
			for _, c := range collaborators {
				metas = append(metas, protocol.PresenceMeta{
					UserID:     c.UserID,
					Username:   c.Username,
					AvatarURL:  c.AvatarURL,
					ActiveFile: c.ActiveFile,
					LastSeen:   c.LastSeen.UTC().Format(time.RFC3339),
				})
			}
			var err error
			data, err = protocol.NewServerMessage(protocol.TypePresenceSync, protocol.PresenceSyncMsg{
				Collaborators: metas,
			})
			if err != nil {
				r.logger.Error("build presence message failed", zap.Error(err))
				return
			}
			cache[m.UserID] = data
		}
		r.send(m, data)
	}
}

func (r *Relay) reply(m Member, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		r.logger.Error("build reply failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	r.send(m, data)
}

func (r *Relay) send(m Member, data []byte) {
	if err := r.sender.SendMessage(m.ConnID, data); err != nil {
		r.logger.Debug("send failed", zap.String("conn", m.ConnID), zap.Error(err))
	}
}
