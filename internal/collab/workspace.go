// Package collab holds the client-side state of a collaborative workspace:
// the shared editor contents, the chat history and the collaborator list.
// Every inbound broadcast passes through the guard before it touches state.
package collab

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/guard"
	"github.com/arch1tech/platform/internal/metrics"
)

// ChangeKind identifies which part of a workspace an update touched.
type ChangeKind string

const (
	ChangeCode     ChangeKind = "code"
	ChangeChat     ChangeKind = "chat"
	ChangePresence ChangeKind = "presence"
)

// Change describes one applied update. Entry is set for ChangeChat.
type Change struct {
	Kind  ChangeKind
	From  string
	Entry *ChatEntry
}

// Workspace is the locally held view of one workspace. It is goroutine-safe.
type Workspace struct {
	selfID string
	guard  *guard.Guard
	logger *zap.Logger
	now    func() time.Time

	mu            sync.RWMutex
	code          string
	collaborators []Collaborator
	history       *History

	onChange func(Change)
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger used for dropped updates.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Workspace) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithHistoryLimit caps the retained chat history.
func WithHistoryLimit(n int) Option {
	return func(w *Workspace) { w.history = NewHistory(n) }
}

// WithOnChange registers a callback invoked after each applied update. It
// runs outside the workspace lock and may read the workspace.
func WithOnChange(fn func(Change)) Option {
	return func(w *Workspace) { w.onChange = fn }
}

// WithClock overrides the clock used to stamp chat entries.
func WithClock(now func() time.Time) Option {
	return func(w *Workspace) { w.now = now }
}

// NewWorkspace returns an empty workspace for the participant selfID.
func NewWorkspace(selfID string, opts ...Option) *Workspace {
	w := &Workspace{
		selfID:  selfID,
		logger:  zap.NewNop(),
		now:     time.Now,
		history: NewHistory(DefaultHistoryLimit),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.guard = guard.New(w.logger)
	return w
}

// SelfID returns the local participant's user ID.
func (w *Workspace) SelfID() string { return w.selfID }

// ApplyBroadcast validates a broadcast and applies it. from is the sender's
// user ID as stamped by the channel. It reports whether state changed;
// rejected payloads leave the workspace untouched.
func (w *Workspace) ApplyBroadcast(from, event string, raw any) bool {
	p, ok := w.guard.Admit(event, raw)
	if !ok {
		return false
	}

	var change Change
	switch v := p.(type) {
	case guard.CodeChange:
		w.mu.Lock()
		w.code = v.Code
		w.mu.Unlock()
		change = Change{Kind: ChangeCode, From: from}
	case guard.ChatMessage:
		entry := ChatEntry{
			From:       from,
			Username:   v.Username,
			Content:    v.Content,
			ReceivedAt: w.now().UTC(),
		}
		w.history.Add(entry)
		change = Change{Kind: ChangeChat, From: from, Entry: &entry}
	default:
		return false
	}

	w.notify(change)
	return true
}

// SyncPresence replaces the collaborator list with the valid entries of
// state, excluding the local participant. Invalid entries are skipped.
func (w *Workspace) SyncPresence(state map[string][]json.RawMessage) {
	collaborators, invalid := CollaboratorsFromState(state, w.selfID)
	if invalid > 0 {
		w.logger.Warn("dropped presence entries", zap.Int("count", invalid))
	}

	w.mu.Lock()
	w.collaborators = collaborators
	w.mu.Unlock()

	metrics.PresenceSyncs.Inc()
	w.notify(Change{Kind: ChangePresence})
}

// SetCode replaces the editor contents with a local edit.
func (w *Workspace) SetCode(code string) {
	w.mu.Lock()
	w.code = code
	w.mu.Unlock()
}

// Code returns the current editor contents.
func (w *Workspace) Code() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.code
}

// Messages returns the retained chat history, oldest first.
func (w *Workspace) Messages() []ChatEntry {
	return w.history.Entries()
}

// Collaborators returns a copy of the current collaborator list.
func (w *Workspace) Collaborators() []Collaborator {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Collaborator, len(w.collaborators))
	copy(out, w.collaborators)
	return out
}

func (w *Workspace) notify(c Change) {
	if w.onChange != nil {
		w.onChange(c)
	}
}
