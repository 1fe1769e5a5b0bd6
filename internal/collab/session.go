package collab

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/protocol"
)

// Channel is a subscription source for one workspace's events. Subscribe
// returns a function that releases the subscription.
type Channel interface {
	Subscribe(handler func(protocol.ChannelEvent)) (unsubscribe func() error, err error)
}

// Session binds a Workspace to a Channel for the lifetime of a view. Events
// that arrive after Close are discarded.
type Session struct {
	ws     *Workspace
	logger *zap.Logger

	mu          sync.RWMutex
	closed      bool
	unsubscribe func() error

	closeOnce sync.Once
	closeErr  error
}

// Join subscribes ws to ch. The caller must Close the session when the view
// goes away.
func Join(ch Channel, ws *Workspace, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{ws: ws, logger: logger}

	unsubscribe, err := ch.Subscribe(s.handle)
	if err != nil {
		return nil, fmt.Errorf("collab: subscribe: %w", err)
	}

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return s, nil
}

// Workspace returns the bound workspace.
func (s *Session) Workspace() *Workspace { return s.ws }

// Close releases the subscription. It is safe to call more than once; later
// calls return the first call's result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		unsubscribe := s.unsubscribe
		s.mu.Unlock()

		if unsubscribe != nil {
			if err := unsubscribe(); err != nil {
				s.closeErr = fmt.Errorf("collab: unsubscribe: %w", err)
			}
		}
	})
	return s.closeErr
}

// handle holds the read lock while applying so Close cannot return while an
// update is mid-flight.
func (s *Session) handle(ev protocol.ChannelEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	switch ev.Type {
	case protocol.ChannelBroadcast:
		s.ws.ApplyBroadcast(ev.From, ev.Event, []byte(ev.Payload))
	case protocol.ChannelPresenceSync:
		s.ws.SyncPresence(ev.Presence)
	default:
		s.logger.Debug("ignored channel event", zap.String("type", ev.Type))
	}
}
