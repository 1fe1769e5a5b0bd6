// Package messaging provides a NATS client wrapper for pub/sub messaging
// between relay instances. Every workspace has one subject carrying its
// broadcasts and presence syncs.
package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/protocol"
)

// SubjectWorkspace is the subject prefix for workspace channels
// (workspace.<workspace_id>).
const SubjectWorkspace = "workspace"

// WorkspaceSubject returns the subject for a workspace. It fails for IDs
// that are not valid subject tokens.
func WorkspaceSubject(workspaceID string) (string, error) {
	if !protocol.ValidWorkspaceID(workspaceID) {
		return "", fmt.Errorf("nats: invalid workspace id %q", workspaceID)
	}
	return SubjectWorkspace + "." + workspaceID, nil
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "arch1tech",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishWorkspace publishes a channel event to workspace.<workspaceID>.
func (c *NATSClient) PublishWorkspace(workspaceID string, ev protocol.ChannelEvent) error {
	subject, err := WorkspaceSubject(workspaceID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal channel event: %w", err)
	}
	return c.Publish(subject, data)
}

// SubscribeWorkspace registers the process-wide handler for a workspace
// subject. The subscription is keyed by workspace so it can be released with
// UnsubscribeWorkspace. Subscribing twice to the same workspace is an error.
func (c *NATSClient) SubscribeWorkspace(workspaceID string, handler func(protocol.ChannelEvent)) error {
	subject, err := WorkspaceSubject(workspaceID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("nats: already subscribed to %s", subject)
	}
	sub, err := c.conn.Subscribe(subject, c.decode(subject, handler))
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

// UnsubscribeWorkspace releases the subscription made by SubscribeWorkspace.
func (c *NATSClient) UnsubscribeWorkspace(workspaceID string) error {
	subject, err := WorkspaceSubject(workspaceID)
	if err != nil {
		return err
	}
	return c.unsubscribe(subject)
}

// Workspace returns a channel for one workspace whose subscriptions are owned
// by the caller rather than tracked by the client.
func (c *NATSClient) Workspace(workspaceID string) *WorkspaceChannel {
	return &WorkspaceChannel{client: c, workspaceID: workspaceID}
}

// decode turns raw messages into channel events, dropping anything that is
// not a well-formed event.
func (c *NATSClient) decode(subject string, handler func(protocol.ChannelEvent)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ev, err := protocol.ParseChannelEvent(msg.Data)
		if err != nil {
			c.logger.Warn("dropped channel event", zap.String("subject", subject), zap.Error(err))
			return
		}
		handler(ev)
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", zap.Error(err))
	}

	c.logger.Info("client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// WorkspaceChannel is one workspace's channel. It satisfies collab.Channel.
type WorkspaceChannel struct {
	client      *NATSClient
	workspaceID string
}

// Subscribe delivers the workspace's events to handler until the returned
// function is called.
func (w *WorkspaceChannel) Subscribe(handler func(protocol.ChannelEvent)) (func() error, error) {
	subject, err := WorkspaceSubject(w.workspaceID)
	if err != nil {
		return nil, err
	}
	sub, err := w.client.conn.Subscribe(subject, w.client.decode(subject, handler))
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return func() error {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
		}
		return nil
	}, nil
}

// Publish sends an event on the workspace channel.
func (w *WorkspaceChannel) Publish(ev protocol.ChannelEvent) error {
	return w.client.PublishWorkspace(w.workspaceID, ev)
}
