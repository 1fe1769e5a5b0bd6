package ws

import (
	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.BroadcastMsg or
// protocol.TrackMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to registered handlers by type.
// Ping is answered internally; malformed and unsupported messages get an
// error reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	logger   *zap.Logger
}

// NewMessageDispatcher creates a MessageDispatcher. The server may be nil and
// set later with SetServer, since NewServer needs Dispatch as its callback.
func NewMessageDispatcher(server *Server, logger *zap.Logger) *MessageDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		logger:   logger.Named("dispatch"),
	}
}

// SetServer assigns the Server used to reply to clients.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler. Register must not be called once dispatching has started.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", zap.String("conn", conn.ID), zap.Error(err))
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    "parse_error",
			Message: "invalid message format",
		})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn", conn.ID))
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    "unsupported_type",
			Message: "unsupported message type",
		})
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.logger.Error("build reply failed", zap.String("type", msgType), zap.Error(err))
		return
	}

	if d.server != nil {
		err = d.server.SendMessage(conn.ID, data)
	} else {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		d.logger.Debug("send reply failed", zap.String("conn", conn.ID), zap.Error(err))
	}
}
