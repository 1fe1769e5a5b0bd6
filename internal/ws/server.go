// Package ws serves the workspace relay's WebSocket endpoint. It
// authenticates the upgrade request, registers each connection with an epoll
// instance for read readiness, and hands complete text frames to a bounded
// worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/auth"
	"github.com/arch1tech/platform/internal/metrics"
	"github.com/arch1tech/platform/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8081"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // larger data frames close the connection
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthTimeout    time.Duration // timeout for verifying the upgrade token
	AllowedOrigins []string      // browser origins allowed to connect; empty admits none
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8081",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		MaxFrameBytes:  1 << 20,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    5 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator verifies the bearer token presented on upgrade.
type Authenticator interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Server is the WebSocket server built on gobwas/ws and epoll. Connections
// are authenticated and bound to one workspace before the upgrade completes.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	logger       *zap.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection) error        // called after joined is sent
	onDisconnect func(conn *Connection)              // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server and its epoll instance. onMessage is called
// from a worker goroutine whenever a complete WebSocket text frame is
// received from a client.
func NewServer(config ServerConfig, authenticator Authenticator, onMessage func(conn *Connection, data []byte), logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		auth:       authenticator,
		logger:     logger.Named("ws"),
		epoll:      epoll,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes served by the relay: the upgrade endpoint,
// a health check and Prometheus metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and the heartbeat monitor, and blocks serving
// HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", cap(s.workerPool)),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// upgradeToken returns the bearer token from the Authorization header or,
// for browsers that cannot set headers on a WebSocket, the access_token
// query parameter.
func upgradeToken(r *http.Request) (string, error) {
	if r.Header.Get("Authorization") != "" {
		return auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", auth.ErrUnauthorized
}

// originAllowed applies the origin allow-list. Requests without an Origin
// header are not from a browser and pass; a browser Origin must be listed,
// so an empty list admits no browser clients.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// bound to the requested workspace. Rejections happen before the upgrade so
// the client sees a plain HTTP status.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	workspaceID := r.URL.Query().Get("workspace")
	if !protocol.ValidWorkspaceID(workspaceID) {
		http.Error(w, "invalid workspace", http.StatusBadRequest)
		return
	}
	if !s.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	token, err := upgradeToken(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	if s.config.AuthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.AuthTimeout)
		defer cancel()
	}
	identity, err := s.auth.Verify(ctx, token)
	if err != nil {
		s.logger.Debug("upgrade rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Fd:          socketFD(conn),
		CreatedAt:   time.Now(),
		UserID:      identity.UserID,
		Username:    identity.DisplayName(),
		AvatarURL:   identity.AvatarURL,
		WorkspaceID: workspaceID,
	}
	c.Touch()

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error("epoll add failed", zap.String("conn", c.ID), zap.Error(err))
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	joined, err := protocol.NewServerMessage(protocol.TypeJoined, protocol.JoinedMsg{
		SessionID:   c.ID,
		WorkspaceID: workspaceID,
		UserID:      identity.UserID,
	})
	if err != nil {
		s.logger.Error("build joined failed", zap.String("conn", c.ID), zap.Error(err))
	} else if err := s.SendMessage(c.ID, joined); err != nil {
		s.logger.Warn("send joined failed", zap.String("conn", c.ID), zap.Error(err))
	}

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.logger.Error("join failed", zap.String("conn", c.ID), zap.String("workspace", workspaceID), zap.Error(err))
			s.sendError(c, "join_failed", "could not join workspace")
			s.RemoveConnection(c)
			return
		}
	}

	s.logger.Info("connection opened",
		zap.String("conn", c.ID),
		zap.String("workspace", workspaceID),
		zap.String("user", identity.UserID),
		zap.Int("total", s.conns.Count()))
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				s.logger.Warn("epoll wait error", zap.Error(err))
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled without blocking on a data frame that may never arrive.
// Read failures and oversized frames remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Rearm(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout means a stale dispatch; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.logger.Warn("frame too large",
			zap.String("conn", c.ID),
			zap.Int64("bytes", header.Length))
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// SetOnConnect registers a callback invoked once a connection is registered
// and has been sent its joined message. An error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, graceful close or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from epoll and the connection
// manager and closes it. Concurrent removals of the same connection notify
// onDisconnect once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Info("connection closed",
		zap.String("conn", c.ID),
		zap.String("workspace", c.WorkspaceID),
		zap.Int("total", s.conns.Count()))
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the deadline so it doesn't affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

func (s *Server) sendError(c *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := s.SendMessage(c.ID, data); err != nil {
		s.logger.Debug("send error failed", zap.String("conn", c.ID), zap.Error(err))
	}
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, removes every
// connection (notifying onDisconnect) and closes the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	s.closeOnce.Do(func() { close(s.done) })

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("ws: http shutdown: %w", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	_ = s.epoll.Close()

	s.logger.Info("stopped")
	return shutdownErr
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
