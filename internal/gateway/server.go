// Package gateway serves the authorized extraction endpoint. Every request
// is authenticated, rate limited, validated and ownership-checked before the
// extraction service touches storage; clients only ever see a fixed set of
// error strings.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/auth"
	"github.com/arch1tech/platform/internal/extraction"
	"github.com/arch1tech/platform/internal/metrics"
	"github.com/arch1tech/platform/internal/ratelimit"
	"github.com/arch1tech/platform/internal/records"
)

// Client-facing error strings.
const (
	MsgUnauthorized     = "Unauthorized"
	MsgInvalidInput     = "Invalid input"
	MsgAccessDenied     = "Access denied"
	MsgNotFound         = "File not found"
	MsgInternal         = "An error occurred while processing your request"
	MsgMethodNotAllowed = "Method not allowed"
	MsgTooManyRequests  = "Too many requests"
	MsgInProgress       = "Extraction already in progress"
	MsgPreviouslyFailed = "Extraction previously failed"
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error)
}

// Extractor authorizes and runs extractions.
type Extractor interface {
	Authorize(ctx context.Context, userID string, req extraction.Request) (*records.FileUpload, error)
	Execute(ctx context.Context, rec *records.FileUpload) (extraction.Result, error)
}

// Limiter rate limits extraction requests per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Config holds the gateway's HTTP settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	MaxBodyBytes   int64
	AuthTimeout    time.Duration
	ExtractRule    ratelimit.Rule
}

// DefaultConfig returns production defaults with no allowed origins.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		MaxBodyBytes: 64 << 10,
		AuthTimeout:  5 * time.Second,
		ExtractRule:  ratelimit.RuleExtract,
	}
}

// Server is the extraction gateway.
type Server struct {
	config     Config
	auth       Authenticator
	extractor  Extractor
	limiter    Limiter
	logger     *zap.Logger
	origins    map[string]struct{}
	httpServer *http.Server
}

// New creates a gateway Server.
func New(config Config, authn Authenticator, extractor Extractor, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:    config,
		auth:      authn,
		extractor: extractor,
		limiter:   limiter,
		logger:    logger.Named("gateway"),
		origins:   make(map[string]struct{}, len(config.AllowedOrigins)),
	}
	for _, o := range config.AllowedOrigins {
		s.origins[o] = struct{}{}
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	extract := countRequests(s.cors(http.HandlerFunc(s.handleExtract)))
	mux.Handle("/functions/v1/extract-zip", extract)
	mux.Handle("/extract", extract)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// countRequests counts every response on the extraction routes by status,
// including CORS rejections and preflights.
func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		metrics.ExtractionRequests.WithLabelValues(strconv.Itoa(sw.status)).Inc()
	})
}

// handleExtract runs one extraction request: authenticate, rate limit,
// validate, authorize, execute. Each step short-circuits with its own
// status, so nothing downstream runs for a rejected request.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, MsgMethodNotAllowed)
		return
	}

	ctx := r.Context()
	authCtx, cancel := context.WithTimeout(ctx, s.config.AuthTimeout)
	identity, err := s.auth.Authenticate(authCtx, r)
	cancel()
	if err != nil {
		s.logger.Debug("authentication failed", zap.Error(err))
		writeError(w, http.StatusUnauthorized, MsgUnauthorized)
		return
	}

	allowed, err := s.limiter.Allow(ctx, identity.UserID, s.config.ExtractRule)
	if err != nil {
		s.logger.Warn("rate limit check failed", zap.Error(err))
	}
	if !allowed {
		retry := s.limiter.RetryAfter(ctx, identity.UserID, s.config.ExtractRule)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
		writeError(w, http.StatusTooManyRequests, MsgTooManyRequests)
		return
	}

	body, err := readBody(w, r, s.config.MaxBodyBytes)
	if err != nil {
		writeInvalid(w, []string{err.Error()})
		return
	}
	req, err := extraction.ValidateRequest(body)
	if err != nil {
		var inputErr *extraction.InputError
		if errors.As(err, &inputErr) {
			writeInvalid(w, inputErr.Details)
			return
		}
		writeInvalid(w, []string{"body: does not match the request schema"})
		return
	}

	logger := s.logger.With(zap.String("user", identity.UserID), zap.String("file_id", req.FileID))

	rec, err := s.extractor.Authorize(ctx, identity.UserID, req)
	if err != nil {
		s.writeFailure(w, logger, err)
		return
	}

	start := time.Now()
	result, err := s.extractor.Execute(ctx, rec)
	metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeFailure(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{
		Success:        true,
		ExtractedFiles: result.ExtractedFiles,
		ExtractionPath: result.ExtractionPath,
		Message:        fmt.Sprintf("Successfully extracted %d files from ZIP archive", len(result.ExtractedFiles)),
	})
}

// writeFailure maps an authorize or execute error to its response. Causes
// of 500s are logged and never sent.
func (s *Server) writeFailure(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, extraction.ErrNotFound):
		writeError(w, http.StatusNotFound, MsgNotFound)
	case errors.Is(err, extraction.ErrForbidden):
		logger.Info("access denied")
		writeError(w, http.StatusForbidden, MsgAccessDenied)
	case errors.Is(err, extraction.ErrConflict):
		writeError(w, http.StatusConflict, MsgInProgress)
	case errors.Is(err, extraction.ErrAlreadyFailed):
		writeError(w, http.StatusConflict, MsgPreviouslyFailed)
	default:
		logger.Error("extraction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, MsgInternal)
	}
}
