// Package extraction implements the ownership-checked archive extraction
// behind the gateway. Extraction itself is simulated: a fixed member list is
// written as placeholder objects next to the caller's other artifacts.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arch1tech/platform/internal/records"
	"github.com/arch1tech/platform/internal/storage"
)

var (
	// ErrNotFound means no record exists for the requested fileId.
	ErrNotFound = errors.New("extraction: file not found")
	// ErrForbidden means the caller does not own the record, or the path
	// does not belong to it.
	ErrForbidden = errors.New("extraction: access denied")
	// ErrConflict means another extraction of the record is in progress.
	ErrConflict = errors.New("extraction: already in progress")
	// ErrAlreadyFailed means an earlier extraction of the record failed.
	ErrAlreadyFailed = errors.New("extraction: previously failed")
	// ErrNothingExtracted means no member could be written.
	ErrNothingExtracted = errors.New("extraction: no files extracted")
)

// Members is the simulated archive listing.
var Members = []string{
	"model.bin",
	"config.json",
	"tokenizer.json",
	"pytorch_model.bin",
	"README.md",
	"requirements.txt",
}

// Records is the subset of records.Store the service needs.
type Records interface {
	Get(ctx context.Context, id string) (*records.FileUpload, error)
	BeginExtraction(ctx context.Context, id, ownerID string, lease time.Duration) (bool, error)
	CompleteExtraction(ctx context.Context, id string, ex records.Extraction) error
	FailExtraction(ctx context.Context, id, reason string) error
}

// Config holds bucket names and downstream timeouts.
type Config struct {
	UploadBucket    string
	ExtractBucket   string
	DatabaseTimeout time.Duration
	StorageTimeout  time.Duration
	// ClaimLease is how long an extracting record stays claimed before
	// another request may take it over. It must exceed the longest
	// extraction, which is bounded by StorageTimeout per storage call.
	ClaimLease time.Duration
}

// DefaultConfig returns the production bucket names and timeouts.
func DefaultConfig() Config {
	return Config{
		UploadBucket:    "user-uploads",
		ExtractBucket:   "extracted-models",
		DatabaseTimeout: 5 * time.Second,
		StorageTimeout:  30 * time.Second,
		ClaimLease:      5 * time.Minute,
	}
}

// Result is the outcome of a successful extraction.
type Result struct {
	ExtractedFiles []string
	ExtractionPath string
	// Replayed is true when the record had already completed and the stored
	// result was returned without extracting again.
	Replayed bool
}

// Service authorizes and runs extractions.
type Service struct {
	records Records
	store   storage.Store
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(recs Records, store storage.Store, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		records: recs,
		store:   store,
		config:  config,
		logger:  logger.Named("extraction"),
		now:     time.Now,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Authorize loads the record named by req and checks that userID owns it
// and that req.FilePath is the record's own object. There is no bypass.
func (s *Service) Authorize(ctx context.Context, userID string, req Request) (*records.FileUpload, error) {
	dbCtx, cancel := withTimeout(ctx, s.config.DatabaseTimeout)
	defer cancel()

	rec, err := s.records.Get(dbCtx, req.FileID)
	if errors.Is(err, records.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("extraction: authorize: %w", err)
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	if rec.StoragePath != req.FilePath {
		return nil, ErrForbidden
	}
	return rec, nil
}

// Execute extracts an authorized record. A completed record replays its
// stored result. Otherwise the record is claimed with a conditional status
// update, the source is downloaded and each member is written to the
// extraction bucket. Members that fail to upload are skipped; if none
// succeed the record is marked failed. Recording the completed result is
// best effort: a record left extracting is taken over by the next request
// once its claim lease expires.
func (s *Service) Execute(ctx context.Context, rec *records.FileUpload) (Result, error) {
	switch rec.ProcessingStatus {
	case records.StatusCompleted:
		return Result{
			ExtractedFiles: rec.ExtractedFiles,
			ExtractionPath: rec.ExtractionPath,
			Replayed:       true,
		}, nil
	case records.StatusFailed:
		return Result{}, ErrAlreadyFailed
	}
	if !records.CanTransition(rec.ProcessingStatus, records.StatusExtracting) &&
		!rec.ClaimExpired(s.now(), s.config.ClaimLease) {
		return Result{}, ErrConflict
	}

	dbCtx, cancel := withTimeout(ctx, s.config.DatabaseTimeout)
	claimed, err := s.records.BeginExtraction(dbCtx, rec.ID, rec.UserID, s.config.ClaimLease)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("extraction: begin: %w", err)
	}
	if !claimed {
		return Result{}, ErrConflict
	}

	storageCtx, cancel := withTimeout(ctx, s.config.StorageTimeout)
	source, err := s.store.Download(storageCtx, s.config.UploadBucket, rec.StoragePath)
	cancel()
	if err != nil {
		s.fail(ctx, rec.ID, "download_failed")
		return Result{}, fmt.Errorf("extraction: download %s: %w", rec.StoragePath, err)
	}

	extractionPath := rec.UserID + "/extracted/" + rec.ID
	started := s.now().UTC()
	extracted := make([]string, 0, len(Members))
	for _, name := range Members {
		data := placeholder(name, rec.StoragePath, started)
		storageCtx, cancel := withTimeout(ctx, s.config.StorageTimeout)
		err := s.store.Upload(storageCtx, s.config.ExtractBucket, extractionPath+"/"+name, data, storage.UploadOptions{
			ContentType:  "text/plain",
			CacheControl: "max-age=3600",
			Upsert:       true,
		})
		cancel()
		if err != nil {
			s.logger.Warn("member upload failed",
				zap.String("file_id", rec.ID),
				zap.String("member", name),
				zap.Error(err))
			continue
		}
		extracted = append(extracted, name)
	}

	if len(extracted) == 0 {
		s.fail(ctx, rec.ID, "upload_failed")
		return Result{}, ErrNothingExtracted
	}

	ex := records.Extraction{
		Path:  extractionPath,
		Files: extracted,
		Metadata: map[string]any{
			"extracted_files":    extracted,
			"extraction_date":    s.now().UTC().Format(time.RFC3339),
			"original_file_size": len(source),
		},
	}
	dbCtx, cancel = withTimeout(context.WithoutCancel(ctx), s.config.DatabaseTimeout)
	defer cancel()
	if err := s.records.CompleteExtraction(dbCtx, rec.ID, ex); err != nil {
		s.logger.Warn("record completion failed",
			zap.String("file_id", rec.ID),
			zap.Duration("claim_lease", s.config.ClaimLease),
			zap.Error(err))
	}

	s.logger.Info("extraction completed",
		zap.String("file_id", rec.ID),
		zap.Int("files", len(extracted)),
		zap.Int("source_bytes", len(source)))

	return Result{ExtractedFiles: extracted, ExtractionPath: extractionPath}, nil
}

// fail marks the record failed. It runs even if the request was cancelled,
// so the record does not stay in extracting.
func (s *Service) fail(ctx context.Context, id, reason string) {
	dbCtx, cancel := withTimeout(context.WithoutCancel(ctx), s.config.DatabaseTimeout)
	defer cancel()
	if err := s.records.FailExtraction(dbCtx, id, reason); err != nil {
		s.logger.Warn("record failure update failed", zap.String("file_id", id), zap.Error(err))
	}
}

func placeholder(member, source string, at time.Time) []byte {
	return []byte(fmt.Sprintf("// Extracted from ZIP: %s\n// Original file: %s\n// Extracted at: %s",
		member, source, at.Format(time.RFC3339)))
}
