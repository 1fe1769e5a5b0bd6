// Package records provides PostgreSQL-backed storage for file upload
// records. A record's owner (user_id) is set at creation, never changes, and
// is the only input to authorization decisions about the record.
package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var (
	// ErrNotFound is returned when no record has the requested ID.
	ErrNotFound = errors.New("records: file upload not found")
	// ErrTransition is returned when a conditional status update matched no
	// row because the record was not in an allowed state.
	ErrTransition = errors.New("records: status transition not allowed")
)

// FileUpload is one row of file_uploads.
type FileUpload struct {
	ID               string
	UserID           string
	FileName         string
	StoragePath      string
	UploadStatus     string
	ProcessingStatus Status
	ExtractionPath   string
	ExtractedFiles   []string
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ClaimExpired reports whether f is extracting under a claim older than
// lease as of now. Such a claim may be taken over by BeginExtraction.
func (f *FileUpload) ClaimExpired(now time.Time, lease time.Duration) bool {
	return f.ProcessingStatus == StatusExtracting && lease > 0 && now.Sub(f.UpdatedAt) >= lease
}

// Extraction is the outcome persisted by CompleteExtraction.
type Extraction struct {
	Path     string
	Files    []string
	Metadata map[string]any
}

// Store manages file upload records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new record store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a record. An empty ID is filled with a new UUID and an
// empty processing status defaults to pending.
func (s *Store) Create(ctx context.Context, f *FileUpload) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.ProcessingStatus == "" {
		f.ProcessingStatus = StatusPending
	}
	if !f.ProcessingStatus.Valid() {
		return fmt.Errorf("records: invalid processing status %q", f.ProcessingStatus)
	}
	if f.UploadStatus == "" {
		f.UploadStatus = "pending"
	}
	metadata, err := marshalNullable(f.Metadata)
	if err != nil {
		return fmt.Errorf("records: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO file_uploads (id, user_id, file_name, storage_path, upload_status, processing_status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query,
		f.ID,
		f.UserID,
		f.FileName,
		f.StoragePath,
		f.UploadStatus,
		string(f.ProcessingStatus),
		metadata,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("records: insert: %w", err)
	}
	return nil
}

// Get loads a record by ID. It returns ErrNotFound when none exists.
func (s *Store) Get(ctx context.Context, id string) (*FileUpload, error) {
	const query = `
		SELECT id, user_id, file_name, storage_path, upload_status, processing_status,
		       extraction_path, extracted_files, metadata, created_at, updated_at
		FROM file_uploads
		WHERE id = $1`

	var (
		f              FileUpload
		status         string
		extractionPath sql.NullString
		extractedFiles []byte
		metadata       []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&f.ID,
		&f.UserID,
		&f.FileName,
		&f.StoragePath,
		&f.UploadStatus,
		&status,
		&extractionPath,
		&extractedFiles,
		&metadata,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("records: get: %w", err)
	}

	f.ProcessingStatus = Status(status)
	f.ExtractionPath = extractionPath.String
	if len(extractedFiles) > 0 {
		if err := json.Unmarshal(extractedFiles, &f.ExtractedFiles); err != nil {
			return nil, fmt.Errorf("records: decode extracted_files: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &f.Metadata); err != nil {
			return nil, fmt.Errorf("records: decode metadata: %w", err)
		}
	}
	return &f, nil
}

// BeginExtraction moves a record owned by ownerID into extracting. The
// update is conditional on the current status, so of several concurrent
// callers exactly one gets true. A claim older than lease may be taken over,
// so a record whose extraction never finished does not stay extracting
// forever; a zero lease disables takeover. A false result with a nil error
// means the record was not in an extractable state (or not owned by
// ownerID).
func (s *Store) BeginExtraction(ctx context.Context, id, ownerID string, lease time.Duration) (bool, error) {
	const query = `
		UPDATE file_uploads
		SET processing_status = 'extracting', updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		  AND (processing_status IN ($3, $4)
		       OR ($5::float8 > 0
		           AND processing_status = 'extracting'
		           AND updated_at < NOW() - make_interval(secs => $5::float8)))`

	res, err := s.db.ExecContext(ctx, query, id, ownerID,
		string(extractableFrom[0]), string(extractableFrom[1]), lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("records: begin extraction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("records: begin extraction: %w", err)
	}
	return n == 1, nil
}

// CompleteExtraction records a finished extraction. It returns ErrTransition
// when the record is not currently extracting.
func (s *Store) CompleteExtraction(ctx context.Context, id string, ex Extraction) error {
	files, err := json.Marshal(nonNil(ex.Files))
	if err != nil {
		return fmt.Errorf("records: marshal extracted files: %w", err)
	}
	metadata, err := marshalNullable(ex.Metadata)
	if err != nil {
		return fmt.Errorf("records: marshal metadata: %w", err)
	}

	const query = `
		UPDATE file_uploads
		SET processing_status = 'completed',
		    extraction_path = $2,
		    extracted_files = $3,
		    metadata = COALESCE(metadata, '{}'::jsonb) || COALESCE($4::jsonb, '{}'::jsonb),
		    updated_at = NOW()
		WHERE id = $1 AND processing_status = 'extracting'`

	return s.execTransition(ctx, "complete extraction", query, id, ex.Path, string(files), metadata)
}

// FailExtraction marks an extracting record as failed. reason is stored in
// metadata and must not contain client-supplied text.
func (s *Store) FailExtraction(ctx context.Context, id, reason string) error {
	const query = `
		UPDATE file_uploads
		SET processing_status = 'extraction_failed',
		    metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('failure_reason', $2::text),
		    updated_at = NOW()
		WHERE id = $1 AND processing_status = 'extracting'`

	return s.execTransition(ctx, "fail extraction", query, id, reason)
}

func (s *Store) execTransition(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("records: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("records: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("records: %s: %w", op, ErrTransition)
	}
	return nil
}

// marshalNullable encodes m as JSON text. lib/pq sends []byte as bytea, so
// JSONB parameters travel as strings.
func marshalNullable(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
