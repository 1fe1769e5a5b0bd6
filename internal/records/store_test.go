package records

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

const testLease = time.Minute

// newTestStore opens TEST_DATABASE_URL, applies migrations and returns a
// Store. Tests that call this helper require a reachable PostgreSQL.
func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), db
}

func createRecord(t *testing.T, s *Store, owner string, status Status) *FileUpload {
	t.Helper()
	f := &FileUpload{
		UserID:           owner,
		FileName:         "model.zip",
		StoragePath:      owner + "/model.zip",
		UploadStatus:     "completed",
		ProcessingStatus: status,
	}
	if err := s.Create(context.Background(), f); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM file_uploads WHERE id = $1`, f.ID)
	})
	return f
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusUploading, true},
		{StatusPending, StatusExtracting, true},
		{StatusUploading, StatusExtracting, true},
		{StatusExtracting, StatusCompleted, true},
		{StatusExtracting, StatusFailed, true},

		{StatusPending, StatusCompleted, false},
		{StatusUploading, StatusFailed, false},
		{StatusUploading, StatusPending, false},
		{StatusExtracting, StatusUploading, false},
		{StatusCompleted, StatusExtracting, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusPending, StatusPending, false},
		{StatusPending, Status("ready"), false},
		{Status("ready"), StatusExtracting, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestExtractableStatesCanEnterExtracting(t *testing.T) {
	for _, s := range extractableFrom {
		if !CanTransition(s, StatusExtracting) {
			t.Errorf("expected %s to be able to enter extracting", s)
		}
	}
}

func TestClaimExpired(t *testing.T) {
	claimed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		status Status
		now    time.Time
		lease  time.Duration
		want   bool
	}{
		{"fresh claim", StatusExtracting, claimed.Add(59 * time.Second), testLease, false},
		{"lease elapsed", StatusExtracting, claimed.Add(testLease), testLease, true},
		{"zero lease never expires", StatusExtracting, claimed.Add(time.Hour), 0, false},
		{"not extracting", StatusCompleted, claimed.Add(time.Hour), testLease, false},
	}
	for _, tt := range tests {
		f := &FileUpload{ProcessingStatus: tt.status, UpdatedAt: claimed}
		if got := f.ClaimExpired(tt.now, tt.lease); got != tt.want {
			t.Errorf("%s: ClaimExpired = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), uuid.NewString())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExtractionLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()
	f := createRecord(t, s, owner, StatusPending)

	ok, err := s.BeginExtraction(ctx, f.ID, owner, testLease)
	if err != nil || !ok {
		t.Fatalf("begin extraction: ok=%v err=%v", ok, err)
	}

	err = s.CompleteExtraction(ctx, f.ID, Extraction{
		Path:     owner + "/extracted/" + f.ID,
		Files:    []string{"model.bin", "config.json"},
		Metadata: map[string]any{"original_file_size": 42},
	})
	if err != nil {
		t.Fatalf("complete extraction: %v", err)
	}

	got, err := s.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProcessingStatus != StatusCompleted {
		t.Errorf("expected completed, got %s", got.ProcessingStatus)
	}
	if len(got.ExtractedFiles) != 2 || got.ExtractedFiles[0] != "model.bin" {
		t.Errorf("unexpected extracted files: %v", got.ExtractedFiles)
	}
	if got.Metadata["original_file_size"] != float64(42) {
		t.Errorf("unexpected metadata: %v", got.Metadata)
	}

	// Completed is terminal.
	ok, err = s.BeginExtraction(ctx, f.ID, owner, testLease)
	if err != nil || ok {
		t.Fatalf("expected no transition out of completed: ok=%v err=%v", ok, err)
	}
	if err := s.FailExtraction(ctx, f.ID, "late"); !errors.Is(err, ErrTransition) {
		t.Fatalf("expected ErrTransition, got %v", err)
	}
}

func TestBeginExtraction_WrongOwner(t *testing.T) {
	s, _ := newTestStore(t)
	f := createRecord(t, s, uuid.NewString(), StatusUploading)

	ok, err := s.BeginExtraction(context.Background(), f.ID, uuid.NewString(), testLease)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected non-owner to be unable to begin extraction")
	}
}

func TestBeginExtraction_ExactlyOneWinner(t *testing.T) {
	s, _ := newTestStore(t)
	owner := uuid.NewString()
	f := createRecord(t, s, owner, StatusPending)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.BeginExtraction(context.Background(), f.ID, owner, testLease)
			if err != nil {
				t.Errorf("begin extraction: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestBeginExtraction_TakesOverExpiredClaim(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()
	f := createRecord(t, s, owner, StatusPending)

	if ok, err := s.BeginExtraction(ctx, f.ID, owner, testLease); err != nil || !ok {
		t.Fatalf("begin extraction: ok=%v err=%v", ok, err)
	}
	if ok, err := s.BeginExtraction(ctx, f.ID, owner, testLease); err != nil || ok {
		t.Fatalf("expected fresh claim to hold: ok=%v err=%v", ok, err)
	}

	if _, err := db.Exec(`UPDATE file_uploads SET updated_at = NOW() - INTERVAL '10 minutes' WHERE id = $1`, f.ID); err != nil {
		t.Fatalf("age claim: %v", err)
	}
	if ok, err := s.BeginExtraction(ctx, f.ID, owner, 0); err != nil || ok {
		t.Fatalf("expected zero lease to disable takeover: ok=%v err=%v", ok, err)
	}
	if ok, err := s.BeginExtraction(ctx, f.ID, uuid.NewString(), testLease); err != nil || ok {
		t.Fatalf("expected non-owner takeover to fail: ok=%v err=%v", ok, err)
	}
	if ok, err := s.BeginExtraction(ctx, f.ID, owner, testLease); err != nil || !ok {
		t.Fatalf("expected expired claim to be taken over: ok=%v err=%v", ok, err)
	}

	got, err := s.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClaimExpired(time.Now(), testLease) {
		t.Error("expected takeover to renew the claim")
	}
}

func TestFailExtraction(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	owner := uuid.NewString()
	f := createRecord(t, s, owner, StatusPending)

	if err := s.FailExtraction(ctx, f.ID, "download failed"); !errors.Is(err, ErrTransition) {
		t.Fatalf("expected ErrTransition before extracting, got %v", err)
	}
	if ok, err := s.BeginExtraction(ctx, f.ID, owner, testLease); err != nil || !ok {
		t.Fatalf("begin extraction: ok=%v err=%v", ok, err)
	}
	if err := s.FailExtraction(ctx, f.ID, "download failed"); err != nil {
		t.Fatalf("fail extraction: %v", err)
	}

	got, err := s.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProcessingStatus != StatusFailed {
		t.Errorf("expected extraction_failed, got %s", got.ProcessingStatus)
	}
	if got.Metadata["failure_reason"] != "download failed" {
		t.Errorf("unexpected metadata: %v", got.Metadata)
	}
}

func TestOwnerIsImmutable(t *testing.T) {
	s, db := newTestStore(t)
	f := createRecord(t, s, uuid.NewString(), StatusPending)

	_, err := db.Exec(`UPDATE file_uploads SET user_id = $2 WHERE id = $1`, f.ID, uuid.NewString())
	if err == nil {
		t.Fatal("expected owner change to be rejected")
	}
}

func TestCreate_InvalidStatus(t *testing.T) {
	s := NewStore(nil)
	err := s.Create(context.Background(), &FileUpload{UserID: uuid.NewString(), ProcessingStatus: "ready"})
	if err == nil {
		t.Fatal("expected invalid status to be rejected before touching the database")
	}
}
