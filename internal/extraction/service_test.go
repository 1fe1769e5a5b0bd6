package extraction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arch1tech/platform/internal/records"
	"github.com/arch1tech/platform/internal/storage"
)

// memRecords is an in-memory records store that enforces the same status
// transitions and claim lease as the SQL store.
type memRecords struct {
	mu          sync.Mutex
	rows        map[string]*records.FileUpload
	completed   []records.Extraction
	failReason  string
	getErr      error
	completeErr error
	now         func() time.Time
}

func newMemRecords(rows ...*records.FileUpload) *memRecords {
	m := &memRecords{rows: make(map[string]*records.FileUpload), now: time.Now}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func (m *memRecords) Get(_ context.Context, id string) (*records.FileUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	r, ok := m.rows[id]
	if !ok {
		return nil, records.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRecords) BeginExtraction(_ context.Context, id, ownerID string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.UserID != ownerID {
		return false, nil
	}
	now := m.now()
	if !records.CanTransition(r.ProcessingStatus, records.StatusExtracting) && !r.ClaimExpired(now, lease) {
		return false, nil
	}
	r.ProcessingStatus = records.StatusExtracting
	r.UpdatedAt = now
	return true, nil
}

func (m *memRecords) CompleteExtraction(_ context.Context, id string, ex records.Extraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	r := m.rows[id]
	if r.ProcessingStatus != records.StatusExtracting {
		return records.ErrTransition
	}
	r.ProcessingStatus = records.StatusCompleted
	r.UpdatedAt = m.now()
	r.ExtractionPath = ex.Path
	r.ExtractedFiles = ex.Files
	r.Metadata = ex.Metadata
	m.completed = append(m.completed, ex)
	return nil
}

func (m *memRecords) FailExtraction(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[id]
	if r.ProcessingStatus != records.StatusExtracting {
		return records.ErrTransition
	}
	r.ProcessingStatus = records.StatusFailed
	m.failReason = reason
	return nil
}

func (m *memRecords) status(id string) records.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].ProcessingStatus
}

// flakyStore fails uploads whose path ends in one of failUploads, and
// counts downloads.
type flakyStore struct {
	storage.Store
	mu          sync.Mutex
	downloads   int
	failUploads []string
	failAll     bool
}

func (f *flakyStore) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	return f.Store.Download(ctx, bucket, path)
}

func (f *flakyStore) Upload(ctx context.Context, bucket, path string, data []byte, opts storage.UploadOptions) error {
	if f.failAll {
		return errors.New("storage unavailable")
	}
	for _, suffix := range f.failUploads {
		if strings.HasSuffix(path, "/"+suffix) {
			return errors.New("upload rejected")
		}
	}
	return f.Store.Upload(ctx, bucket, path, data, opts)
}

func (f *flakyStore) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

const (
	owner    = "11111111-1111-1111-1111-111111111111"
	stranger = "22222222-2222-2222-2222-222222222222"
	recordID = "3f2504e0-4f89-11d3-9a0c-0305e82c3301"
	srcPath  = owner + "/model.zip"
)

type fixture struct {
	svc     *Service
	recs    *memRecords
	store   *flakyStore
	objects *storage.RedisStore
}

func newFixture(t *testing.T, status records.Status) *fixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	objects := storage.NewRedisStore(client)
	require.NoError(t, objects.Upload(context.Background(), "user-uploads", srcPath, []byte("PK\x03\x04archive"), storage.UploadOptions{}))

	recs := newMemRecords(&records.FileUpload{
		ID:               recordID,
		UserID:           owner,
		FileName:         "model.zip",
		StoragePath:      srcPath,
		ProcessingStatus: status,
		UpdatedAt:        time.Now(),
	})
	store := &flakyStore{Store: objects}
	return &fixture{
		svc:     NewService(recs, store, DefaultConfig(), nil),
		recs:    recs,
		store:   store,
		objects: objects,
	}
}

func (f *fixture) run(t *testing.T, userID string) (Result, error) {
	t.Helper()
	ctx := context.Background()
	rec, err := f.svc.Authorize(ctx, userID, Request{FileID: recordID, FilePath: srcPath})
	if err != nil {
		return Result{}, err
	}
	return f.svc.Execute(ctx, rec)
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, records.StatusPending)

	res, err := f.run(t, owner)
	require.NoError(t, err)
	assert.Equal(t, Members, res.ExtractedFiles)
	assert.Equal(t, owner+"/extracted/"+recordID, res.ExtractionPath)
	assert.False(t, res.Replayed)
	assert.Equal(t, records.StatusCompleted, f.recs.status(recordID))

	require.Len(t, f.recs.completed, 1)
	meta := f.recs.completed[0].Metadata
	assert.Equal(t, len("PK\x03\x04archive"), meta["original_file_size"])
	assert.Equal(t, Members, meta["extracted_files"])
	assert.NotEmpty(t, meta["extraction_date"])

	data, err := f.objects.Download(context.Background(), "extracted-models", res.ExtractionPath+"/config.json")
	require.NoError(t, err)
	assert.Contains(t, string(data), "// Extracted from ZIP: config.json")
	assert.Contains(t, string(data), "// Original file: "+srcPath)
}

func TestAuthorize_ForbiddenHasNoSideEffects(t *testing.T) {
	f := newFixture(t, records.StatusPending)

	_, err := f.run(t, stranger)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, f.store.downloadCount())
	assert.Equal(t, records.StatusPending, f.recs.status(recordID))
}

func TestAuthorize_PathMustMatchRecord(t *testing.T) {
	f := newFixture(t, records.StatusPending)

	_, err := f.svc.Authorize(context.Background(), owner, Request{FileID: recordID, FilePath: stranger + "/model.zip"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorize_NotFound(t *testing.T) {
	f := newFixture(t, records.StatusPending)

	_, err := f.svc.Authorize(context.Background(), owner, Request{FileID: "00000000-0000-0000-0000-000000000000", FilePath: srcPath})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthorize_DatabaseError(t *testing.T) {
	f := newFixture(t, records.StatusPending)
	f.recs.getErr = errors.New("connection refused")

	_, err := f.svc.Authorize(context.Background(), owner, Request{FileID: recordID, FilePath: srcPath})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrForbidden)
}

func TestExecute_CompletedReplays(t *testing.T) {
	f := newFixture(t, records.StatusPending)
	first, err := f.run(t, owner)
	require.NoError(t, err)

	second, err := f.run(t, owner)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ExtractedFiles, second.ExtractedFiles)
	assert.Equal(t, first.ExtractionPath, second.ExtractionPath)
	assert.Equal(t, 1, f.store.downloadCount(), "replay does not download again")
}

func TestExecute_StatusConflicts(t *testing.T) {
	f := newFixture(t, records.StatusExtracting)
	_, err := f.run(t, owner)
	assert.ErrorIs(t, err, ErrConflict)

	f = newFixture(t, records.StatusFailed)
	_, err = f.run(t, owner)
	assert.ErrorIs(t, err, ErrAlreadyFailed)
	assert.Equal(t, 0, f.store.downloadCount())
}

func TestExecute_LostClaim(t *testing.T) {
	f := newFixture(t, records.StatusPending)
	rec, err := f.svc.Authorize(context.Background(), owner, Request{FileID: recordID, FilePath: srcPath})
	require.NoError(t, err)

	// Another request claims the record after this one read it.
	ok, err := f.recs.BeginExtraction(context.Background(), recordID, owner, DefaultConfig().ClaimLease)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.Execute(context.Background(), rec)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 0, f.store.downloadCount())
}

func TestExecute_DownloadFailure(t *testing.T) {
	f := newFixture(t, records.StatusPending)
	f.recs.rows[recordID].StoragePath = owner + "/missing.zip"

	rec, err := f.svc.Authorize(context.Background(), owner, Request{FileID: recordID, FilePath: owner + "/missing.zip"})
	require.NoError(t, err)
	_, err = f.svc.Execute(context.Background(), rec)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	assert.Equal(t, records.StatusFailed, f.recs.status(recordID))
	assert.Equal(t, "download_failed", f.recs.failReason)
}

func TestExecute_SkipsFailedMembers(t *testing.T) {
	f := newFixture(t, records.StatusPending)
	f.store.failUploads = []string{"model.bin", "README.md"}

	res, err := f.run(t, owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"config.json", "tokenizer.json", "pytorch_model.bin", "requirements.txt"}, res.ExtractedFiles)
}

func TestExecute_NothingExtracted(t *testing.T) {
	f := newFixture(t, records.StatusPending)
	f.store.failAll = true

	_, err := f.run(t, owner)
	assert.ErrorIs(t, err, ErrNothingExtracted)
	assert.Equal(t, records.StatusFailed, f.recs.status(recordID))
	assert.Equal(t, "upload_failed", f.recs.failReason)
}

func TestExecute_CompletionIsBestEffort(t *testing.T) {
	f := newFixture(t, records.StatusPending)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.recs.now = func() time.Time { return clock }
	f.svc.now = func() time.Time { return clock }
	f.recs.completeErr = errors.New("deadlock detected")

	res, err := f.run(t, owner)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExtractedFiles)
	assert.Equal(t, records.StatusExtracting, f.recs.status(recordID))

	// The claim still holds, so a retry is refused without downloading.
	f.recs.completeErr = nil
	_, err = f.run(t, owner)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, f.store.downloadCount())

	// Once the lease lapses the record is taken over and completed.
	clock = clock.Add(DefaultConfig().ClaimLease)
	res, err = f.run(t, owner)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, Members, res.ExtractedFiles)
	assert.Equal(t, records.StatusCompleted, f.recs.status(recordID))
	assert.Equal(t, 2, f.store.downloadCount())

	res, err = f.run(t, owner)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

func TestExecute_FreshClaimIsNotTakenOver(t *testing.T) {
	f := newFixture(t, records.StatusExtracting)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.recs.rows[recordID].UpdatedAt = clock
	f.recs.now = func() time.Time { return clock }
	f.svc.now = func() time.Time { return clock }

	clock = clock.Add(DefaultConfig().ClaimLease - time.Second)
	_, err := f.run(t, owner)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 0, f.store.downloadCount())

	clock = clock.Add(time.Second)
	_, err = f.run(t, owner)
	require.NoError(t, err)
	assert.Equal(t, records.StatusCompleted, f.recs.status(recordID))
}
