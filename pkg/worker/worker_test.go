package worker_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pipeline/pkg/cancel"
	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/jobstatus"
	"github.com/cuemby/pipeline/pkg/kv"
	"github.com/cuemby/pipeline/pkg/lease"
	"github.com/cuemby/pipeline/pkg/security"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/stream"
	"github.com/cuemby/pipeline/pkg/types"
	"github.com/cuemby/pipeline/pkg/worker"
	"github.com/cuemby/pipeline/pkg/workspace"
)

// memStore is a full in-memory storage.Store fake, single-goroutine
// safe, sufficient for the worker package's own tests.
type memStore struct {
	jobs      map[string]*types.UserJob
	syncJobs  map[string]*types.SyncJob
	files     map[string]*types.RequestedFile
	profiles  map[string]*types.StorageProfile
	progress  map[string]*types.UploadProgress
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]*types.UserJob{},
		syncJobs: map[string]*types.SyncJob{},
		files:    map[string]*types.RequestedFile{},
		profiles: map[string]*types.StorageProfile{},
		progress: map[string]*types.UploadProgress{},
	}
}

func progressKey(jobID, remoteKey string) string { return jobID + "/" + remoteKey }

func (m *memStore) CreateUserJob(ctx context.Context, job *types.UserJob) error {
	m.jobs[job.ID] = job
	return nil
}
func (m *memStore) GetUserJob(ctx context.Context, id string) (*types.UserJob, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, id)
	}
	cp := *j
	return &cp, nil
}
func (m *memStore) FindActiveUserJob(ctx context.Context, userID, requestedFileID, storageProfileID string) (*types.UserJob, error) {
	return nil, nil
}
func (m *memStore) ListUserJobsByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error) {
	return nil, nil
}
func (m *memStore) ListDueRetries(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error) {
	return nil, nil
}
func (m *memStore) UpdateUserJob(ctx context.Context, job *types.UserJob) error {
	m.jobs[job.ID] = job
	return nil
}
func (m *memStore) CreateSyncJob(ctx context.Context, job *types.SyncJob) error {
	m.syncJobs[job.ID] = job
	return nil
}
func (m *memStore) GetSyncJob(ctx context.Context, id string) (*types.SyncJob, error) {
	j, ok := m.syncJobs[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, id)
	}
	cp := *j
	return &cp, nil
}
func (m *memStore) ListSyncJobsByStatus(ctx context.Context, statuses ...types.SyncStatus) ([]*types.SyncJob, error) {
	return nil, nil
}
func (m *memStore) UpdateSyncJob(ctx context.Context, job *types.SyncJob) error {
	m.syncJobs[job.ID] = job
	return nil
}
func (m *memStore) CreateRequestedFile(ctx context.Context, f *types.RequestedFile) error {
	m.files[f.ID] = f
	return nil
}
func (m *memStore) GetRequestedFile(ctx context.Context, id string) (*types.RequestedFile, error) {
	f, ok := m.files[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, id)
	}
	return f, nil
}
func (m *memStore) GetRequestedFileByInfoHash(ctx context.Context, uploaderID, infoHash string) (*types.RequestedFile, error) {
	return nil, nil
}
func (m *memStore) CreateStorageProfile(ctx context.Context, p *types.StorageProfile) error {
	m.profiles[p.ID] = p
	return nil
}
func (m *memStore) GetStorageProfile(ctx context.Context, id string) (*types.StorageProfile, error) {
	p, ok := m.profiles[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, id)
	}
	return p, nil
}
func (m *memStore) GetDefaultStorageProfile(ctx context.Context, userID string) (*types.StorageProfile, error) {
	return nil, nil
}
func (m *memStore) CreateUploadProgress(ctx context.Context, up *types.UploadProgress) error {
	m.progress[progressKey(up.JobID, up.RemoteKey)] = up
	return nil
}
func (m *memStore) GetUploadProgress(ctx context.Context, jobID, remoteKey string) (*types.UploadProgress, error) {
	return m.progress[progressKey(jobID, remoteKey)], nil
}
func (m *memStore) UpdateUploadProgress(ctx context.Context, up *types.UploadProgress) error {
	m.progress[progressKey(up.JobID, up.RemoteKey)] = up
	return nil
}
func (m *memStore) DeleteUploadProgress(ctx context.Context, id string) error { return nil }
func (m *memStore) ListStatusHistory(ctx context.Context, targetID string) ([]*types.StatusHistory, error) {
	return nil, nil
}
func (m *memStore) Close() error { return nil }
func (m *memStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return fn(&memTx{m})
}

type memTx struct{ m *memStore }

func (t *memTx) GetUserJobForUpdate(ctx context.Context, id string) (*types.UserJob, error) {
	return t.m.GetUserJob(ctx, id)
}
func (t *memTx) UpdateUserJob(ctx context.Context, job *types.UserJob) error {
	return t.m.UpdateUserJob(ctx, job)
}
func (t *memTx) GetSyncJobForUpdate(ctx context.Context, id string) (*types.SyncJob, error) {
	return t.m.GetSyncJob(ctx, id)
}
func (t *memTx) UpdateSyncJob(ctx context.Context, job *types.SyncJob) error {
	return t.m.UpdateSyncJob(ctx, job)
}
func (t *memTx) AppendStatusHistory(ctx context.Context, row *types.StatusHistory) error { return nil }

// fakeTarget is an in-memory UploadTarget recording every call, so
// tests can assert resume-idempotency without any network I/O.
type fakeTarget struct {
	provider    types.StorageProvider
	partSize    int64
	uploaded    map[string][]byte // sessionID -> bytes received so far
	openCalls   int
	resumeCalls int
	existsCalls int
	preExisting map[string]int64 // remoteKey -> size, simulates an object already present at the provider
	failAfter   int              // if >0, UploadPart fails once total parts uploaded reaches this count
	expireOnce  bool             // if true, the next UploadPart call returns ErrUploadSessionExpired, then clears itself
	partsSeen   int
}

func newFakeTarget(provider types.StorageProvider, partSize int64) *fakeTarget {
	return &fakeTarget{provider: provider, partSize: partSize, uploaded: map[string][]byte{}, preExisting: map[string]int64{}}
}

func (f *fakeTarget) Provider() types.StorageProvider  { return f.provider }
func (f *fakeTarget) PartSize(cfg config.Config) int64 { return f.partSize }

func (f *fakeTarget) Exists(ctx context.Context, creds any, remoteKey string, totalSize int64) (bool, error) {
	f.existsCalls++
	size, ok := f.preExisting[remoteKey]
	return ok && size == totalSize, nil
}

func (f *fakeTarget) OpenSession(ctx context.Context, creds any, remoteKey string, totalSize int64) (string, error) {
	f.openCalls++
	sessionID := "session-" + remoteKey
	f.uploaded[sessionID] = nil
	return sessionID, nil
}

func (f *fakeTarget) ResumeOffset(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64) (int64, []types.PartRecord, error) {
	f.resumeCalls++
	data := f.uploaded[sessionID]
	parts := make([]types.PartRecord, 0)
	if len(data) > 0 {
		parts = append(parts, types.PartRecord{PartNumber: 1, Validator: "etag-1"})
	}
	return int64(len(data)), parts, nil
}

func (f *fakeTarget) UploadPart(ctx context.Context, creds any, remoteKey, sessionID string, partNumber int, offset, totalSize int64, chunk []byte) (types.PartRecord, error) {
	f.partsSeen++
	if f.expireOnce {
		f.expireOnce = false
		return types.PartRecord{}, fmt.Errorf("simulated expired session: %w", worker.ErrUploadSessionExpired)
	}
	if f.failAfter > 0 && f.partsSeen >= f.failAfter {
		return types.PartRecord{}, fmt.Errorf("simulated transient upload failure")
	}
	f.uploaded[sessionID] = append(f.uploaded[sessionID], chunk...)
	return types.PartRecord{PartNumber: partNumber, Validator: fmt.Sprintf("etag-%d", partNumber)}, nil
}

func (f *fakeTarget) Complete(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64, parts []types.PartRecord) error {
	return nil
}

type testHarness struct {
	store    *memStore
	deps     *worker.Deps
	security *security.Manager
	server   *miniredis.Miniredis
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	kvStore := kv.New(client)

	store := newMemStore()
	cfg := config.Default()
	cfg.HeartbeatInterval = time.Hour // keep the background heartbeat loop quiet during tests
	cfg.CancelPollInterval = 20 * time.Millisecond
	cfg.ProgressUpdateInterval = time.Hour

	root, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	mgr, err := security.NewManager(make([]byte, 32))
	require.NoError(t, err)

	return &testHarness{
		store:    store,
		security: mgr,
		server:   server,
		deps: &worker.Deps{
			Store:     store,
			Status:    jobstatus.New(store),
			Leases:    lease.New(kvStore),
			Cancels:   cancel.New(kvStore, time.Hour),
			Workspace: root,
			Publisher: stream.New(kvStore, 1000),
			Cfg:       cfg,
			WorkerID:  "worker-test",
		},
	}
}

func encryptedS3Creds(t *testing.T, mgr *security.Manager) []byte {
	t.Helper()
	enc, err := mgr.EncryptJSON(&security.S3Credentials{
		AccessKeyID: "AKIA...", SecretAccessKey: "secret", Region: "us-east-1", Bucket: "bucket",
	})
	require.NoError(t, err)
	return enc
}

func TestDownloadWorker_SkipsAlreadyTerminalJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusCompleted}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	dw := worker.NewDownloadWorker(h.deps, noopDispatcher{}, failingBlobFetcher{})
	err := dw.Handle(ctx, "job-1")
	assert.NoError(t, err, "a terminal job must be skipped, not re-processed")
}

func TestDownloadWorker_ReturnsQuietlyWhenLeaseHeldByAnotherWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusQueued}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	result, err := h.deps.Leases.TryAcquire(ctx, "job-1", "other-worker", time.Hour)
	require.NoError(t, err)
	require.Equal(t, types.LeaseAcquired, result)

	dw := worker.NewDownloadWorker(h.deps, noopDispatcher{}, failingBlobFetcher{})
	err = dw.Handle(ctx, "job-1")
	assert.NoError(t, err)

	updated, err := h.store.GetUserJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, updated.Status, "a non-owner must not advance the job's status")
}

type noopDispatcher struct{}

func (noopDispatcher) DispatchUpload(ctx context.Context, job *types.UserJob, profile *types.StorageProfile) error {
	return nil
}

type failingBlobFetcher struct{}

func (failingBlobFetcher) Fetch(ctx context.Context, blobURL string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("should never be called in this test")
}

func TestUploadWorker_CompletesSingleFileFromScratch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("the quick brown fox jumps over the lazy dog")
	dir, err := h.deps.Workspace.Dir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mkv"), content, 0o644))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))

	file := &types.RequestedFile{ID: "file-1", Files: []types.TorrentFileEntry{{Path: "movie.mkv", Size: int64(len(content))}}}
	require.NoError(t, h.store.CreateRequestedFile(ctx, file))

	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload, StorageProfileID: profile.ID, RequestedFileID: file.ID}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	target := newFakeTarget(types.StorageProviderAwsS3, 8)
	uw := worker.NewUploadWorker(h.deps, h.security, target)

	require.NoError(t, uw.Handle(ctx, "job-1"))

	updated, err := h.store.GetUserJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, updated.Status)
	assert.Equal(t, 1, target.openCalls)
	assert.Equal(t, content, target.uploaded["session-movie.mkv"])

	progress, err := h.store.GetUploadProgress(ctx, "job-1", "movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, types.UploadStatusCompleted, progress.Status)
}

func TestUploadWorker_ResumesFromCheckpointWithoutReUploadingAcceptedBytes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("0123456789ABCDEF0123456789ABCDEF")
	dir, err := h.deps.Workspace.Dir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), content, 0o644))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))
	file := &types.RequestedFile{ID: "file-1", Files: []types.TorrentFileEntry{{Path: "data.bin", Size: int64(len(content))}}}
	require.NoError(t, h.store.CreateRequestedFile(ctx, file))
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload, StorageProfileID: profile.ID, RequestedFileID: file.ID}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	target := newFakeTarget(types.StorageProviderAwsS3, 8)
	target.openCalls = 1
	sessionID := "session-data.bin"
	target.uploaded[sessionID] = content[:16] // simulate a prior attempt that got half way

	require.NoError(t, h.store.CreateUploadProgress(ctx, &types.UploadProgress{
		ID: "progress-1", JobID: "job-1", RemoteKey: "data.bin", SessionID: sessionID,
		PartSize: 8, Status: types.UploadStatusInProgress, BytesUploaded: 16,
		Parts: []types.PartRecord{{PartNumber: 1, Validator: "etag-1"}},
		StartedAt: time.Now(),
	}))

	uw := worker.NewUploadWorker(h.deps, h.security, target)
	require.NoError(t, uw.Handle(ctx, "job-1"))

	assert.Equal(t, 1, target.openCalls, "a resumed upload must not re-open a new session")
	assert.Equal(t, 1, target.resumeCalls)
	assert.Equal(t, content, target.uploaded[sessionID], "resumed bytes must append, not duplicate, the first half")

	updated, err := h.store.GetUserJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, updated.Status)
}

func TestUploadWorker_SkipsAlreadyCompletedFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("already done")
	dir, err := h.deps.Workspace.Dir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done.bin"), content, 0o644))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))
	file := &types.RequestedFile{ID: "file-1", Files: []types.TorrentFileEntry{{Path: "done.bin", Size: int64(len(content))}}}
	require.NoError(t, h.store.CreateRequestedFile(ctx, file))
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload, StorageProfileID: profile.ID, RequestedFileID: file.ID}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	require.NoError(t, h.store.CreateUploadProgress(ctx, &types.UploadProgress{
		ID: "progress-1", JobID: "job-1", RemoteKey: "done.bin", SessionID: "whatever",
		Status: types.UploadStatusCompleted, BytesUploaded: int64(len(content)), StartedAt: time.Now(),
	}))

	target := newFakeTarget(types.StorageProviderAwsS3, 8)
	uw := worker.NewUploadWorker(h.deps, h.security, target)
	require.NoError(t, uw.Handle(ctx, "job-1"))

	assert.Equal(t, 0, target.openCalls, "an already-completed file must never re-open a session")
}

func TestUploadWorker_TransientFailureMovesJobToUploadRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("abcdefghijklmnopqrstuvwxyz0123456789")
	dir, err := h.deps.Workspace.Dir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flaky.bin"), content, 0o644))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))
	file := &types.RequestedFile{ID: "file-1", Files: []types.TorrentFileEntry{{Path: "flaky.bin", Size: int64(len(content))}}}
	require.NoError(t, h.store.CreateRequestedFile(ctx, file))
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload, StorageProfileID: profile.ID, RequestedFileID: file.ID}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	target := newFakeTarget(types.StorageProviderAwsS3, 8)
	target.failAfter = 2

	uw := worker.NewUploadWorker(h.deps, h.security, target)
	require.NoError(t, uw.Handle(ctx, "job-1"))

	updated, err := h.store.GetUserJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusUploadRetry, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
}

func TestUploadWorker_SkipsAlreadyUploadedFileWhenCheckpointIsMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("this object is already sitting at the provider")
	dir, err := h.deps.Workspace.Dir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "remote.bin"), content, 0o644))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))
	file := &types.RequestedFile{ID: "file-1", Files: []types.TorrentFileEntry{{Path: "remote.bin", Size: int64(len(content))}}}
	require.NoError(t, h.store.CreateRequestedFile(ctx, file))
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload, StorageProfileID: profile.ID, RequestedFileID: file.ID}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	target := newFakeTarget(types.StorageProviderAwsS3, 8)
	target.preExisting["remote.bin"] = int64(len(content)) // no UploadProgress row exists, but the object is already there
	uw := worker.NewUploadWorker(h.deps, h.security, target)

	require.NoError(t, uw.Handle(ctx, "job-1"))

	assert.Equal(t, 1, target.existsCalls)
	assert.Equal(t, 0, target.openCalls, "an object already present at the provider must never open a session")

	updated, err := h.store.GetUserJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, updated.Status)

	progress, err := h.store.GetUploadProgress(ctx, "job-1", "remote.bin")
	require.NoError(t, err)
	assert.Equal(t, types.UploadStatusCompleted, progress.Status)
}

func TestUploadWorker_RestartsExpiredSessionWithoutConsumingARetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("0123456789ABCDEF0123456789ABCDEF")
	dir, err := h.deps.Workspace.Dir("job-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.bin"), content, 0o644))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))
	file := &types.RequestedFile{ID: "file-1", Files: []types.TorrentFileEntry{{Path: "data.bin", Size: int64(len(content))}}}
	require.NoError(t, h.store.CreateRequestedFile(ctx, file))
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload, StorageProfileID: profile.ID, RequestedFileID: file.ID}
	require.NoError(t, h.store.CreateUserJob(ctx, job))

	target := newFakeTarget(types.StorageProviderAwsS3, 8)
	target.expireOnce = true

	uw := worker.NewUploadWorker(h.deps, h.security, target)
	require.NoError(t, uw.Handle(ctx, "job-1"))

	assert.Equal(t, 2, target.openCalls, "an expired session must be dropped and reopened, not resumed")
	assert.Equal(t, content, target.uploaded["session-data.bin"], "the restarted session must re-send the local data in full")

	updated, err := h.store.GetUserJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, updated.Status, "a session restart must complete the job, not burn a retry")
	assert.Equal(t, 0, updated.RetryCount)
}

func TestSyncWorker_CompletesAndRemovesWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := []byte("sync me up")
	sourcePath := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(sourcePath, content, 0o644))

	_, err := h.deps.Workspace.Dir("sync-1")
	require.NoError(t, err)
	require.True(t, h.deps.Workspace.Exists("sync-1"))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))

	job := &types.SyncJob{ID: "sync-1", Status: types.SyncStatusPending, StorageProfileID: profile.ID, SourcePath: sourcePath}
	require.NoError(t, h.store.CreateSyncJob(ctx, job))

	target := newFakeTarget(types.StorageProviderAwsS3, 8)
	sw := worker.NewSyncWorker(h.deps, h.security, target)
	require.NoError(t, sw.Handle(ctx, "sync-1"))

	updated, err := h.store.GetSyncJob(ctx, "sync-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusCompleted, updated.Status)
	assert.Equal(t, content, target.uploaded["session-source.bin"])
	assert.False(t, h.deps.Workspace.Exists("sync-1"), "a completed sync must clean up its workspace directory")
}

func TestSyncWorker_FailureMovesToSyncRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sourcePath := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(sourcePath, []byte("data"), 0o644))

	profile := &types.StorageProfile{ID: "profile-1", Provider: types.StorageProviderAwsS3, IsActive: true, EncryptedCredentials: encryptedS3Creds(t, h.security)}
	require.NoError(t, h.store.CreateStorageProfile(ctx, profile))
	job := &types.SyncJob{ID: "sync-1", Status: types.SyncStatusPending, StorageProfileID: profile.ID, SourcePath: sourcePath}
	require.NoError(t, h.store.CreateSyncJob(ctx, job))

	target := newFakeTarget(types.StorageProviderAwsS3, 2)
	target.failAfter = 1

	sw := worker.NewSyncWorker(h.deps, h.security, target)
	require.NoError(t, sw.Handle(ctx, "sync-1"))

	updated, err := h.store.GetSyncJob(ctx, "sync-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusRetry, updated.Status)
}
