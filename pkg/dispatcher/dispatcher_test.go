package dispatcher_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/dispatcher"
	"github.com/cuemby/pipeline/pkg/jobstatus"
	"github.com/cuemby/pipeline/pkg/queue"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/types"
)

// fakeStore is a minimal storage.Store sufficient for the dispatcher's
// own tests: UserJob CRUD plus FindActiveUserJob, nothing else is
// exercised by the code under test.
type fakeStore struct {
	jobs   map[string]*types.UserJob
	active *types.UserJob
}

func newFakeStore() *fakeStore { return &fakeStore{jobs: map[string]*types.UserJob{}} }

func (f *fakeStore) CreateUserJob(ctx context.Context, job *types.UserJob) error {
	f.jobs[job.ID] = job
	return nil
}
func (f *fakeStore) GetUserJob(ctx context.Context, id string) (*types.UserJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, id)
	}
	return j, nil
}
func (f *fakeStore) FindActiveUserJob(ctx context.Context, userID, requestedFileID, storageProfileID string) (*types.UserJob, error) {
	return f.active, nil
}
func (f *fakeStore) ListUserJobsByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error) {
	return nil, nil
}
func (f *fakeStore) ListDueRetries(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error) {
	return nil, nil
}
func (f *fakeStore) UpdateUserJob(ctx context.Context, job *types.UserJob) error {
	f.jobs[job.ID] = job
	return nil
}
func (f *fakeStore) CreateSyncJob(ctx context.Context, job *types.SyncJob) error { return nil }
func (f *fakeStore) GetSyncJob(ctx context.Context, id string) (*types.SyncJob, error) {
	return nil, nil
}
func (f *fakeStore) ListSyncJobsByStatus(ctx context.Context, statuses ...types.SyncStatus) ([]*types.SyncJob, error) {
	return nil, nil
}
func (f *fakeStore) UpdateSyncJob(ctx context.Context, job *types.SyncJob) error { return nil }
func (f *fakeStore) CreateRequestedFile(ctx context.Context, rf *types.RequestedFile) error {
	return nil
}
func (f *fakeStore) GetRequestedFile(ctx context.Context, id string) (*types.RequestedFile, error) {
	return nil, nil
}
func (f *fakeStore) GetRequestedFileByInfoHash(ctx context.Context, uploaderID, infoHash string) (*types.RequestedFile, error) {
	return nil, nil
}
func (f *fakeStore) CreateStorageProfile(ctx context.Context, p *types.StorageProfile) error {
	return nil
}
func (f *fakeStore) GetStorageProfile(ctx context.Context, id string) (*types.StorageProfile, error) {
	return nil, nil
}
func (f *fakeStore) GetDefaultStorageProfile(ctx context.Context, userID string) (*types.StorageProfile, error) {
	return nil, nil
}
func (f *fakeStore) CreateUploadProgress(ctx context.Context, up *types.UploadProgress) error {
	return nil
}
func (f *fakeStore) GetUploadProgress(ctx context.Context, jobID, remoteKey string) (*types.UploadProgress, error) {
	return nil, nil
}
func (f *fakeStore) UpdateUploadProgress(ctx context.Context, up *types.UploadProgress) error {
	return nil
}
func (f *fakeStore) DeleteUploadProgress(ctx context.Context, id string) error { return nil }
func (f *fakeStore) ListStatusHistory(ctx context.Context, targetID string) ([]*types.StatusHistory, error) {
	return nil, nil
}
func (f *fakeStore) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return fn(&fakeTx{f})
}
func (f *fakeStore) Close() error { return nil }

type fakeTx struct{ f *fakeStore }

func (t *fakeTx) GetUserJobForUpdate(ctx context.Context, id string) (*types.UserJob, error) {
	return t.f.GetUserJob(ctx, id)
}
func (t *fakeTx) UpdateUserJob(ctx context.Context, job *types.UserJob) error {
	return t.f.UpdateUserJob(ctx, job)
}
func (t *fakeTx) GetSyncJobForUpdate(ctx context.Context, id string) (*types.SyncJob, error) {
	return nil, nil
}
func (t *fakeTx) UpdateSyncJob(ctx context.Context, job *types.SyncJob) error { return nil }
func (t *fakeTx) AppendStatusHistory(ctx context.Context, row *types.StatusHistory) error {
	return nil
}

type fakeProviderHandler struct {
	queue string
}

func (h fakeProviderHandler) Queue() string { return h.queue }
func (h fakeProviderHandler) Payload(job *types.UserJob) (string, error) { return job.ID, nil }

func newTestRuntime(t *testing.T) *queue.Runtime {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, "consumer-1")
}

func TestDispatch_RejectsInactiveProfile(t *testing.T) {
	store := newFakeStore()
	cfg := config.Default()
	d := dispatcher.New(store, jobstatus.New(store), newTestRuntime(t), cfg)
	d.RegisterProvider(types.StorageProviderAwsS3, fakeProviderHandler{queue: cfg.Queues.S3})

	profile := &types.StorageProfile{ID: "p1", Provider: types.StorageProviderAwsS3, IsActive: false}
	_, err := d.Dispatch(context.Background(), "user-1", "file-1", types.JobKindTorrent, profile)
	require.Error(t, err)
}

func TestDispatch_RejectsUnregisteredProvider(t *testing.T) {
	store := newFakeStore()
	cfg := config.Default()
	d := dispatcher.New(store, jobstatus.New(store), newTestRuntime(t), cfg)

	profile := &types.StorageProfile{ID: "p1", Provider: types.StorageProviderAwsS3, IsActive: true}
	_, err := d.Dispatch(context.Background(), "user-1", "file-1", types.JobKindTorrent, profile)
	require.Error(t, err)
}

func TestDispatch_CreatesQueuedJobOnTorrentsQueue(t *testing.T) {
	store := newFakeStore()
	cfg := config.Default()
	rt := newTestRuntime(t)
	d := dispatcher.New(store, jobstatus.New(store), rt, cfg)
	d.RegisterProvider(types.StorageProviderAwsS3, fakeProviderHandler{queue: cfg.Queues.S3})

	profile := &types.StorageProfile{ID: "p1", Provider: types.StorageProviderAwsS3, IsActive: true}
	job, err := d.Dispatch(context.Background(), "user-1", "file-1", types.JobKindTorrent, profile)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.NotEmpty(t, job.QueueHandle)

	state, err := rt.Inspect(context.Background(), job.QueueHandle)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStateEnqueued, state)
}

func TestDispatch_SyncKindEntersOnSyncQueue(t *testing.T) {
	store := newFakeStore()
	cfg := config.Default()
	d := dispatcher.New(store, jobstatus.New(store), newTestRuntime(t), cfg)
	d.RegisterProvider(types.StorageProviderAwsS3, fakeProviderHandler{queue: cfg.Queues.S3})

	profile := &types.StorageProfile{ID: "p1", Provider: types.StorageProviderAwsS3, IsActive: true}
	job, err := d.Dispatch(context.Background(), "user-1", "file-1", types.JobKindSync, profile)
	require.NoError(t, err)
	assert.Equal(t, types.JobKindSync, job.Kind)
}

func TestDispatch_CoalescesDuplicateDispatch(t *testing.T) {
	store := newFakeStore()
	existing := &types.UserJob{ID: "existing-job", Status: types.JobStatusDownloading}
	store.active = existing
	cfg := config.Default()
	d := dispatcher.New(store, jobstatus.New(store), newTestRuntime(t), cfg)
	d.RegisterProvider(types.StorageProviderAwsS3, fakeProviderHandler{queue: cfg.Queues.S3})

	profile := &types.StorageProfile{ID: "p1", Provider: types.StorageProviderAwsS3, IsActive: true}
	job, err := d.Dispatch(context.Background(), "user-1", "file-1", types.JobKindTorrent, profile)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, job.ID)
}

func TestDispatchUpload_EnqueuesOnProviderQueue(t *testing.T) {
	store := newFakeStore()
	cfg := config.Default()
	rt := newTestRuntime(t)
	d := dispatcher.New(store, jobstatus.New(store), rt, cfg)
	d.RegisterProvider(types.StorageProviderAwsS3, fakeProviderHandler{queue: cfg.Queues.S3})

	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload}
	store.jobs[job.ID] = job
	profile := &types.StorageProfile{ID: "p1", Provider: types.StorageProviderAwsS3, IsActive: true}

	err := d.DispatchUpload(context.Background(), job, profile)
	require.NoError(t, err)
	assert.NotEmpty(t, job.QueueHandle)
}

func TestDispatchUpload_RejectsUnregisteredProvider(t *testing.T) {
	store := newFakeStore()
	cfg := config.Default()
	d := dispatcher.New(store, jobstatus.New(store), newTestRuntime(t), cfg)

	job := &types.UserJob{ID: "job-1", Status: types.JobStatusPendingUpload}
	profile := &types.StorageProfile{ID: "p1", Provider: types.StorageProviderGoogleDrive, IsActive: true}
	err := d.DispatchUpload(context.Background(), job, profile)
	require.Error(t, err)
}
