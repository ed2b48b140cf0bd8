package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/jobstatus"
	"github.com/cuemby/pipeline/pkg/queue"
	"github.com/cuemby/pipeline/pkg/recovery"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/types"
)

// memStore is a full in-memory storage.Store fake, single-goroutine
// safe, sufficient for the recovery monitor's own tests.
type memStore struct {
	jobs     map[string]*types.UserJob
	syncJobs map[string]*types.SyncJob
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*types.UserJob{}, syncJobs: map[string]*types.SyncJob{}}
}

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
	want := map[types.JobStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.UserJob
	for _, j := range m.jobs {
		if want[j.Status] {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (m *memStore) ListDueRetries(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error) {
	want := map[types.JobStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.UserJob
	now := time.Now()
	for _, j := range m.jobs {
		if want[j.Status] && j.NextRetryAt != nil && !j.NextRetryAt.After(now) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
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
	want := map[types.SyncStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []*types.SyncJob
	for _, j := range m.syncJobs {
		if want[j.Status] {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}
func (m *memStore) UpdateSyncJob(ctx context.Context, job *types.SyncJob) error {
	m.syncJobs[job.ID] = job
	return nil
}
func (m *memStore) CreateRequestedFile(ctx context.Context, f *types.RequestedFile) error { return nil }
func (m *memStore) GetRequestedFile(ctx context.Context, id string) (*types.RequestedFile, error) {
	return nil, nil
}
func (m *memStore) GetRequestedFileByInfoHash(ctx context.Context, uploaderID, infoHash string) (*types.RequestedFile, error) {
	return nil, nil
}
func (m *memStore) CreateStorageProfile(ctx context.Context, p *types.StorageProfile) error { return nil }
func (m *memStore) GetStorageProfile(ctx context.Context, id string) (*types.StorageProfile, error) {
	return nil, nil
}
func (m *memStore) GetDefaultStorageProfile(ctx context.Context, userID string) (*types.StorageProfile, error) {
	return nil, nil
}
func (m *memStore) CreateUploadProgress(ctx context.Context, up *types.UploadProgress) error { return nil }
func (m *memStore) GetUploadProgress(ctx context.Context, jobID, remoteKey string) (*types.UploadProgress, error) {
	return nil, nil
}
func (m *memStore) UpdateUploadProgress(ctx context.Context, up *types.UploadProgress) error { return nil }
func (m *memStore) DeleteUploadProgress(ctx context.Context, id string) error                { return nil }
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

func newTestRuntime(t *testing.T) *queue.Runtime {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, "consumer-1")
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestMonitor_RecoversStaleDownloadingJobWithNoQueueEntry(t *testing.T) {
	store := newMemStore()
	staleHeartbeat := time.Now().Add(-time.Hour)
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusDownloading, LastHeartbeat: &staleHeartbeat}
	require.NoError(t, store.CreateUserJob(context.Background(), job))

	cfg := config.Default()
	cfg.StaleJobThreshold = time.Minute
	cfg.RecoveryCheckInterval = 50 * time.Millisecond

	status := jobstatus.New(store)
	rt := newTestRuntime(t)
	mon := recovery.New(store, status, rt, cfg, func(j *types.UserJob) string { return cfg.Queues.Torrents })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)
	defer mon.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		updated, err := store.GetUserJob(context.Background(), "job-1")
		return err == nil && updated.Status == types.JobStatusTorrentDownloadRetry
	})
}

func TestMonitor_LeavesLiveEnqueuedJobAlone(t *testing.T) {
	store := newMemStore()
	staleHeartbeat := time.Now().Add(-time.Hour)
	job := &types.UserJob{ID: "job-1", Status: types.JobStatusDownloading, LastHeartbeat: &staleHeartbeat, QueueHandle: "handle-1"}
	require.NoError(t, store.CreateUserJob(context.Background(), job))

	cfg := config.Default()
	cfg.StaleJobThreshold = time.Minute

	status := jobstatus.New(store)
	rt := newTestRuntime(t)
	// Point the job at a freshly enqueued item so its handle resolves to "Enqueued".
	handle, err := rt.Enqueue(context.Background(), cfg.Queues.Torrents, "unrelated-payload")
	require.NoError(t, err)
	job.QueueHandle = handle
	require.NoError(t, store.UpdateUserJob(context.Background(), job))

	mon := recovery.New(store, status, rt, cfg, func(j *types.UserJob) string { return cfg.Queues.Torrents })
	ctx, cancel := context.WithCancel(context.Background())
	mon.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	mon.Stop()
	cancel()

	updated, err := store.GetUserJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusDownloading, updated.Status, "a job whose queue entry is still live must not be recovered")
}

func TestMonitor_RecoversStaleSyncJob(t *testing.T) {
	store := newMemStore()
	staleHeartbeat := time.Now().Add(-time.Hour)
	job := &types.SyncJob{ID: "sync-1", Status: types.SyncStatusSyncing, LastHeartbeat: &staleHeartbeat}
	require.NoError(t, store.CreateSyncJob(context.Background(), job))

	cfg := config.Default()
	cfg.StaleJobThreshold = time.Minute

	status := jobstatus.New(store)
	rt := newTestRuntime(t)
	mon := recovery.New(store, status, rt, cfg, func(j *types.UserJob) string { return cfg.Queues.Torrents })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mon.Start(ctx)
	defer mon.Stop()

	waitUntil(t, 2*time.Second, func() bool {
		updated, err := store.GetSyncJob(context.Background(), "sync-1")
		return err == nil && updated.Status == types.SyncStatusRetry
	})
}
