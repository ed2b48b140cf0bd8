package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/jobstatus"
	"github.com/cuemby/pipeline/pkg/log"
	"github.com/cuemby/pipeline/pkg/metrics"
	"github.com/cuemby/pipeline/pkg/queue"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/types"
)

var monitoredStatuses = []types.JobStatus{
	types.JobStatusDownloading,
	types.JobStatusUploading,
}

var retryStatuses = []types.JobStatus{
	types.JobStatusTorrentDownloadRetry,
	types.JobStatusUploadRetry,
}

var monitoredSyncStatuses = []types.SyncStatus{
	types.SyncStatusSyncing,
}

var retrySyncStatuses = []types.SyncStatus{
	types.SyncStatusRetry,
}

// queueFor resolves which queue a recovered job is re-enqueued on, by
// provider/job-type; callers pass it to New.
type queueFor func(job *types.UserJob) string

// Monitor is the Orphan Recovery Monitor: a long-running loop
// every worker process runs, following the
// reconciler ticker/stale-detection/recovery-branching shape. Running
// multiple instances concurrently is safe since the transitions
// themselves are atomic (Job Status Service + Lease Service).
type Monitor struct {
	store   storage.Store
	status  *jobstatus.Service
	runtime *queue.Runtime
	cfg     config.Config
	logger  zerolog.Logger

	queueFor queueFor
	stopCh   chan struct{}
}

func New(store storage.Store, status *jobstatus.Service, runtime *queue.Runtime, cfg config.Config, queueFor queueFor) *Monitor {
	return &Monitor{
		store:    store,
		status:   status,
		runtime:  runtime,
		cfg:      cfg,
		logger:   log.WithComponent("recovery"),
		queueFor: queueFor,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the recovery loop, running immediately and then every
// RecoveryCheckInterval.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run(ctx context.Context) {
	m.cycle(ctx)

	ticker := time.NewTicker(m.cfg.RecoveryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cycle(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.RecoveryDuration)
		metrics.RecoveryCyclesTotal.Inc()
	}()

	candidates, err := m.selectCandidates(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("select recovery candidates failed")
		return
	}

	for _, job := range candidates {
		if err := m.recoverOne(ctx, job); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("recovery attempt failed")
		}
	}

	syncCandidates, err := m.selectSyncCandidates(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("select sync recovery candidates failed")
		return
	}

	for _, job := range syncCandidates {
		if err := m.recoverOneSync(ctx, job); err != nil {
			m.logger.Error().Err(err).Str("sync_job_id", job.ID).Msg("sync recovery attempt failed")
		}
	}
}

// selectSyncCandidates mirrors selectCandidates for SyncJob rows
// (the SYNCING leg of the monitored-status set).
func (m *Monitor) selectSyncCandidates(ctx context.Context) ([]*types.SyncJob, error) {
	active, err := m.store.ListSyncJobsByStatus(ctx, monitoredSyncStatuses...)
	if err != nil {
		return nil, err
	}

	var stale []*types.SyncJob
	now := time.Now()
	for _, job := range active {
		if job.LastHeartbeat != nil {
			if now.Sub(*job.LastHeartbeat) > m.cfg.StaleJobThreshold {
				stale = append(stale, job)
			}
			continue
		}
		if job.StartedAt != nil && now.Sub(*job.StartedAt) > m.cfg.StaleJobThreshold {
			stale = append(stale, job)
		}
	}

	due, err := m.store.ListSyncJobsByStatus(ctx, retrySyncStatuses...)
	if err != nil {
		return nil, err
	}
	var dueNow []*types.SyncJob
	for _, job := range due {
		if job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
			dueNow = append(dueNow, job)
		}
	}

	return append(stale, dueNow...), nil
}

func (m *Monitor) recoverOneSync(ctx context.Context, job *types.SyncJob) error {
	shouldRecover, err := m.shouldRecoverHandle(ctx, job.QueueHandle)
	if err != nil {
		return err
	}
	if !shouldRecover {
		return nil
	}

	prevHandle := job.QueueHandle
	if prevHandle != "" {
		_ = m.runtime.Delete(ctx, prevHandle)
	}

	updated, err := m.status.TransitionSync(ctx, job.ID, types.SyncStatusRetry, types.SourceRecovery,
		"orphan recovery: stale lease or lost queue entry",
		map[string]string{"previous_queue_handle": prevHandle})
	if err != nil {
		return err
	}

	metrics.JobsRecoveredTotal.WithLabelValues(string(job.Status)).Inc()

	if updated.NextRetryAt == nil {
		return nil
	}

	var handle string
	if updated.NextRetryAt.After(time.Now()) {
		handle, err = m.runtime.Schedule(ctx, m.cfg.Queues.Sync, updated.ID, *updated.NextRetryAt)
	} else {
		handle, err = m.runtime.Enqueue(ctx, m.cfg.Queues.Sync, updated.ID)
	}
	if err != nil {
		return err
	}

	updated.QueueHandle = handle
	return m.store.UpdateSyncJob(ctx, updated)
}

// selectCandidates finds stale-heartbeat jobs in a
// monitored status, plus RETRY-status jobs whose nextRetryAt has
// elapsed.
func (m *Monitor) selectCandidates(ctx context.Context) ([]*types.UserJob, error) {
	active, err := m.store.ListUserJobsByStatus(ctx, monitoredStatuses...)
	if err != nil {
		return nil, err
	}

	var stale []*types.UserJob
	now := time.Now()
	for _, job := range active {
		if job.LastHeartbeat != nil {
			if now.Sub(*job.LastHeartbeat) > m.cfg.StaleJobThreshold {
				stale = append(stale, job)
			}
			continue
		}
		if job.StartedAt != nil && now.Sub(*job.StartedAt) > m.cfg.StaleJobThreshold {
			stale = append(stale, job)
		}
	}

	due, err := m.store.ListDueRetries(ctx, retryStatuses...)
	if err != nil {
		return nil, err
	}

	return append(stale, due...), nil
}

// recoverOne runs the recovery decision for one candidate job.
func (m *Monitor) recoverOne(ctx context.Context, job *types.UserJob) error {
	shouldRecover, err := m.shouldRecover(ctx, job)
	if err != nil {
		return err
	}
	if !shouldRecover {
		return nil
	}

	prevHandle := job.QueueHandle
	if prevHandle != "" {
		_ = m.runtime.Delete(ctx, prevHandle)
	}

	retryStatus, ok := retryStatusFor(job.Status)
	if !ok {
		// Already in a RETRY status (due-retry path); re-transition
		// through the same RETRY status to re-run the backoff/terminal
		// logic in the Job Status Service.
		retryStatus = job.Status
	}

	updated, err := m.status.TransitionJob(ctx, job.ID, retryStatus, types.SourceRecovery,
		"orphan recovery: stale lease or lost queue entry",
		map[string]string{"previous_queue_handle": prevHandle})
	if err != nil {
		return err
	}

	metrics.JobsRecoveredTotal.WithLabelValues(string(job.Status)).Inc()

	if updated.NextRetryAt == nil {
		// Forced terminal failure; nothing left to schedule.
		return nil
	}

	queueName := m.queueFor(updated)
	payload := updated.ID

	var handle string
	if updated.NextRetryAt.After(time.Now()) {
		handle, err = m.runtime.Schedule(ctx, queueName, payload, *updated.NextRetryAt)
	} else {
		handle, err = m.runtime.Enqueue(ctx, queueName, payload)
	}
	if err != nil {
		return err
	}

	updated.QueueHandle = handle
	return m.store.UpdateUserJob(ctx, updated)
}

// shouldRecover consults the queue runtime's
// view of the stored handle before deciding to recover.
func (m *Monitor) shouldRecover(ctx context.Context, job *types.UserJob) (bool, error) {
	return m.shouldRecoverHandle(ctx, job.QueueHandle)
}

func (m *Monitor) shouldRecoverHandle(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return true, nil
	}

	state, err := m.runtime.Inspect(ctx, handle)
	if err != nil {
		return false, err
	}

	switch state {
	case types.QueueStateEnqueued, types.QueueStateScheduled:
		return false, nil
	case types.QueueStateProcessing:
		// Processing but the DB heartbeat is stale: force recovery.
		return true, nil
	case types.QueueStateSucceeded:
		// Runtime says done but our row isn't terminal: reconcile.
		return true, nil
	default: // Failed, Deleted, Unknown
		return true, nil
	}
}

func retryStatusFor(from types.JobStatus) (types.JobStatus, bool) {
	switch from {
	case types.JobStatusDownloading:
		return types.JobStatusTorrentDownloadRetry, true
	case types.JobStatusUploading:
		return types.JobStatusUploadRetry, true
	default:
		return "", false
	}
}
