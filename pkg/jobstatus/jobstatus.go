// Package jobstatus implements the Job Status Service, the sole
// authority allowed to write a UserJob's or SyncJob's status field. Every
// transition is atomic: it reads the current status inside a
// serializable transaction, validates it against the state machine,
// appends a history row, and writes the new status in the same
// transaction (pkg/storage.Store.WithTx, using the row-level
// exclusive lock a multi-writer worker fleet needs to avoid racing
// on the same job).
package jobstatus

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cuemby/pipeline/pkg/metrics"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/types"
	"github.com/google/uuid"
)

const (
	maxRetryCount = 5
	baseBackoff   = 30 * time.Second
	maxBackoff    = 30 * time.Minute
)

var userJobTransitions = map[types.JobStatus]map[types.JobStatus]bool{
	types.JobStatusQueued: {
		types.JobStatusDownloading: true,
		types.JobStatusCancelled:   true,
	},
	types.JobStatusDownloading: {
		types.JobStatusPendingUpload:        true,
		types.JobStatusTorrentDownloadRetry: true,
		types.JobStatusTorrentFailed:        true,
		types.JobStatusCancelled:            true,
	},
	types.JobStatusTorrentDownloadRetry: {
		types.JobStatusDownloading:   true,
		types.JobStatusTorrentFailed: true,
	},
	types.JobStatusPendingUpload: {
		types.JobStatusUploading: true,
		types.JobStatusCancelled: true,
	},
	types.JobStatusUploading: {
		types.JobStatusCompleted:         true,
		types.JobStatusUploadRetry:       true,
		types.JobStatusUploadFailed:      true,
		types.JobStatusGoogleDriveFailed: true,
		types.JobStatusCancelled:         true,
	},
	types.JobStatusUploadRetry: {
		types.JobStatusUploading:    true,
		types.JobStatusUploadFailed: true,
	},
}

// retryTerminal names the forced-terminal status for a RETRY status once
// its 6th attempt would be scheduled.
var retryTerminal = map[types.JobStatus]types.JobStatus{
	types.JobStatusTorrentDownloadRetry: types.JobStatusTorrentFailed,
	types.JobStatusUploadRetry:          types.JobStatusUploadFailed,
}

var syncTransitions = map[types.SyncStatus]map[types.SyncStatus]bool{
	types.SyncStatusPending: {types.SyncStatusSyncing: true},
	types.SyncStatusSyncing: {
		types.SyncStatusCompleted: true,
		types.SyncStatusRetry:     true,
		types.SyncStatusFailed:    true,
	},
	types.SyncStatusRetry: {
		types.SyncStatusSyncing: true,
		types.SyncStatusFailed:  true,
	},
}

func isTerminalJobStatus(s types.JobStatus) bool {
	switch s {
	case types.JobStatusCompleted, types.JobStatusCancelled, types.JobStatusTorrentFailed,
		types.JobStatusUploadFailed, types.JobStatusGoogleDriveFailed:
		return true
	}
	return false
}

func isRetryJobStatus(s types.JobStatus) bool {
	return s == types.JobStatusTorrentDownloadRetry || s == types.JobStatusUploadRetry
}

func isTerminalSyncStatus(s types.SyncStatus) bool {
	return s == types.SyncStatusCompleted || s == types.SyncStatusFailed
}

// backoff returns the delay before the attempt numbered retryCount
// (1-indexed): min(30 min, 30 s * 2^(retryCount-1)).
func backoff(retryCount int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(retryCount-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Service is the Job Status Service.
type Service struct {
	store storage.Store
}

func New(store storage.Store) *Service {
	return &Service{store: store}
}

// TransitionJob moves a UserJob to `to`, rejecting anything the state
// machine doesn't allow. A transition into a RETRY status bumps
// retryCount and sets nextRetryAt via exponential backoff; once
// retryCount would exceed 5, the transition is silently upgraded to the
// RETRY status's forced terminal failure instead.
func (s *Service) TransitionJob(ctx context.Context, jobID string, to types.JobStatus, source types.TransitionSource, errMsg string, metadata map[string]string) (*types.UserJob, error) {
	var result *types.UserJob
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := tx.GetUserJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}

		from := job.Status
		if isTerminalJobStatus(from) {
			metrics.JobTransitionRejectedTotal.WithLabelValues(string(from), string(to)).Inc()
			return types.NewError(types.ErrInvalidState, fmt.Sprintf("job %s: status %s is terminal", jobID, from))
		}
		// Recovery re-enters a due RETRY status to re-run the backoff and
		// retry-cap logic below.
		recoveryRetry := from == to && isRetryJobStatus(to) && source == types.SourceRecovery
		if !userJobTransitions[from][to] && !recoveryRetry {
			metrics.JobTransitionRejectedTotal.WithLabelValues(string(from), string(to)).Inc()
			return types.NewError(types.ErrInvalidState, fmt.Sprintf("job %s: %s -> %s not allowed", jobID, from, to))
		}

		now := time.Now()
		job.ErrorMessage = errMsg

		if isRetryJobStatus(to) {
			job.RetryCount++
			if job.RetryCount > maxRetryCount {
				to = retryTerminal[to]
				job.CompletedAt = &now
				job.NextRetryAt = nil
			} else {
				next := now.Add(backoff(job.RetryCount))
				job.NextRetryAt = &next
			}
		} else if isTerminalJobStatus(to) {
			job.CompletedAt = &now
			job.NextRetryAt = nil
		}

		job.Status = to
		if err := tx.UpdateUserJob(ctx, job); err != nil {
			return err
		}

		meta := metadata
		if meta == nil {
			meta = map[string]string{}
		}
		if err := tx.AppendStatusHistory(ctx, &types.StatusHistory{
			ID: uuid.NewString(), TargetID: jobID, FromStatus: string(from), ToStatus: string(to),
			Source: source, Error: errMsg, Metadata: meta, ChangedAt: now,
		}); err != nil {
			return err
		}

		metrics.JobTransitionsTotal.WithLabelValues(string(to), string(source)).Inc()
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionSync mirrors TransitionJob for SyncJob's simpler state machine.
func (s *Service) TransitionSync(ctx context.Context, syncID string, to types.SyncStatus, source types.TransitionSource, errMsg string, metadata map[string]string) (*types.SyncJob, error) {
	var result *types.SyncJob
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		job, err := tx.GetSyncJobForUpdate(ctx, syncID)
		if err != nil {
			return err
		}

		from := job.Status
		if isTerminalSyncStatus(from) {
			metrics.JobTransitionRejectedTotal.WithLabelValues(string(from), string(to)).Inc()
			return types.NewError(types.ErrInvalidState, fmt.Sprintf("sync %s: status %s is terminal", syncID, from))
		}
		// Recovery re-enters a due SYNC_RETRY the same way.
		recoveryRetry := from == to && to == types.SyncStatusRetry && source == types.SourceRecovery
		if !syncTransitions[from][to] && !recoveryRetry {
			metrics.JobTransitionRejectedTotal.WithLabelValues(string(from), string(to)).Inc()
			return types.NewError(types.ErrInvalidState, fmt.Sprintf("sync %s: %s -> %s not allowed", syncID, from, to))
		}

		now := time.Now()
		job.ErrorMessage = errMsg

		if to == types.SyncStatusRetry {
			job.RetryCount++
			if job.RetryCount > maxRetryCount {
				to = types.SyncStatusFailed
				job.CompletedAt = &now
				job.NextRetryAt = nil
			} else {
				next := now.Add(backoff(job.RetryCount))
				job.NextRetryAt = &next
			}
		} else if isTerminalSyncStatus(to) {
			job.CompletedAt = &now
			job.NextRetryAt = nil
		}

		job.Status = to
		if err := tx.UpdateSyncJob(ctx, job); err != nil {
			return err
		}

		meta := metadata
		if meta == nil {
			meta = map[string]string{}
		}
		if err := tx.AppendStatusHistory(ctx, &types.StatusHistory{
			ID: uuid.NewString(), TargetID: syncID, FromStatus: string(from), ToStatus: string(to),
			Source: source, Error: errMsg, Metadata: meta, ChangedAt: now,
		}); err != nil {
			return err
		}

		metrics.JobTransitionsTotal.WithLabelValues(string(to), string(source)).Inc()
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
