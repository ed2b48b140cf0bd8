package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/pipeline/pkg/security"
	"github.com/cuemby/pipeline/pkg/types"
)

// SyncWorker is the Sync Worker: the deferred-upload counterpart
// to UploadWorker. It transfers a SyncJob's SourcePath to its storage
// profile's provider using the same resumable UploadTarget algorithm,
// and is the only caller allowed to remove a job's workspace directory
// once its own transfer reaches COMPLETED.
type SyncWorker struct {
	deps     *Deps
	security *security.Manager
	targets  map[types.StorageProvider]UploadTarget
	logger   zerolog.Logger
}

func NewSyncWorker(deps *Deps, mgr *security.Manager, targets ...UploadTarget) *SyncWorker {
	m := make(map[types.StorageProvider]UploadTarget, len(targets))
	for _, t := range targets {
		m[t.Provider()] = t
	}
	return &SyncWorker{deps: deps, security: mgr, targets: m, logger: workerLogger("sync-worker")}
}

func isTerminalSync(status types.SyncStatus) bool {
	return status == types.SyncStatusCompleted || status == types.SyncStatusFailed
}

// Handle implements queue.HandlerFunc: payload is the SyncJob id.
func (w *SyncWorker) Handle(ctx context.Context, jobID string) error {
	job, err := w.deps.Store.GetSyncJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load sync job %s: %w", jobID, err)
	}
	if isTerminalSync(job.Status) {
		w.logger.Info().Str("sync_id", jobID).Str("status", string(job.Status)).Msg("sync already terminal, skipping")
		return nil
	}

	result, err := w.deps.Leases.TryAcquire(ctx, jobID, w.deps.WorkerID, w.deps.Cfg.LeaseDuration)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if result == types.LeaseAlreadyOwned || result == types.LeaseContended {
		w.logger.Info().Str("sync_id", jobID).Str("lease_result", string(result)).Msg("not the lease owner, returning quietly")
		return nil
	}
	defer func() {
		if err := w.deps.Leases.Release(ctx, jobID, w.deps.WorkerID); err != nil {
			w.logger.Error().Err(err).Str("sync_id", jobID).Msg("lease release failed")
		}
	}()

	if job.Status == types.SyncStatusPending || job.Status == types.SyncStatusRetry {
		job, err = w.deps.Status.TransitionSync(ctx, jobID, types.SyncStatusSyncing, types.SourceWorker, "", nil)
		if err != nil {
			return fmt.Errorf("transition to syncing: %w", err)
		}
	}

	profile, err := w.deps.Store.GetStorageProfile(ctx, job.StorageProfileID)
	if err != nil {
		return fmt.Errorf("load storage profile %s: %w", job.StorageProfileID, err)
	}
	target, ok := w.targets[profile.Provider]
	if !ok {
		return w.handleFailure(ctx, job, fmt.Errorf("no upload target registered for provider %s", profile.Provider))
	}

	creds, err := w.decryptCredentials(profile)
	if err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("decrypt credentials: %w", err))
	}

	info, err := os.Stat(job.SourcePath)
	if err != nil {
		return w.handleFailure(ctx, job, fmt.Errorf("stat source path %s: %w", job.SourcePath, err))
	}

	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	persistHeartbeat := func(ctx context.Context) error {
		now := time.Now()
		job.LastHeartbeat = &now
		return w.deps.Store.UpdateSyncJob(ctx, job)
	}
	state := runLoop(runCtx, cancelFn, w.deps, jobID, persistHeartbeat, w.logger)

	remoteKey := filepath.Base(job.SourcePath)
	uploadErr := w.uploadSource(runCtx, job, profile, target, creds, remoteKey, info.Size())

	if state.LeaseLost() {
		w.logger.Warn().Str("sync_id", jobID).Msg("lease lost mid-sync, leaving status for the new owner")
		return nil
	}

	cancelled, cerr := w.deps.Cancels.IsCancelled(ctx, jobID)
	if cerr == nil && cancelled {
		return w.deps.Cancels.Clear(ctx, jobID)
	}

	if uploadErr != nil {
		return w.handleFailure(ctx, job, uploadErr)
	}

	if _, err := w.deps.Status.TransitionSync(ctx, jobID, types.SyncStatusCompleted, types.SourceWorker, "", nil); err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}
	if w.deps.Workspace.Exists(jobID) {
		if err := w.deps.Workspace.Remove(jobID); err != nil {
			w.logger.Error().Err(err).Str("sync_id", jobID).Msg("workspace cleanup failed")
		}
	}
	return nil
}

// uploadSource reuses the UploadWorker checkpoint protocol with a
// SyncJob's id standing in for a UserJob id, since UploadProgress rows
// are keyed by (jobID, remoteKey) regardless of job kind.
func (w *SyncWorker) uploadSource(ctx context.Context, job *types.SyncJob, profile *types.StorageProfile, target UploadTarget, creds any, remoteKey string, totalSize int64) error {
	progress, err := w.deps.Store.GetUploadProgress(ctx, job.ID, remoteKey)
	if err != nil {
		return fmt.Errorf("load upload progress %s/%s: %w", job.ID, remoteKey, err)
	}

	if progress != nil && progress.Status == types.UploadStatusCompleted {
		return nil
	}

	if progress == nil {
		exists, err := target.Exists(ctx, creds, remoteKey, totalSize)
		if err != nil {
			return fmt.Errorf("check remote object %s: %w", remoteKey, err)
		}
		if exists {
			_, err := w.recordAlreadyUploaded(ctx, job.ID, remoteKey, totalSize)
			return err
		}

		progress, err = w.openUploadProgress(ctx, job.ID, target, creds, remoteKey, totalSize)
		if err != nil {
			return err
		}
	} else {
		bytesUploaded, parts, resumeErr := target.ResumeOffset(ctx, creds, remoteKey, progress.SessionID, totalSize)
		if resumeErr != nil {
			if !errors.Is(resumeErr, ErrUploadSessionExpired) {
				return fmt.Errorf("resume upload session %s: %w", remoteKey, resumeErr)
			}
			w.logger.Warn().Str("sync_id", job.ID).Str("remote_key", remoteKey).Msg("upload session expired, restarting from part 1 using local data")
			progress, err = w.restartUploadProgress(ctx, progress, target, creds, remoteKey, totalSize)
			if err != nil {
				return err
			}
		} else {
			progress.BytesUploaded = bytesUploaded
			progress.Parts = parts
			if err := w.deps.Store.UpdateUploadProgress(ctx, progress); err != nil {
				return fmt.Errorf("persist resumed progress %s: %w", remoteKey, err)
			}
		}
	}

	return w.sendChunks(ctx, job, profile, target, creds, remoteKey, totalSize, progress)
}

func (w *SyncWorker) openUploadProgress(ctx context.Context, jobID string, target UploadTarget, creds any, remoteKey string, totalSize int64) (*types.UploadProgress, error) {
	sessionID, err := target.OpenSession(ctx, creds, remoteKey, totalSize)
	if err != nil {
		return nil, fmt.Errorf("open upload session %s: %w", remoteKey, err)
	}
	progress := &types.UploadProgress{
		ID:        uuid.NewString(),
		JobID:     jobID,
		RemoteKey: remoteKey,
		SessionID: sessionID,
		PartSize:  target.PartSize(w.deps.Cfg),
		Status:    types.UploadStatusInProgress,
		StartedAt: time.Now(),
	}
	if err := w.deps.Store.CreateUploadProgress(ctx, progress); err != nil {
		return nil, fmt.Errorf("persist upload progress %s: %w", remoteKey, err)
	}
	return progress, nil
}

func (w *SyncWorker) restartUploadProgress(ctx context.Context, expired *types.UploadProgress, target UploadTarget, creds any, remoteKey string, totalSize int64) (*types.UploadProgress, error) {
	if err := w.deps.Store.DeleteUploadProgress(ctx, expired.ID); err != nil {
		return nil, fmt.Errorf("drop expired upload progress %s: %w", remoteKey, err)
	}
	return w.openUploadProgress(ctx, expired.JobID, target, creds, remoteKey, totalSize)
}

func (w *SyncWorker) recordAlreadyUploaded(ctx context.Context, jobID, remoteKey string, totalSize int64) (*types.UploadProgress, error) {
	now := time.Now()
	progress := &types.UploadProgress{
		ID:            uuid.NewString(),
		JobID:         jobID,
		RemoteKey:     remoteKey,
		BytesUploaded: totalSize,
		Status:        types.UploadStatusCompleted,
		StartedAt:     now,
		CompletedAt:   &now,
	}
	if err := w.deps.Store.CreateUploadProgress(ctx, progress); err != nil {
		return nil, fmt.Errorf("persist already-uploaded progress %s: %w", remoteKey, err)
	}
	return progress, nil
}

// sendChunks drives the chunk-upload loop against an already-opened
// checkpoint, restarting from a fresh session at most once if the
// provider expires it mid-transfer.
func (w *SyncWorker) sendChunks(ctx context.Context, job *types.SyncJob, profile *types.StorageProfile, target UploadTarget, creds any, remoteKey string, totalSize int64, progress *types.UploadProgress) error {
	restarted := false

	for {
		err := w.uploadChunks(ctx, job, profile, target, creds, remoteKey, totalSize, progress)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUploadSessionExpired) || restarted {
			return err
		}
		restarted = true
		w.logger.Warn().Str("sync_id", job.ID).Str("remote_key", remoteKey).Msg("upload session expired mid-transfer, restarting from part 1 using local data")
		progress, err = w.restartUploadProgress(ctx, progress, target, creds, remoteKey, totalSize)
		if err != nil {
			return err
		}
	}
}

func (w *SyncWorker) uploadChunks(ctx context.Context, job *types.SyncJob, profile *types.StorageProfile, target UploadTarget, creds any, remoteKey string, totalSize int64, progress *types.UploadProgress) error {
	f, err := os.Open(job.SourcePath)
	if err != nil {
		return fmt.Errorf("open source file %s: %w", job.SourcePath, err)
	}
	defer f.Close()
	if progress.BytesUploaded > 0 {
		if _, err := f.Seek(progress.BytesUploaded, io.SeekStart); err != nil {
			return fmt.Errorf("seek source file %s: %w", job.SourcePath, err)
		}
	}

	chunkSize := progress.PartSize
	if chunkSize <= 0 {
		chunkSize = target.PartSize(w.deps.Cfg)
	}
	buf := make([]byte, chunkSize)
	lastPublish := time.Now().Add(-w.deps.Cfg.ProgressUpdateInterval)

	for progress.BytesUploaded < totalSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := f.Read(buf)
		if n == 0 && err != nil {
			break
		}

		partNumber := len(progress.Parts) + 1
		rec, err := target.UploadPart(ctx, creds, remoteKey, progress.SessionID, partNumber, progress.BytesUploaded, totalSize, buf[:n])
		if err != nil {
			if errors.Is(err, ErrUploadSessionExpired) {
				return err
			}
			return fmt.Errorf("upload part %d of %s: %w", partNumber, remoteKey, err)
		}
		progress.Parts = append(progress.Parts, rec)
		progress.BytesUploaded += int64(n)
		job.BytesUploaded = progress.BytesUploaded
		job.TotalBytes = totalSize
		if err := w.deps.Store.UpdateUploadProgress(ctx, progress); err != nil {
			w.logger.Error().Err(err).Str("sync_id", job.ID).Str("remote_key", remoteKey).Msg("progress persist failed")
		}
		if err := w.deps.Store.UpdateSyncJob(ctx, job); err != nil {
			w.logger.Error().Err(err).Str("sync_id", job.ID).Msg("sync job progress persist failed")
		}

		if time.Since(lastPublish) >= w.deps.Cfg.ProgressUpdateInterval {
			lastPublish = time.Now()
			_ = w.deps.Publisher.PublishUploadProgress(ctx, profile.Provider, types.ProgressEvent{
				JobID: job.ID, Status: string(types.SyncStatusSyncing),
				Bytes: progress.BytesUploaded, Total: totalSize,
			})
		}
	}

	if err := target.Complete(ctx, creds, remoteKey, progress.SessionID, totalSize, progress.Parts); err != nil {
		return fmt.Errorf("complete upload %s: %w", remoteKey, err)
	}
	now := time.Now()
	progress.Status = types.UploadStatusCompleted
	progress.CompletedAt = &now
	return w.deps.Store.UpdateUploadProgress(ctx, progress)
}

func (w *SyncWorker) decryptCredentials(profile *types.StorageProfile) (any, error) {
	switch profile.Provider {
	case types.StorageProviderGoogleDrive:
		var c security.DriveCredentials
		if err := w.security.DecryptJSON(profile.EncryptedCredentials, &c); err != nil {
			return nil, err
		}
		return &c, nil
	default:
		var c security.S3Credentials
		if err := w.security.DecryptJSON(profile.EncryptedCredentials, &c); err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func (w *SyncWorker) handleFailure(ctx context.Context, job *types.SyncJob, cause error) error {
	if _, err := w.deps.Status.TransitionSync(ctx, job.ID, types.SyncStatusRetry, types.SourceWorker, cause.Error(), nil); err != nil {
		return fmt.Errorf("transition to sync retry: %w", err)
	}
	return nil
}
