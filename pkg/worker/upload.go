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

	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/security"
	"github.com/cuemby/pipeline/pkg/types"
)

// ErrUploadSessionExpired is returned (wrapped) by ResumeOffset or
// UploadPart when the provider has forgotten the multipart/resumable
// session (an S3 NoSuchUpload, or Drive reporting the session URI
// gone). It is not a transient failure: the correct reaction is to
// drop the UploadProgress checkpoint and open a fresh session, not to
// burn one of the job's retries.
var ErrUploadSessionExpired = errors.New("upload session expired")

// UploadTarget abstracts a resumable transfer to one storage provider,
// unifying S3's part/ETag multipart model and Google Drive's
// session/byte-range model behind one chunked-upload
// shape: open a session, ask it where a previous attempt left off,
// push the next chunk, and finalize.
type UploadTarget interface {
	Provider() types.StorageProvider
	PartSize(cfg config.Config) int64

	// Exists reports whether remoteKey is already present at the
	// provider with exactly totalSize bytes, so a job whose
	// UploadProgress checkpoint was lost (or never written) doesn't
	// re-upload a file a prior attempt already finished.
	Exists(ctx context.Context, creds any, remoteKey string, totalSize int64) (bool, error)

	// OpenSession starts a new upload of totalSize bytes to remoteKey
	// and returns a provider session identifier (S3 UploadId, or the
	// Drive resumable session URI).
	OpenSession(ctx context.Context, creds any, remoteKey string, totalSize int64) (sessionID string, err error)

	// ResumeOffset asks the provider how many bytes of a previously
	// opened session it has already accepted, so a crash mid-upload
	// never re-sends an accepted chunk (resumable uploads are
	// idempotent). Returns an error wrapping ErrUploadSessionExpired
	// if the provider no longer knows about sessionID.
	ResumeOffset(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64) (bytesUploaded int64, parts []types.PartRecord, err error)

	// UploadPart pushes one chunk at the given byte offset. Returns an
	// error wrapping ErrUploadSessionExpired if the provider no longer
	// knows about sessionID.
	UploadPart(ctx context.Context, creds any, remoteKey, sessionID string, partNumber int, offset, totalSize int64, chunk []byte) (types.PartRecord, error)

	// Complete finalizes the session once every byte has been accepted.
	Complete(ctx context.Context, creds any, remoteKey, sessionID string, totalSize int64, parts []types.PartRecord) error
}

// UploadWorker is the Upload Worker: invoked by the queue runtime
// with a jobId, it resumes the transfer of every selected file to the
// job's storage profile's provider, checkpointing each file's progress
// in UploadProgress so a crash never restarts a file from zero.
type UploadWorker struct {
	deps     *Deps
	security *security.Manager
	targets  map[types.StorageProvider]UploadTarget
	logger   zerolog.Logger
}

func NewUploadWorker(deps *Deps, mgr *security.Manager, targets ...UploadTarget) *UploadWorker {
	m := make(map[types.StorageProvider]UploadTarget, len(targets))
	for _, t := range targets {
		m[t.Provider()] = t
	}
	return &UploadWorker{deps: deps, security: mgr, targets: m, logger: workerLogger("upload-worker")}
}

// Handle implements queue.HandlerFunc: payload is the UserJob id.
func (w *UploadWorker) Handle(ctx context.Context, jobID string) error {
	job, err := w.deps.Store.GetUserJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if isTerminal(job.Status) {
		w.logger.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job already terminal, skipping")
		return nil
	}

	result, err := w.deps.Leases.TryAcquire(ctx, jobID, w.deps.WorkerID, w.deps.Cfg.LeaseDuration)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if result == types.LeaseAlreadyOwned || result == types.LeaseContended {
		w.logger.Info().Str("job_id", jobID).Str("lease_result", string(result)).Msg("not the lease owner, returning quietly")
		return nil
	}
	defer func() {
		if err := w.deps.Leases.Release(ctx, jobID, w.deps.WorkerID); err != nil {
			w.logger.Error().Err(err).Str("job_id", jobID).Msg("lease release failed")
		}
	}()

	if job.Status == types.JobStatusPendingUpload || job.Status == types.JobStatusUploadRetry {
		job, err = w.deps.Status.TransitionJob(ctx, jobID, types.JobStatusUploading, types.SourceWorker, "", nil)
		if err != nil {
			return fmt.Errorf("transition to uploading: %w", err)
		}
	}

	profile, err := w.deps.Store.GetStorageProfile(ctx, job.StorageProfileID)
	if err != nil {
		return fmt.Errorf("load storage profile %s: %w", job.StorageProfileID, err)
	}
	target, ok := w.targets[profile.Provider]
	if !ok {
		return w.handleFailure(ctx, job, profile, fmt.Errorf("no upload target registered for provider %s", profile.Provider))
	}

	creds, err := w.decryptCredentials(profile)
	if err != nil {
		return w.handleFailure(ctx, job, profile, fmt.Errorf("decrypt credentials: %w", err))
	}

	file, err := w.deps.Store.GetRequestedFile(ctx, job.RequestedFileID)
	if err != nil {
		return fmt.Errorf("load requested file %s: %w", job.RequestedFileID, err)
	}
	entries := selectedEntries(file)

	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	persistHeartbeat := func(ctx context.Context) error {
		now := time.Now()
		job.LastHeartbeat = &now
		return w.deps.Store.UpdateUserJob(ctx, job)
	}
	state := runLoop(runCtx, cancelFn, w.deps, jobID, persistHeartbeat, w.logger)

	localRoot := w.deps.Workspace.Path(jobID)
	uploadErr := w.uploadAll(runCtx, job, profile, target, creds, localRoot, entries)

	if state.LeaseLost() {
		w.logger.Warn().Str("job_id", jobID).Msg("lease lost mid-upload, leaving status for the new owner")
		return nil
	}

	cancelled, cerr := w.deps.Cancels.IsCancelled(ctx, jobID)
	if cerr == nil && cancelled {
		if _, err := w.deps.Status.TransitionJob(ctx, jobID, types.JobStatusCancelled, types.SourceUser, "", nil); err != nil {
			return fmt.Errorf("transition to cancelled: %w", err)
		}
		return w.deps.Cancels.Clear(ctx, jobID)
	}

	if uploadErr != nil {
		return w.handleFailure(ctx, job, profile, uploadErr)
	}

	_, err = w.deps.Status.TransitionJob(ctx, jobID, types.JobStatusCompleted, types.SourceWorker, "", nil)
	if err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}
	return nil
}

// uploadAll transfers every selected file, publishing cumulative
// progress across the whole job.
func (w *UploadWorker) uploadAll(ctx context.Context, job *types.UserJob, profile *types.StorageProfile, target UploadTarget, creds any, localRoot string, entries []types.TorrentFileEntry) error {
	var totalJobSize, doneJobSize int64
	for _, e := range entries {
		totalJobSize += e.Size
	}

	for _, e := range entries {
		localPath := filepath.Join(localRoot, e.Path)
		uploaded, err := w.uploadFile(ctx, job, profile, target, creds, localPath, e.Path, e.Size, doneJobSize, totalJobSize)
		doneJobSize += uploaded
		if err != nil {
			return err
		}
	}
	return nil
}

// uploadFile resumes (or starts) one file's transfer against its
// UploadProgress checkpoint row.
func (w *UploadWorker) uploadFile(ctx context.Context, job *types.UserJob, profile *types.StorageProfile, target UploadTarget, creds any, localPath, remoteKey string, totalSize, priorJobBytes, totalJobBytes int64) (int64, error) {
	progress, err := w.deps.Store.GetUploadProgress(ctx, job.ID, remoteKey)
	if err != nil {
		return 0, fmt.Errorf("load upload progress %s/%s: %w", job.ID, remoteKey, err)
	}

	if progress != nil && progress.Status == types.UploadStatusCompleted {
		return progress.BytesUploaded, nil
	}

	if progress == nil {
		exists, err := target.Exists(ctx, creds, remoteKey, totalSize)
		if err != nil {
			return 0, fmt.Errorf("check remote object %s: %w", remoteKey, err)
		}
		if exists {
			progress, err = w.recordAlreadyUploaded(ctx, job.ID, remoteKey, totalSize)
			if err != nil {
				return 0, err
			}
			return progress.BytesUploaded, nil
		}

		progress, err = w.openUploadProgress(ctx, job.ID, target, creds, remoteKey, totalSize)
		if err != nil {
			return 0, err
		}
	} else {
		bytesUploaded, parts, resumeErr := target.ResumeOffset(ctx, creds, remoteKey, progress.SessionID, totalSize)
		if resumeErr != nil {
			if !errors.Is(resumeErr, ErrUploadSessionExpired) {
				return 0, fmt.Errorf("resume upload session %s: %w", remoteKey, resumeErr)
			}
			w.logger.Warn().Str("job_id", job.ID).Str("remote_key", remoteKey).Msg("upload session expired, restarting from part 1 using local data")
			progress, err = w.restartUploadProgress(ctx, progress, target, creds, remoteKey, totalSize)
			if err != nil {
				return 0, err
			}
		} else {
			progress.BytesUploaded = bytesUploaded
			progress.Parts = parts
			if err := w.deps.Store.UpdateUploadProgress(ctx, progress); err != nil {
				return 0, fmt.Errorf("persist resumed progress %s: %w", remoteKey, err)
			}
		}
	}

	return w.sendChunks(ctx, job, profile, target, creds, localPath, remoteKey, totalSize, priorJobBytes, totalJobBytes, progress)
}

// openUploadProgress opens a brand new session and persists its
// checkpoint row.
func (w *UploadWorker) openUploadProgress(ctx context.Context, jobID string, target UploadTarget, creds any, remoteKey string, totalSize int64) (*types.UploadProgress, error) {
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

// restartUploadProgress drops an expired checkpoint and opens a fresh
// session starting from part 1; the caller re-sends local file data
// already on disk rather than re-fetching anything.
func (w *UploadWorker) restartUploadProgress(ctx context.Context, expired *types.UploadProgress, target UploadTarget, creds any, remoteKey string, totalSize int64) (*types.UploadProgress, error) {
	if err := w.deps.Store.DeleteUploadProgress(ctx, expired.ID); err != nil {
		return nil, fmt.Errorf("drop expired upload progress %s: %w", remoteKey, err)
	}
	return w.openUploadProgress(ctx, expired.JobID, target, creds, remoteKey, totalSize)
}

// recordAlreadyUploaded persists a completed checkpoint for a file the
// provider already holds in full, without opening a session.
func (w *UploadWorker) recordAlreadyUploaded(ctx context.Context, jobID, remoteKey string, totalSize int64) (*types.UploadProgress, error) {
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

// sendChunks drives the chunk-upload loop for one file against an
// already-opened (or resumed) progress checkpoint. A session-expired
// error mid-loop is handled the same way as one hit during resume: the
// checkpoint is dropped, a fresh session opened, and the remaining
// local data re-sent from part 1 — at most once per call, to bound a
// provider that keeps expiring sessions immediately.
func (w *UploadWorker) sendChunks(ctx context.Context, job *types.UserJob, profile *types.StorageProfile, target UploadTarget, creds any, localPath, remoteKey string, totalSize, priorJobBytes, totalJobBytes int64, progress *types.UploadProgress) (int64, error) {
	restarted := false

	for {
		uploaded, err := w.uploadChunks(ctx, job, profile, target, creds, localPath, remoteKey, totalSize, priorJobBytes, totalJobBytes, progress)
		if err == nil {
			return uploaded, nil
		}
		if !errors.Is(err, ErrUploadSessionExpired) || restarted {
			return uploaded, err
		}
		restarted = true
		w.logger.Warn().Str("job_id", job.ID).Str("remote_key", remoteKey).Msg("upload session expired mid-transfer, restarting from part 1 using local data")
		progress, err = w.restartUploadProgress(ctx, progress, target, creds, remoteKey, totalSize)
		if err != nil {
			return 0, err
		}
	}
}

func (w *UploadWorker) uploadChunks(ctx context.Context, job *types.UserJob, profile *types.StorageProfile, target UploadTarget, creds any, localPath, remoteKey string, totalSize, priorJobBytes, totalJobBytes int64, progress *types.UploadProgress) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return progress.BytesUploaded, fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer f.Close()

	if progress.BytesUploaded > 0 {
		if _, err := f.Seek(progress.BytesUploaded, io.SeekStart); err != nil {
			return progress.BytesUploaded, fmt.Errorf("seek local file %s: %w", localPath, err)
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
			return progress.BytesUploaded, ctx.Err()
		default:
		}

		n, readErr := io.ReadFull(f, buf)
		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			if n == 0 && readErr == io.EOF {
				break
			}
		} else if readErr != nil {
			return progress.BytesUploaded, fmt.Errorf("read local file %s: %w", localPath, readErr)
		}

		partNumber := len(progress.Parts) + 1
		rec, err := target.UploadPart(ctx, creds, remoteKey, progress.SessionID, partNumber, progress.BytesUploaded, totalSize, buf[:n])
		if err != nil {
			if errors.Is(err, ErrUploadSessionExpired) {
				return progress.BytesUploaded, err
			}
			return progress.BytesUploaded, fmt.Errorf("upload part %d of %s: %w", partNumber, remoteKey, err)
		}
		progress.Parts = append(progress.Parts, rec)
		progress.BytesUploaded += int64(n)
		if err := w.deps.Store.UpdateUploadProgress(ctx, progress); err != nil {
			w.logger.Error().Err(err).Str("job_id", job.ID).Str("remote_key", remoteKey).Msg("progress persist failed")
		}

		if time.Since(lastPublish) >= w.deps.Cfg.ProgressUpdateInterval {
			lastPublish = time.Now()
			_ = w.deps.Publisher.PublishUploadProgress(ctx, profile.Provider, types.ProgressEvent{
				JobID: job.ID, Status: string(types.JobStatusUploading),
				Bytes: priorJobBytes + progress.BytesUploaded, Total: totalJobBytes,
			})
		}
	}

	if err := target.Complete(ctx, creds, remoteKey, progress.SessionID, totalSize, progress.Parts); err != nil {
		return progress.BytesUploaded, fmt.Errorf("complete upload %s: %w", remoteKey, err)
	}

	now := time.Now()
	progress.Status = types.UploadStatusCompleted
	progress.CompletedAt = &now
	if err := w.deps.Store.UpdateUploadProgress(ctx, progress); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Str("remote_key", remoteKey).Msg("completion persist failed")
	}
	return progress.BytesUploaded, nil
}

func (w *UploadWorker) decryptCredentials(profile *types.StorageProfile) (any, error) {
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

// handleFailure transitions the job into its upload-retry status
// (which the Job Status Service auto-upgrades to a terminal failure
// once the retry cap is exceeded).
func (w *UploadWorker) handleFailure(ctx context.Context, job *types.UserJob, profile *types.StorageProfile, cause error) error {
	if _, err := w.deps.Status.TransitionJob(ctx, job.ID, types.JobStatusUploadRetry, types.SourceWorker, cause.Error(), nil); err != nil {
		return fmt.Errorf("transition to upload retry: %w", err)
	}
	return nil
}

// selectedEntries resolves a RequestedFile's SelectedFiles indices
// (or every file, if none were selected) into file-entry descriptors.
func selectedEntries(file *types.RequestedFile) []types.TorrentFileEntry {
	if len(file.SelectedFiles) == 0 {
		return file.Files
	}
	entries := make([]types.TorrentFileEntry, 0, len(file.SelectedFiles))
	for _, idx := range file.SelectedFiles {
		if idx >= 0 && idx < len(file.Files) {
			entries = append(entries, file.Files[idx])
		}
	}
	return entries
}
