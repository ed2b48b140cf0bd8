package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"

	"github.com/cuemby/pipeline/pkg/types"
)

// BlobFetcher retrieves the user-supplied torrent metadata file's raw
// bytes from wherever the collaborator blob store put it. Parsing the
// .torrent file itself is out of this pipeline's scope; the Download
// Worker only needs the bytes to hand to the torrent engine.
type BlobFetcher interface {
	Fetch(ctx context.Context, blobURL string) (io.ReadCloser, error)
}

// HTTPBlobFetcher fetches blobs over a plain HTTPS GET. There is no
// third-party client to ground this on: it is a single-shot stream
// fetch against an arbitrary caller-supplied URL, not a persistent API
// surface, so the standard library's http.Client is the right tool.
type HTTPBlobFetcher struct {
	Client *http.Client
}

func (f HTTPBlobFetcher) Fetch(ctx context.Context, blobURL string) (io.ReadCloser, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetch blob %s: status %d", blobURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// UploadDispatcher hands a job off to the upload queue once its
// download finishes. Implemented by pkg/dispatcher;
// declared here to avoid an import cycle.
type UploadDispatcher interface {
	DispatchUpload(ctx context.Context, job *types.UserJob, profile *types.StorageProfile) error
}

// DownloadWorker is invoked by the queue runtime with a jobId, drives
// the torrent engine to completion, and hands the job to the
// dispatcher for upload.
type DownloadWorker struct {
	deps       *Deps
	dispatcher UploadDispatcher
	blobs      BlobFetcher
	logger     zerolog.Logger
}

func NewDownloadWorker(deps *Deps, dispatcher UploadDispatcher, blobs BlobFetcher) *DownloadWorker {
	return &DownloadWorker{
		deps:       deps,
		dispatcher: dispatcher,
		blobs:      blobs,
		logger:     workerLogger("download-worker"),
	}
}

// Handle implements queue.HandlerFunc: payload is the UserJob id.
func (w *DownloadWorker) Handle(ctx context.Context, jobID string) error {
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

	if job.Status == types.JobStatusQueued || job.Status == types.JobStatusTorrentDownloadRetry {
		job, err = w.deps.Status.TransitionJob(ctx, jobID, types.JobStatusDownloading, types.SourceWorker, "", nil)
		if err != nil {
			return fmt.Errorf("transition to downloading: %w", err)
		}
	}

	file, err := w.deps.Store.GetRequestedFile(ctx, job.RequestedFileID)
	if err != nil {
		return fmt.Errorf("load requested file %s: %w", job.RequestedFileID, err)
	}

	runCtx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	persistHeartbeat := func(ctx context.Context) error {
		now := time.Now()
		job.LastHeartbeat = &now
		return w.deps.Store.UpdateUserJob(ctx, job)
	}
	state := runLoop(runCtx, cancelFn, w.deps, jobID, persistHeartbeat, w.logger)

	err = w.download(runCtx, job, file)

	if state.LeaseLost() {
		w.logger.Warn().Str("job_id", jobID).Msg("lease lost mid-download, leaving status for the new owner")
		return nil
	}

	cancelled, cerr := w.deps.Cancels.IsCancelled(ctx, jobID)
	if cerr == nil && cancelled {
		return w.handleCancellation(ctx, job)
	}

	if err != nil {
		return w.handleFailure(ctx, job, err)
	}

	job, err = w.deps.Status.TransitionJob(ctx, jobID, types.JobStatusPendingUpload, types.SourceWorker, "", nil)
	if err != nil {
		return fmt.Errorf("transition to pending upload: %w", err)
	}

	profile, err := w.deps.Store.GetStorageProfile(ctx, job.StorageProfileID)
	if err != nil {
		return fmt.Errorf("load storage profile %s: %w", job.StorageProfileID, err)
	}
	return w.dispatcher.DispatchUpload(ctx, job, profile)
}

func (w *DownloadWorker) download(ctx context.Context, job *types.UserJob, file *types.RequestedFile) error {
	dir, err := w.deps.Workspace.Dir(job.ID)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}

	body, err := w.blobs.Fetch(ctx, file.BlobURL)
	if err != nil {
		return fmt.Errorf("fetch torrent metadata: %w", err)
	}
	defer body.Close()

	mi, err := metainfo.Load(body)
	if err != nil {
		return fmt.Errorf("parse torrent metadata: %w", err)
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = dir
	client, err := torrent.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("start torrent engine: %w", err)
	}
	defer client.Close()

	t, err := client.AddTorrent(mi)
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}

	select {
	case <-t.GotInfo():
	case <-ctx.Done():
		return ctx.Err()
	}

	selected := map[int]bool{}
	for _, idx := range file.SelectedFiles {
		selected[idx] = true
	}
	for i, f := range t.Files() {
		if len(selected) == 0 || selected[i] {
			f.Download()
		} else {
			f.SetPriority(torrent.PiecePriorityNone)
		}
	}

	progressTicker := time.NewTicker(w.deps.Cfg.ProgressUpdateInterval)
	defer progressTicker.Stop()

	total := t.Info().TotalLength()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-progressTicker.C:
			done := t.BytesCompleted()
			job.BytesDownloaded = done
			job.TotalBytes = total
			if err := w.deps.Store.UpdateUserJob(ctx, job); err != nil {
				w.logger.Error().Err(err).Str("job_id", job.ID).Msg("progress persist failed")
			}
			_ = w.deps.Publisher.PublishJobProgress(ctx, types.ProgressEvent{
				JobID: job.ID, Status: string(types.JobStatusDownloading), Bytes: done, Total: total,
			})
			if done >= total && total > 0 {
				return nil
			}
		}
	}
}

func (w *DownloadWorker) handleCancellation(ctx context.Context, job *types.UserJob) error {
	if _, err := w.deps.Status.TransitionJob(ctx, job.ID, types.JobStatusCancelled, types.SourceUser, "", nil); err != nil {
		return fmt.Errorf("transition to cancelled: %w", err)
	}
	return w.deps.Cancels.Clear(ctx, job.ID)
}

func (w *DownloadWorker) handleFailure(ctx context.Context, job *types.UserJob, cause error) error {
	_, err := w.deps.Status.TransitionJob(ctx, job.ID, types.JobStatusTorrentDownloadRetry, types.SourceWorker, cause.Error(), nil)
	if err != nil {
		return fmt.Errorf("transition to download retry: %w", err)
	}
	return nil
}

func isTerminal(status types.JobStatus) bool {
	switch status {
	case types.JobStatusCompleted, types.JobStatusCancelled, types.JobStatusTorrentFailed,
		types.JobStatusUploadFailed, types.JobStatusGoogleDriveFailed:
		return true
	default:
		return false
	}
}
