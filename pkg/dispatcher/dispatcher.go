package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/jobstatus"
	"github.com/cuemby/pipeline/pkg/log"
	"github.com/cuemby/pipeline/pkg/queue"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/types"
)

// ProviderHandler enqueues a dispatched job's payload onto the queue
// appropriate for its storage provider. Providers register themselves
// at startup; a missing handler is a hard error rather than a runtime
// branch (a "handler registry").
type ProviderHandler interface {
	Queue() string
	Payload(job *types.UserJob) (string, error)
}

// Dispatcher creates the UserJob row, picks the right storage-provider
// and job-type handler, and enqueues it on the correct named queue: a
// one-shot dispatch call made by the caller, not a polling loop.
type Dispatcher struct {
	store    storage.Store
	status   *jobstatus.Service
	runtime  *queue.Runtime
	cfg      config.Config
	logger   zerolog.Logger
	handlers map[types.StorageProvider]ProviderHandler
}

func New(store storage.Store, status *jobstatus.Service, runtime *queue.Runtime, cfg config.Config) *Dispatcher {
	return &Dispatcher{
		store:    store,
		status:   status,
		runtime:  runtime,
		cfg:      cfg,
		logger:   log.WithComponent("dispatcher"),
		handlers: map[types.StorageProvider]ProviderHandler{},
	}
}

// RegisterProvider wires a storage provider's queue/payload handler.
func (d *Dispatcher) RegisterProvider(provider types.StorageProvider, handler ProviderHandler) {
	d.handlers[provider] = handler
}

// Dispatch creates a UserJob row in QUEUED and enqueues it on the entry
// queue for its kind (see entryQueue).
func (d *Dispatcher) Dispatch(ctx context.Context, userID, requestedFileID string, kind types.JobKind, profile *types.StorageProfile) (*types.UserJob, error) {
	if !profile.IsActive {
		return nil, types.NewError(types.ErrProfileNotFound, "storage profile is not active: "+profile.ID)
	}

	if _, ok := d.handlers[profile.Provider]; !ok {
		return nil, types.NewError(types.ErrHandlerNotRegistered, "no handler registered for provider "+string(profile.Provider))
	}

	existing, err := d.store.FindActiveUserJob(ctx, userID, requestedFileID, profile.ID)
	if err != nil {
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if existing != nil {
		d.logger.Info().Str("job_id", existing.ID).Msg("coalescing duplicate dispatch onto existing active job")
		return existing, nil
	}

	job := &types.UserJob{
		ID:               uuid.NewString(),
		UserID:           userID,
		StorageProfileID: profile.ID,
		Kind:             kind,
		Status:           types.JobStatusQueued,
		RequestedFileID:  requestedFileID,
	}
	if err := d.store.CreateUserJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create user job: %w", err)
	}

	queueName := d.entryQueue(kind)
	handle, err := d.runtime.Enqueue(ctx, queueName, job.ID)
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	job.QueueHandle = handle
	if err := d.store.UpdateUserJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist queue handle: %w", err)
	}

	d.logger.Info().Str("job_id", job.ID).Str("queue", queueName).Msg("dispatched job")
	return job, nil
}

// entryQueue picks the initial queue by job kind: torrent downloads
// always enter on "torrents", deferred syncs on "sync", regardless of
// the eventual upload provider.
func (d *Dispatcher) entryQueue(kind types.JobKind) string {
	if kind == types.JobKindSync {
		return d.cfg.Queues.Sync
	}
	return d.cfg.Queues.Torrents
}

// DispatchUpload enqueues the upload step for a job that has finished
// downloading (status PENDING_UPLOAD), onto the provider-specific
// queue named by its storage profile.
func (d *Dispatcher) DispatchUpload(ctx context.Context, job *types.UserJob, profile *types.StorageProfile) error {
	handler, ok := d.handlers[profile.Provider]
	if !ok {
		return types.NewError(types.ErrHandlerNotRegistered, "no handler registered for provider "+string(profile.Provider))
	}

	payload, err := handler.Payload(job)
	if err != nil {
		return fmt.Errorf("build upload payload: %w", err)
	}

	handle, err := d.runtime.Enqueue(ctx, handler.Queue(), payload)
	if err != nil {
		return fmt.Errorf("enqueue upload %s: %w", job.ID, err)
	}

	job.QueueHandle = handle
	return d.store.UpdateUserJob(ctx, job)
}
