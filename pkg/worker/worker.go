// Package worker implements the Download, Upload, and Sync Workers
// (C7/C8/C9): the queue-runtime-invoked handlers that drive a job from
// QUEUED through to COMPLETED, each wrapped in the same
// heartbeat-loop/cancel-watcher cooperative-task pair: a per-invocation
// handler the queue runtime calls once per dequeued job.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/pipeline/pkg/cancel"
	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/jobstatus"
	"github.com/cuemby/pipeline/pkg/lease"
	"github.com/cuemby/pipeline/pkg/log"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/stream"
	"github.com/cuemby/pipeline/pkg/workspace"
)

// Deps bundles the collaborators every worker needs. Built once per
// process and shared across Download/Upload/Sync handlers.
type Deps struct {
	Store     storage.Store
	Status    *jobstatus.Service
	Leases    *lease.Service
	Cancels   *cancel.Bus
	Workspace *workspace.Root
	Publisher *stream.Publisher
	Cfg       config.Config
	WorkerID  string
}

// runState reports why runCtx was cancelled, so the caller can tell a
// lost lease apart from a user cancellation or a genuine transfer
// error and skip the usual status transition when the lease is gone:
// another worker already owns the job and will drive its status from
// here.
type runState struct {
	leaseLost atomic.Bool
}

// LeaseLost reports whether the heartbeat loop cancelled runCtx
// because this worker's lease was refused, rather than a cancel
// signal or the work itself finishing.
func (s *runState) LeaseLost() bool { return s.leaseLost.Load() }

// runLoop is the cooperative pair: a
// heartbeat loop that refreshes the lease and the job's lastHeartbeat,
// and a cancel watcher that cancels runCtx if a CancelSignal appears.
// Both exit as soon as runCtx is done.
func runLoop(runCtx context.Context, cancelFn context.CancelFunc, deps *Deps, jobID string, heartbeat func(ctx context.Context) error, logger zerolog.Logger) *runState {
	state := &runState{}
	go heartbeatLoop(runCtx, cancelFn, deps, jobID, heartbeat, logger, state)
	go cancelWatcher(runCtx, cancelFn, deps, jobID, logger)
	return state
}

func heartbeatLoop(ctx context.Context, cancelFn context.CancelFunc, deps *Deps, jobID string, persist func(ctx context.Context) error, logger zerolog.Logger, state *runState) {
	ticker := time.NewTicker(deps.Cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ok, err := deps.Leases.Refresh(ctx, jobID, deps.WorkerID, deps.Cfg.LeaseDuration)
			if err != nil {
				logger.Error().Err(err).Str("job_id", jobID).Msg("lease refresh failed")
				continue
			}
			if !ok {
				logger.Warn().Str("job_id", jobID).Msg("lease lost, stopping work without a status transition")
				state.leaseLost.Store(true)
				cancelFn()
				return
			}
			if err := persist(ctx); err != nil {
				logger.Error().Err(err).Str("job_id", jobID).Msg("heartbeat persist failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func cancelWatcher(ctx context.Context, cancelFn context.CancelFunc, deps *Deps, jobID string, logger zerolog.Logger) {
	ticker := time.NewTicker(deps.Cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cancelled, err := deps.Cancels.IsCancelled(ctx, jobID)
			if err != nil {
				logger.Error().Err(err).Str("job_id", jobID).Msg("cancel poll failed")
				continue
			}
			if cancelled {
				logger.Info().Str("job_id", jobID).Msg("cancel signal observed, stopping")
				cancelFn()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func workerLogger(component string) zerolog.Logger {
	return log.WithComponent(component)
}
