package storage

import (
	"context"

	"github.com/cuemby/pipeline/pkg/types"
)

// Tx is a transaction-scoped handle into the relational store. The Job
// Status Service (pkg/jobstatus) is the only caller expected to use
// GetUserJobForUpdate / GetSyncJobForUpdate: that row-level exclusive lock
// is what makes a Transition atomic against a concurrent lease holder.
type Tx interface {
	GetUserJobForUpdate(ctx context.Context, id string) (*types.UserJob, error)
	UpdateUserJob(ctx context.Context, job *types.UserJob) error
	GetSyncJobForUpdate(ctx context.Context, id string) (*types.SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *types.SyncJob) error
	AppendStatusHistory(ctx context.Context, row *types.StatusHistory) error
}

// Store is the relational half of the Durable Store: entities plus
// multi-row transactions and row-level exclusive locks with no-wait
// semantics. The KV half lives in pkg/kv.
type Store interface {
	// UserJob
	CreateUserJob(ctx context.Context, job *types.UserJob) error
	GetUserJob(ctx context.Context, id string) (*types.UserJob, error)
	FindActiveUserJob(ctx context.Context, userID, requestedFileID, storageProfileID string) (*types.UserJob, error)
	ListUserJobsByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error)
	ListDueRetries(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error)
	UpdateUserJob(ctx context.Context, job *types.UserJob) error

	// SyncJob
	CreateSyncJob(ctx context.Context, job *types.SyncJob) error
	GetSyncJob(ctx context.Context, id string) (*types.SyncJob, error)
	ListSyncJobsByStatus(ctx context.Context, statuses ...types.SyncStatus) ([]*types.SyncJob, error)
	UpdateSyncJob(ctx context.Context, job *types.SyncJob) error

	// RequestedFile
	CreateRequestedFile(ctx context.Context, f *types.RequestedFile) error
	GetRequestedFile(ctx context.Context, id string) (*types.RequestedFile, error)
	GetRequestedFileByInfoHash(ctx context.Context, uploaderID, infoHash string) (*types.RequestedFile, error)

	// StorageProfile
	CreateStorageProfile(ctx context.Context, p *types.StorageProfile) error
	GetStorageProfile(ctx context.Context, id string) (*types.StorageProfile, error)
	GetDefaultStorageProfile(ctx context.Context, userID string) (*types.StorageProfile, error)

	// UploadProgress
	CreateUploadProgress(ctx context.Context, up *types.UploadProgress) error
	GetUploadProgress(ctx context.Context, jobID, remoteKey string) (*types.UploadProgress, error)
	UpdateUploadProgress(ctx context.Context, up *types.UploadProgress) error
	DeleteUploadProgress(ctx context.Context, id string) error

	// StatusHistory (read-only outside of a transition transaction)
	ListStatusHistory(ctx context.Context, targetID string) ([]*types.StatusHistory, error)

	// WithTx runs fn inside one serializable transaction. A row locked via
	// GetUserJobForUpdate/GetSyncJobForUpdate blocks other writers until fn
	// returns; fn's error aborts and rolls back the transaction.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}
