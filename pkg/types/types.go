package types

import "time"

// JobKind distinguishes the two pipeline entry points.
type JobKind string

const (
	JobKindTorrent JobKind = "torrent"
	JobKindSync    JobKind = "sync"
)

// JobStatus is the full set of UserJob states. Terminal states are
// COMPLETED, CANCELLED and any *_FAILED value.
type JobStatus string

const (
	JobStatusQueued               JobStatus = "QUEUED"
	JobStatusDownloading          JobStatus = "DOWNLOADING"
	JobStatusTorrentDownloadRetry JobStatus = "TORRENT_DOWNLOAD_RETRY"
	JobStatusTorrentFailed        JobStatus = "TORRENT_FAILED"
	JobStatusPendingUpload        JobStatus = "PENDING_UPLOAD"
	JobStatusUploading            JobStatus = "UPLOADING"
	JobStatusUploadRetry          JobStatus = "UPLOAD_RETRY"
	JobStatusUploadFailed         JobStatus = "UPLOAD_FAILED"
	JobStatusGoogleDriveFailed    JobStatus = "GOOGLE_DRIVE_FAILED"
	JobStatusCompleted            JobStatus = "COMPLETED"
	JobStatusCancelled            JobStatus = "CANCELLED"
)

// SyncStatus is the state machine for Sync-kind jobs.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "PENDING"
	SyncStatusSyncing   SyncStatus = "SYNCING"
	SyncStatusRetry     SyncStatus = "SYNC_RETRY"
	SyncStatusCompleted SyncStatus = "COMPLETED"
	SyncStatusFailed    SyncStatus = "FAILED"
)

// StorageProvider identifies a user's upload destination.
type StorageProvider string

const (
	StorageProviderGoogleDrive StorageProvider = "google_drive"
	StorageProviderAwsS3       StorageProvider = "aws_s3"
	StorageProviderOneDrive    StorageProvider = "onedrive"
	StorageProviderDropbox     StorageProvider = "dropbox"
)

// TransitionSource records who triggered a status change, for audit.
type TransitionSource string

const (
	SourceWorker   TransitionSource = "worker"
	SourceUser     TransitionSource = "user"
	SourceSystem   TransitionSource = "system"
	SourceRecovery TransitionSource = "recovery"
)

// UploadStatus is the lifecycle of a single UploadProgress row.
type UploadStatus string

const (
	UploadStatusInProgress UploadStatus = "in_progress"
	UploadStatusCompleted  UploadStatus = "completed"
)

// ErrorCode is a closed set of stable error identifiers returned by the
// core as a sum-typed Result.
type ErrorCode string

const (
	ErrInvalidState         ErrorCode = "INVALID_STATE"
	ErrProfileNotFound      ErrorCode = "PROFILE_NOT_FOUND"
	ErrInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	ErrTokenExchangeFailed  ErrorCode = "TOKEN_EXCHANGE_FAILED"
	ErrRedisError           ErrorCode = "REDIS_ERROR"
	ErrUploadFailed         ErrorCode = "UPLOAD_FAILED"
	ErrInvalidTorrent       ErrorCode = "INVALID_TORRENT"
	ErrLeaseLost            ErrorCode = "LEASE_LOST"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrHandlerNotRegistered ErrorCode = "HANDLER_NOT_REGISTERED"
)

// Error is the sum-typed error carried across every component boundary.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

// NewError builds a stable-coded error.
func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// RequestedFile is the parsed content descriptor handed to the core.
// Torrent-file parsing itself is a collaborator, out of scope here.
type RequestedFile struct {
	ID            string
	InfoHashV1    string // 20-byte SHA-1 hex, empty if v2-only
	UploaderID    string
	Name          string
	TotalSize     int64
	Files         []TorrentFileEntry
	SelectedFiles []int // indices into Files chosen for this job
	AnnounceURLs  []string
	BlobURL       string
	CreatedAt     time.Time
}

// TorrentFileEntry is one file inside a multi-file torrent.
type TorrentFileEntry struct {
	Path string
	Size int64
}

// StorageProfile is a user's configured upload destination.
type StorageProfile struct {
	ID                   string
	UserID               string
	Provider             StorageProvider
	EncryptedCredentials []byte
	Email                string
	IsDefault            bool
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UserJob is one execution of the pipeline for one user.
type UserJob struct {
	ID               string
	UserID           string
	StorageProfileID string
	Kind             JobKind
	Status           JobStatus
	RequestedFileID  string
	BytesDownloaded  int64
	TotalBytes       int64
	LocalPath        string
	QueueHandle      string
	CurrentState     string // human-readable progress message
	ErrorMessage     string
	RetryCount       int
	NextRetryAt      *time.Time
	LastHeartbeat    *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	IsRefunded       bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SyncJob mirrors UserJob for the deferred-sync variant.
type SyncJob struct {
	ID               string
	UserID           string
	StorageProfileID string
	SourcePath       string
	Status           SyncStatus
	BytesUploaded    int64
	TotalBytes       int64
	QueueHandle      string
	ErrorMessage     string
	RetryCount       int
	NextRetryAt      *time.Time
	LastHeartbeat    *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PartRecord is one accepted multipart-upload piece.
type PartRecord struct {
	PartNumber int
	Validator  string // provider etag, empty for session-offset providers
}

// UploadProgress is the resume checkpoint for one file within a job.
type UploadProgress struct {
	ID            string
	JobID         string
	RemoteKey     string
	SessionID     string // provider upload id / resumable session URI
	PartSize      int64
	TotalParts    int
	Parts         []PartRecord // strictly sorted by PartNumber
	BytesUploaded int64
	Status        UploadStatus
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// StatusHistory is an append-only audit row for a UserJob or SyncJob.
type StatusHistory struct {
	ID        string
	TargetID  string
	FromStatus string // empty for the first row
	ToStatus  string
	Source    TransitionSource
	Error     string
	Metadata  map[string]string
	ChangedAt time.Time
}

// Lease is the ephemeral KV-backed single-writer permission over a job.
type Lease struct {
	JobID     string
	OwnerID   string
	ExpiresAt time.Time
}

// CancelSignal is the ephemeral cross-process "please stop" marker.
type CancelSignal struct {
	JobID       string
	RequestedAt time.Time
}

// WorkerIdentity names a worker process for lease ownership and logging.
type WorkerIdentity struct {
	ID        string
	Hostname  string
	StartedAt time.Time
}

// ProgressEvent is published on the KV store's live-progress stream
// (jobs:stream / uploads:{provider}:stream); fan-out only, not authoritative.
type ProgressEvent struct {
	JobID     string
	Status    string
	Bytes     int64
	Total     int64
	Message   string
	Timestamp time.Time
}

// ScrapeResult is one tracker's response to a scrape query.
type ScrapeResult struct {
	TrackerURL string
	Seeders    int
	Leechers   int
	Completed  int
	Err        error
}

// ScrapeAggregate is the combined view across all queried trackers.
type ScrapeAggregate struct {
	InfoHashV1      string
	Seeders         int
	Leechers        int
	Completed       int
	TrackersSuccess int
	TrackersTotal   int
}

// HealthMeasurements is the pure-function output of the health evaluator.
type HealthMeasurements struct {
	SeederRatio float64
	IsComplete  bool
	IsDead      bool
	IsWeak      bool
	IsHealthy   bool
	HealthScore int
}

// QueueState mirrors the queue runtime's view of a dispatched item.
type QueueState string

const (
	QueueStateEnqueued   QueueState = "enqueued"
	QueueStateScheduled  QueueState = "scheduled"
	QueueStateProcessing QueueState = "processing"
	QueueStateSucceeded  QueueState = "succeeded"
	QueueStateFailed     QueueState = "failed"
	QueueStateDeleted    QueueState = "deleted"
	QueueStateUnknown    QueueState = "unknown"
)

// LeaseResult is the outcome of a TryAcquire call.
type LeaseResult string

const (
	LeaseAcquired     LeaseResult = "Acquired"
	LeaseAlreadyOwned LeaseResult = "AlreadyOwned"
	LeaseNotFound     LeaseResult = "NotFound"
	LeaseContended    LeaseResult = "Contended"
)
