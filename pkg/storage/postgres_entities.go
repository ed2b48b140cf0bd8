package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pipeline/pkg/types"
	"github.com/jmoiron/sqlx"
)

func marshalJSON(v any) ([]byte, error) { return json.Marshal(v) }

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

type syncJobRow struct {
	ID               string     `db:"id"`
	UserID           string     `db:"user_id"`
	StorageProfileID string     `db:"storage_profile_id"`
	SourcePath       string     `db:"source_path"`
	Status           string     `db:"status"`
	BytesUploaded    int64      `db:"bytes_uploaded"`
	TotalBytes       int64      `db:"total_bytes"`
	QueueHandle      string     `db:"queue_handle"`
	ErrorMessage     string     `db:"error_message"`
	RetryCount       int        `db:"retry_count"`
	NextRetryAt      *time.Time `db:"next_retry_at"`
	LastHeartbeat    *time.Time `db:"last_heartbeat"`
	StartedAt        *time.Time `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r *syncJobRow) toDomain() *types.SyncJob {
	return &types.SyncJob{
		ID: r.ID, UserID: r.UserID, StorageProfileID: r.StorageProfileID, SourcePath: r.SourcePath,
		Status: types.SyncStatus(r.Status), BytesUploaded: r.BytesUploaded, TotalBytes: r.TotalBytes,
		QueueHandle: r.QueueHandle, ErrorMessage: r.ErrorMessage, RetryCount: r.RetryCount,
		NextRetryAt: r.NextRetryAt, LastHeartbeat: r.LastHeartbeat, StartedAt: r.StartedAt,
		CompletedAt: r.CompletedAt, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func fromSyncJob(j *types.SyncJob) *syncJobRow {
	return &syncJobRow{
		ID: j.ID, UserID: j.UserID, StorageProfileID: j.StorageProfileID, SourcePath: j.SourcePath,
		Status: string(j.Status), BytesUploaded: j.BytesUploaded, TotalBytes: j.TotalBytes,
		QueueHandle: j.QueueHandle, ErrorMessage: j.ErrorMessage, RetryCount: j.RetryCount,
		NextRetryAt: j.NextRetryAt, LastHeartbeat: j.LastHeartbeat, StartedAt: j.StartedAt,
		CompletedAt: j.CompletedAt, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func (s *PostgresStore) CreateSyncJob(ctx context.Context, job *types.SyncJob) error {
	r := fromSyncJob(job)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_jobs (id, user_id, storage_profile_id, source_path, status, bytes_uploaded,
			total_bytes, queue_handle, error_message, retry_count, next_retry_at, last_heartbeat,
			started_at, completed_at, created_at, updated_at)
		VALUES (:id, :user_id, :storage_profile_id, :source_path, :status, :bytes_uploaded,
			:total_bytes, :queue_handle, :error_message, :retry_count, :next_retry_at, :last_heartbeat,
			:started_at, :completed_at, :created_at, :updated_at)`, r)
	if err != nil {
		return fmt.Errorf("create sync job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncJob(ctx context.Context, id string) (*types.SyncJob, error) {
	var r syncJobRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM sync_jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.ErrNotFound, "sync job not found: "+id)
		}
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return r.toDomain(), nil
}

func (s *PostgresStore) ListSyncJobsByStatus(ctx context.Context, statuses ...types.SyncStatus) ([]*types.SyncJob, error) {
	query, args, err := sqlx.In(`SELECT * FROM sync_jobs WHERE status IN (?)`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("build sync status query: %w", err)
	}
	var rows []syncJobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list sync jobs by status: %w", err)
	}
	out := make([]*types.SyncJob, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *PostgresStore) UpdateSyncJob(ctx context.Context, job *types.SyncJob) error {
	r := fromSyncJob(job)
	r.UpdatedAt = time.Now()
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE sync_jobs SET status=:status, bytes_uploaded=:bytes_uploaded, total_bytes=:total_bytes,
			queue_handle=:queue_handle, error_message=:error_message, retry_count=:retry_count,
			next_retry_at=:next_retry_at, last_heartbeat=:last_heartbeat, started_at=:started_at,
			completed_at=:completed_at, updated_at=:updated_at
		WHERE id=:id`, r)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	return nil
}

func (t *pgTx) GetSyncJobForUpdate(ctx context.Context, id string) (*types.SyncJob, error) {
	var r syncJobRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM sync_jobs WHERE id = $1 FOR UPDATE NOWAIT`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.ErrNotFound, "sync job not found: "+id)
		}
		if isLockNotAvailable(err) {
			return nil, types.NewError(types.ErrInvalidState, "sync job row locked by another transaction: "+id)
		}
		return nil, fmt.Errorf("get sync job for update: %w", err)
	}
	return r.toDomain(), nil
}

func (t *pgTx) UpdateSyncJob(ctx context.Context, job *types.SyncJob) error {
	r := fromSyncJob(job)
	r.UpdatedAt = time.Now()
	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE sync_jobs SET status=:status, bytes_uploaded=:bytes_uploaded, total_bytes=:total_bytes,
			queue_handle=:queue_handle, error_message=:error_message, retry_count=:retry_count,
			next_retry_at=:next_retry_at, last_heartbeat=:last_heartbeat, started_at=:started_at,
			completed_at=:completed_at, updated_at=:updated_at
		WHERE id=:id`, r)
	if err != nil {
		return fmt.Errorf("update sync job in tx: %w", err)
	}
	return nil
}

// --- RequestedFile ------------------------------------------------------

type requestedFileRow struct {
	ID            string    `db:"id"`
	InfoHashV1    string    `db:"info_hash_v1"`
	UploaderID    string    `db:"uploader_id"`
	Name          string    `db:"name"`
	TotalSize     int64     `db:"total_size"`
	Files         []byte    `db:"files"` // JSON []TorrentFileEntry
	SelectedFiles []byte    `db:"selected_files"` // JSON []int
	AnnounceURLs  []byte    `db:"announce_urls"` // JSON []string
	BlobURL       string    `db:"blob_url"`
	CreatedAt     time.Time `db:"created_at"`
}

func (s *PostgresStore) CreateRequestedFile(ctx context.Context, f *types.RequestedFile) error {
	files, _ := marshalJSON(f.Files)
	selected, _ := marshalJSON(f.SelectedFiles)
	announce, _ := marshalJSON(f.AnnounceURLs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requested_files (id, info_hash_v1, uploader_id, name, total_size, files,
			selected_files, announce_urls, blob_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		f.ID, f.InfoHashV1, f.UploaderID, f.Name, f.TotalSize, files, selected, announce, f.BlobURL, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create requested file: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequestedFile(ctx context.Context, id string) (*types.RequestedFile, error) {
	var r requestedFileRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM requested_files WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.ErrNotFound, "requested file not found: "+id)
		}
		return nil, fmt.Errorf("get requested file: %w", err)
	}
	return rowToRequestedFile(&r), nil
}

func (s *PostgresStore) GetRequestedFileByInfoHash(ctx context.Context, uploaderID, infoHash string) (*types.RequestedFile, error) {
	var r requestedFileRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM requested_files WHERE uploader_id = $1 AND info_hash_v1 = $2`, uploaderID, infoHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get requested file by info hash: %w", err)
	}
	return rowToRequestedFile(&r), nil
}

func rowToRequestedFile(r *requestedFileRow) *types.RequestedFile {
	out := &types.RequestedFile{
		ID: r.ID, InfoHashV1: r.InfoHashV1, UploaderID: r.UploaderID, Name: r.Name,
		TotalSize: r.TotalSize, BlobURL: r.BlobURL, CreatedAt: r.CreatedAt,
	}
	_ = unmarshalJSON(r.Files, &out.Files)
	_ = unmarshalJSON(r.SelectedFiles, &out.SelectedFiles)
	_ = unmarshalJSON(r.AnnounceURLs, &out.AnnounceURLs)
	return out
}

// --- StorageProfile -------------------------------------------------------

type storageProfileRow struct {
	ID                   string    `db:"id"`
	UserID               string    `db:"user_id"`
	Provider             string    `db:"provider"`
	EncryptedCredentials []byte    `db:"encrypted_credentials"`
	Email                string    `db:"email"`
	IsDefault            bool      `db:"is_default"`
	IsActive             bool      `db:"is_active"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r *storageProfileRow) toDomain() *types.StorageProfile {
	return &types.StorageProfile{
		ID: r.ID, UserID: r.UserID, Provider: types.StorageProvider(r.Provider),
		EncryptedCredentials: r.EncryptedCredentials, Email: r.Email, IsDefault: r.IsDefault,
		IsActive: r.IsActive, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (s *PostgresStore) CreateStorageProfile(ctx context.Context, p *types.StorageProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_profiles (id, user_id, provider, encrypted_credentials, email,
			is_default, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.UserID, string(p.Provider), p.EncryptedCredentials, p.Email, p.IsDefault, p.IsActive,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create storage profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStorageProfile(ctx context.Context, id string) (*types.StorageProfile, error) {
	var r storageProfileRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM storage_profiles WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.ErrProfileNotFound, "storage profile not found: "+id)
		}
		return nil, fmt.Errorf("get storage profile: %w", err)
	}
	return r.toDomain(), nil
}

func (s *PostgresStore) GetDefaultStorageProfile(ctx context.Context, userID string) (*types.StorageProfile, error) {
	var r storageProfileRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM storage_profiles WHERE user_id = $1 AND is_default AND is_active`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.ErrProfileNotFound, "no default storage profile for user: "+userID)
		}
		return nil, fmt.Errorf("get default storage profile: %w", err)
	}
	return r.toDomain(), nil
}

// --- UploadProgress ---------------------------------------------------

type uploadProgressRow struct {
	ID            string     `db:"id"`
	JobID         string     `db:"job_id"`
	RemoteKey     string     `db:"remote_key"`
	SessionID     string     `db:"session_id"`
	PartSize      int64      `db:"part_size"`
	TotalParts    int        `db:"total_parts"`
	Parts         partsJSON  `db:"parts"`
	BytesUploaded int64      `db:"bytes_uploaded"`
	Status        string     `db:"status"`
	StartedAt     time.Time  `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

func (r *uploadProgressRow) toDomain() *types.UploadProgress {
	return &types.UploadProgress{
		ID: r.ID, JobID: r.JobID, RemoteKey: r.RemoteKey, SessionID: r.SessionID,
		PartSize: r.PartSize, TotalParts: r.TotalParts, Parts: []types.PartRecord(r.Parts),
		BytesUploaded: r.BytesUploaded, Status: types.UploadStatus(r.Status),
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}
}

func (s *PostgresStore) CreateUploadProgress(ctx context.Context, up *types.UploadProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_progress (id, job_id, remote_key, session_id, part_size, total_parts,
			parts, bytes_uploaded, status, started_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		up.ID, up.JobID, up.RemoteKey, up.SessionID, up.PartSize, up.TotalParts,
		partsJSON(up.Parts), up.BytesUploaded, string(up.Status), up.StartedAt, up.CompletedAt)
	if err != nil {
		return fmt.Errorf("create upload progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUploadProgress(ctx context.Context, jobID, remoteKey string) (*types.UploadProgress, error) {
	var r uploadProgressRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM upload_progress WHERE job_id = $1 AND remote_key = $2`, jobID, remoteKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get upload progress: %w", err)
	}
	return r.toDomain(), nil
}

func (s *PostgresStore) UpdateUploadProgress(ctx context.Context, up *types.UploadProgress) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE upload_progress SET session_id=$1, total_parts=$2, parts=$3, bytes_uploaded=$4,
			status=$5, completed_at=$6
		WHERE id = $7`,
		up.SessionID, up.TotalParts, partsJSON(up.Parts), up.BytesUploaded, string(up.Status),
		up.CompletedAt, up.ID)
	if err != nil {
		return fmt.Errorf("update upload progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUploadProgress(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_progress WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete upload progress: %w", err)
	}
	return nil
}

// --- StatusHistory (read path) -----------------------------------------

type statusHistoryRow struct {
	ID         string       `db:"id"`
	TargetID   string       `db:"target_id"`
	FromStatus string       `db:"from_status"`
	ToStatus   string       `db:"to_status"`
	Source     string       `db:"source"`
	Error      string       `db:"error"`
	Metadata   metadataJSON `db:"metadata"`
	ChangedAt  time.Time    `db:"changed_at"`
}

func (s *PostgresStore) ListStatusHistory(ctx context.Context, targetID string) ([]*types.StatusHistory, error) {
	var rows []statusHistoryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM status_history WHERE target_id = $1 ORDER BY changed_at ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	out := make([]*types.StatusHistory, 0, len(rows))
	for _, r := range rows {
		out = append(out, &types.StatusHistory{
			ID: r.ID, TargetID: r.TargetID, FromStatus: r.FromStatus, ToStatus: r.ToStatus,
			Source: types.TransitionSource(r.Source), Error: r.Error, Metadata: map[string]string(r.Metadata),
			ChangedAt: r.ChangedAt,
		})
	}
	return out, nil
}
