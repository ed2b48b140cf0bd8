package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/pipeline/pkg/types"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
)

// PostgresStore is the relational half of the Durable Store, using a
// CRUD-method-per-entity pattern backed by a multi-writer relational
// database with row-level locks, since this system's workers run as
// an independent fleet.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a pgx-backed connection pool against dsn.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Ping checks the pool's connectivity for ongoing health reporting,
// separate from the one-time check NewPostgresStore performs at
// startup.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// partsJSON adapts []types.PartRecord to a JSONB column.
type partsJSON []types.PartRecord

func (p partsJSON) Value() (driver.Value, error) { return json.Marshal([]types.PartRecord(p)) }

func (p *partsJSON) Scan(src any) error {
	if src == nil {
		*p = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("partsJSON: unsupported scan type %T", src)
	}
	return json.Unmarshal(b, (*[]types.PartRecord)(p))
}

// metadataJSON adapts map[string]string to a JSONB column.
type metadataJSON map[string]string

func (m metadataJSON) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(map[string]string(m))
}

func (m *metadataJSON) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("metadataJSON: unsupported scan type %T", src)
	}
	return json.Unmarshal(b, (*map[string]string)(m))
}

type userJobRow struct {
	ID               string     `db:"id"`
	UserID           string     `db:"user_id"`
	StorageProfileID string     `db:"storage_profile_id"`
	Kind             string     `db:"kind"`
	Status           string     `db:"status"`
	RequestedFileID  string     `db:"requested_file_id"`
	BytesDownloaded  int64      `db:"bytes_downloaded"`
	TotalBytes       int64      `db:"total_bytes"`
	LocalPath        string     `db:"local_path"`
	QueueHandle      string     `db:"queue_handle"`
	CurrentState     string     `db:"current_state"`
	ErrorMessage     string     `db:"error_message"`
	RetryCount       int        `db:"retry_count"`
	NextRetryAt      *time.Time `db:"next_retry_at"`
	LastHeartbeat    *time.Time `db:"last_heartbeat"`
	StartedAt        *time.Time `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	IsRefunded       bool       `db:"is_refunded"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r *userJobRow) toDomain() *types.UserJob {
	return &types.UserJob{
		ID: r.ID, UserID: r.UserID, StorageProfileID: r.StorageProfileID,
		Kind: types.JobKind(r.Kind), Status: types.JobStatus(r.Status),
		RequestedFileID: r.RequestedFileID, BytesDownloaded: r.BytesDownloaded,
		TotalBytes: r.TotalBytes, LocalPath: r.LocalPath, QueueHandle: r.QueueHandle,
		CurrentState: r.CurrentState, ErrorMessage: r.ErrorMessage, RetryCount: r.RetryCount,
		NextRetryAt: r.NextRetryAt, LastHeartbeat: r.LastHeartbeat, StartedAt: r.StartedAt,
		CompletedAt: r.CompletedAt, IsRefunded: r.IsRefunded,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func fromUserJob(j *types.UserJob) *userJobRow {
	return &userJobRow{
		ID: j.ID, UserID: j.UserID, StorageProfileID: j.StorageProfileID,
		Kind: string(j.Kind), Status: string(j.Status), RequestedFileID: j.RequestedFileID,
		BytesDownloaded: j.BytesDownloaded, TotalBytes: j.TotalBytes, LocalPath: j.LocalPath,
		QueueHandle: j.QueueHandle, CurrentState: j.CurrentState, ErrorMessage: j.ErrorMessage,
		RetryCount: j.RetryCount, NextRetryAt: j.NextRetryAt, LastHeartbeat: j.LastHeartbeat,
		StartedAt: j.StartedAt, CompletedAt: j.CompletedAt, IsRefunded: j.IsRefunded,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

func (s *PostgresStore) CreateUserJob(ctx context.Context, job *types.UserJob) error {
	r := fromUserJob(job)
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO user_jobs (id, user_id, storage_profile_id, kind, status, requested_file_id,
			bytes_downloaded, total_bytes, local_path, queue_handle, current_state, error_message,
			retry_count, next_retry_at, last_heartbeat, started_at, completed_at, is_refunded,
			created_at, updated_at)
		VALUES (:id, :user_id, :storage_profile_id, :kind, :status, :requested_file_id,
			:bytes_downloaded, :total_bytes, :local_path, :queue_handle, :current_state, :error_message,
			:retry_count, :next_retry_at, :last_heartbeat, :started_at, :completed_at, :is_refunded,
			:created_at, :updated_at)`, r)
	if err != nil {
		return fmt.Errorf("create user job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserJob(ctx context.Context, id string) (*types.UserJob, error) {
	var r userJobRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM user_jobs WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.ErrNotFound, "user job not found: "+id)
		}
		return nil, fmt.Errorf("get user job: %w", err)
	}
	return r.toDomain(), nil
}

// FindActiveUserJob enforces the invariant that at most one
// non-terminal row exists per (user, content, destination).
func (s *PostgresStore) FindActiveUserJob(ctx context.Context, userID, requestedFileID, storageProfileID string) (*types.UserJob, error) {
	var r userJobRow
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM user_jobs
		WHERE user_id = $1 AND requested_file_id = $2 AND storage_profile_id = $3
		  AND status NOT IN ('COMPLETED', 'CANCELLED', 'TORRENT_FAILED', 'UPLOAD_FAILED', 'GOOGLE_DRIVE_FAILED')
		ORDER BY created_at DESC LIMIT 1`, userID, requestedFileID, storageProfileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active user job: %w", err)
	}
	return r.toDomain(), nil
}

func (s *PostgresStore) ListUserJobsByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error) {
	var rows []userJobRow
	query, args, err := sqlx.In(`SELECT * FROM user_jobs WHERE status IN (?)`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list user jobs by status: %w", err)
	}
	out := make([]*types.UserJob, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// ListDueRetries returns jobs in a RETRY status whose nextRetryAt has
// elapsed, for the orphan recovery monitor's candidate selection.
func (s *PostgresStore) ListDueRetries(ctx context.Context, statuses ...types.JobStatus) ([]*types.UserJob, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM user_jobs WHERE status IN (?) AND next_retry_at <= now()`, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("build due-retries query: %w", err)
	}
	var rows []userJobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	out := make([]*types.UserJob, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *PostgresStore) UpdateUserJob(ctx context.Context, job *types.UserJob) error {
	r := fromUserJob(job)
	r.UpdatedAt = time.Now()
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE user_jobs SET status=:status, bytes_downloaded=:bytes_downloaded, total_bytes=:total_bytes,
			local_path=:local_path, queue_handle=:queue_handle, current_state=:current_state,
			error_message=:error_message, retry_count=:retry_count, next_retry_at=:next_retry_at,
			last_heartbeat=:last_heartbeat, started_at=:started_at, completed_at=:completed_at,
			is_refunded=:is_refunded, updated_at=:updated_at
		WHERE id=:id`, r)
	if err != nil {
		return fmt.Errorf("update user job: %w", err)
	}
	return nil
}

func statusStrings[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

// --- Transactions -----------------------------------------------------

type pgTx struct {
	tx *sqlx.Tx
}

// WithTx opens a serializable transaction and rolls it back unless fn
// returns nil. GetUserJobForUpdate takes a row-level exclusive, no-wait
// lock so a concurrent Transition attempt fails fast with an
// INVALID_STATE error whose message names the locked row, rather than
// blocking.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) GetUserJobForUpdate(ctx context.Context, id string) (*types.UserJob, error) {
	var r userJobRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM user_jobs WHERE id = $1 FOR UPDATE NOWAIT`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.ErrNotFound, "user job not found: "+id)
		}
		if isLockNotAvailable(err) {
			return nil, types.NewError(types.ErrInvalidState, "user job row locked by another transaction: "+id)
		}
		return nil, fmt.Errorf("get user job for update: %w", err)
	}
	return r.toDomain(), nil
}

func (t *pgTx) UpdateUserJob(ctx context.Context, job *types.UserJob) error {
	r := fromUserJob(job)
	r.UpdatedAt = time.Now()
	_, err := t.tx.NamedExecContext(ctx, `
		UPDATE user_jobs SET status=:status, bytes_downloaded=:bytes_downloaded, total_bytes=:total_bytes,
			local_path=:local_path, queue_handle=:queue_handle, current_state=:current_state,
			error_message=:error_message, retry_count=:retry_count, next_retry_at=:next_retry_at,
			last_heartbeat=:last_heartbeat, started_at=:started_at, completed_at=:completed_at,
			is_refunded=:is_refunded, updated_at=:updated_at
		WHERE id=:id`, r)
	if err != nil {
		return fmt.Errorf("update user job in tx: %w", err)
	}
	return nil
}

func (t *pgTx) AppendStatusHistory(ctx context.Context, row *types.StatusHistory) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO status_history (id, target_id, from_status, to_status, source, error, metadata, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.ID, row.TargetID, row.FromStatus, row.ToStatus, string(row.Source), row.Error,
		metadataJSON(row.Metadata), row.ChangedAt)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55P03" // lock_not_available
	}
	return false
}
