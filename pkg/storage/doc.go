// Package storage is the relational half of the Durable Store:
// PostgresStore persists UserJob, SyncJob, RequestedFile,
// StorageProfile, UploadProgress, and StatusHistory rows behind the
// Store interface (store.go), with row-level exclusive locks
// (GetUserJobForUpdate/GetSyncJobForUpdate) making the Job Status
// Service's transitions atomic against a concurrent lease holder.
//
// Schema migrations (migrate.go, migrations/*.sql) run through
// pressly/goose. The KV half of the Durable Store — leases,
// cancellation signals, and live-progress streams — lives in pkg/kv,
// backed by Redis rather than the relational schema, since those
// values are ephemeral and accessed far more often than they're
// written.
package storage
