// Package worker implements the Download, Upload, and Sync Workers
// (C7/C8/C9): the queue-runtime-invoked handlers that drive a job from
// QUEUED through to COMPLETED.
//
// DownloadWorker (download.go) drives the anacrolix/torrent engine to
// pull a requested file's selected pieces onto local disk, then hands
// off to the Dispatcher for upload.
//
// UploadWorker (upload.go) resumes a chunked transfer to Google Drive
// or an S3-compatible endpoint through the UploadTarget abstraction,
// checkpointing accepted-byte/part state in UploadProgress so a crash
// mid-upload never re-sends an already-accepted chunk.
//
// SyncWorker (sync.go) is the same resumable-upload engine pointed at
// a pre-existing local SourcePath instead of a freshly downloaded job
// directory, and is the only caller that deletes a job's workspace
// directory, once its sync reaches COMPLETED.
//
// All three share the heartbeat-loop/cancel-watcher cooperative pair
// in worker.go, built on the same heartbeat/executor
// idiom but narrowed from a long-lived polling node process to a
// per-invocation handler the queue runtime calls once per dequeued
// job.
package worker
