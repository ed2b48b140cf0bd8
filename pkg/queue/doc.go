// Package queue exposes the four named queues (torrents, googledrive,
// s3, sync) the Job Dispatcher (pkg/dispatcher) enqueues onto and the
// Download/Upload/Sync Workers (pkg/worker) consume from, plus the
// Orphan Recovery Monitor's (pkg/recovery) Inspect calls used to decide
// whether a stale job still has live queue-runtime work behind it.
package queue
