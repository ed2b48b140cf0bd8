/*
Package stream is the live-progress fan-out side of the pipeline: a
thin wrapper over pkg/kv's Redis-stream Publish call, writing
ProgressEvents onto jobs:stream for every UserJob/SyncJob and onto
uploads:{provider}:stream for per-provider upload progress.

Nothing in the core reads these streams back to make a decision; they
exist purely for a dashboard collaborator to tail. The relational
store's UserJob/SyncJob rows remain the single source of truth for
status and byte counts.
*/
package stream
