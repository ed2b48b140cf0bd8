/*
Package types defines the pipeline's domain model: UserJob and SyncJob state
machines, the content and storage-destination descriptors they reference,
resumable-upload checkpoints, audit history rows, and the ephemeral
lease/cancel primitives used to make job execution at-most-one.

All types are plain structs serialized as JSON using default Go field names;
no struct tags are required since the relational store's JSON columns and the
KV store's values both round-trip through encoding/json directly.

Enums are typed strings with const blocks (JobStatus, SyncStatus,
StorageProvider, ErrorCode, LeaseResult, QueueState), matching the
enumeration pattern used across the rest of this module.
*/
package types
