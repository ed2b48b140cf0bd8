// Package stream publishes ProgressEvents onto the KV store's
// live-progress streams (jobs:stream, uploads:{provider}:stream). It
// is fan-out only, not authoritative: the UserJob/SyncJob row in the
// relational store remains the source of truth. Backed by pkg/kv's
// Redis streams rather than an in-process channel fan-out, so multiple
// worker processes can publish and a dashboard collaborator can
// subscribe from anywhere.
package stream

import (
	"context"

	"github.com/cuemby/pipeline/pkg/kv"
	"github.com/cuemby/pipeline/pkg/types"
)

const jobsStream = "jobs:stream"

func uploadStream(provider types.StorageProvider) string {
	return "uploads:" + string(provider) + ":stream"
}

// Publisher publishes progress events. maxLen bounds each stream so a
// slow or absent consumer doesn't grow it unbounded.
type Publisher struct {
	store  *kv.Store
	maxLen int64
}

func New(store *kv.Store, maxLen int64) *Publisher {
	return &Publisher{store: store, maxLen: maxLen}
}

// PublishJobProgress writes ev onto jobs:stream.
func (p *Publisher) PublishJobProgress(ctx context.Context, ev types.ProgressEvent) error {
	return p.store.Publish(ctx, jobsStream, fields(ev), p.maxLen)
}

// PublishUploadProgress writes ev onto the named provider's upload stream.
func (p *Publisher) PublishUploadProgress(ctx context.Context, provider types.StorageProvider, ev types.ProgressEvent) error {
	return p.store.Publish(ctx, uploadStream(provider), fields(ev), p.maxLen)
}

func fields(ev types.ProgressEvent) map[string]any {
	return map[string]any{
		"job_id":  ev.JobID,
		"status":  ev.Status,
		"bytes":   ev.Bytes,
		"total":   ev.Total,
		"message": ev.Message,
	}
}
