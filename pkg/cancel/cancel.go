// Package cancel implements the Cancellation Signal Bus: a
// cross-process "please stop" marker the queue runtime cannot deliver
// into an already-running handler on a different host: a pub/sub
// signal rebuilt as KV-backed since the bus must cross process
// boundaries.
package cancel

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/pipeline/pkg/kv"
)

func key(jobID string) string { return "cancel:" + jobID }

// Bus is the Cancellation Signal Bus over a KV store.
type Bus struct {
	kv  *kv.Store
	ttl time.Duration
}

// New constructs a Bus. ttl should be at least one recovery interval so
// a worker restart still observes a signal raised before the crash.
func New(store *kv.Store, ttl time.Duration) *Bus {
	return &Bus{kv: store, ttl: ttl}
}

// Signal marks jobId as requested-for-cancellation.
func (b *Bus) Signal(ctx context.Context, jobID string) error {
	if _, err := b.kv.SetNX(ctx, key(jobID), "1", b.ttl); err != nil {
		return fmt.Errorf("cancel signal: %w", err)
	}
	return nil
}

// IsCancelled reports whether jobId has a live cancellation signal.
// Workers poll this at heartbeat ticks and between cooperative
// cancellation points (between files, between upload parts).
func (b *Bus) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	_, found, err := b.kv.Get(ctx, key(jobID))
	if err != nil {
		return false, fmt.Errorf("cancel is-cancelled: %w", err)
	}
	return found, nil
}

// Clear removes jobId's cancellation signal once the job has reached a
// terminal state in response to it.
func (b *Bus) Clear(ctx context.Context, jobID string) error {
	if err := b.kv.Del(ctx, key(jobID)); err != nil {
		return fmt.Errorf("cancel clear: %w", err)
	}
	return nil
}
