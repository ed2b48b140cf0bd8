// Package queue implements the Queue / Background Job Runtime: a
// persistent, at-least-once, named-queue runtime backed by Redis
// streams (for ready work) and sorted sets (for delayed/scheduled
// work), with consumer groups per queue, preferring
// streams-plus-consumer-groups over plain lists for their replay and
// claim semantics. RegisterHandler records a per-handler maxAttempts,
// but the runtime runs each delivered item once and does not retry a
// failed handler, whatever that value is.
//
// The queue runtime's own automatic retry is disabled for every queue
// registered here (MaxAttempts: 1): the job status service plus the
// orphan recovery monitor own retries instead.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuemby/pipeline/pkg/log"
	"github.com/cuemby/pipeline/pkg/metrics"
	"github.com/cuemby/pipeline/pkg/types"
)

// HandlerFunc processes one dequeued payload. An error return leaves
// the item's state as Failed; it does not trigger an internal retry.
type HandlerFunc func(ctx context.Context, payload string) error

type handlerEntry struct {
	fn          HandlerFunc
	maxAttempts int
}

// Runtime is the Redis-backed queue runtime.
type Runtime struct {
	client      *redis.Client
	consumerID  string
	handlers    map[string]handlerEntry
}

func New(client *redis.Client, consumerID string) *Runtime {
	return &Runtime{client: client, consumerID: consumerID, handlers: map[string]handlerEntry{}}
}

func streamKey(queue string) string   { return "queue:" + queue + ":stream" }
func scheduledKey(queue string) string { return "queue:" + queue + ":scheduled" }
func stateKey(handle string) string    { return "queue:state:" + handle }
func group(queue string) string        { return "queue:" + queue + ":workers" }

// RegisterHandler wires fn to process items enqueued on queue. Per the
// spec's Handler registry design note, a dispatch attempt against an
// unregistered queue is a hard error, not a runtime branch.
func (r *Runtime) RegisterHandler(queue string, maxAttempts int, fn HandlerFunc) {
	r.handlers[queue] = handlerEntry{fn: fn, maxAttempts: maxAttempts}
}

// Enqueue places payload immediately onto queue, returning an opaque
// handle for later Inspect/Delete calls.
func (r *Runtime) Enqueue(ctx context.Context, queue, payload string) (string, error) {
	handle := uuid.NewString()
	if err := r.setState(ctx, handle, types.QueueStateEnqueued); err != nil {
		return "", err
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]any{"handle": handle, "payload": payload},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.QueueEnqueuedTotal.WithLabelValues(queue).Inc()
	return handle, nil
}

// Schedule places payload onto queue's delayed sorted set, to be moved
// onto the live stream once at has elapsed (see Run's scheduler loop).
func (r *Runtime) Schedule(ctx context.Context, queue, payload string, at time.Time) (string, error) {
	handle := uuid.NewString()
	if err := r.setState(ctx, handle, types.QueueStateScheduled); err != nil {
		return "", err
	}
	member := queue + "|" + handle + "|" + payload
	err := r.client.ZAdd(ctx, scheduledKey(queue), redis.Z{Score: float64(at.Unix()), Member: member}).Err()
	if err != nil {
		return "", fmt.Errorf("queue schedule: %w", err)
	}
	return handle, nil
}

// Delete removes the queue-runtime's record of handle (best effort). It
// only clears the state marker; a message already claimed off the
// stream is acked separately by the consumer loop.
func (r *Runtime) Delete(ctx context.Context, handle string) error {
	if err := r.client.Set(ctx, stateKey(handle), string(types.QueueStateDeleted), 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("queue delete: %w", err)
	}
	return nil
}

// Inspect reports handle's last known state.
func (r *Runtime) Inspect(ctx context.Context, handle string) (types.QueueState, error) {
	val, err := r.client.Get(ctx, stateKey(handle)).Result()
	if err == redis.Nil {
		return types.QueueStateUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("queue inspect: %w", err)
	}
	return types.QueueState(val), nil
}

func (r *Runtime) setState(ctx context.Context, handle string, state types.QueueState) error {
	if err := r.client.Set(ctx, stateKey(handle), string(state), 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("queue set state: %w", err)
	}
	return nil
}

// EnsureGroups creates the consumer group for every registered queue if
// it does not already exist.
func (r *Runtime) EnsureGroups(ctx context.Context) error {
	for queue := range r.handlers {
		err := r.client.XGroupCreateMkStream(ctx, streamKey(queue), group(queue), "0").Err()
		if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
			return fmt.Errorf("queue ensure group %s: %w", queue, err)
		}
	}
	return nil
}

// Run drives both the scheduler loop (moving due scheduled items onto
// their stream) and the consumer loop (dispatching stream entries to
// registered handlers) until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.EnsureGroups(ctx); err != nil {
		return err
	}

	queues := make([]string, 0, len(r.handlers))
	for q := range r.handlers {
		queues = append(queues, q)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, q := range queues {
				if err := r.promoteDue(ctx, q); err != nil {
					log.Logger.Error().Err(err).Str("queue", q).Msg("promote scheduled items failed")
				}
			}
			for _, q := range queues {
				if err := r.consumeOnce(ctx, q); err != nil {
					log.Logger.Error().Err(err).Str("queue", q).Msg("consume failed")
				}
			}
		}
	}
}

func (r *Runtime) promoteDue(ctx context.Context, queue string) error {
	now := float64(time.Now().Unix())
	members, err := r.client.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		handle, payload := splitScheduledMember(m)
		if handle == "" {
			continue
		}
		if err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(queue),
			Values: map[string]any{"handle": handle, "payload": payload},
		}).Err(); err != nil {
			return err
		}
		if err := r.setState(ctx, handle, types.QueueStateEnqueued); err != nil {
			return err
		}
		if err := r.client.ZRem(ctx, scheduledKey(queue), m).Err(); err != nil {
			return err
		}
		metrics.QueueEnqueuedTotal.WithLabelValues(queue).Inc()
	}
	return nil
}

func splitScheduledMember(member string) (handle, payload string) {
	// member is "queue|handle|payload"; queue and handle never contain
	// '|' (both are generated identifiers), so the second split point
	// is the boundary.
	parts := splitN(member, '|', 3)
	if len(parts) < 3 {
		return "", ""
	}
	return parts[1], parts[2]
}

func splitN(s string, sep byte, n int) []string {
	out := make([]string, 0, n)
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func (r *Runtime) consumeOnce(ctx context.Context, queue string) error {
	entry, ok := r.handlers[queue]
	if !ok {
		return types.NewError(types.ErrHandlerNotRegistered, "no handler registered for queue "+queue)
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group(queue),
		Consumer: r.consumerID,
		Streams:  []string{streamKey(queue), ">"},
		Count:    10,
		Block:    0,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			r.dispatch(ctx, queue, entry, msg)
		}
	}
	return nil
}

func (r *Runtime) dispatch(ctx context.Context, queue string, entry handlerEntry, msg redis.XMessage) {
	handle, _ := msg.Values["handle"].(string)
	payload, _ := msg.Values["payload"].(string)

	if err := r.setState(ctx, handle, types.QueueStateProcessing); err != nil {
		log.Logger.Error().Err(err).Msg("mark processing failed")
	}

	timer := metrics.NewTimer()
	err := entry.fn(ctx, payload)
	timer.ObserveDurationVec(metrics.QueueDispatchDuration, queue)

	state := types.QueueStateSucceeded
	if err != nil {
		state = types.QueueStateFailed
		log.Logger.Error().Err(err).Str("queue", queue).Str("handle", handle).Msg("handler failed")
	}
	if err := r.setState(ctx, handle, state); err != nil {
		log.Logger.Error().Err(err).Msg("mark terminal state failed")
	}
	if err := r.client.XAck(ctx, streamKey(queue), group(queue), msg.ID).Err(); err != nil {
		log.Logger.Error().Err(err).Msg("ack failed")
	}
}
