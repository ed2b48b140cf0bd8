package stream_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pipeline/pkg/kv"
	"github.com/cuemby/pipeline/pkg/stream"
	"github.com/cuemby/pipeline/pkg/types"
)

func newTestPublisher(t *testing.T) (*stream.Publisher, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return stream.New(kv.New(client), 1000), client
}

func TestPublishJobProgress_WritesToJobsStream(t *testing.T) {
	pub, client := newTestPublisher(t)
	ctx := context.Background()

	err := pub.PublishJobProgress(ctx, types.ProgressEvent{JobID: "j1", Status: "DOWNLOADING", Bytes: 10, Total: 100})
	require.NoError(t, err)

	length, err := client.XLen(ctx, "jobs:stream").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
}

func TestPublishUploadProgress_WritesToProviderStream(t *testing.T) {
	pub, client := newTestPublisher(t)
	ctx := context.Background()

	err := pub.PublishUploadProgress(ctx, types.StorageProviderAwsS3, types.ProgressEvent{JobID: "j1", Status: "UPLOADING"})
	require.NoError(t, err)

	length, err := client.XLen(ctx, "uploads:aws_s3:stream").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)

	driveLength, err := client.XLen(ctx, "uploads:google_drive:stream").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, driveLength, "publishing to one provider's stream must not touch another's")
}
