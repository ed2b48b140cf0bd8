package scrape_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pipeline/pkg/scrape"
	"github.com/cuemby/pipeline/pkg/types"
)

func TestScrape_RejectsV2OnlyTorrent(t *testing.T) {
	agg := scrape.New(time.Second, 1, nil)
	_, err := agg.Scrape(context.Background(), "", []string{"udp://example.org:80/announce"})
	require.Error(t, err)

	var pipelineErr *types.Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, types.ErrInvalidTorrent, pipelineErr.Code)
}

func TestScrape_RejectsMalformedInfoHash(t *testing.T) {
	agg := scrape.New(time.Second, 1, nil)
	_, err := agg.Scrape(context.Background(), "not-a-valid-hex-hash", []string{"udp://example.org:80/announce"})
	require.Error(t, err)

	var pipelineErr *types.Error
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, types.ErrInvalidTorrent, pipelineErr.Code)
}

func TestScrape_NoTrackersReturnsEmptyAggregate(t *testing.T) {
	agg := scrape.New(10*time.Millisecond, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := agg.Scrape(ctx, "0123456789abcdef0123456789abcdef01234567", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TrackersTotal)
	assert.Equal(t, 0, result.TrackersSuccess)
}
