// Package scrape implements the Tracker Scrape Aggregator: BEP-15
// UDP tracker scrape, fanned out in parallel across a tracker list with
// per-tracker retries, aggregated by taking the max count across all
// trackers that responded.
package scrape

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/tracker"

	"github.com/cuemby/pipeline/pkg/metrics"
	"github.com/cuemby/pipeline/pkg/types"
)

// Aggregator queries a set of UDP trackers for one info-hash.
type Aggregator struct {
	timeout           time.Duration
	retriesPerTracker int
	fallback          []string
}

func New(timeout time.Duration, retriesPerTracker int, fallback []string) *Aggregator {
	return &Aggregator{timeout: timeout, retriesPerTracker: retriesPerTracker, fallback: fallback}
}

// Scrape queries every tracker in trackerURLs in parallel (or the
// configured fallback list if trackerURLs is empty) and aggregates the
// responses. A v2-only torrent (empty infoHashV1) is rejected before any
// packet is sent, since UDP scrape requires a 20-byte v1 hash.
func (a *Aggregator) Scrape(ctx context.Context, infoHashV1 string, trackerURLs []string) (types.ScrapeAggregate, error) {
	if infoHashV1 == "" {
		return types.ScrapeAggregate{}, types.NewError(types.ErrInvalidTorrent, "torrent has no v1 info-hash, UDP scrape requires one")
	}

	hash, err := metainfo.NewHashFromHex(infoHashV1)
	if err != nil {
		return types.ScrapeAggregate{}, types.NewError(types.ErrInvalidTorrent, "malformed v1 info-hash: "+err.Error())
	}

	urls := trackerURLs
	if len(urls) == 0 {
		urls = a.fallback
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScrapeDuration)

	results := a.scrapeAll(ctx, hash, urls)

	agg := types.ScrapeAggregate{InfoHashV1: infoHashV1, TrackersTotal: len(urls)}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		agg.TrackersSuccess++
		if r.Seeders > agg.Seeders {
			agg.Seeders = r.Seeders
		}
		if r.Leechers > agg.Leechers {
			agg.Leechers = r.Leechers
		}
		if r.Completed > agg.Completed {
			agg.Completed = r.Completed
		}
	}

	metrics.ScrapeTrackersSuccess.Observe(float64(agg.TrackersSuccess))
	return agg, nil
}

func (a *Aggregator) scrapeAll(ctx context.Context, hash metainfo.Hash, urls []string) []types.ScrapeResult {
	results := make([]types.ScrapeResult, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = a.scrapeOne(ctx, url, hash)
		}(i, url)
	}
	wg.Wait()
	return results
}

func (a *Aggregator) scrapeOne(ctx context.Context, url string, hash metainfo.Hash) types.ScrapeResult {
	result := types.ScrapeResult{TrackerURL: url}

	err := retry.Do(
		func() error {
			reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			resp, err := tracker.Scrape(reqCtx, url, []metainfo.Hash{hash})
			if err != nil {
				return err
			}
			if len(resp.Files) == 0 {
				return nil
			}
			f := resp.Files[0]
			result.Seeders = int(f.Seeders)
			result.Leechers = int(f.Leechers)
			result.Completed = int(f.Completed)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(a.retriesPerTracker)),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	result.Err = err
	return result
}
