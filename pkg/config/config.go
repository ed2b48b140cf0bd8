// Package config holds the typed configuration surface for the
// pipeline process: retry backoff, lease/heartbeat timing, health
// thresholds, queue naming, and the fallback tracker list. Loading
// follows an environment-variable-driven style (see cmd/pipeline).
package config

import "time"

// Config is the full process configuration, assembled once at startup
// and passed by value into every component constructor.
type Config struct {
	// Upload tuning
	PartSizeS3    int64 // default 10 MiB
	PartSizeDrive int64 // default 8 MiB

	// Lease / heartbeat / recovery timing
	LeaseDuration         time.Duration // ~60s
	HeartbeatInterval     time.Duration // ~15s
	CancelPollInterval    time.Duration // ~5s
	ProgressUpdateInterval time.Duration // ~10s
	StaleJobThreshold     time.Duration // ~5m
	RecoveryCheckInterval time.Duration // ~60s
	HealthCheckInterval   time.Duration // ~30s

	// Retry/backoff policy
	MaxRetryCount      int
	RetryBackoffBase   time.Duration // 30s
	RetryBackoffCap    time.Duration // 30m

	// Health evaluator thresholds
	HealthWeakSeeders    int // below this, isWeak
	HealthHealthySeeders int // at or above this, isHealthy

	// Tracker scrape
	ScrapeTimeout        time.Duration // ~5s
	ScrapeRetriesPerTracker int
	PublicUDPTrackersFallback []string

	// Named queues
	Queues QueueNames

	// Per-handler retry delays for the queue runtime; these are
	// advisory defaults only — the retry counter itself is owned by the
	// job status service plus the orphan recovery monitor, so every
	// queue here is registered with MaxAttempts: 1.
	QueueRetryDelays []time.Duration

	DownloadsRoot string // "/app/downloads"

	Postgres PostgresConfig
	Redis    RedisConfig
}

// QueueNames maps the four fixed named queues used by the dispatcher
// and workers.
type QueueNames struct {
	Torrents    string
	GoogleDrive string
	S3          string
	Sync        string
}

type PostgresConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Default returns conservative operational defaults suitable for a
// single-node deployment. Every cmd/pipeline command runs with these
// values as returned; no Config field is read from the environment.
func Default() Config {
	return Config{
		PartSizeS3:    10 << 20,
		PartSizeDrive: 8 << 20,

		LeaseDuration:          60 * time.Second,
		HeartbeatInterval:      15 * time.Second,
		CancelPollInterval:     5 * time.Second,
		ProgressUpdateInterval: 10 * time.Second,
		StaleJobThreshold:      5 * time.Minute,
		RecoveryCheckInterval:  60 * time.Second,
		HealthCheckInterval:    30 * time.Second,

		MaxRetryCount:    5,
		RetryBackoffBase: 30 * time.Second,
		RetryBackoffCap:  30 * time.Minute,

		HealthWeakSeeders:    4,
		HealthHealthySeeders: 10,

		ScrapeTimeout:           5 * time.Second,
		ScrapeRetriesPerTracker: 3,
		PublicUDPTrackersFallback: []string{
			"udp://tracker.opentrackr.org:1337/announce",
			"udp://tracker.openbittorrent.com:6969/announce",
			"udp://open.stealth.si:80/announce",
			"udp://exodus.desync.com:6969/announce",
		},

		Queues: QueueNames{
			Torrents:    "torrents",
			GoogleDrive: "googledrive",
			S3:          "s3",
			Sync:        "sync",
		},
		QueueRetryDelays: []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second},

		DownloadsRoot: "/app/downloads",
	}
}
