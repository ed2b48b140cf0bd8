package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // profiling endpoints, mounted only behind --enable-pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/pipeline/pkg/cancel"
	"github.com/cuemby/pipeline/pkg/config"
	"github.com/cuemby/pipeline/pkg/dispatcher"
	"github.com/cuemby/pipeline/pkg/health"
	"github.com/cuemby/pipeline/pkg/jobstatus"
	"github.com/cuemby/pipeline/pkg/kv"
	"github.com/cuemby/pipeline/pkg/lease"
	"github.com/cuemby/pipeline/pkg/log"
	"github.com/cuemby/pipeline/pkg/metrics"
	"github.com/cuemby/pipeline/pkg/queue"
	"github.com/cuemby/pipeline/pkg/recovery"
	"github.com/cuemby/pipeline/pkg/scrape"
	"github.com/cuemby/pipeline/pkg/security"
	"github.com/cuemby/pipeline/pkg/storage"
	"github.com/cuemby/pipeline/pkg/stream"
	"github.com/cuemby/pipeline/pkg/types"
	"github.com/cuemby/pipeline/pkg/worker"
	"github.com/cuemby/pipeline/pkg/workspace"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pipeline",
	Short:   "Torrent download and cloud-upload pipeline workers",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
	rootCmd.PersistentFlags().Bool("enable-pprof", false, "Mount pprof debug endpoints on the metrics server")
	rootCmd.PersistentFlags().String("postgres-dsn", os.Getenv("PIPELINE_POSTGRES_DSN"), "PostgreSQL connection string")
	rootCmd.PersistentFlags().String("redis-addr", envOr("PIPELINE_REDIS_ADDR", "127.0.0.1:6379"), "Redis address")
	rootCmd.PersistentFlags().String("redis-password", os.Getenv("PIPELINE_REDIS_PASSWORD"), "Redis password")
	rootCmd.PersistentFlags().String("downloads-root", envOr("PIPELINE_DOWNLOADS_ROOT", "/app/downloads"), "Local root directory for job workspaces")
	rootCmd.PersistentFlags().String("encryption-key-file", os.Getenv("PIPELINE_ENCRYPTION_KEY_FILE"), "Path to a 32-byte AES-256 key file for StorageProfile credentials")
	rootCmd.PersistentFlags().String("worker-id", envOr("PIPELINE_WORKER_ID", hostnameOrDefault()), "Stable identifier this process leases jobs under")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(downloadWorkerCmd)
	rootCmd.AddCommand(uploadWorkerCmd)
	rootCmd.AddCommand(syncWorkerCmd)
	rootCmd.AddCommand(recoveryMonitorCmd)
	rootCmd.AddCommand(scrapeCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "worker-1"
	}
	return h
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	metrics.SetVersion(Version)
}

// serveMetrics mounts /metrics, /health, /ready, /live (and, if enabled,
// pprof) on a background listener; it does not block the caller.
func serveMetrics(addr string, enablePprof bool) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	if enablePprof {
		mux.Handle("/debug/", http.DefaultServeMux)
	}
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("metrics server listening")
}

// pinger is satisfied by *storage.PostgresStore without widening the
// storage.Store interface every fake implementation must satisfy.
type pinger interface {
	Ping(ctx context.Context) error
}

// monitorHealth probes storage, Redis, and the local workspace on
// interval and reports each into the process's health registry, so
// /health and /ready reflect the worker's actual dependencies instead
// of only "process is running".
func monitorHealth(ctx context.Context, store storage.Store, rdb *redis.Client, ws *workspace.Root, interval time.Duration) {
	checkHealth(ctx, store, rdb, ws)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkHealth(ctx, store, rdb, ws)
		}
	}
}

func checkHealth(ctx context.Context, store storage.Store, rdb *redis.Client, ws *workspace.Root) {
	if p, ok := store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			metrics.UpdateComponent("storage", false, err.Error())
		} else {
			metrics.UpdateComponent("storage", true, "")
		}
	} else {
		metrics.UpdateComponent("storage", true, "")
	}

	if rdb != nil {
		if err := rdb.Ping(ctx).Err(); err != nil {
			metrics.UpdateComponent("redis", false, err.Error())
		} else {
			metrics.UpdateComponent("redis", true, "")
		}
	}

	if ws != nil {
		if err := ws.Writable(); err != nil {
			metrics.UpdateComponent("workspace", false, err.Error())
		} else {
			metrics.UpdateComponent("workspace", true, "")
		}
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM, then cancels ctx.
func waitForShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutdown signal received")
	cancel()
}

// buildStore opens the PostgreSQL connection pool named by --postgres-dsn.
func buildStore(cmd *cobra.Command) (storage.Store, error) {
	dsn, _ := cmd.Flags().GetString("postgres-dsn")
	if dsn == "" {
		return nil, fmt.Errorf("--postgres-dsn (or PIPELINE_POSTGRES_DSN) is required")
	}
	return storage.NewPostgresStore(dsn)
}

// buildRedis opens the Redis client behind the KV half of the Durable
// Store (leases, cancellation signals, queue runtime, live-progress streams).
func buildRedis(cmd *cobra.Command) *redis.Client {
	addr, _ := cmd.Flags().GetString("redis-addr")
	password, _ := cmd.Flags().GetString("redis-password")
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func buildSecurityManager(cmd *cobra.Command) (*security.Manager, error) {
	path, _ := cmd.Flags().GetString("encryption-key-file")
	if path == "" {
		return nil, fmt.Errorf("--encryption-key-file (or PIPELINE_ENCRYPTION_KEY_FILE) is required")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encryption key file: %w", err)
	}
	return security.NewManager(key)
}

// buildDeps assembles the collaborator bundle shared by every worker.
func buildDeps(cmd *cobra.Command, store storage.Store, rdb *redis.Client, cfg config.Config) (*worker.Deps, error) {
	kvStore := kv.New(rdb)
	ws, err := workspace.New(envOrFlag(cmd, "downloads-root", cfg.DownloadsRoot))
	if err != nil {
		return nil, err
	}
	workerID, _ := cmd.Flags().GetString("worker-id")
	return &worker.Deps{
		Store:     store,
		Status:    jobstatus.New(store),
		Leases:    lease.New(kvStore),
		Cancels:   cancel.New(kvStore, cfg.LeaseDuration),
		Workspace: ws,
		Publisher: stream.New(kvStore, 10_000),
		Cfg:       cfg,
		WorkerID:  workerID,
	}, nil
}

func envOrFlag(cmd *cobra.Command, flag, fallback string) string {
	if v, _ := cmd.Flags().GetString(flag); v != "" {
		return v
	}
	return fallback
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, _ := cmd.Flags().GetString("postgres-dsn")
		if dsn == "" {
			return fmt.Errorf("--postgres-dsn (or PIPELINE_POSTGRES_DSN) is required")
		}
		return storage.Migrate(dsn)
	},
}

// uploadTargets builds the registered UploadTarget set (Google Drive +
// any S3-compatible endpoint) shared by the Upload and Sync Workers.
func uploadTargets() []worker.UploadTarget {
	return []worker.UploadTarget{worker.NewS3Target(), worker.NewDriveTarget()}
}

// simpleProviderHandler enqueues a PENDING_UPLOAD job's id onto its
// provider's named queue; the upload payload is always just the job id,
// resolved by the Upload Worker through the Durable Store.
type simpleProviderHandler struct{ queue string }

func (h simpleProviderHandler) Queue() string { return h.queue }
func (h simpleProviderHandler) Payload(job *types.UserJob) (string, error) {
	return job.ID, nil
}

func newDispatcher(store storage.Store, status *jobstatus.Service, runtime *queue.Runtime, cfg config.Config) *dispatcher.Dispatcher {
	d := dispatcher.New(store, status, runtime, cfg)
	d.RegisterProvider(types.StorageProviderGoogleDrive, simpleProviderHandler{queue: cfg.Queues.GoogleDrive})
	d.RegisterProvider(types.StorageProviderAwsS3, simpleProviderHandler{queue: cfg.Queues.S3})
	return d
}

var downloadWorkerCmd = &cobra.Command{
	Use:   "download-worker",
	Short: "Run the Download Worker: drains the torrents queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		store, err := buildStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		rdb := buildRedis(cmd)
		defer rdb.Close()

		deps, err := buildDeps(cmd, store, rdb, cfg)
		if err != nil {
			return err
		}
		runtime := queue.New(rdb, mustFlag(cmd, "worker-id"))
		disp := newDispatcher(store, deps.Status, runtime, cfg)

		dw := worker.NewDownloadWorker(deps, disp, worker.HTTPBlobFetcher{})
		runtime.RegisterHandler(cfg.Queues.Torrents, 1, dw.Handle)

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		serveMetrics(metricsAddr, pprofEnabled)

		ctx, cancelFn := context.WithCancel(context.Background())
		go monitorHealth(ctx, store, rdb, deps.Workspace, cfg.HealthCheckInterval)
		go waitForShutdown(cancelFn)
		return runtime.Run(ctx)
	},
}

var uploadWorkerCmd = &cobra.Command{
	Use:   "upload-worker",
	Short: "Run the Upload Worker: drains the googledrive and s3 queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		store, err := buildStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		rdb := buildRedis(cmd)
		defer rdb.Close()

		deps, err := buildDeps(cmd, store, rdb, cfg)
		if err != nil {
			return err
		}
		mgr, err := buildSecurityManager(cmd)
		if err != nil {
			return err
		}
		runtime := queue.New(rdb, mustFlag(cmd, "worker-id"))

		uw := worker.NewUploadWorker(deps, mgr, uploadTargets()...)
		runtime.RegisterHandler(cfg.Queues.GoogleDrive, 1, uw.Handle)
		runtime.RegisterHandler(cfg.Queues.S3, 1, uw.Handle)

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		serveMetrics(metricsAddr, pprofEnabled)

		ctx, cancelFn := context.WithCancel(context.Background())
		go monitorHealth(ctx, store, rdb, deps.Workspace, cfg.HealthCheckInterval)
		go waitForShutdown(cancelFn)
		return runtime.Run(ctx)
	},
}

var syncWorkerCmd = &cobra.Command{
	Use:   "sync-worker",
	Short: "Run the Sync Worker: drains the sync queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		store, err := buildStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		rdb := buildRedis(cmd)
		defer rdb.Close()

		deps, err := buildDeps(cmd, store, rdb, cfg)
		if err != nil {
			return err
		}
		mgr, err := buildSecurityManager(cmd)
		if err != nil {
			return err
		}
		runtime := queue.New(rdb, mustFlag(cmd, "worker-id"))

		sw := worker.NewSyncWorker(deps, mgr, uploadTargets()...)
		runtime.RegisterHandler(cfg.Queues.Sync, 1, sw.Handle)

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		serveMetrics(metricsAddr, pprofEnabled)

		ctx, cancelFn := context.WithCancel(context.Background())
		go monitorHealth(ctx, store, rdb, deps.Workspace, cfg.HealthCheckInterval)
		go waitForShutdown(cancelFn)
		return runtime.Run(ctx)
	},
}

var recoveryMonitorCmd = &cobra.Command{
	Use:   "recovery-monitor",
	Short: "Run the Orphan Recovery Monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		store, err := buildStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		rdb := buildRedis(cmd)
		defer rdb.Close()

		status := jobstatus.New(store)
		runtime := queue.New(rdb, mustFlag(cmd, "worker-id"))
		ws, err := workspace.New(envOrFlag(cmd, "downloads-root", cfg.DownloadsRoot))
		if err != nil {
			return err
		}

		mon := recovery.New(store, status, runtime, cfg, func(job *types.UserJob) string {
			switch job.Status {
			case types.JobStatusDownloading, types.JobStatusTorrentDownloadRetry:
				return cfg.Queues.Torrents
			default:
				return cfg.Queues.GoogleDrive
			}
		})

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
		serveMetrics(metricsAddr, pprofEnabled)

		ctx, cancelFn := context.WithCancel(context.Background())
		go monitorHealth(ctx, store, rdb, ws, cfg.HealthCheckInterval)
		mon.Start(ctx)
		waitForShutdown(cancelFn)
		mon.Stop()
		return nil
	},
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [info-hash] [tracker-url...]",
	Short: "Scrape one torrent's swarm health across the given UDP trackers (operator utility)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		trackers := args[1:]
		if len(trackers) == 0 {
			trackers = cfg.PublicUDPTrackersFallback
		}

		agg := scrape.New(cfg.ScrapeTimeout, cfg.ScrapeRetriesPerTracker, cfg.PublicUDPTrackersFallback)
		result, err := agg.Scrape(context.Background(), args[0], trackers)
		if err != nil {
			return err
		}
		measurements := health.Evaluate(result, health.Thresholds{
			WeakSeeders:    cfg.HealthWeakSeeders,
			HealthySeeders: cfg.HealthHealthySeeders,
		})
		fmt.Printf("seeders=%d leechers=%d healthy=%v weak=%v score=%d\n",
			result.Seeders, result.Leechers, measurements.IsHealthy, measurements.IsWeak, measurements.HealthScore)
		return nil
	},
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
