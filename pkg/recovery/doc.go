/*
Package recovery implements the Orphan Recovery Monitor: a
periodic sweep that finds UserJob and SyncJob rows stuck in a running
or RETRY status with no live worker behind them, and puts them back to
work.

A job goes orphaned when its worker process dies or its lease expires
without anyone observing it: the row stays DOWNLOADING/UPLOADING/
SYNCING forever unless something notices. The monitor notices by
comparing each candidate's stored heartbeat against StaleJobThreshold
and cross-checking its queue-runtime handle via Inspect before
deciding to recover, so a job that is merely slow (still Enqueued or
Scheduled) is left alone.

	mon := recovery.New(store, statusSvc, queueRuntime, cfg, queueForJob)
	mon.Start(ctx)
	defer mon.Stop()

Recovery reuses the Job Status Service's own backoff and retry-cap
logic rather than duplicating it, so a recovered job is subject to the
same terminal-failure ceiling as one retried by its own worker.
*/
package recovery
