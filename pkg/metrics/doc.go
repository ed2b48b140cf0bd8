/*
Package metrics defines and registers the Prometheus metrics emitted
by the pipeline, and exposes a JSON health/readiness surface alongside
them.

# Metrics catalog

Job lifecycle:

	pipeline_jobs_total{kind,status}               gauge
	pipeline_job_transitions_total{to_status,source} counter
	pipeline_job_transition_rejected_total{from_status,to_status} counter

Leases:

	pipeline_lease_acquire_total{result}           counter
	pipeline_lease_refresh_duration_seconds        histogram

Tracker scrape:

	pipeline_scrape_duration_seconds               histogram
	pipeline_scrape_trackers_success               histogram

Download/upload workers:

	pipeline_download_duration_seconds             histogram
	pipeline_download_bytes_total                  counter
	pipeline_upload_parts_total{provider}          counter
	pipeline_upload_session_restarts_total{provider} counter
	pipeline_upload_duration_seconds{provider}     histogram

Orphan recovery:

	pipeline_recovery_cycles_total                 counter
	pipeline_recovery_duration_seconds             histogram
	pipeline_jobs_recovered_total{prior_status}    counter

Queue runtime:

	pipeline_queue_enqueued_total{queue}           counter
	pipeline_queue_dispatch_duration_seconds{queue} histogram

All metrics register themselves at package init via MustRegister
against the default Prometheus registry; Handler exposes them for
scraping.

# Timer

Timer is a small stopwatch: NewTimer captures a start instant,
ObserveDuration/ObserveDurationVec record the elapsed time against a
histogram (or a label set of one) when the operation completes.

# Health and readiness

RegisterComponent/UpdateComponent record the health of a named
component (lease renewal, queue connectivity, storage connectivity,
...); GetHealth aggregates them into a single healthy/unhealthy
status, and HealthHandler/ReadyHandler/LivenessHandler expose that as
JSON over HTTP for container orchestrators to probe.
*/
package metrics
