// Package log provides structured logging built on zerolog, written as
// JSON when Config.JSONOutput is set and through zerolog's console
// writer otherwise: Init configures the global Logger's level and output once at
// process startup, and WithComponent/WithJobID/WithWorkerID derive
// child loggers carrying the field every log line in this module
// needs to be correlated back to a job, a worker process, or a
// subsystem.
package log
