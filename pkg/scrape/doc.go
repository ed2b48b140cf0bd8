// Package scrape aggregates BEP-15 UDP tracker scrape responses across
// a tracker list, used by the health-check step ahead of a download
// (pkg/health consumes its output).
package scrape
