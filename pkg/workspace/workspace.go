// Package workspace owns the local block-storage directory
// {downloadsRoot}/{jobId} that the download worker writes into and the
// upload/sync workers read from: one job-scoped directory per job
// rather than a general named-volume abstraction.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// dhtCacheFile is the torrent engine's disposable DHT node cache,
	// kept alongside selected output; never part of the uploaded payload.
	dhtCacheFile = "dht_nodes.cache"
)

// Root manages the on-disk layout under downloadsRoot.
type Root struct {
	basePath string
}

func New(basePath string) (*Root, error) {
	if basePath == "" {
		return nil, fmt.Errorf("workspace: basePath is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Root{basePath: basePath}, nil
}

// Dir returns {downloadsRoot}/{jobId}, creating it if absent.
func (r *Root) Dir(jobID string) (string, error) {
	dir := r.Path(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create job dir: %w", err)
	}
	return dir, nil
}

// Path returns {downloadsRoot}/{jobId} without creating it.
func (r *Root) Path(jobID string) string {
	return filepath.Join(r.basePath, jobID)
}

// ResumeFilePath returns the torrent engine's resume-data file for jobID.
func (r *Root) ResumeFilePath(jobID, infoHashV1 string) string {
	return filepath.Join(r.Path(jobID), infoHashV1+".fresume")
}

// DHTCachePath returns the engine's disposable DHT node cache path.
func (r *Root) DHTCachePath(jobID string) string {
	return filepath.Join(r.Path(jobID), dhtCacheFile)
}

// Exists reports whether a job directory has already been created.
func (r *Root) Exists(jobID string) bool {
	_, err := os.Stat(r.Path(jobID))
	return err == nil
}

// Remove deletes a job's directory and all of its contents. Only the
// Sync worker calls this, and only after the sync is COMPLETED.
func (r *Root) Remove(jobID string) error {
	if err := os.RemoveAll(r.Path(jobID)); err != nil {
		return fmt.Errorf("workspace: remove job dir: %w", err)
	}
	return nil
}

// Writable probes basePath for a writable filesystem by creating and
// removing a throwaway file, so health reporting can detect a
// read-only or full downloads volume before a job lands on it.
func (r *Root) Writable() error {
	probe := filepath.Join(r.basePath, ".health-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("workspace: root not writable: %w", err)
	}
	f.Close()
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("workspace: remove health probe: %w", err)
	}
	return nil
}
