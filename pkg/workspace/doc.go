/*
Package workspace owns the per-job local directory layout under the
configured downloads root.

The Download Worker writes selected torrent content under
{downloadsRoot}/{jobId}; engine metadata such as dht_nodes.cache and
*.fresume resume files live alongside it and are disposable. The
Upload Worker reads from this directory, and the Sync Worker is the
only caller permitted to remove it, and only after the sync reaches
COMPLETED.

	root, _ := workspace.New(cfg.DownloadsRoot)
	dir, _ := root.Dir(job.ID)
	// ... write selected files under dir ...
	root.Remove(job.ID) // sync worker only, post-completion
*/
package workspace
