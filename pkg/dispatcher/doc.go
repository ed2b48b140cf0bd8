/*
Package dispatcher takes a caller-supplied user, requested file, and
storage profile, creates the UserJob row, checks that the storage
provider has a registered handler, and enqueues the job onto its kind's
entry queue ("torrents", or "sync" for sync jobs). Once the download
has finished, DispatchUpload enqueues the upload step onto the
provider handler's named queue.

Providers register themselves at startup:

	d := dispatcher.New(store, statusSvc, queueRuntime, cfg)
	d.RegisterProvider(types.StorageProviderAwsS3, s3Handler)
	d.RegisterProvider(types.StorageProviderGoogleDrive, driveHandler)

A dispatch attempt against an unregistered provider is a hard
HANDLER_NOT_REGISTERED error rather than a runtime branch.
*/
package dispatcher
