/*
Package security encrypts StorageProfile credentials at rest.

A StorageProfile's EncryptedCredentials column holds an AES-256-GCM
ciphertext (nonce prepended) of a JSON-encoded DriveCredentials or
S3Credentials value, keyed by a cluster-wide encryption key supplied
out of band (environment variable or secrets manager, outside this
package's concern).

	mgr, _ := security.NewManager(encryptionKey)
	ciphertext, _ := mgr.EncryptJSON(security.S3Credentials{...})
	profile.EncryptedCredentials = ciphertext

	var creds security.S3Credentials
	_ = mgr.DecryptJSON(profile.EncryptedCredentials, &creds)

Mutual-TLS certificate issuance, node authentication, and CLI client
certificates are collaborator concerns outside this pipeline's scope
and are not implemented here.
*/
package security
