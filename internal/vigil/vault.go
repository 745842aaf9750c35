package vigil

import "io"

// Vault stores encrypted quarantine blobs. Blobs are opaque to the vault;
// encryption happens before PutBlob.
type Vault interface {
	// PutBlob stores the content read from r under id and returns the number
	// of bytes written. The blob is durable when PutBlob returns nil.
	PutBlob(id string, r io.Reader) (int64, error)

	// GetBlob writes the blob identified by id to w.
	GetBlob(id string, w io.Writer) error

	// DeleteBlob removes the blob. Filesystem vaults overwrite the content
	// before unlinking it.
	DeleteBlob(id string) error

	// BlobPath returns the location of the blob for display and records.
	BlobPath(id string) string

	// AppendManifest durably appends one line to the vault manifest.
	AppendManifest(line []byte) error

	// ReadManifest returns the full manifest. A vault without a manifest
	// returns an empty reader.
	ReadManifest() (io.ReadCloser, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
