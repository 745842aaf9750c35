package vigil

import "io"

// Encryptor encrypts quarantined content and unlocks it for restore.
// Encryption uses the public key only, so the agent can quarantine without
// user intervention. Restore requires a passphrase to unlock the private key.
type Encryptor interface {
	// Setup performs one-time key generation. Called during `vigil keys init`.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase and returns a
	// DecryptionContext for the duration of a restore.
	Unlock(passphrase string) (DecryptionContext, error)

	// KeyRef identifies the key pair content is encrypted to. It is stored
	// on every quarantine record.
	KeyRef() (string, error)

	// IsConfigured returns true if both key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
