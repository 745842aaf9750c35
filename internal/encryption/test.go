package encryption

import (
	"bytes"
	"fmt"
	"io"

	"vigil-go/internal/vigil"
)

// testHeader marks TestEncryptor output so it differs from plaintext.
var testHeader = []byte("VGENC\x00\x00\x00")

// TestKeyRef is the key reference reported by TestEncryptor.
const TestKeyRef = "test-key"

// TestEncryptor is a deterministic, reversible encryptor for tests. It
// prepends a fixed header on encrypt and strips it on decrypt. Unlock accepts
// only the passphrase given to Setup, or any passphrase if Setup was never called.
type TestEncryptor struct {
	passphrase  string
	setupCalled bool
}

var _ vigil.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	e.passphrase = passphrase
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) KeyRef() (string, error) {
	return TestKeyRef, nil
}

func (e *TestEncryptor) Unlock(passphrase string) (vigil.DecryptionContext, error) {
	if e.setupCalled && passphrase != e.passphrase {
		return nil, fmt.Errorf("wrong passphrase")
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the header added by TestEncryptor.
type TestDecryptionContext struct{}

var _ vigil.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
