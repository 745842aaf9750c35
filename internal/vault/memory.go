package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"vigil-go/internal/vigil"
)

// MemoryVault is an in-memory Vault for tests. It is safe for concurrent use.
type MemoryVault struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	manifest bytes.Buffer
}

var _ vigil.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{blobs: make(map[string][]byte)}
}

func (m *MemoryVault) PutBlob(id string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read blob: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = data
	return int64(len(data)), nil
}

func (m *MemoryVault) GetBlob(id string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("blob %s: %w", id, vigil.ErrNotFound)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

func (m *MemoryVault) DeleteBlob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}

func (m *MemoryVault) BlobPath(id string) string {
	return "memory://" + id
}

// HasBlob reports whether a blob is stored. Tests use it to check cleanup.
func (m *MemoryVault) HasBlob(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[id]
	return ok
}

func (m *MemoryVault) AppendManifest(line []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifest.Write(bytes.TrimRight(line, "\n"))
	m.manifest.WriteByte('\n')
	return nil
}

func (m *MemoryVault) ReadManifest() (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return io.NopCloser(bytes.NewReader(bytes.Clone(m.manifest.Bytes()))), nil
}

func (m *MemoryVault) ValidateSetup() error {
	return nil
}
