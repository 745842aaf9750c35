package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vigil-go/internal/vigil"
)

const manifestName = "manifest.jsonl"

// FileSystemVault stores quarantine blobs as files:
//
//	<root>/
//	  blobs/
//	    <id>.blob      (encrypted content)
//	  manifest.jsonl   (append-only record log)
type FileSystemVault struct {
	root    string
	blobDir string

	manifestMu sync.Mutex
}

var _ vigil.Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(root string) (*FileSystemVault, error) {
	blobDir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(blobDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileSystemVault{root: root, blobDir: blobDir}, nil
}

func (v *FileSystemVault) BlobPath(id string) string {
	return filepath.Join(v.blobDir, id+".blob")
}

// PutBlob writes the blob with a temp file and rename so a crash never leaves
// a partial blob under its final name.
func (v *FileSystemVault) PutBlob(id string, r io.Reader) (int64, error) {
	if err := checkID(id); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(v.blobDir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, v.BlobPath(id)); err != nil {
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}
	if err := syncDir(v.blobDir); err != nil {
		return 0, err
	}

	success = true
	return written, nil
}

func (v *FileSystemVault) GetBlob(id string, w io.Writer) error {
	if err := checkID(id); err != nil {
		return err
	}
	f, err := os.Open(v.BlobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("blob %s: %w", id, vigil.ErrNotFound)
		}
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	return nil
}

// DeleteBlob overwrites the blob with zeros before unlinking it. A missing
// blob is not an error.
func (v *FileSystemVault) DeleteBlob(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	path := v.BlobPath(id)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open blob for wiping: %w", err)
	}
	info, err := f.Stat()
	if err == nil {
		_, err = io.CopyN(f, zeroReader{}, info.Size())
	}
	if err == nil {
		err = f.Sync()
	}
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to wipe blob %s: %w", id, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove blob %s: %w", id, err)
	}
	return nil
}

func (v *FileSystemVault) AppendManifest(line []byte) error {
	v.manifestMu.Lock()
	defer v.manifestMu.Unlock()

	f, err := os.OpenFile(filepath.Join(v.root, manifestName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, bytes.TrimRight(line, "\n")...), '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to append manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}
	return nil
}

func (v *FileSystemVault) ReadManifest() (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(v.root, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	return f, nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.blobDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	return nil
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid blob id %q", id)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
