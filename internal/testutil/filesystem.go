package testutil

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vigil-go/internal/vigil"
)

// MockFile represents a file in the mock filesystem.
type MockFile struct {
	Content []byte
	ModTime time.Time
}

// MockFilesystemManager is an in-memory filesystem for testing. Open
// failures can be injected per path. Safe for concurrent use.
type MockFilesystemManager struct {
	mu        sync.Mutex
	files     map[string]*MockFile
	openFails map[string][]error
	opens     map[string]int
}

// NewMockFilesystemManager creates a new mock filesystem.
func NewMockFilesystemManager() *MockFilesystemManager {
	return &MockFilesystemManager{
		files:     make(map[string]*MockFile),
		openFails: make(map[string][]error),
		opens:     make(map[string]int),
	}
}

// AddFile adds or replaces a file.
func (m *MockFilesystemManager) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &MockFile{Content: content, ModTime: time.Now()}
}

// RemoveFile deletes a file.
func (m *MockFilesystemManager) RemoveFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// FailOpen makes the next len(errs) opens of path fail with errs in order.
func (m *MockFilesystemManager) FailOpen(path string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openFails[path] = append(m.openFails[path], errs...)
}

// Opens returns how many times path was opened, failures included.
func (m *MockFilesystemManager) Opens(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[path]
}

func (m *MockFilesystemManager) Resolve(rawPath string) (string, fs.FileInfo, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", nil, err
	}
	info, err := m.Stat(absPath)
	if err != nil {
		return "", nil, err
	}
	return absPath, info, nil
}

func (m *MockFilesystemManager) Open(path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens[path]++
	if errs := m.openFails[path]; len(errs) > 0 {
		m.openFails[path] = errs[1:]
		return nil, errs[0]
	}
	file, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(file.Content)), nil
}

func (m *MockFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[path]
	if !ok {
		// A path with files beneath it is a directory.
		prefix := filepath.Clean(path) + string(filepath.Separator)
		for p := range m.files {
			if strings.HasPrefix(p, prefix) {
				return &mockFileInfo{name: filepath.Base(path), dir: true}, nil
			}
		}
		return nil, fmt.Errorf("stat %s: %w", path, fs.ErrNotExist)
	}
	return &mockFileInfo{name: filepath.Base(path), size: int64(len(file.Content)), modTime: file.ModTime}, nil
}

func (m *MockFilesystemManager) FindFiles(dir string, recursive bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	var out []string
	for p := range m.files {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if !recursive && strings.ContainsRune(p[len(prefix):], filepath.Separator) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// mockFileInfo implements fs.FileInfo
type mockFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func (m *mockFileInfo) Name() string       { return m.name }
func (m *mockFileInfo) Size() int64        { return m.size }
func (m *mockFileInfo) ModTime() time.Time { return m.modTime }
func (m *mockFileInfo) IsDir() bool        { return m.dir }
func (m *mockFileInfo) Mode() fs.FileMode {
	if m.dir {
		return fs.ModeDir | 0755
	}
	return 0644
}
func (m *mockFileInfo) Sys() any           { return nil }

// Compile-time check
var _ vigil.FilesystemManager = (*MockFilesystemManager)(nil)
