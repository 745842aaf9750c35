package vigil

import (
	"io"
	"io/fs"
)

// FilesystemManager abstracts file access for scanning.
type FilesystemManager interface {
	// Resolve makes rawPath absolute and stats it. Device files, pipes and
	// sockets are rejected.
	Resolve(rawPath string) (string, fs.FileInfo, error)

	// Open opens a regular file for reading.
	Open(path string) (io.ReadCloser, error)

	// Stat returns fresh file info without following symlinks.
	Stat(path string) (fs.FileInfo, error)

	// FindFiles lists regular files under dir.
	FindFiles(dir string, recursive bool) ([]string, error)
}
