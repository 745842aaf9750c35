package install

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// Process is one entry of a process snapshot.
type Process struct {
	PID  int
	Name string // short command name
	Exe  string // executable path, empty when unreadable
}

// ProcessLister takes a snapshot of running processes.
type ProcessLister interface {
	List() ([]Process, error)
}

// ProcfsLister reads processes from /proc.
type ProcfsLister struct {
	fs procfs.FS
}

// NewProcfsLister opens the proc filesystem at mountPoint
// (procfs.DefaultMountPoint when empty).
func NewProcfsLister(mountPoint string) (*ProcfsLister, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", mountPoint, err)
	}
	return &ProcfsLister{fs: fs}, nil
}

func (l *ProcfsLister) List() ([]Process, error) {
	procs, err := l.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			// Exited between listing and reading.
			continue
		}
		exe, _ := p.Executable()
		out = append(out, Process{PID: p.PID, Name: comm, Exe: exe})
	}
	return out, nil
}

// DefaultInstallerNames are glob patterns matched against the lowercased
// process name and executable base name.
var DefaultInstallerNames = []string{
	"setup*", "*installer*", "install", "install.*", "msiexec*", "update.exe", "updater*",
	"dpkg", "apt", "apt-get", "aptitude", "rpm", "dnf", "yum", "zypper", "pacman",
	"snap", "snapd", "flatpak", "pip", "pip3", "npm", "brew", "winget*", "choco*",
}

// Installer extensions and keywords: an executable with one of these
// extensions whose name mentions installing is an installer even when no
// pattern matches.
var (
	installerExtensions = map[string]bool{
		".exe": true, ".msi": true, ".bat": true, ".cmd": true, ".ps1": true, ".jar": true,
		".deb": true, ".rpm": true, ".pkg": true, ".dmg": true, ".run": true, ".sh": true,
		".appimage": true, ".bin": true,
	}
	installerKeywords = []string{"install", "setup", "update", "upgrade", "patch"}
)

// Matcher recognizes installer processes.
type Matcher struct {
	patterns []string
}

// NewMatcher creates a Matcher. Empty patterns use DefaultInstallerNames.
func NewMatcher(patterns []string) *Matcher {
	if len(patterns) == 0 {
		patterns = DefaultInstallerNames
	}
	lower := make([]string, len(patterns))
	for i, p := range patterns {
		lower[i] = strings.ToLower(p)
	}
	return &Matcher{patterns: lower}
}

// IsInstaller reports whether p looks like an installer.
func (m *Matcher) IsInstaller(p Process) bool {
	exeBase := strings.ToLower(filepath.Base(p.Exe))
	if p.Exe != "" && installerExtensions[filepath.Ext(exeBase)] {
		for _, kw := range installerKeywords {
			if strings.Contains(exeBase, kw) {
				return true
			}
		}
	}
	names := []string{strings.ToLower(p.Name)}
	if p.Exe != "" {
		names = append(names, exeBase)
	}
	for _, pat := range m.patterns {
		for _, n := range names {
			if ok, err := filepath.Match(pat, n); err == nil && ok {
				return true
			}
		}
	}
	return false
}
