package vigil

import (
	"path/filepath"
	"strings"
	"time"
)

// Priority orders scan work. High-priority tasks are dispatched first.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// WatchedRoot is a directory subtree under observation.
// Dynamic roots are added by the install detector and carry an Expiry.
type WatchedRoot struct {
	Path     string
	Priority Priority
	Expiry   time.Time
	Dynamic  bool
}

// Expired reports whether a dynamic root has passed its expiry.
func (r WatchedRoot) Expired(now time.Time) bool {
	return r.Dynamic && !r.Expiry.IsZero() && !now.Before(r.Expiry)
}

// ChangeKind is the kind of filesystem change observed.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeWrite  ChangeKind = "write"
	ChangeRemove ChangeKind = "remove"
	ChangeRename ChangeKind = "rename"
	ChangeChmod  ChangeKind = "chmod"
)

// FileEvent is a filesystem change notification.
type FileEvent struct {
	Path       string
	Kind       ChangeKind
	ObservedAt time.Time
	Root       string
	Priority   Priority
}

// ScanTask is a pending or in-flight scan of one path.
type ScanTask struct {
	Path        string
	Priority    Priority
	EnqueuedAt  time.Time
	LastEventAt time.Time
	Deadline    time.Time
	Events      int
}

// RuleSetVersion identifies the active compiled rule corpus.
type RuleSetVersion struct {
	Version   string    `json:"version"`
	Hash      string    `json:"hash"`
	LoadedAt  time.Time `json:"loaded_at"`
	RuleCount int       `json:"rule_count"`
}

// VerdictKind is the outcome of scanning one file.
type VerdictKind string

const (
	VerdictClean           VerdictKind = "clean"
	VerdictSuspicious      VerdictKind = "suspicious"
	VerdictMalicious       VerdictKind = "malicious"
	VerdictSkippedTooLarge VerdictKind = "skipped-too-large"
	VerdictSkippedError    VerdictKind = "skipped-error"
)

// Verdict is the result of scanning one file against one rule set.
type Verdict struct {
	ID           int64
	Path         string
	Kind         VerdictKind
	MatchedRules []string
	RuleVersion  string
	ScannedAt    time.Time
	Error        string
}

// QuarantineRecord describes one file held in the vault.
type QuarantineRecord struct {
	ID            string
	OriginalPath  string
	VaultPath     string
	KeyRef        string
	QuarantinedAt time.Time
	Restorable    bool
	SHA256        string
	Size          int64
	MatchedRules  []string
}

// LicenseStatus is a state of the license state machine.
type LicenseStatus string

const (
	LicenseUnactivated  LicenseStatus = "unactivated"
	LicenseActive       LicenseStatus = "active"
	LicenseGraceOffline LicenseStatus = "grace_offline"
	LicenseExpired      LicenseStatus = "expired"
)

// LicenseState is the persisted license state. It is owned by the license
// state machine; everything else works on copies.
type LicenseState struct {
	Status        LicenseStatus
	ActivationID  string
	DeviceID      string
	Expiry        time.Time
	SeatCount     int
	SeatLimit     int
	AutoRenew     bool
	LastValidated time.Time
	OfflineSince  time.Time
	PollInterval  time.Duration
	FailureCount  int
	LastWarnedAt  time.Time

	// Revision increases with every save. A holder with a lower revision
	// reloads before acting.
	Revision int64
}

// InstallReport summarizes scanning done under a promoted install directory.
type InstallReport struct {
	ID        int64
	Root      string
	Installer string
	StartedAt time.Time
	EndedAt   time.Time
	Scanned   int
	Flagged   int
}

// RestoredFile is the last restore of a path out of quarantine.
type RestoredFile struct {
	Path       string
	SHA256     string
	RestoredAt time.Time
}

// Operation tracks one CLI invocation that mutated agent state.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Within reports whether path is root itself or lies beneath it.
func Within(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == path {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
