// Package quarantine isolates malicious files in the encrypted vault and
// restores or purges them on request.
package quarantine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vigil-go/internal/vigil"
)

// DefaultRestoreGrace is how long restored content is left alone at its
// path.
const DefaultRestoreGrace = 3 * time.Minute

// Config configures a Manager.
type Config struct {
	Vault     vigil.Vault
	Encryptor vigil.Encryptor
	DB        vigil.Database
	IDs       vigil.IDGenerator
	Clock     vigil.Clock
	Logger    vigil.Logger
	Events    vigil.EventSink

	// MaxFiles and MaxSize cap the vault. The oldest records are purged
	// once either is exceeded. Zero means no limit.
	MaxFiles int
	MaxSize  int64
	// RestoreGrace is the window in which a restored file is not captured
	// again. Zero means DefaultRestoreGrace.
	RestoreGrace time.Duration
}

// Manager moves files into the vault and back. Operations on the same
// original path are serialized.
type Manager struct {
	vault     vigil.Vault
	encryptor vigil.Encryptor
	db        vigil.Database
	ids       vigil.IDGenerator
	clock     vigil.Clock
	logger    vigil.Logger
	events    vigil.EventSink
	locks     *pathLocks

	maxFiles     int
	maxSize      int64
	restoreGrace time.Duration
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		vault:     cfg.Vault,
		encryptor: cfg.Encryptor,
		db:        cfg.DB,
		ids:       cfg.IDs,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		events:    cfg.Events,
		locks:     newPathLocks(),

		maxFiles:     cfg.MaxFiles,
		maxSize:      cfg.MaxSize,
		restoreGrace: cfg.RestoreGrace,
	}
	if m.restoreGrace <= 0 {
		m.restoreGrace = DefaultRestoreGrace
	}
	if m.ids == nil {
		m.ids = vigil.UUIDGenerator{}
	}
	if m.clock == nil {
		m.clock = vigil.RealClock{}
	}
	if m.logger == nil {
		m.logger = vigil.NewNopLogger()
	}
	if m.events == nil {
		m.events = vigil.NopSink{}
	}
	return m
}

// Quarantine encrypts path into the vault and removes the original. If any
// step fails the original is left in place and everything written so far
// is rolled back. Quarantining a path that already has a record for the
// same content returns that record. Afterwards the oldest records are
// purged if the vault is over its limits.
func (m *Manager) Quarantine(path string, matchedRules []string) (*vigil.QuarantineRecord, error) {
	rec, err := m.capture(path, matchedRules)
	if err != nil {
		return nil, err
	}
	if err := m.enforceLimits(rec.ID); err != nil {
		m.logger.Error("cannot enforce vault limits", "error", err)
	}
	return rec, nil
}

func (m *Manager) capture(path string, matchedRules []string) (*vigil.QuarantineRecord, error) {
	path = filepath.Clean(path)
	unlock := m.locks.lock(path)
	defer unlock()

	if rec, err := m.existing(path); err != nil || rec != nil {
		return rec, err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("quarantine %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("quarantine %s: not a regular file", path)
	}
	keyRef, err := m.encryptor.KeyRef()
	if err != nil {
		return nil, fmt.Errorf("quarantine %s: %v: %w", path, err, vigil.ErrResource)
	}

	id := m.ids.New()
	sum, size, err := m.store(id, path)
	if err != nil {
		m.discardBlob(id)
		return nil, fmt.Errorf("quarantine %s: %w", path, err)
	}

	rec := &vigil.QuarantineRecord{
		ID:            id,
		OriginalPath:  path,
		VaultPath:     m.vault.BlobPath(id),
		KeyRef:        keyRef,
		QuarantinedAt: m.clock.Now(),
		Restorable:    true,
		SHA256:        sum,
		Size:          size,
		MatchedRules:  matchedRules,
	}

	if err := m.appendEntry(addEntry(rec)); err != nil {
		m.discardBlob(id)
		return nil, fmt.Errorf("quarantine %s: %v: %w", path, err, vigil.ErrResource)
	}
	if err := m.db.CreateQuarantineRecord(rec); err != nil {
		m.rollback(id)
		return nil, fmt.Errorf("quarantine %s: recording: %w", path, err)
	}
	if err := os.Remove(path); err != nil {
		if delErr := m.db.DeleteQuarantineRecord(id); delErr != nil {
			m.logger.Error("rollback: cannot delete quarantine record", "id", id, "error", delErr)
		}
		m.rollback(id)
		return nil, fmt.Errorf("quarantine %s: removing original: %v: %w", path, err, vigil.ErrResource)
	}

	m.logger.Info("quarantined", "path", path, "id", id, "rules", matchedRules)
	m.events.Publish(vigil.Event{
		Kind: vigil.EventQuarantined,
		Time: rec.QuarantinedAt,
		Path: path,
		Fields: map[string]string{
			"id":     id,
			"sha256": sum,
			"rules":  strings.Join(matchedRules, ","),
		},
	})
	return rec, nil
}

// enforceLimits purges the oldest records other than keep until the vault
// is within MaxFiles and MaxSize.
func (m *Manager) enforceLimits(keep string) error {
	if m.maxFiles <= 0 && m.maxSize <= 0 {
		return nil
	}
	recs, err := m.db.ListQuarantineRecords()
	if err != nil {
		return fmt.Errorf("listing quarantine records: %w", err)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].QuarantinedAt.Before(recs[j].QuarantinedAt)
	})

	count := len(recs)
	var size int64
	for _, r := range recs {
		size += r.Size
	}
	over := func() bool {
		return (m.maxFiles > 0 && count > m.maxFiles) || (m.maxSize > 0 && size > m.maxSize)
	}

	var errs []error
	for _, r := range recs {
		if !over() {
			break
		}
		if r.ID == keep {
			continue
		}
		if err := m.Purge(r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Warn("vault limit reached, purged oldest entry", "id", r.ID, "path", r.OriginalPath)
		count--
		size -= r.Size
	}
	return errors.Join(errs...)
}

// existing returns the record already covering path, if the file is gone
// or still holds the quarantined content. In the latter case the leftover
// original is removed.
func (m *Manager) existing(path string) (*vigil.QuarantineRecord, error) {
	rec, err := m.db.FindQuarantineRecordByPath(path)
	if err != nil {
		return nil, fmt.Errorf("looking up quarantine record: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	sum, err := hashFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	if sum != rec.SHA256 {
		return nil, nil
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("removing already quarantined %s: %v: %w", path, err, vigil.ErrResource)
	}
	return rec, nil
}

// store encrypts path into the vault under id, hashing the plaintext on
// the way.
func (m *Manager) store(id, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening: %v: %w", err, vigil.ErrResource)
	}
	defer f.Close()

	h := sha256.New()
	counter := &countingReader{r: io.TeeReader(f, h)}

	pr, pw := io.Pipe()
	encErrCh := make(chan error, 1)
	go func() {
		err := m.encryptor.Encrypt(counter, pw)
		pw.CloseWithError(err)
		encErrCh <- err
	}()

	_, putErr := m.vault.PutBlob(id, pr)
	pr.CloseWithError(putErr) // unblock the encryptor if the vault failed early
	encErr := <-encErrCh

	if encErr != nil {
		return "", 0, fmt.Errorf("encrypting: %w", encErr)
	}
	if putErr != nil {
		return "", 0, fmt.Errorf("writing to vault: %v: %w", putErr, vigil.ErrResource)
	}
	return hex.EncodeToString(h.Sum(nil)), counter.n, nil
}

func (m *Manager) rollback(id string) {
	if err := m.tombstone(id, ReasonRollback); err != nil {
		m.logger.Error("rollback: cannot tombstone manifest entry", "id", id, "error", err)
	}
	m.discardBlob(id)
}

func (m *Manager) discardBlob(id string) {
	if err := m.vault.DeleteBlob(id); err != nil {
		m.logger.Error("cannot delete vault blob", "id", id, "error", err)
	}
}

// Restore decrypts record id back to disk and retires it from the vault.
// dest overrides the original path; when dest is an existing directory the
// file keeps its original name inside it. An existing file is never
// overwritten. The vault entry is removed only after the restored file is
// in place.
func (m *Manager) Restore(id, dest string, dc vigil.DecryptionContext) (string, error) {
	rec, err := m.db.FindQuarantineRecord(id)
	if err != nil {
		return "", fmt.Errorf("finding quarantine record: %w", err)
	}
	if rec == nil {
		return "", fmt.Errorf("quarantine record %s: %w", id, vigil.ErrNotFound)
	}
	if !rec.Restorable {
		return "", fmt.Errorf("quarantine record %s is not restorable", id)
	}
	if dc == nil {
		return "", fmt.Errorf("restoring %s requires the vault passphrase", id)
	}

	target, err := restoreTarget(rec.OriginalPath, dest)
	if err != nil {
		return "", err
	}
	unlock := m.locks.lock(rec.OriginalPath, target)
	defer unlock()

	if _, err := os.Lstat(target); err == nil {
		return "", fmt.Errorf("restore target already exists: %s", target)
	}
	if err := m.decryptTo(rec, target, dc); err != nil {
		return "", err
	}

	// The file is back; failures from here on leave a stale vault entry,
	// not a lost file.
	var errs []error
	restored := &vigil.RestoredFile{Path: target, SHA256: rec.SHA256, RestoredAt: m.clock.Now()}
	if err := m.db.RecordRestore(restored); err != nil {
		errs = append(errs, fmt.Errorf("recording restore: %w", err))
	}
	if err := m.tombstone(id, ReasonRestored); err != nil {
		errs = append(errs, err)
	}
	if err := m.db.DeleteQuarantineRecord(id); err != nil {
		errs = append(errs, fmt.Errorf("deleting quarantine record: %w", err))
	}
	if err := m.vault.DeleteBlob(id); err != nil {
		errs = append(errs, fmt.Errorf("deleting vault blob: %w", err))
	}

	m.logger.Info("restored", "id", id, "path", target)
	m.events.Publish(vigil.Event{
		Kind:   vigil.EventRestored,
		Time:   m.clock.Now(),
		Path:   target,
		Fields: map[string]string{"id": id, "original_path": rec.OriginalPath},
	})
	if len(errs) > 0 {
		return target, fmt.Errorf("restored %s but cleanup failed: %w", target, errors.Join(errs...))
	}
	return target, nil
}

// RecentlyRestored reports whether path still holds the content that was
// restored to it within the restore grace window.
func (m *Manager) RecentlyRestored(path string) bool {
	path = filepath.Clean(path)
	r, err := m.db.FindRestore(path)
	if err != nil {
		m.logger.Warn("cannot look up restore", "path", path, "error", err)
		return false
	}
	if r == nil || m.clock.Now().Sub(r.RestoredAt) >= m.restoreGrace {
		return false
	}
	sum, err := hashFile(path)
	if err != nil {
		return false
	}
	return sum == r.SHA256
}

func restoreTarget(original, dest string) (string, error) {
	if dest == "" {
		if _, err := os.Stat(filepath.Dir(original)); err != nil {
			return "", fmt.Errorf("original directory of %s is unavailable, choose a destination: %w", original, err)
		}
		return original, nil
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dest, err)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return filepath.Join(abs, filepath.Base(original)), nil
	}
	if _, err := os.Stat(filepath.Dir(abs)); err != nil {
		return "", fmt.Errorf("destination directory: %w", err)
	}
	return abs, nil
}

// decryptTo writes the plaintext to a temp file beside target, checks the
// hash and links it into place without overwriting.
func (m *Manager) decryptTo(rec *vigil.QuarantineRecord, target string, dc vigil.DecryptionContext) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".vigil-restore-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	pr, pw := io.Pipe()
	vaultErrCh := make(chan error, 1)
	go func() {
		err := m.vault.GetBlob(rec.ID, pw)
		pw.CloseWithError(err)
		vaultErrCh <- err
	}()

	decryptErr := dc.Decrypt(pr, io.MultiWriter(tmp, h))
	pr.CloseWithError(decryptErr)
	vaultErr := <-vaultErrCh

	if vaultErr != nil {
		tmp.Close()
		return fmt.Errorf("reading vault blob %s: %w", rec.ID, vaultErr)
	}
	if decryptErr != nil {
		tmp.Close()
		return fmt.Errorf("decrypting %s: %w", rec.ID, decryptErr)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing restored file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing restored file: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != rec.SHA256 {
		return fmt.Errorf("restored content hash %s does not match %s: %w", got, rec.SHA256, vigil.ErrIntegrity)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	// Link fails if target exists, unlike Rename.
	if err := os.Link(tmpPath, target); err != nil {
		return fmt.Errorf("placing restored file at %s: %w", target, err)
	}
	return nil
}

// Purge securely deletes a quarantined file. It cannot be restored afterwards.
func (m *Manager) Purge(id string) error {
	rec, err := m.db.FindQuarantineRecord(id)
	if err != nil {
		return fmt.Errorf("finding quarantine record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("quarantine record %s: %w", id, vigil.ErrNotFound)
	}
	unlock := m.locks.lock(rec.OriginalPath)
	defer unlock()

	if err := m.tombstone(id, ReasonPurged); err != nil {
		return err
	}
	if err := m.vault.DeleteBlob(id); err != nil {
		return fmt.Errorf("deleting vault blob: %w", err)
	}
	if err := m.db.DeleteQuarantineRecord(id); err != nil {
		return fmt.Errorf("deleting quarantine record: %w", err)
	}

	m.logger.Info("purged", "id", id, "path", rec.OriginalPath)
	m.events.Publish(vigil.Event{
		Kind:   vigil.EventPurged,
		Time:   m.clock.Now(),
		Path:   rec.OriginalPath,
		Fields: map[string]string{"id": id},
	})
	return nil
}

// List returns all quarantine records.
func (m *Manager) List() ([]*vigil.QuarantineRecord, error) {
	return m.db.ListQuarantineRecords()
}

// Reconcile replays the manifest and recreates database records for active
// entries the database lost, such as after a crash between the manifest
// append and the database write. It returns how many records were restored.
func (m *Manager) Reconcile() (int, error) {
	state, err := m.ReadManifest()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, e := range state.Active {
		rec, err := m.db.FindQuarantineRecord(e.ID)
		if err != nil {
			return recovered, fmt.Errorf("checking record %s: %w", e.ID, err)
		}
		if rec != nil {
			continue
		}
		if err := m.db.CreateQuarantineRecord(e.record()); err != nil {
			return recovered, fmt.Errorf("recreating record %s: %w", e.ID, err)
		}
		m.logger.Warn("recovered quarantine record from manifest", "id", e.ID, "path", e.OriginalPath)
		recovered++
	}
	if state.Corrupt > 0 {
		m.logger.Warn("vault manifest has corrupt entries", "count", state.Corrupt)
	}
	return recovered, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
