package rules

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"vigil-go/internal/vigil"
)

// ErrNoRules reports that no rule set has been loaded yet.
var ErrNoRules = errors.New("no rule set loaded")

// StoreConfig configures a Store.
type StoreConfig struct {
	Dir       string        // local cache of the active bundle
	Source    Source        // nil disables remote updates
	PublicKey string        // base64 Ed25519 key; empty disables signature checks
	Interval  time.Duration // update cadence for Run
	Clock     vigil.Clock
	Logger    vigil.Logger
	Events    vigil.EventSink
}

// Store owns the active rule set. Readers take snapshots lock-free; updates
// are serialized and swap the current pointer only after full validation.
type Store struct {
	dir      string
	source   Source
	key      ed25519.PublicKey
	interval time.Duration
	clock    vigil.Clock
	logger   vigil.Logger
	events   vigil.EventSink

	updateMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// NewStore creates a Store. It does not load anything; call Load.
func NewStore(cfg StoreConfig) (*Store, error) {
	s := &Store{
		dir:      cfg.Dir,
		source:   cfg.Source,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		events:   cfg.Events,
	}
	if s.clock == nil {
		s.clock = vigil.RealClock{}
	}
	if s.logger == nil {
		s.logger = vigil.NewNopLogger()
	}
	if s.events == nil {
		s.events = vigil.NopSink{}
	}
	if s.interval <= 0 {
		s.interval = 4 * time.Hour
	}
	if cfg.PublicKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid rules public key")
		}
		s.key = ed25519.PublicKey(raw)
	}
	return s, nil
}

// Acquire returns a retained snapshot of the active rule set, or nil if no
// rule set is loaded. The caller must Release it.
func (s *Store) Acquire() *Snapshot {
	for {
		snap := s.current.Load()
		if snap == nil {
			return nil
		}
		if snap.tryRetain() {
			return snap
		}
		// Superseded and reclaimed between Load and retain; the pointer has moved on.
	}
}

// Current returns the active rule set version.
func (s *Store) Current() (vigil.RuleSetVersion, bool) {
	snap := s.current.Load()
	if snap == nil {
		return vigil.RuleSetVersion{}, false
	}
	return snap.info, true
}

// Load installs the bundle cached in the store directory. A missing cache is
// not an error: the agent runs without rules until the first update.
func (s *Store) Load() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	bundle, err := os.ReadFile(filepath.Join(s.dir, BundleFile))
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("no cached rule set", "dir", s.dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cached bundle: %w", err)
	}
	manifest, err := os.ReadFile(filepath.Join(s.dir, ManifestFile))
	if err != nil {
		return fmt.Errorf("reading cached manifest: %w", err)
	}

	corpus, err := Verify(bundle, manifest, s.key)
	if err != nil {
		return fmt.Errorf("cached rule set: %w", err)
	}
	info := s.swap(corpus)
	s.logger.Info("rule set loaded", "version", info.Version, "rules", info.RuleCount)
	return nil
}

// Update fetches from the source and installs a newer rule set. It returns
// the active version and whether it changed.
func (s *Store) Update(ctx context.Context) (vigil.RuleSetVersion, bool, error) {
	if s.source == nil {
		cur, _ := s.Current()
		return cur, false, fmt.Errorf("no rule source configured")
	}
	p, err := s.source.Fetch(ctx)
	if err != nil {
		cur, _ := s.Current()
		return cur, false, fmt.Errorf("fetching rules from %s: %w", s.source, err)
	}
	return s.Install(p.Bundle, p.Manifest)
}

// Install verifies a bundle, persists it to the cache and makes it active.
// An older or equal version leaves the active set untouched; older is an
// integrity error because a legitimate publisher never goes backwards.
func (s *Store) Install(bundle, manifest []byte) (vigil.RuleSetVersion, bool, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	cur := s.current.Load()
	corpus, err := Verify(bundle, manifest, s.key)
	if err != nil {
		s.reject(err)
		return infoOf(cur), false, err
	}

	if cur != nil {
		switch corpus.version.Compare(cur.corpus.version) {
		case 0:
			return cur.info, false, nil
		case -1:
			err := fmt.Errorf("rule set %s is older than active %s: %w",
				corpus.Version(), cur.corpus.Version(), vigil.ErrIntegrity)
			s.reject(err)
			return cur.info, false, err
		}
	}

	if err := s.persist(bundle, manifest); err != nil {
		return infoOf(cur), false, err
	}

	info := s.swap(corpus)
	s.logger.Info("rule set updated", "version", info.Version, "rules", info.RuleCount)
	s.events.Publish(vigil.Event{
		Kind:    vigil.EventRulesUpdated,
		Time:    info.LoadedAt,
		Message: "rule set " + info.Version + " active",
		Fields:  map[string]string{"version": info.Version, "hash": info.Hash},
	})
	return info, true, nil
}

// Run checks for updates every interval until ctx is done. Failures keep
// the current rule set and are retried on the next tick.
func (s *Store) Run(ctx context.Context) error {
	if s.source == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Store) tick(ctx context.Context) {
	if _, _, err := s.Update(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("rule update failed", "source", s.source.String(), "error", err)
	}
}

func (s *Store) swap(c *Corpus) vigil.RuleSetVersion {
	info := vigil.RuleSetVersion{
		Version:   c.Version(),
		Hash:      c.Hash(),
		LoadedAt:  s.clock.Now(),
		RuleCount: c.Len(),
	}
	next := newSnapshot(c, info, func(old *Snapshot) {
		s.logger.Debug("rule set reclaimed", "version", old.info.Version)
	})
	if old := s.current.Swap(next); old != nil {
		old.Release()
	}
	return info
}

func (s *Store) reject(err error) {
	s.logger.Error("rule set rejected", "error", err)
	s.events.Publish(vigil.Event{
		Kind:    vigil.EventRulesRejected,
		Time:    s.clock.Now(),
		Message: err.Error(),
	})
}

// persist writes bundle and manifest via temp files and rename. Load
// re-verifies the pair, so a crash between the two renames is caught as a
// hash mismatch on the next start.
func (s *Store) persist(bundle, manifest []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating rules directory: %w", err)
	}
	if err := writeAtomic(filepath.Join(s.dir, BundleFile), bundle); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, ManifestFile), manifest)
}

func writeAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", dest, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", dest, err)
	}
	return nil
}

func infoOf(s *Snapshot) vigil.RuleSetVersion {
	if s == nil {
		return vigil.RuleSetVersion{}
	}
	return s.info
}
