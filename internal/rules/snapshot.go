package rules

import (
	"sync/atomic"

	"vigil-go/internal/vigil"
)

// Snapshot is a reference-counted handle on one corpus. Scans hold a
// snapshot for their whole duration, so a rule update never changes the
// rules under an in-flight scan. Call Release exactly once per Acquire.
type Snapshot struct {
	corpus *Corpus
	info   vigil.RuleSetVersion

	// refs starts at 1 for the store's own reference, which is dropped when
	// the snapshot is superseded.
	refs      atomic.Int64
	onReclaim func(*Snapshot)
}

func newSnapshot(c *Corpus, info vigil.RuleSetVersion, onReclaim func(*Snapshot)) *Snapshot {
	s := &Snapshot{corpus: c, info: info, onReclaim: onReclaim}
	s.refs.Store(1)
	return s
}

// Corpus returns the compiled rules.
func (s *Snapshot) Corpus() *Corpus { return s.corpus }

// Info returns the rule set version of this snapshot.
func (s *Snapshot) Info() vigil.RuleSetVersion { return s.info }

// Release drops one reference. The last release of a superseded snapshot
// reclaims it.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 && s.onReclaim != nil {
		s.onReclaim(s)
	}
}

// tryRetain adds a reference unless the snapshot has already been reclaimed.
func (s *Snapshot) tryRetain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}
