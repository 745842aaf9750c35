package quarantine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"vigil-go/internal/vigil"
)

// Manifest operations. The manifest is append-only: an entry is retired by
// appending a tombstone, never by rewriting the file.
const (
	opAdd       = "add"
	opTombstone = "tombstone"
)

// Tombstone reasons.
const (
	ReasonRestored = "restored"
	ReasonPurged   = "purged"
	ReasonRollback = "rollback"
)

// ManifestEntry is one line of the vault manifest.
type ManifestEntry struct {
	Op            string    `json:"op"`
	ID            string    `json:"id"`
	OriginalPath  string    `json:"original_path,omitempty"`
	VaultPath     string    `json:"vault_path,omitempty"`
	KeyRef        string    `json:"key_ref,omitempty"`
	QuarantinedAt time.Time `json:"quarantined_at,omitzero"`
	SHA256        string    `json:"sha256,omitempty"`
	Size          int64     `json:"size,omitempty"`
	Rules         []string  `json:"rules,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at,omitzero"`
}

func addEntry(rec *vigil.QuarantineRecord) ManifestEntry {
	return ManifestEntry{
		Op:            opAdd,
		ID:            rec.ID,
		OriginalPath:  rec.OriginalPath,
		VaultPath:     rec.VaultPath,
		KeyRef:        rec.KeyRef,
		QuarantinedAt: rec.QuarantinedAt,
		SHA256:        rec.SHA256,
		Size:          rec.Size,
		Rules:         rec.MatchedRules,
	}
}

func (e ManifestEntry) record() *vigil.QuarantineRecord {
	return &vigil.QuarantineRecord{
		ID:            e.ID,
		OriginalPath:  e.OriginalPath,
		VaultPath:     e.VaultPath,
		KeyRef:        e.KeyRef,
		QuarantinedAt: e.QuarantinedAt,
		Restorable:    e.KeyRef != "",
		SHA256:        e.SHA256,
		Size:          e.Size,
		MatchedRules:  e.Rules,
	}
}

func (m *Manager) appendEntry(e ManifestEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding manifest entry: %w", err)
	}
	if err := m.vault.AppendManifest(line); err != nil {
		return fmt.Errorf("appending manifest entry: %w", err)
	}
	return nil
}

func (m *Manager) tombstone(id, reason string) error {
	return m.appendEntry(ManifestEntry{Op: opTombstone, ID: id, Reason: reason, At: m.clock.Now()})
}

// ManifestState is the manifest replayed from the start.
type ManifestState struct {
	Active  []ManifestEntry // add entries without a tombstone, oldest first
	Corrupt int             // lines that could not be decoded
}

// ReadManifest replays the vault manifest. Undecodable lines are counted
// and skipped so one damaged entry does not hide the others.
func (m *Manager) ReadManifest() (*ManifestState, error) {
	rc, err := m.vault.ReadManifest()
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	defer rc.Close()

	state := &ManifestState{}
	active := make(map[string]ManifestEntry)
	order := make(map[string]int)
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e ManifestEntry
		err := json.Unmarshal(raw, &e)
		if err == nil && e.ID == "" {
			err = errors.New("entry has no id")
		}
		if err != nil {
			state.Corrupt++
			m.logger.Warn("skipping corrupt manifest line", "line", lineNo, "error", fmt.Errorf("%v: %w", err, vigil.ErrIntegrity))
			continue
		}
		switch e.Op {
		case opAdd:
			active[e.ID] = e
			order[e.ID] = lineNo
		case opTombstone:
			delete(active, e.ID)
		default:
			state.Corrupt++
			m.logger.Warn("skipping manifest line with unknown op", "line", lineNo, "op", e.Op)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning manifest: %w", err)
	}

	for _, e := range active {
		state.Active = append(state.Active, e)
	}
	sort.Slice(state.Active, func(i, j int) bool { return order[state.Active[i].ID] < order[state.Active[j].ID] })
	return state, nil
}
