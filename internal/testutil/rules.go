package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"vigil-go/internal/rules"
)

// EICAR is the standard antivirus test string. The default test rules flag
// it as critical.
const EICAR = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// DefaultRules returns a small rule set: EICAR (critical), a "SUSPICIOUS"
// marker (medium) and a "HARMLESS-TAG" marker (info).
func DefaultRules() []rules.Rule {
	return []rules.Rule{
		{ID: "eicar", Severity: "critical", Patterns: []rules.Pattern{{Text: "EICAR-STANDARD-ANTIVIRUS-TEST-FILE"}}},
		{ID: "suspicious-marker", Severity: "medium", Patterns: []rules.Pattern{{Text: "SUSPICIOUS"}}},
		{ID: "harmless-tag", Severity: "info", Patterns: []rules.Pattern{{Text: "HARMLESS-TAG"}}},
	}
}

// RuleBundle encodes an unsigned bundle and its manifest.
func RuleBundle(t *testing.T, version string, rs []rules.Rule) (bundle, manifest []byte) {
	t.Helper()
	bundle, err := yaml.Marshal(rules.Bundle{Version: version, Rules: rs})
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	sum := sha256.Sum256(bundle)
	manifest, err = json.Marshal(rules.Manifest{Version: version, SHA256: hex.EncodeToString(sum[:])})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return bundle, manifest
}

// NewRuleStore returns a store with DefaultRules installed at version.
func NewRuleStore(t *testing.T, version string) *rules.Store {
	t.Helper()
	s, err := rules.NewStore(rules.StoreConfig{Dir: filepath.Join(t.TempDir(), "rules")})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	b, m := RuleBundle(t, version, DefaultRules())
	if _, _, err := s.Install(b, m); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	return s
}
