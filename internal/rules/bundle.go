// Package rules holds the active compiled rule corpus and replaces it
// atomically when a verified update arrives.
package rules

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"vigil-go/internal/vigil"
)

// File names of a rule bundle, both in the update source and in the local cache.
const (
	BundleFile   = "bundle.yaml"
	ManifestFile = "manifest.json"
)

// Severity ranks how dangerous a matching file is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity parses a severity name. An empty name is "high".
func ParseSeverity(name string) (Severity, error) {
	if name == "" {
		return SeverityHigh, nil
	}
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// Pattern is one content pattern. Exactly one field is set.
type Pattern struct {
	Text  string `yaml:"text,omitempty"`
	Hex   string `yaml:"hex,omitempty"`
	Regex string `yaml:"regex,omitempty"`
}

// Rule is a compiled rule as emitted by the rule compiler.
type Rule struct {
	ID        string    `yaml:"id"`
	Title     string    `yaml:"title,omitempty"`
	Severity  string    `yaml:"severity"`
	Condition string    `yaml:"condition,omitempty"` // "any" (default) or "all"
	Patterns  []Pattern `yaml:"patterns"`
}

// Bundle is the wire form of a rule corpus.
type Bundle struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// Manifest describes a bundle: its version, SHA-256 and optional Ed25519
// signature over SigningPayload.
type Manifest struct {
	Version   string `json:"version"`
	SHA256    string `json:"sha256"`
	Signature string `json:"signature,omitempty"`
}

// SigningPayload is the message a bundle publisher signs.
func SigningPayload(version, sha string) []byte {
	return []byte(version + "\n" + sha)
}

// Match is one rule that matched a file.
type Match struct {
	RuleID   string
	Severity Severity
}

type compiledRule struct {
	id       string
	severity Severity
	all      bool
	literals [][]byte
	regexes  []*regexp.Regexp
}

func (r *compiledRule) matches(data []byte) bool {
	total := len(r.literals) + len(r.regexes)
	hits := 0
	for _, lit := range r.literals {
		if bytes.Contains(data, lit) {
			if !r.all {
				return true
			}
			hits++
		}
	}
	for _, re := range r.regexes {
		if re.Match(data) {
			if !r.all {
				return true
			}
			hits++
		}
	}
	return r.all && hits == total
}

// Corpus is a validated, compiled rule set. It is immutable.
type Corpus struct {
	version *semver.Version
	hash    string
	rules   []compiledRule
}

// Version returns the corpus semantic version as written in the manifest.
func (c *Corpus) Version() string { return c.version.Original() }

// Hash returns the hex SHA-256 of the bundle bytes.
func (c *Corpus) Hash() string { return c.hash }

// Len returns the number of rules.
func (c *Corpus) Len() int { return len(c.rules) }

// Match returns every rule that matches data.
func (c *Corpus) Match(data []byte) []Match {
	var out []Match
	for i := range c.rules {
		if c.rules[i].matches(data) {
			out = append(out, Match{RuleID: c.rules[i].id, Severity: c.rules[i].severity})
		}
	}
	return out
}

// Verify checks bundle against manifest and compiles it. A nil publicKey
// skips signature checking. Every failure wraps vigil.ErrIntegrity.
func Verify(bundle, manifest []byte, publicKey ed25519.PublicKey) (*Corpus, error) {
	var m Manifest
	if err := json.Unmarshal(manifest, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %v: %w", err, vigil.ErrIntegrity)
	}

	sum := sha256.Sum256(bundle)
	hash := hex.EncodeToString(sum[:])
	if !strings.EqualFold(m.SHA256, hash) {
		return nil, fmt.Errorf("bundle hash %s does not match manifest %s: %w", hash, m.SHA256, vigil.ErrIntegrity)
	}

	if publicKey != nil {
		sig, err := base64.StdEncoding.DecodeString(m.Signature)
		if err != nil || !ed25519.Verify(publicKey, SigningPayload(m.Version, strings.ToLower(m.SHA256)), sig) {
			return nil, fmt.Errorf("bundle signature invalid: %w", vigil.ErrIntegrity)
		}
	}

	var b Bundle
	if err := yaml.Unmarshal(bundle, &b); err != nil {
		return nil, fmt.Errorf("parsing bundle: %v: %w", err, vigil.ErrIntegrity)
	}
	if b.Version != m.Version {
		return nil, fmt.Errorf("bundle version %q does not match manifest %q: %w", b.Version, m.Version, vigil.ErrIntegrity)
	}
	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, fmt.Errorf("bundle version %q: %v: %w", m.Version, err, vigil.ErrIntegrity)
	}
	if len(b.Rules) == 0 {
		return nil, fmt.Errorf("bundle has no rules: %w", vigil.ErrIntegrity)
	}

	c := &Corpus{version: version, hash: hash, rules: make([]compiledRule, 0, len(b.Rules))}
	seen := make(map[string]bool, len(b.Rules))
	for _, r := range b.Rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %v: %w", r.ID, err, vigil.ErrIntegrity)
		}
		if seen[cr.id] {
			return nil, fmt.Errorf("duplicate rule id %q: %w", cr.id, vigil.ErrIntegrity)
		}
		seen[cr.id] = true
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

func compileRule(r Rule) (compiledRule, error) {
	if r.ID == "" {
		return compiledRule{}, fmt.Errorf("missing id")
	}
	sev, err := ParseSeverity(r.Severity)
	if err != nil {
		return compiledRule{}, err
	}
	cr := compiledRule{id: r.ID, severity: sev}
	switch r.Condition {
	case "", "any":
	case "all":
		cr.all = true
	default:
		return compiledRule{}, fmt.Errorf("unknown condition %q", r.Condition)
	}
	if len(r.Patterns) == 0 {
		return compiledRule{}, fmt.Errorf("no patterns")
	}

	for i, p := range r.Patterns {
		set := 0
		for _, s := range []string{p.Text, p.Hex, p.Regex} {
			if s != "" {
				set++
			}
		}
		if set != 1 {
			return compiledRule{}, fmt.Errorf("pattern %d must set exactly one of text, hex, regex", i)
		}
		switch {
		case p.Text != "":
			cr.literals = append(cr.literals, []byte(p.Text))
		case p.Hex != "":
			b, err := hex.DecodeString(strings.ReplaceAll(p.Hex, " ", ""))
			if err != nil {
				return compiledRule{}, fmt.Errorf("pattern %d: %w", i, err)
			}
			cr.literals = append(cr.literals, b)
		default:
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return compiledRule{}, fmt.Errorf("pattern %d: %w", i, err)
			}
			cr.regexes = append(cr.regexes, re)
		}
	}
	return cr, nil
}
