// Package audit keeps an append-only JSON Lines record of agent events.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vigil-go/internal/vigil"
)

// FileName is the audit log name inside the log directory.
const FileName = "events.jsonl"

// Log is a vigil.EventSink that appends every event as one JSON line.
type Log struct {
	logger vigil.Logger

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

var _ vigil.EventSink = (*Log)(nil)

// Open opens path for appending, creating it and its directory if needed.
func Open(path string, logger vigil.Logger) (*Log, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty audit log path")
	}
	if logger == nil {
		logger = vigil.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{logger: logger, f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// Publish appends ev. Write failures are logged; an event sink never fails
// its publisher.
func (l *Log) Publish(ev vigil.Event) {
	if err := l.Write(ev); err != nil {
		l.logger.Warn("failed to append audit event", "kind", string(ev.Kind), "error", err)
	}
}

// Write appends ev and flushes it to the file.
func (l *Log) Write(ev vigil.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("audit log closed")
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var ret error
	if err := l.w.Flush(); err != nil {
		ret = err
	}
	if err := l.f.Close(); err != nil && ret == nil {
		ret = err
	}
	return ret
}

// Filter selects events when reading the log back.
type Filter struct {
	// Kinds keeps only these kinds; empty keeps all. A kind ending in "."
	// matches by prefix, e.g. "license.".
	Kinds []vigil.EventKind
	// Limit keeps the last Limit matching events; zero keeps all.
	Limit int
}

func (f Filter) match(kind vigil.EventKind) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind || (strings.HasSuffix(string(k), ".") && strings.HasPrefix(string(kind), string(k))) {
			return true
		}
	}
	return false
}

// ReadEvents reads the log at path in write order. Lines that do not parse,
// such as a line cut short by a crash, are skipped and counted.
func ReadEvents(path string, filter Filter) ([]vigil.Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []vigil.Event
	skipped := 0
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for s.Scan() {
		if strings.TrimSpace(s.Text()) == "" {
			continue
		}
		var ev vigil.Event
		if err := json.Unmarshal(s.Bytes(), &ev); err != nil || ev.Kind == "" {
			skipped++
			continue
		}
		if !filter.match(ev.Kind) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) > 2*filter.Limit {
			out = append(out[:0], out[len(out)-filter.Limit:]...)
		}
	}
	if err := s.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan %s: %w", path, err)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, skipped, nil
}
