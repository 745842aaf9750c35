package testutil

import (
	"sync"

	"vigil-go/internal/vigil"
)

// RecordingSink keeps every published event. Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	events []vigil.Event
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Publish(ev vigil.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of all events so far.
func (s *RecordingSink) Events() []vigil.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vigil.Event(nil), s.events...)
}

// OfKind returns the events of one kind.
func (s *RecordingSink) OfKind(kind vigil.EventKind) []vigil.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vigil.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

var _ vigil.EventSink = (*RecordingSink)(nil)
