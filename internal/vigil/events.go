package vigil

import "time"

// EventKind names a structured event published for the UI, the audit log
// and metrics.
type EventKind string

const (
	EventVerdict           EventKind = "verdict"
	EventQuarantined       EventKind = "quarantine.created"
	EventQuarantineFailed  EventKind = "quarantine.failed"
	EventRestored          EventKind = "quarantine.restored"
	EventPurged            EventKind = "quarantine.purged"
	EventLicenseTransition EventKind = "license.transition"
	EventLicenseExpiring   EventKind = "license.expiring"
	EventRootFailed        EventKind = "watch.root_failed"
	EventInstallStarted    EventKind = "install.started"
	EventInstallReport     EventKind = "install.report"
	EventRulesUpdated      EventKind = "rules.updated"
	EventRulesRejected     EventKind = "rules.rejected"
)

// Event is one entry of the structured event stream.
type Event struct {
	Kind    EventKind         `json:"kind"`
	Time    time.Time         `json:"time"`
	Path    string            `json:"path,omitempty"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// EventSink receives published events. Implementations must be safe for
// concurrent use and must not block for long.
type EventSink interface {
	Publish(ev Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}
