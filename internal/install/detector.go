// Package install recognizes software installations in progress and
// temporarily promotes the directory being written to a high-priority root.
package install

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"vigil-go/internal/vigil"
)

// RootWatcher is the part of the path watcher the detector drives.
type RootWatcher interface {
	Watch(root string, priority vigil.Priority, expiry time.Time) error
	Unwatch(root string) error
	Watching(path string) bool
}

// Config configures a Detector.
type Config struct {
	// Dirs are the volatile directories installers unpack into. A burst is
	// attributed to the immediate subdirectory of one of them. When empty,
	// the event's watched root is used.
	Dirs           []string
	BurstCount     int
	BurstWindow    time.Duration
	MaxDuration    time.Duration
	PollInterval   time.Duration
	InstallerNames []string

	Watcher   RootWatcher
	Processes ProcessLister
	DB        vigil.Database
	Clock     vigil.Clock
	Logger    vigil.Logger
	Events    vigil.EventSink
}

type session struct {
	root      string
	installer Process
	started   time.Time
	expiry    time.Time
	scanned   int
	flagged   int
}

// Detector watches create bursts and installer processes. It also
// implements vigil.EventSink to count verdicts under promoted roots.
type Detector struct {
	dirs        []string
	burstCount  int
	burstWindow time.Duration
	maxDuration time.Duration
	poll        time.Duration
	matcher     *Matcher

	watcher   RootWatcher
	processes ProcessLister
	db        vigil.Database
	clock     vigil.Clock
	logger    vigil.Logger
	events    vigil.EventSink

	mu         sync.Mutex
	bursts     map[string][]time.Time
	installers []Process
	sessions   map[string]*session
}

// NewDetector creates a Detector.
func NewDetector(cfg Config) *Detector {
	d := &Detector{
		burstCount:  cfg.BurstCount,
		burstWindow: cfg.BurstWindow,
		maxDuration: cfg.MaxDuration,
		poll:        cfg.PollInterval,
		matcher:     NewMatcher(cfg.InstallerNames),
		watcher:     cfg.Watcher,
		processes:   cfg.Processes,
		db:          cfg.DB,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		events:      cfg.Events,
		bursts:      make(map[string][]time.Time),
		sessions:    make(map[string]*session),
	}
	for _, dir := range cfg.Dirs {
		if abs, err := filepath.Abs(dir); err == nil {
			d.dirs = append(d.dirs, abs)
		}
	}
	if d.burstCount <= 0 {
		d.burstCount = 20
	}
	if d.burstWindow <= 0 {
		d.burstWindow = 10 * time.Second
	}
	if d.maxDuration <= 0 {
		d.maxDuration = 30 * time.Minute
	}
	if d.poll <= 0 {
		d.poll = 5 * time.Second
	}
	if d.clock == nil {
		d.clock = vigil.RealClock{}
	}
	if d.logger == nil {
		d.logger = vigil.NewNopLogger()
	}
	if d.events == nil {
		d.events = vigil.NopSink{}
	}
	return d
}

// Observe counts a file event towards a burst and promotes the burst's
// directory when an installer is running.
func (d *Detector) Observe(ev vigil.FileEvent) {
	if ev.Kind != vigil.ChangeCreate {
		return
	}
	candidate := d.candidate(ev)
	if candidate == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[candidate]; ok {
		return
	}
	if d.watcher.Watching(candidate) {
		return
	}

	at := ev.ObservedAt
	if at.IsZero() {
		at = d.clock.Now()
	}
	times := prune(d.bursts[candidate], at.Add(-d.burstWindow))
	times = append(times, at)
	d.bursts[candidate] = times

	if len(times) < d.burstCount || len(d.installers) == 0 {
		return
	}
	d.promoteLocked(candidate, d.installers[0], at)
}

// candidate returns the directory a create event is attributed to: the
// immediate subdirectory of the innermost volatile directory containing it.
// Files directly inside a volatile directory have no candidate.
func (d *Detector) candidate(ev vigil.FileEvent) string {
	dirs := d.dirs
	if len(dirs) == 0 && ev.Root != "" {
		dirs = []string{ev.Root}
	}
	base := ""
	for _, dir := range dirs {
		if dir != filepath.Clean(ev.Path) && vigil.Within(dir, ev.Path) && len(dir) > len(base) {
			base = dir
		}
	}
	if base == "" {
		return ""
	}
	rel, err := filepath.Rel(base, ev.Path)
	if err != nil {
		return ""
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return ""
	}
	return filepath.Join(base, parts[0])
}

func (d *Detector) promoteLocked(root string, installer Process, now time.Time) {
	expiry := now.Add(d.maxDuration)
	if err := d.watcher.Watch(root, vigil.PriorityHigh, expiry); err != nil {
		d.logger.Warn("cannot promote install directory", "root", root, "error", err)
		return
	}
	delete(d.bursts, root)
	d.sessions[root] = &session{root: root, installer: installer, started: now, expiry: expiry}

	d.logger.Info("installation detected", "root", root, "installer", installer.Name, "pid", installer.PID)
	d.events.Publish(vigil.Event{
		Kind:    vigil.EventInstallStarted,
		Time:    now,
		Path:    root,
		Message: "installation detected: " + installer.Name,
		Fields: map[string]string{
			"installer": installer.Name,
			"pid":       strconv.Itoa(installer.PID),
			"expiry":    expiry.Format(time.RFC3339),
		},
	})
}

// Poll refreshes the installer snapshot and ends sessions whose installer
// exited or whose time ran out.
func (d *Detector) Poll() {
	now := d.clock.Now()
	var installers []Process
	procs, err := d.processes.List()
	if err != nil {
		d.logger.Warn("process snapshot failed", "error", err)
	} else {
		for _, p := range procs {
			if d.matcher.IsInstaller(p) {
				installers = append(installers, p)
			}
		}
	}

	d.mu.Lock()
	var done []*session
	if err == nil {
		d.installers = installers
	}
	running := make(map[int]bool, len(d.installers))
	for _, p := range d.installers {
		running[p.PID] = true
	}
	for root, s := range d.sessions {
		exited := err == nil && !running[s.installer.PID]
		if exited || !now.Before(s.expiry) {
			done = append(done, s)
			delete(d.sessions, root)
		}
	}
	for root, times := range d.bursts {
		if times = prune(times, now.Add(-d.burstWindow)); len(times) == 0 {
			delete(d.bursts, root)
		} else {
			d.bursts[root] = times
		}
	}
	d.mu.Unlock()

	for _, s := range done {
		d.finish(s, now)
	}
}

// Run polls until ctx ends, then closes every open session.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	d.Poll()
	for {
		select {
		case <-ctx.Done():
			d.closeAll()
			return nil
		case <-ticker.C:
			d.Poll()
		}
	}
}

func (d *Detector) closeAll() {
	now := d.clock.Now()
	d.mu.Lock()
	var done []*session
	for root, s := range d.sessions {
		done = append(done, s)
		delete(d.sessions, root)
	}
	d.mu.Unlock()
	for _, s := range done {
		d.finish(s, now)
	}
}

func (d *Detector) finish(s *session, now time.Time) {
	if err := d.watcher.Unwatch(s.root); err != nil && !errors.Is(err, vigil.ErrNotFound) {
		d.logger.Warn("cannot unwatch install directory", "root", s.root, "error", err)
	}
	report := &vigil.InstallReport{
		Root:      s.root,
		Installer: s.installer.Name,
		StartedAt: s.started,
		EndedAt:   now,
		Scanned:   s.scanned,
		Flagged:   s.flagged,
	}
	if d.db != nil {
		if err := d.db.InsertInstallReport(report); err != nil {
			d.logger.Error("cannot record install report", "root", s.root, "error", err)
		}
	}
	d.logger.Info("installation finished", "root", s.root, "scanned", s.scanned, "flagged", s.flagged)
	d.events.Publish(vigil.Event{
		Kind:    vigil.EventInstallReport,
		Time:    now,
		Path:    s.root,
		Message: "installation scan finished",
		Fields: map[string]string{
			"installer": s.installer.Name,
			"scanned":   strconv.Itoa(s.scanned),
			"flagged":   strconv.Itoa(s.flagged),
		},
	})
}

// Publish counts verdicts that fall under an open session.
func (d *Detector) Publish(ev vigil.Event) {
	if ev.Kind != vigil.EventVerdict {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if !vigil.Within(s.root, ev.Path) {
			continue
		}
		s.scanned++
		switch vigil.VerdictKind(ev.Fields["verdict"]) {
		case vigil.VerdictMalicious, vigil.VerdictSuspicious:
			s.flagged++
		}
	}
}

// Active returns the open sessions as in-progress reports, sorted by root.
func (d *Detector) Active() []vigil.InstallReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]vigil.InstallReport, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, vigil.InstallReport{
			Root:      s.root,
			Installer: s.installer.Name,
			StartedAt: s.started,
			Scanned:   s.scanned,
			Flagged:   s.flagged,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// prune drops times before cutoff. times is in ascending order.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

var _ vigil.EventSink = (*Detector)(nil)
