// Package scan evaluates queued files against the active rule set with a
// fixed pool of workers.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"strings"
	"sync"
	"time"

	"vigil-go/internal/rules"
	"vigil-go/internal/vigil"
)

// ErrScanningDisabled is returned by on-demand scans while the license
// does not allow scanning.
var ErrScanningDisabled = errors.New("scanning is disabled by the license state")

// errNotRegular marks a path that is a directory, symlink or device by the
// time it is scanned. Such tasks are dropped without a verdict.
var errNotRegular = errors.New("not a regular file")

// TaskSource hands out scan tasks. Done must be called once per task.
type TaskSource interface {
	Next(ctx context.Context) (vigil.ScanTask, error)
	Done(path string)
}

// RuleSource provides retained rule snapshots.
type RuleSource interface {
	Acquire() *rules.Snapshot
}

// Gate reports whether scanning is allowed.
type Gate interface {
	ScanningAllowed() bool
	WaitAllowed(ctx context.Context) error
}

// Quarantiner isolates malicious files.
type Quarantiner interface {
	Quarantine(path string, matchedRules []string) (*vigil.QuarantineRecord, error)
	// RecentlyRestored is true for content the user just restored to path.
	RecentlyRestored(path string) bool
}

// Config configures an Engine.
type Config struct {
	Workers     int
	MaxFileSize int64
	RetryDelay  time.Duration
	// Threshold is the lowest severity that makes a verdict malicious.
	Threshold rules.Severity

	Queue      TaskSource
	Rules      RuleSource
	License    Gate
	Quarantine Quarantiner
	FS         vigil.FilesystemManager
	DB         vigil.Database
	Clock      vigil.Clock
	Logger     vigil.Logger
	Events     vigil.EventSink
}

// Engine runs scans.
type Engine struct {
	workers    int
	maxSize    int64
	retryDelay time.Duration
	threshold  rules.Severity

	queue      TaskSource
	rules      RuleSource
	license    Gate
	quarantine Quarantiner
	fs         vigil.FilesystemManager
	db         vigil.Database
	clock      vigil.Clock
	logger     vigil.Logger
	events     vigil.EventSink

	sleep func(time.Duration)
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		workers:    cfg.Workers,
		maxSize:    cfg.MaxFileSize,
		retryDelay: cfg.RetryDelay,
		threshold:  cfg.Threshold,
		queue:      cfg.Queue,
		rules:      cfg.Rules,
		license:    cfg.License,
		quarantine: cfg.Quarantine,
		fs:         cfg.FS,
		db:         cfg.DB,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		events:     cfg.Events,
		sleep:      time.Sleep,
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	if e.maxSize <= 0 {
		e.maxSize = 64 << 20
	}
	if e.clock == nil {
		e.clock = vigil.RealClock{}
	}
	if e.logger == nil {
		e.logger = vigil.NewNopLogger()
	}
	if e.events == nil {
		e.events = vigil.NopSink{}
	}
	return e
}

// Run starts the worker pool and returns when ctx ends and every in-flight
// scan has finished.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (e *Engine) worker(ctx context.Context, id int) {
	for {
		if err := e.license.WaitAllowed(ctx); err != nil {
			return
		}
		task, err := e.queue.Next(ctx)
		if err != nil {
			return
		}
		// The license may have lapsed while waiting for work. Hold the task
		// in flight rather than scan it or lose it.
		if !e.license.ScanningAllowed() {
			e.logger.Info("scanning paused by license", "worker", id)
			if err := e.license.WaitAllowed(ctx); err != nil {
				e.queue.Done(task.Path)
				return
			}
		}
		e.process(task)
	}
}

// process scans one task to completion. It is not interrupted by shutdown.
func (e *Engine) process(task vigil.ScanTask) {
	defer e.queue.Done(task.Path)

	v, ok := e.scanWithRules(task.Path)
	if !ok {
		e.logger.Debug("nothing to scan", "path", task.Path)
		return
	}
	e.handle(v, task.Priority)
}

// ScanNow scans one file immediately, outside the queue, and handles the
// verdict like a queued scan. ok is false when the file does not exist.
func (e *Engine) ScanNow(path string) (v vigil.Verdict, ok bool, err error) {
	if !e.license.ScanningAllowed() {
		return vigil.Verdict{}, false, ErrScanningDisabled
	}
	v, ok = e.scanWithRules(path)
	if ok {
		e.handle(v, vigil.PriorityHigh)
	}
	return v, ok, nil
}

// ScanPath scans a file, or the files of a directory, on demand. fn is
// called with each verdict. Files that vanish mid-walk are skipped.
func (e *Engine) ScanPath(path string, recursive bool, fn func(vigil.Verdict)) error {
	if !e.license.ScanningAllowed() {
		return ErrScanningDisabled
	}
	abs, info, err := e.fs.Resolve(path)
	if err != nil {
		return fmt.Errorf("cannot scan %s: %w", path, err)
	}

	files := []string{abs}
	if info.IsDir() {
		if files, err = e.fs.FindFiles(abs, recursive); err != nil {
			return fmt.Errorf("listing %s: %w", abs, err)
		}
	}
	for _, f := range files {
		v, ok, err := e.ScanNow(f)
		if err != nil {
			return err
		}
		if ok && fn != nil {
			fn(v)
		}
	}
	return nil
}

func (e *Engine) scanWithRules(path string) (vigil.Verdict, bool) {
	snap := e.rules.Acquire()
	if snap == nil {
		return vigil.Verdict{
			Path:      path,
			Kind:      vigil.VerdictSkippedError,
			ScannedAt: e.clock.Now(),
			Error:     rules.ErrNoRules.Error(),
		}, true
	}
	defer snap.Release()
	return e.Scan(path, snap)
}

// Scan evaluates path against snap. It returns false when the file no
// longer exists or is not a regular file, in which case there is no verdict.
func (e *Engine) Scan(path string, snap *rules.Snapshot) (vigil.Verdict, bool) {
	v := vigil.Verdict{Path: path, RuleVersion: snap.Info().Version}

	data, tooLarge, err := e.read(path)
	if err != nil && !isGone(err) {
		e.logger.Warn("scan read failed, retrying", "path", path, "error", err)
		e.sleep(e.retryDelay)
		data, tooLarge, err = e.read(path)
	}
	v.ScannedAt = e.clock.Now()

	switch {
	case isGone(err):
		return vigil.Verdict{}, false
	case err != nil:
		v.Kind = vigil.VerdictSkippedError
		v.Error = err.Error()
		return v, true
	case tooLarge:
		v.Kind = vigil.VerdictSkippedTooLarge
		return v, true
	}

	matches := snap.Corpus().Match(data)
	v.Kind = vigil.VerdictClean
	for _, m := range matches {
		v.MatchedRules = append(v.MatchedRules, m.RuleID)
		if m.Severity >= e.threshold {
			v.Kind = vigil.VerdictMalicious
		} else if v.Kind == vigil.VerdictClean {
			v.Kind = vigil.VerdictSuspicious
		}
	}
	return v, true
}

// read loads at most maxSize bytes of path. Files larger than the limit are
// reported without being read in full.
func (e *Engine) read(path string) ([]byte, bool, error) {
	info, err := e.fs.Stat(path)
	if err != nil {
		return nil, false, err
	}
	if !info.Mode().IsRegular() {
		return nil, false, fmt.Errorf("%s: %w", path, errNotRegular)
	}
	if info.Size() > e.maxSize {
		return nil, true, nil
	}
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, e.maxSize+1))
	if err != nil {
		return nil, false, fmt.Errorf("reading %s: %w", path, err)
	}
	if int64(len(data)) > e.maxSize {
		return nil, true, nil
	}
	return data, false, nil
}

func isGone(err error) bool {
	return errors.Is(err, iofs.ErrNotExist) || errors.Is(err, errNotRegular)
}

// handle records and publishes a verdict and quarantines malicious files.
func (e *Engine) handle(v vigil.Verdict, priority vigil.Priority) {
	if err := e.db.InsertVerdict(&v); err != nil {
		e.logger.Error("cannot record verdict", "path", v.Path, "error", err)
	}

	fields := map[string]string{
		"verdict":      string(v.Kind),
		"rule_version": v.RuleVersion,
		"priority":     priority.String(),
	}
	if len(v.MatchedRules) > 0 {
		fields["rules"] = strings.Join(v.MatchedRules, ",")
	}
	if v.Error != "" {
		fields["error"] = v.Error
	}
	e.events.Publish(vigil.Event{Kind: vigil.EventVerdict, Time: v.ScannedAt, Path: v.Path, Fields: fields})

	switch v.Kind {
	case vigil.VerdictMalicious:
		e.logger.Warn("malicious file detected", "path", v.Path, "rules", v.MatchedRules)
		if e.quarantine.RecentlyRestored(v.Path) {
			e.logger.Warn("file was restored from quarantine, leaving it in place", "path", v.Path)
			return
		}
		e.isolate(v)
	case vigil.VerdictSuspicious:
		e.logger.Info("suspicious file", "path", v.Path, "rules", v.MatchedRules)
	case vigil.VerdictSkippedError:
		e.logger.Warn("scan skipped", "path", v.Path, "error", v.Error)
	case vigil.VerdictSkippedTooLarge:
		e.logger.Debug("file too large to scan", "path", v.Path, "limit", e.maxSize)
	}
}

func (e *Engine) isolate(v vigil.Verdict) {
	rec, err := e.quarantine.Quarantine(v.Path, v.MatchedRules)
	if err != nil {
		e.logger.Error("quarantine failed", "path", v.Path, "error", err)
		e.events.Publish(vigil.Event{
			Kind:    vigil.EventQuarantineFailed,
			Time:    e.clock.Now(),
			Path:    v.Path,
			Message: err.Error(),
			Fields:  map[string]string{"rules": strings.Join(v.MatchedRules, ",")},
		})
		return
	}
	e.logger.Info("file quarantined", "path", v.Path, "id", rec.ID)
}
