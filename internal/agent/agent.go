// Package agent runs the protection pipeline: watcher events flow through
// the install detector and the scan queue into the scan engine, while the
// rule store and the license machine refresh on their own schedules.
package agent

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"vigil-go/internal/install"
	"vigil-go/internal/license"
	"vigil-go/internal/metrics"
	"vigil-go/internal/quarantine"
	"vigil-go/internal/queue"
	"vigil-go/internal/rules"
	"vigil-go/internal/scan"
	"vigil-go/internal/vigil"
	"vigil-go/internal/watcher"
)

// Config holds the components an Agent runs. Detector and Metrics are
// optional.
type Config struct {
	Roots       []string
	Watcher     *watcher.Watcher
	Detector    *install.Detector
	Queue       *queue.Queue
	Engine      *scan.Engine
	Rules       *rules.Store
	License     *license.Machine
	Quarantine  *quarantine.Manager
	Metrics     *metrics.Collector
	MetricsAddr string
	// ShutdownGrace bounds how long Run waits for in-flight scans after
	// the context ends.
	ShutdownGrace time.Duration
	Logger        vigil.Logger
}

// Agent is the long-running protection service.
type Agent struct {
	cfg    Config
	logger vigil.Logger
}

// New checks that the mandatory components are present.
func New(cfg Config) (*Agent, error) {
	switch {
	case cfg.Watcher == nil:
		return nil, errors.New("agent: watcher is required")
	case cfg.Queue == nil:
		return nil, errors.New("agent: queue is required")
	case cfg.Engine == nil:
		return nil, errors.New("agent: engine is required")
	case cfg.Rules == nil:
		return nil, errors.New("agent: rule store is required")
	case cfg.License == nil:
		return nil, errors.New("agent: license machine is required")
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = vigil.NewNopLogger()
	}
	return &Agent{cfg: cfg, logger: logger}, nil
}

// Run starts every loop and blocks until ctx ends or one loop fails. After
// the producers stop, in-flight scans get ShutdownGrace to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.prepare()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.cfg.Watcher.Run(gctx) })
	g.Go(func() error { return a.route(gctx) })
	g.Go(func() error { return a.drainFailures() })
	g.Go(func() error { return a.cfg.Rules.Run(gctx) })
	g.Go(func() error { return a.cfg.License.Run(gctx) })
	if a.cfg.Detector != nil {
		g.Go(func() error { return a.cfg.Detector.Run(gctx) })
	}
	if a.cfg.Metrics != nil && a.cfg.MetricsAddr != "" {
		g.Go(func() error { return a.cfg.Metrics.Serve(gctx, a.cfg.MetricsAddr) })
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		a.cfg.Engine.Run(gctx)
	}()

	a.logger.Info("agent started", "roots", len(a.cfg.Watcher.Roots()))
	err := g.Wait()

	select {
	case <-engineDone:
	case <-time.After(a.cfg.ShutdownGrace):
		a.logger.Warn("shutdown grace elapsed with scans in flight", "in_flight", a.cfg.Queue.InFlight())
	}
	a.logger.Info("agent stopped", "pending", a.cfg.Queue.Len())
	return err
}

// prepare restores state left by a previous run and registers the
// configured roots. Nothing here is fatal: a bad rule cache leaves the
// agent without rules until the next update, and a root that cannot be
// watched is logged and skipped.
func (a *Agent) prepare() {
	if a.cfg.Quarantine != nil {
		n, err := a.cfg.Quarantine.Reconcile()
		if err != nil {
			a.logger.Error("quarantine reconcile failed", "error", err)
		} else if n > 0 {
			a.logger.Warn("recovered quarantine records from the vault manifest", "count", n)
		}
	}

	if err := a.cfg.Rules.Load(); err != nil {
		a.logger.Error("cached rule set rejected", "error", err)
	}
	if _, ok := a.cfg.Rules.Current(); !ok {
		a.logger.Warn("no rule set installed; scans are skipped until one is fetched")
	}

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.SetLicenseStatus(a.cfg.License.Snapshot().Status)
		q := a.cfg.Queue
		if err := a.cfg.Metrics.WatchGauge("queue_pending", "Scan tasks waiting for a worker.",
			func() float64 { return float64(q.Len()) }); err != nil {
			a.logger.Warn("failed to register queue gauge", "error", err)
		}
	}

	watched := 0
	for _, root := range a.cfg.Roots {
		if err := a.cfg.Watcher.Watch(root, vigil.PriorityNormal, time.Time{}); err != nil {
			a.logger.Error("cannot watch root", "root", root, "error", err)
			continue
		}
		watched++
	}
	if len(a.cfg.Roots) > 0 && watched == 0 {
		a.logger.Warn("none of the configured roots could be watched")
	}
}

// route feeds watcher events to the install detector and the scan queue
// until the event stream closes.
func (a *Agent) route(ctx context.Context) error {
	for ev := range a.cfg.Watcher.Events() {
		if a.cfg.Detector != nil {
			a.cfg.Detector.Observe(ev)
		}
		if !scannable(ev.Kind) {
			continue
		}
		if err := a.cfg.Queue.Enqueue(ctx, ev); err != nil {
			if ctx.Err() != nil {
				// Keep draining so the watcher never blocks on a full channel.
				continue
			}
			a.logger.Warn("enqueue failed", "path", ev.Path, "error", err)
		}
	}
	return nil
}

func scannable(k vigil.ChangeKind) bool {
	switch k {
	case vigil.ChangeCreate, vigil.ChangeWrite, vigil.ChangeRename, vigil.ChangeChmod:
		return true
	}
	return false
}

func (a *Agent) drainFailures() error {
	for f := range a.cfg.Watcher.Failures() {
		a.logger.Warn("root dropped", "root", f.Root.Path, "error", f.Err)
	}
	return nil
}
