// Package metrics turns the agent event stream into Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil-go/internal/vigil"
)

const namespace = "vigil"

var licenseStatuses = []vigil.LicenseStatus{
	vigil.LicenseUnactivated,
	vigil.LicenseActive,
	vigil.LicenseGraceOffline,
	vigil.LicenseExpired,
}

// Collector is a vigil.EventSink that counts events into its own registry.
type Collector struct {
	registry *prometheus.Registry

	verdicts     *prometheus.CounterVec
	quarantine   *prometheus.CounterVec
	license      *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	expiring     prometheus.Gauge
	rootFailures prometheus.Counter
	installs     prometheus.Counter
	installFiles *prometheus.CounterVec
	ruleUpdates  *prometheus.CounterVec
}

var _ vigil.EventSink = (*Collector)(nil)

// New creates a Collector with the Go runtime and process collectors
// registered alongside the agent metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Scan verdicts by kind.",
		}, []string{"verdict"}),
		quarantine: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quarantine_operations_total",
			Help:      "Vault operations by result.",
		}, []string{"result"}),
		license: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "license_status",
			Help:      "1 for the current license status, 0 otherwise.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_transitions_total",
			Help:      "License state transitions by target status.",
		}, []string{"to"}),
		expiring: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "license_days_left",
			Help:      "Days left reported by the last expiry warning.",
		}),
		rootFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watch_root_failures_total",
			Help:      "Watched roots dropped after a failure.",
		}),
		installs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_sessions_total",
			Help:      "Detected installations promoted to high-priority watching.",
		}),
		installFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "install_files_total",
			Help:      "Files scanned in finished install sessions.",
		}, []string{"result"}),
		ruleUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_updates_total",
			Help:      "Rule bundle updates by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.verdicts, c.quarantine, c.license, c.transitions, c.expiring,
		c.rootFailures, c.installs, c.installFiles, c.ruleUpdates,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// SetLicenseStatus sets the license status gauge without an event, used
// for the state restored at startup.
func (c *Collector) SetLicenseStatus(s vigil.LicenseStatus) {
	for _, st := range licenseStatuses {
		v := 0.0
		if st == s {
			v = 1
		}
		c.license.WithLabelValues(string(st)).Set(v)
	}
}

// WatchGauge registers a gauge read from fn at scrape time, e.g. the queue
// depth.
func (c *Collector) WatchGauge(name, help string, fn func() float64) error {
	return c.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (c *Collector) Publish(ev vigil.Event) {
	switch ev.Kind {
	case vigil.EventVerdict:
		if v := ev.Fields["verdict"]; v != "" {
			c.verdicts.WithLabelValues(v).Inc()
		}
	case vigil.EventQuarantined:
		c.quarantine.WithLabelValues("created").Inc()
	case vigil.EventQuarantineFailed:
		c.quarantine.WithLabelValues("failed").Inc()
	case vigil.EventRestored:
		c.quarantine.WithLabelValues("restored").Inc()
	case vigil.EventPurged:
		c.quarantine.WithLabelValues("purged").Inc()
	case vigil.EventLicenseTransition:
		to := ev.Fields["to"]
		c.transitions.WithLabelValues(to).Inc()
		c.SetLicenseStatus(vigil.LicenseStatus(to))
	case vigil.EventLicenseExpiring:
		if days, err := strconv.Atoi(ev.Fields["days_left"]); err == nil {
			c.expiring.Set(float64(days))
		}
	case vigil.EventRootFailed:
		c.rootFailures.Inc()
	case vigil.EventInstallStarted:
		c.installs.Inc()
	case vigil.EventInstallReport:
		scanned, _ := strconv.Atoi(ev.Fields["scanned"])
		flagged, _ := strconv.Atoi(ev.Fields["flagged"])
		c.installFiles.WithLabelValues("scanned").Add(float64(scanned))
		c.installFiles.WithLabelValues("flagged").Add(float64(flagged))
	case vigil.EventRulesUpdated:
		c.ruleUpdates.WithLabelValues("applied").Inc()
	case vigil.EventRulesRejected:
		c.ruleUpdates.WithLabelValues("rejected").Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx ends.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	return c.serve(ctx, ln)
}

func (c *Collector) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
