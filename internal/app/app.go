package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vigil-go/internal/agent"
	"vigil-go/internal/audit"
	"vigil-go/internal/config"
	"vigil-go/internal/database"
	"vigil-go/internal/encryption"
	"vigil-go/internal/fs"
	"vigil-go/internal/guard"
	"vigil-go/internal/install"
	"vigil-go/internal/license"
	"vigil-go/internal/metrics"
	"vigil-go/internal/quarantine"
	"vigil-go/internal/queue"
	"vigil-go/internal/rules"
	"vigil-go/internal/scan"
	"vigil-go/internal/vault"
	"vigil-go/internal/vigil"
	"vigil-go/internal/watcher"
)

// Options tune how a VigilApp logs.
type Options struct {
	LogLevel string
	// Stderr mirrors the log to the terminal.
	Stderr bool
}

// VigilApp is the application layer between the CLI and the agent
// components. It constructs all dependencies from config, exposes the
// high-level operations behind each command, and owns the database, the
// audit log and the log file until Close.
type VigilApp struct {
	cfg        *config.Config
	db         vigil.Database
	vault      vigil.Vault
	encryptor  vigil.Encryptor
	fsmgr      *fs.OSFilesystemManager
	logger     vigil.Logger
	clock      vigil.Clock
	audit      *audit.Log
	metrics    *metrics.Collector
	events     vigil.MultiSink
	rules      *rules.Store
	license    *license.Machine
	quarantine *quarantine.Manager
	threshold  rules.Severity
	op         *Operation
	logFile    *os.File

	// processes overrides the procfs lister in tests.
	processes install.ProcessLister
}

// NewVigilApp creates a fully wired VigilApp from the given config.
// operation identifies the CLI command being run (e.g. "Run", "Restore").
// The caller must call Close when done.
func NewVigilApp(cfg *config.Config, operation, parameters string, opts Options) (*VigilApp, error) {
	clock := vigil.RealClock{}
	runID := clock.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID, parseLevel(opts.LogLevel), opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &VigilApp{
		cfg:     cfg,
		fsmgr:   fs.NewOSFilesystemManager(),
		logger:  logger,
		clock:   clock,
		op:      NewOperation(operation, parameters),
		logFile: logFile,
	}
	if err := a.wire(); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *VigilApp) wire() error {
	cfg := a.cfg

	threshold, err := rules.ParseSeverity(cfg.Scan.MaliciousThreshold)
	if err != nil {
		return fmt.Errorf("malicious threshold: %w", err)
	}
	a.threshold = threshold

	if a.db, err = database.NewDatabaseFromConfig(cfg.Database, cfg.DeviceID); err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	if err := a.db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}
	if a.vault, err = vault.NewVaultFromConfig(cfg.Vault); err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption); err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}

	if a.audit, err = audit.Open(a.eventsPath(), a.logger); err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	a.metrics = metrics.New()
	a.events = vigil.MultiSink{a.audit, a.metrics}

	source, err := rules.NewSourceFromConfig(context.Background(), cfg.Rules.Source)
	if err != nil {
		return fmt.Errorf("creating rule source: %w", err)
	}
	a.rules, err = rules.NewStore(rules.StoreConfig{
		Dir:       cfg.Rules.Dir,
		Source:    source,
		PublicKey: cfg.Rules.PublicKey,
		Interval:  cfg.Rules.UpdateInterval.Duration,
		Clock:     a.clock,
		Logger:    a.logger,
		Events:    a.events,
	})
	if err != nil {
		return fmt.Errorf("creating rule store: %w", err)
	}

	a.license, err = license.NewMachine(license.Config{
		Client:         license.NewClientFromConfig(cfg.License),
		Store:          a.db,
		DeviceID:       cfg.DeviceID,
		MinPoll:        cfg.License.MinPoll.Duration,
		MaxPoll:        cfg.License.MaxPoll.Duration,
		Grace:          cfg.License.OfflineGrace.Duration,
		RenewStaleness: cfg.License.RenewStaleness.Duration,
		Clock:          a.clock,
		Logger:         a.logger,
		Events:         a.events,
	})
	if err != nil {
		return fmt.Errorf("creating license machine: %w", err)
	}

	a.quarantine = quarantine.NewManager(quarantine.Config{
		Vault:        a.vault,
		Encryptor:    a.encryptor,
		DB:           a.db,
		Clock:        a.clock,
		Logger:       a.logger,
		Events:       a.events,
		MaxFiles:     a.cfg.Vault.MaxFiles,
		MaxSize:      a.cfg.Vault.MaxSize,
		RestoreGrace: a.cfg.Vault.RestoreGrace.Duration,
	})
	return nil
}

func (a *VigilApp) eventsPath() string {
	return filepath.Join(a.cfg.LogDir, audit.FileName)
}

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only state-changing commands call it.
func (a *VigilApp) persistOperation() error {
	return a.op.persist(a.db, a.clock)
}

// Fail marks the current operation failed when err is non-nil.
func (a *VigilApp) Fail(err error) error {
	return a.op.Fail(err)
}

// Run starts the protection agent and blocks until ctx ends. Only one agent
// may run per base directory.
func (a *VigilApp) Run(ctx context.Context) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	if !a.encryptor.IsConfigured() {
		return fmt.Errorf("no quarantine keys configured: run 'vigil keys init' first")
	}

	g := guard.New(a.cfg.BaseDir)
	if err := g.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := g.Release(); err != nil {
			a.logger.Warn("releasing instance lock failed", "error", err)
		}
	}()

	ag, err := a.newAgent()
	if err != nil {
		return err
	}
	return ag.Run(ctx)
}

func (a *VigilApp) newAgent() (*agent.Agent, error) {
	cfg := a.cfg
	exclusions := fs.NewExclusions(a.internalDirs(), cfg.Watch.Exclude)

	w, err := watcher.New(watcher.Config{
		CoalesceWindow: cfg.Watch.CoalesceWindow.Duration,
		Exclusions:     exclusions,
		Clock:          a.clock,
		Logger:         a.logger,
		Events:         a.events,
	})
	if err != nil {
		return nil, err
	}

	engineEvents := vigil.MultiSink{a.audit, a.metrics}
	var detector *install.Detector
	if procs := a.processLister(); procs != nil {
		detector = install.NewDetector(install.Config{
			Dirs:           cfg.Install.Dirs,
			BurstCount:     cfg.Install.BurstCount,
			BurstWindow:    cfg.Install.BurstWindow.Duration,
			MaxDuration:    cfg.Install.MaxDuration.Duration,
			PollInterval:   cfg.Install.PollInterval.Duration,
			InstallerNames: cfg.Install.InstallerNames,
			Watcher:        w,
			Processes:      procs,
			DB:             a.db,
			Clock:          a.clock,
			Logger:         a.logger,
			Events:         a.events,
		})
		engineEvents = append(engineEvents, detector)
	}

	q := queue.New(queue.Config{
		Debounce:      cfg.Queue.Debounce.Duration,
		MaxWait:       cfg.Queue.MaxWait.Duration,
		Capacity:      cfg.Queue.Capacity,
		RatePerSecond: cfg.Queue.RatePerSecond,
		Burst:         cfg.Queue.Burst,
		Clock:         a.clock,
		Logger:        a.logger,
	})
	engine := a.newEngine(q, engineEvents)

	ag, err := agent.New(agent.Config{
		Roots:         a.roots(),
		Watcher:       w,
		Detector:      detector,
		Queue:         q,
		Engine:        engine,
		Rules:         a.rules,
		License:       a.license,
		Quarantine:    a.quarantine,
		Metrics:       a.metrics,
		MetricsAddr:   cfg.Metrics.ListenAddr,
		ShutdownGrace: cfg.Scan.ShutdownGrace.Duration,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}
	return ag, nil
}

// processLister returns nil when install detection is off or the process
// table cannot be read.
func (a *VigilApp) processLister() install.ProcessLister {
	if !a.cfg.Install.Enabled {
		return nil
	}
	if a.processes != nil {
		return a.processes
	}
	l, err := install.NewProcfsLister("")
	if err != nil {
		a.logger.Warn("install detection disabled", "error", err)
		return nil
	}
	return l
}

func (a *VigilApp) newEngine(q scan.TaskSource, events vigil.EventSink) *scan.Engine {
	return scan.NewEngine(scan.Config{
		Workers:     a.cfg.Scan.Workers,
		MaxFileSize: a.cfg.Scan.MaxFileSize,
		RetryDelay:  a.cfg.Scan.RetryDelay.Duration,
		Threshold:   a.threshold,
		Queue:       q,
		Rules:       a.rules,
		License:     a.license,
		Quarantine:  a.quarantine,
		FS:          a.fsmgr,
		DB:          a.db,
		Clock:       a.clock,
		Logger:      a.logger,
		Events:      events,
	})
}

// roots returns the watch roots plus the installer directories, without
// duplicates.
func (a *VigilApp) roots() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range append(append([]string{}, a.cfg.Watch.Roots...), a.cfg.Install.Dirs...) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// internalDirs are the agent's own directories, which are never scanned.
func (a *VigilApp) internalDirs() []string {
	dirs := []string{a.cfg.BaseDir, a.cfg.LogDir, a.cfg.Rules.Dir, a.cfg.Vault.FSVaultRoot, a.cfg.Database.DataDir}
	out := dirs[:0]
	for _, d := range dirs {
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// Activate binds this device to a license key.
func (a *VigilApp) Activate(ctx context.Context, key string) (vigil.LicenseState, error) {
	if err := a.persistOperation(); err != nil {
		return vigil.LicenseState{}, err
	}
	err := a.license.Activate(ctx, key)
	return a.license.Snapshot(), err
}

// LicenseStatus returns the persisted license state.
func (a *VigilApp) LicenseStatus() vigil.LicenseState {
	return a.license.Snapshot()
}

// ValidateLicense runs one validation round against the license server.
func (a *VigilApp) ValidateLicense(ctx context.Context) (vigil.LicenseState, error) {
	if err := a.persistOperation(); err != nil {
		return vigil.LicenseState{}, err
	}
	err := a.license.Validate(ctx)
	return a.license.Snapshot(), err
}

// SetAutoRenew switches auto-renew on the server.
func (a *VigilApp) SetAutoRenew(ctx context.Context, enabled bool) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.license.SetAutoRenew(ctx, enabled)
}

// RulesStatus loads the cached rule set and reports it. ok is false when
// none is installed.
func (a *VigilApp) RulesStatus() (vigil.RuleSetVersion, bool, error) {
	if err := a.rules.Load(); err != nil {
		return vigil.RuleSetVersion{}, false, err
	}
	v, ok := a.rules.Current()
	return v, ok, nil
}

// UpdateRules fetches the rule set from the configured source now.
func (a *VigilApp) UpdateRules(ctx context.Context) (vigil.RuleSetVersion, bool, error) {
	if err := a.persistOperation(); err != nil {
		return vigil.RuleSetVersion{}, false, err
	}
	if err := a.rules.Load(); err != nil {
		a.logger.Warn("cached rule set rejected", "error", err)
	}
	return a.rules.Update(ctx)
}

// Scan scans a path on demand with the cached rule set. Malicious files are
// quarantined exactly as the agent would. fn is called per verdict.
func (a *VigilApp) Scan(rawPath string, recursive bool, fn func(vigil.Verdict)) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	if err := a.rules.Load(); err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}
	if _, ok := a.rules.Current(); !ok {
		return rules.ErrNoRules
	}
	return a.newEngine(nil, a.events).ScanPath(rawPath, recursive, fn)
}

// ListQuarantine returns every quarantine record.
func (a *VigilApp) ListQuarantine() ([]*vigil.QuarantineRecord, error) {
	return a.quarantine.List()
}

// Restore decrypts a quarantined file with the key unlocked by passphrase.
// dest overrides the original location. It returns the restored path.
func (a *VigilApp) Restore(id, dest, passphrase string) (string, error) {
	if err := a.persistOperation(); err != nil {
		return "", err
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return "", fmt.Errorf("unlocking quarantine key: %w", err)
	}
	return a.quarantine.Restore(id, dest, dc)
}

// Purge permanently deletes a quarantined file.
func (a *VigilApp) Purge(id string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	return a.quarantine.Purge(id)
}

// Verdicts returns the most recent scan verdicts.
func (a *VigilApp) Verdicts(limit int) ([]*vigil.Verdict, error) {
	return a.db.ListVerdicts(limit)
}

// Installs returns the most recent install reports.
func (a *VigilApp) Installs(limit int) ([]*vigil.InstallReport, error) {
	return a.db.ListInstallReports(limit)
}

// History returns the most recent CLI operations.
func (a *VigilApp) History(limit int) ([]*vigil.Operation, error) {
	return a.db.ListOperations(limit)
}

// Events reads the audit event log. skipped counts unreadable lines.
func (a *VigilApp) Events(filter audit.Filter) ([]vigil.Event, int, error) {
	return audit.ReadEvents(a.eventsPath(), filter)
}

// SetupKeys generates the quarantine key pair protected by passphrase.
func SetupKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	return enc.Setup(passphrase)
}

// Close finalizes the operation and closes all resources.
func (a *VigilApp) Close() error {
	var firstErr error
	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status); err != nil {
			firstErr = fmt.Errorf("finishing operation: %w", err)
		}
	}
	if err := a.closeResources(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *VigilApp) closeResources() error {
	var errs []error
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing audit log: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// DaysLeft is a display helper: whole days until expiry, never negative.
func DaysLeft(s vigil.LicenseState, now time.Time) int {
	if s.Expiry.IsZero() || !s.Expiry.After(now) {
		return 0
	}
	return int(s.Expiry.Sub(now) / (24 * time.Hour))
}
