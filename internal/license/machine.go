package license

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"vigil-go/internal/vigil"
)

var (
	// ErrNotActivated is returned by operations that need an activation.
	ErrNotActivated = errors.New("license not activated")

	// ErrStaleValidation is returned when the last successful validation is
	// too old to trust the local view of the license.
	ErrStaleValidation = errors.New("license validation is stale")

	// ErrRenewTooLate is returned when enabling auto-renew on a license that
	// has too little validity left.
	ErrRenewTooLate = errors.New("too little validity left to enable auto-renew")

	// ErrNoServer is returned when no license server is configured.
	ErrNoServer = errors.New("no license server configured")
)

const (
	// warnWithin is how close to expiry license.expiring events start.
	warnWithin = 7 * 24 * time.Hour
	// warnEvery limits license.expiring to one per day.
	warnEvery = 24 * time.Hour
	// renewMinLeft is the validity auto-renew needs to be switched on.
	renewMinLeft = 30 * 24 * time.Hour
	// pollHorizon is the distance to expiry at which polling is slowest.
	pollHorizon = 30 * 24 * time.Hour
)

// StateStore persists the license state.
type StateStore interface {
	LoadLicenseState() (*vigil.LicenseState, error)
	SaveLicenseState(s *vigil.LicenseState) error
}

// Config holds the dependencies and tunables of a Machine.
type Config struct {
	Client         Client
	Store          StateStore
	DeviceID       string
	MinPoll        time.Duration
	MaxPoll        time.Duration
	Grace          time.Duration
	RenewStaleness time.Duration
	Clock          vigil.Clock
	Logger         vigil.Logger
	Events         vigil.EventSink
}

// Machine is the license state machine:
// Unactivated -> Active <-> GraceOffline -> Expired, with Expired -> Active
// when the server reports a renewed license.
//
// Several processes may hold a Machine over the same store: the agent and
// the CLI commands that activate or validate. Every save bumps the state's
// revision, and each operation first adopts a newer persisted revision.
type Machine struct {
	client    Client
	store     StateStore
	minPoll   time.Duration
	maxPoll   time.Duration
	grace     time.Duration
	staleness time.Duration
	clock     vigil.Clock
	logger    vigil.Logger
	events    vigil.EventSink

	// netMu serializes server round trips so ticks never interleave.
	netMu sync.Mutex

	mu      sync.Mutex
	state   vigil.LicenseState
	changed chan struct{}
}

// NewMachine restores the persisted state or starts Unactivated.
func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Store == nil {
		return nil, errors.New("license store is required")
	}
	if cfg.MinPoll <= 0 {
		cfg.MinPoll = 5 * time.Second
	}
	if cfg.MaxPoll < cfg.MinPoll {
		cfg.MaxPoll = cfg.MinPoll
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 24 * time.Hour
	}
	if cfg.RenewStaleness <= 0 {
		cfg.RenewStaleness = 30 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = vigil.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = vigil.NewNopLogger()
	}
	if cfg.Events == nil {
		cfg.Events = vigil.NopSink{}
	}

	m := &Machine{
		client:    cfg.Client,
		store:     cfg.Store,
		minPoll:   cfg.MinPoll,
		maxPoll:   cfg.MaxPoll,
		grace:     cfg.Grace,
		staleness: cfg.RenewStaleness,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		events:    cfg.Events,
		changed:   make(chan struct{}),
	}

	saved, err := cfg.Store.LoadLicenseState()
	if err != nil {
		return nil, fmt.Errorf("failed to load license state: %w", err)
	}
	if saved != nil {
		m.state = *saved
	} else {
		m.state = vigil.LicenseState{Status: vigil.LicenseUnactivated}
	}
	if m.state.DeviceID == "" {
		m.state.DeviceID = cfg.DeviceID
	}
	if m.state.Status == "" {
		m.state.Status = vigil.LicenseUnactivated
	}
	m.state.PollInterval = m.intervalLocked(m.clock.Now())
	return m, nil
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() vigil.LicenseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ScanningAllowed is true only while Active or GraceOffline.
func (m *Machine) ScanningAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return allowed(m.state.Status)
}

func allowed(s vigil.LicenseStatus) bool {
	return s == vigil.LicenseActive || s == vigil.LicenseGraceOffline
}

// WaitAllowed blocks until scanning is allowed or ctx ends.
func (m *Machine) WaitAllowed(ctx context.Context) error {
	for {
		m.mu.Lock()
		ok := allowed(m.state.Status)
		changed := m.changed
		m.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// NextInterval is the delay before the next validation tick.
func (m *Machine) NextInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intervalLocked(m.clock.Now())
}

// intervalLocked polls fastest when there is nothing valid to protect, and
// tightens from MaxPoll towards MinPoll as expiry approaches and as
// consecutive failures accumulate.
func (m *Machine) intervalLocked(now time.Time) time.Duration {
	switch m.state.Status {
	case vigil.LicenseActive, vigil.LicenseGraceOffline:
	default:
		return m.minPoll
	}
	frac := float64(m.state.Expiry.Sub(now)) / float64(pollHorizon)
	frac = max(0, min(frac, 1))
	span := float64(m.maxPoll - m.minPoll)
	return m.minPoll + time.Duration(span*frac/float64(1+m.state.FailureCount))
}

// Activate registers this device with key. On rejection the state is left
// as it was and the error wraps vigil.ErrAuthoritative.
func (m *Machine) Activate(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("license key is required")
	}
	if m.client == nil {
		return ErrNoServer
	}
	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.refresh()
	deviceID := m.Snapshot().DeviceID
	act, err := m.client.Activate(ctx, deviceID, key)
	if err != nil {
		m.logger.Warn("license activation failed", "error", err)
		return fmt.Errorf("activation failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	now := m.clock.Now()
	m.state.ActivationID = act.ActivationID
	m.state.Expiry = act.Expiry
	m.state.SeatLimit = act.SeatLimit
	m.state.LastValidated = now
	m.state.OfflineSince = time.Time{}
	m.state.FailureCount = 0
	if !act.Expiry.IsZero() && !now.Before(act.Expiry) {
		m.transitionLocked(vigil.LicenseExpired, "activated license already expired")
	} else {
		m.transitionLocked(vigil.LicenseActive, "activated")
	}
	m.finishTickLocked(now)
	return nil
}

// Validate runs one validation tick against the server and applies the
// outcome. Transient failures are absorbed into the state and also returned.
func (m *Machine) Validate(ctx context.Context) error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.refresh()
	st := m.Snapshot()
	if st.Status == vigil.LicenseUnactivated {
		return ErrNotActivated
	}

	var (
		res *Validation
		err error
	)
	if m.client == nil {
		err = fmt.Errorf("validate: %w: %w", ErrNoServer, vigil.ErrTransient)
	} else {
		res, err = m.client.Validate(ctx, st.ActivationID, st.DeviceID)
	}
	// A cancelled round trip says nothing about the server.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("validate: %w", ctxErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	if m.state.ActivationID != st.ActivationID {
		m.logger.Info("license changed during validation, discarding result", "activation_id", m.state.ActivationID)
		return nil
	}
	now := m.clock.Now()

	switch {
	case err == nil && (!res.Valid || res.Revoked):
		m.state.LastValidated = now
		m.state.FailureCount = 0
		m.state.OfflineSince = time.Time{}
		m.state.SeatCount = res.SeatCount
		reason := "server reports license invalid"
		if res.Revoked {
			reason = "server reports license revoked"
		}
		m.transitionLocked(vigil.LicenseExpired, reason)
		err = fmt.Errorf("validate: %s: %w", reason, vigil.ErrAuthoritative)

	case err == nil:
		m.state.LastValidated = now
		m.state.FailureCount = 0
		m.state.OfflineSince = time.Time{}
		m.state.Expiry = res.Expiry
		m.state.AutoRenew = res.AutoRenew
		m.state.SeatCount = res.SeatCount
		if !res.Expiry.IsZero() && !now.Before(res.Expiry) {
			m.transitionLocked(vigil.LicenseExpired, "license expired")
		} else {
			m.transitionLocked(vigil.LicenseActive, "validated")
		}

	case errors.Is(err, vigil.ErrAuthoritative):
		m.state.LastValidated = now
		m.state.FailureCount = 0
		m.state.OfflineSince = time.Time{}
		m.transitionLocked(vigil.LicenseExpired, err.Error())

	default:
		m.state.FailureCount++
		m.offlineLocked(now)
	}

	m.finishTickLocked(now)
	if err != nil {
		m.logger.Warn("license validation failed", "error", err, "status", string(m.state.Status))
	}
	return err
}

// offlineLocked applies a tick without a server answer.
func (m *Machine) offlineLocked(now time.Time) {
	switch m.state.Status {
	case vigil.LicenseActive:
		m.state.OfflineSince = now
		m.transitionLocked(vigil.LicenseGraceOffline, "license server unreachable")
	case vigil.LicenseGraceOffline:
		if now.Sub(m.state.OfflineSince) >= m.grace {
			m.transitionLocked(vigil.LicenseExpired, "offline grace period exhausted")
		}
	}
	if allowed(m.state.Status) && !m.state.Expiry.IsZero() && !now.Before(m.state.Expiry) {
		m.transitionLocked(vigil.LicenseExpired, "license expired")
	}
}

// finishTickLocked recomputes the poll interval, emits the expiry warning
// and persists the state.
func (m *Machine) finishTickLocked(now time.Time) {
	m.state.PollInterval = m.intervalLocked(now)

	if allowed(m.state.Status) && !m.state.Expiry.IsZero() {
		left := m.state.Expiry.Sub(now)
		if left <= warnWithin && (m.state.LastWarnedAt.IsZero() || now.Sub(m.state.LastWarnedAt) >= warnEvery) {
			m.state.LastWarnedAt = now
			days := int(left / (24 * time.Hour))
			m.events.Publish(vigil.Event{
				Kind:    vigil.EventLicenseExpiring,
				Time:    now,
				Message: fmt.Sprintf("license expires in %d day(s)", days),
				Fields:  map[string]string{"days_left": strconv.Itoa(days)},
			})
		}
	}

	m.persistLocked()
}

// transitionLocked moves to status, publishes the transition and wakes
// WaitAllowed callers. It is a no-op when the status does not change.
func (m *Machine) transitionLocked(to vigil.LicenseStatus, reason string) {
	from := m.state.Status
	if from == to {
		return
	}
	m.state.Status = to
	m.persistLocked()
	m.announceLocked(from, to, reason)
}

func (m *Machine) announceLocked(from, to vigil.LicenseStatus, reason string) {
	m.logger.Info("license state changed", "from", string(from), "to", string(to), "reason", reason)
	m.events.Publish(vigil.Event{
		Kind:    vigil.EventLicenseTransition,
		Time:    m.clock.Now(),
		Message: reason,
		Fields:  map[string]string{"from": string(from), "to": string(to)},
	})
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Machine) persistLocked() {
	m.state.Revision++
	st := m.state
	if err := m.store.SaveLicenseState(&st); err != nil {
		m.logger.Error("failed to persist license state", "error", err)
	}
}

func (m *Machine) refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
}

// syncLocked adopts the persisted state when another process saved a newer
// revision, e.g. `vigil activate` while the agent runs.
func (m *Machine) syncLocked() {
	saved, err := m.store.LoadLicenseState()
	if err != nil {
		m.logger.Warn("cannot reload license state", "error", err)
		return
	}
	if saved == nil || saved.Revision <= m.state.Revision {
		return
	}
	from := m.state.Status
	deviceID := m.state.DeviceID
	m.state = *saved
	if m.state.DeviceID == "" {
		m.state.DeviceID = deviceID
	}
	if m.state.Status == "" {
		m.state.Status = vigil.LicenseUnactivated
	}
	m.state.PollInterval = m.intervalLocked(m.clock.Now())
	m.logger.Debug("license state reloaded", "revision", saved.Revision)
	if from != m.state.Status {
		m.announceLocked(from, m.state.Status, "updated by another process")
	}
}

// SetAutoRenew toggles auto-renew on the server. It is refused locally,
// without contacting the server, when the last successful validation is
// older than the staleness window or when enabling with less than 30 days
// of validity left.
func (m *Machine) SetAutoRenew(ctx context.Context, enabled bool) error {
	m.netMu.Lock()
	defer m.netMu.Unlock()

	m.refresh()
	st := m.Snapshot()
	now := m.clock.Now()
	if st.Status == vigil.LicenseUnactivated || st.ActivationID == "" {
		return ErrNotActivated
	}
	if st.LastValidated.IsZero() || now.Sub(st.LastValidated) > m.staleness {
		return fmt.Errorf("last validated %s: %w", st.LastValidated.Format(time.RFC3339), ErrStaleValidation)
	}
	if enabled && st.Expiry.Sub(now) < renewMinLeft {
		days := int(st.Expiry.Sub(now) / (24 * time.Hour))
		return fmt.Errorf("%d day(s) left: %w", days, ErrRenewTooLate)
	}
	if m.client == nil {
		return ErrNoServer
	}

	if err := m.client.SetAutoRenew(ctx, st.ActivationID, enabled); err != nil {
		return fmt.Errorf("auto-renew update failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLocked()
	m.state.AutoRenew = enabled
	m.persistLocked()
	m.logger.Info("auto-renew updated", "enabled", enabled)
	return nil
}

// Run validates on the adaptive schedule until ctx ends.
func (m *Machine) Run(ctx context.Context) error {
	for {
		if err := m.Validate(ctx); err != nil && !errors.Is(err, ErrNotActivated) && ctx.Err() == nil {
			m.logger.Debug("license tick", "error", err)
		}

		m.mu.Lock()
		changed := m.changed
		m.mu.Unlock()

		timer := time.NewTimer(m.NextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-changed:
			timer.Stop()
		}
	}
}
