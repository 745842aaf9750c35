// Package queue turns raw file events into debounced, deduplicated scan tasks.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vigil-go/internal/vigil"
)

// Config configures a Queue. Zero values take the defaults noted per field.
type Config struct {
	Debounce      time.Duration // quiet period before a path is eligible (2s)
	MaxWait       time.Duration // starvation guard measured from the first event (30s)
	Capacity      int           // maximum pending tasks (500)
	RatePerSecond float64       // admission rate for new paths; 0 disables limiting
	Burst         int
	Clock         vigil.Clock
	Logger        vigil.Logger
}

// Queue maps each path to at most one pending task. A path that is in
// flight is not dispatched again until Done is called for it.
type Queue struct {
	debounce time.Duration
	maxWait  time.Duration
	capacity int
	limiter  *rate.Limiter
	clock    vigil.Clock
	logger   vigil.Logger

	mu       sync.Mutex
	pending  map[string]*vigil.ScanTask
	inflight map[string]struct{}
	changed  chan struct{} // closed and replaced on every state change
}

// New creates a Queue.
func New(cfg Config) *Queue {
	q := &Queue{
		debounce: cfg.Debounce,
		maxWait:  cfg.MaxWait,
		capacity: cfg.Capacity,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		pending:  make(map[string]*vigil.ScanTask),
		inflight: make(map[string]struct{}),
		changed:  make(chan struct{}),
	}
	if q.debounce <= 0 {
		q.debounce = 2 * time.Second
	}
	if q.maxWait <= 0 {
		q.maxWait = 30 * time.Second
	}
	if q.maxWait < q.debounce {
		q.maxWait = q.debounce
	}
	if q.capacity <= 0 {
		q.capacity = 500
	}
	if q.clock == nil {
		q.clock = vigil.RealClock{}
	}
	if q.logger == nil {
		q.logger = vigil.NewNopLogger()
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return q
}

// Enqueue records ev. An event for a path that already has a pending task
// refreshes that task and never blocks. A new path waits for the admission
// rate limiter and, while the queue is full, for a free slot. Enqueue only
// fails when ctx ends; events are never dropped.
func (q *Queue) Enqueue(ctx context.Context, ev vigil.FileEvent) error {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = q.clock.Now()
	}
	if q.coalesce(ev) {
		return nil
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("enqueue %s: %w", ev.Path, err)
		}
	}

	warned := false
	for {
		q.mu.Lock()
		if t, ok := q.pending[ev.Path]; ok {
			q.refresh(t, ev)
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		if len(q.pending) < q.capacity {
			q.pending[ev.Path] = &vigil.ScanTask{
				Path:        ev.Path,
				Priority:    ev.Priority,
				EnqueuedAt:  ev.ObservedAt,
				LastEventAt: ev.ObservedAt,
				Deadline:    ev.ObservedAt.Add(q.debounce),
				Events:      1,
			}
			q.broadcastLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		if !warned {
			q.logger.Warn("scan queue full, delaying enqueue", "path", ev.Path, "capacity", q.capacity)
			warned = true
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w: %w", ev.Path, ctx.Err(), vigil.ErrResource)
		case <-wait:
		}
	}
}

// coalesce folds ev into an existing pending task.
func (q *Queue) coalesce(ev vigil.FileEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.pending[ev.Path]
	if !ok {
		return false
	}
	q.refresh(t, ev)
	q.broadcastLocked()
	return true
}

func (q *Queue) refresh(t *vigil.ScanTask, ev vigil.FileEvent) {
	if ev.ObservedAt.After(t.LastEventAt) {
		t.LastEventAt = ev.ObservedAt
	}
	if ev.Priority > t.Priority {
		t.Priority = ev.Priority
	}
	t.Events++
	t.Deadline = t.LastEventAt.Add(q.debounce)
	if limit := t.EnqueuedAt.Add(q.maxWait); limit.Before(t.Deadline) {
		t.Deadline = limit
	}
}

// TryNext dispatches the best task eligible at now, if any: high priority
// before normal, then the oldest first event. The task's path is in flight
// until Done.
func (q *Queue) TryNext(now time.Time) (vigil.ScanTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, _ := q.pickLocked(now)
	if t == nil {
		return vigil.ScanTask{}, false
	}
	return q.dispatchLocked(t), true
}

// Next blocks until a task is eligible or ctx ends.
func (q *Queue) Next(ctx context.Context) (vigil.ScanTask, error) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		q.mu.Lock()
		t, wait := q.pickLocked(q.clock.Now())
		if t != nil {
			task := q.dispatchLocked(t)
			q.mu.Unlock()
			return task, nil
		}
		changed := q.changed
		q.mu.Unlock()

		var tick <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			return vigil.ScanTask{}, ctx.Err()
		case <-changed:
		case <-tick:
		}
	}
}

// pickLocked returns the best eligible task, or nil and the time until the
// earliest deadline (0 when nothing is pending).
func (q *Queue) pickLocked(now time.Time) (*vigil.ScanTask, time.Duration) {
	var best *vigil.ScanTask
	var earliest time.Time
	for path, t := range q.pending {
		if _, busy := q.inflight[path]; busy {
			continue
		}
		if now.Before(t.Deadline) {
			if earliest.IsZero() || t.Deadline.Before(earliest) {
				earliest = t.Deadline
			}
			continue
		}
		if best == nil || better(t, best) {
			best = t
		}
	}
	if best != nil || earliest.IsZero() {
		return best, 0
	}
	return nil, earliest.Sub(now)
}

func better(a, b *vigil.ScanTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Path < b.Path
}

func (q *Queue) dispatchLocked(t *vigil.ScanTask) vigil.ScanTask {
	delete(q.pending, t.Path)
	q.inflight[t.Path] = struct{}{}
	q.broadcastLocked()
	return *t
}

// Done marks path as no longer in flight.
func (q *Queue) Done(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, path)
	q.broadcastLocked()
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of dispatched tasks not yet Done.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
