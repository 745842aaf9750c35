package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"vigil-go/internal/testutil"
	"vigil-go/internal/vigil"
)

func newTestQueue(clock vigil.Clock, capacity int) *Queue {
	return New(Config{
		Debounce: 2 * time.Second,
		MaxWait:  30 * time.Second,
		Capacity: capacity,
		Clock:    clock,
	})
}

func event(path string, at time.Time) vigil.FileEvent {
	return vigil.FileEvent{Path: path, Kind: vigil.ChangeWrite, ObservedAt: at}
}

func TestQueue_DebounceCoalescesBurst(t *testing.T) {
	clock := testutil.FixedClock()
	q := newTestQueue(clock, 10)
	ctx := context.Background()
	start := clock.Now()

	var last time.Time
	for i := 0; i < 5; i++ {
		last = start.Add(time.Duration(i) * 500 * time.Millisecond)
		if err := q.Enqueue(ctx, event("/data/a.bin", last)); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}

	if _, ok := q.TryNext(last.Add(2*time.Second - time.Nanosecond)); ok {
		t.Fatal("TryNext() dispatched before the debounce window elapsed")
	}
	task, ok := q.TryNext(last.Add(2 * time.Second))
	if !ok {
		t.Fatal("TryNext() = false after debounce window")
	}
	if task.Events != 5 {
		t.Errorf("Events = %d, want 5", task.Events)
	}
	if !task.LastEventAt.Equal(last) {
		t.Errorf("LastEventAt = %v, want latest event %v", task.LastEventAt, last)
	}
	if !task.EnqueuedAt.Equal(start) {
		t.Errorf("EnqueuedAt = %v, want %v", task.EnqueuedAt, start)
	}
	if _, ok := q.TryNext(last.Add(time.Hour)); ok {
		t.Error("second TryNext() dispatched a duplicate task")
	}
}

func TestQueue_MaxWaitPreventsStarvation(t *testing.T) {
	clock := testutil.FixedClock()
	q := newTestQueue(clock, 10)
	start := clock.Now()

	// A file rewritten every second never goes quiet.
	for i := 0; i <= 40; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		q.Enqueue(context.Background(), event("/var/log/busy.log", at))
		_, ok := q.TryNext(at)
		if i < 30 && ok {
			t.Fatalf("dispatched at %ds, want not before 30s", i)
		}
		if i == 30 {
			if !ok {
				t.Fatal("not dispatched at max wait")
			}
			return
		}
	}
}

func TestQueue_DispatchOrder(t *testing.T) {
	clock := testutil.FixedClock()
	q := newTestQueue(clock, 10)
	ctx := context.Background()
	t0 := clock.Now()

	q.Enqueue(ctx, event("/b", t0.Add(time.Second)))
	q.Enqueue(ctx, event("/a", t0))
	high := event("/installer/c", t0.Add(2*time.Second))
	high.Priority = vigil.PriorityHigh
	q.Enqueue(ctx, high)

	now := t0.Add(time.Minute)
	var got []string
	for {
		task, ok := q.TryNext(now)
		if !ok {
			break
		}
		got = append(got, task.Path)
	}
	want := []string{"/installer/c", "/a", "/b"}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatch[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestQueue_OneInFlightPerPath(t *testing.T) {
	clock := testutil.FixedClock()
	q := newTestQueue(clock, 10)
	ctx := context.Background()
	t0 := clock.Now()

	q.Enqueue(ctx, event("/x", t0))
	if _, ok := q.TryNext(t0.Add(3 * time.Second)); !ok {
		t.Fatal("TryNext() = false, want first dispatch")
	}

	// A write during the scan queues a fresh task that must wait for Done.
	q.Enqueue(ctx, event("/x", t0.Add(4*time.Second)))
	if _, ok := q.TryNext(t0.Add(time.Minute)); ok {
		t.Fatal("TryNext() dispatched a path that is still in flight")
	}
	if q.InFlight() != 1 || q.Len() != 1 {
		t.Errorf("InFlight()=%d Len()=%d, want 1/1", q.InFlight(), q.Len())
	}

	q.Done("/x")
	task, ok := q.TryNext(t0.Add(time.Minute))
	if !ok {
		t.Fatal("TryNext() after Done = false")
	}
	if !task.LastEventAt.Equal(t0.Add(4 * time.Second)) {
		t.Errorf("LastEventAt = %v, want the event seen during the scan", task.LastEventAt)
	}
}

func TestQueue_BackPressureWhenFull(t *testing.T) {
	clock := testutil.FixedClock()
	q := newTestQueue(clock, 1)
	t0 := clock.Now()

	if err := q.Enqueue(context.Background(), event("/first", t0)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Coalescing never blocks, even when full.
	if err := q.Enqueue(context.Background(), event("/first", t0.Add(time.Millisecond))); err != nil {
		t.Fatalf("coalescing Enqueue() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(context.Background(), event("/second", t0))
	}()

	select {
	case err := <-done:
		t.Fatalf("Enqueue() on full queue returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := q.TryNext(t0.Add(time.Minute)); !ok {
		t.Fatal("TryNext() = false")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Enqueue() never admitted after a slot freed")
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueue_EnqueueCanceledWhileFull(t *testing.T) {
	clock := testutil.FixedClock()
	q := newTestQueue(clock, 1)
	q.Enqueue(context.Background(), event("/first", clock.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, event("/second", clock.Now()))
	if !errors.Is(err, vigil.ErrResource) {
		t.Errorf("Enqueue() error = %v, want ErrResource", err)
	}
}

func TestQueue_NextWaitsForDebounce(t *testing.T) {
	q := New(Config{Debounce: 30 * time.Millisecond, MaxWait: time.Second, Capacity: 10})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	q.Enqueue(ctx, vigil.FileEvent{Path: "/n", Kind: vigil.ChangeCreate})

	task, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if task.Path != "/n" {
		t.Errorf("Next() path = %s, want /n", task.Path)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Next() returned after %v, before the debounce window", elapsed)
	}
}

func TestQueue_NextHonorsContext(t *testing.T) {
	q := newTestQueue(nil, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() error = %v, want context.Canceled", err)
	}
}
