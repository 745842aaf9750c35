package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	vfs "vigil-go/internal/fs"
	"vigil-go/internal/queue"
	"vigil-go/internal/rules"
	"vigil-go/internal/testutil"
	"vigil-go/internal/vigil"
)

// gate is a license gate that can be flipped by the test.
type gate struct {
	mu      sync.Mutex
	allowed bool
	changed chan struct{}
}

func newGate(allowed bool) *gate {
	return &gate{allowed: allowed, changed: make(chan struct{})}
}

func (g *gate) set(allowed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed = allowed
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *gate) ScanningAllowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed
}

func (g *gate) WaitAllowed(ctx context.Context) error {
	for {
		g.mu.Lock()
		allowed, ch := g.allowed, g.changed
		g.mu.Unlock()
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

type fakeQuarantine struct {
	mu       sync.Mutex
	fs       *testutil.MockFilesystemManager
	paths    []string
	restored map[string]bool
	err      error
}

func (q *fakeQuarantine) RecentlyRestored(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.restored[path]
}

func (q *fakeQuarantine) Quarantine(path string, matched []string) (*vigil.QuarantineRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.paths = append(q.paths, path)
	q.fs.RemoveFile(path)
	return &vigil.QuarantineRecord{ID: fmt.Sprintf("q-%d", len(q.paths)), OriginalPath: path, MatchedRules: matched}, nil
}

func (q *fakeQuarantine) quarantined() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.paths...)
}

type engineFixture struct {
	engine *Engine
	fs     *testutil.MockFilesystemManager
	store  *rules.Store
	quar   *fakeQuarantine
	gate   *gate
	queue  *queue.Queue
	db     vigil.Database
	sink   *testutil.RecordingSink
	sleeps []time.Duration
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	fsys := testutil.NewMockFilesystemManager()
	f := &engineFixture{
		fs:    fsys,
		store: testutil.NewRuleStore(t, "1.0.0"),
		quar:  &fakeQuarantine{fs: fsys},
		gate:  newGate(true),
		queue: queue.New(queue.Config{Debounce: time.Millisecond, MaxWait: time.Millisecond, Capacity: 100}),
		db:    testutil.NewTestDatabase(t),
		sink:  testutil.NewRecordingSink(),
	}
	f.engine = NewEngine(Config{
		Workers:     2,
		MaxFileSize: 1024,
		RetryDelay:  500 * time.Millisecond,
		Threshold:   rules.SeverityHigh,
		Queue:       f.queue,
		Rules:       f.store,
		License:     f.gate,
		Quarantine:  f.quar,
		FS:          fsys,
		DB:          f.db,
		Clock:       testutil.FixedClock(),
		Events:      f.sink,
	})
	f.engine.sleep = func(d time.Duration) { f.sleeps = append(f.sleeps, d) }
	return f
}

func (f *engineFixture) scan(t *testing.T, path string) (vigil.Verdict, bool) {
	t.Helper()
	snap := f.store.Acquire()
	defer snap.Release()
	return f.engine.Scan(path, snap)
}

func TestEngine_ScanClassification(t *testing.T) {
	f := newEngineFixture(t)
	tests := []struct {
		name      string
		content   string
		wantKind  vigil.VerdictKind
		wantRules []string
	}{
		{"clean", "hello world", vigil.VerdictClean, nil},
		{"below threshold", "a SUSPICIOUS thing", vigil.VerdictSuspicious, []string{"suspicious-marker"}},
		{"info only", "HARMLESS-TAG", vigil.VerdictSuspicious, []string{"harmless-tag"}},
		{"critical", testutil.EICAR, vigil.VerdictMalicious, []string{"eicar"}},
		{"mixed severities", testutil.EICAR + " SUSPICIOUS", vigil.VerdictMalicious, []string{"eicar", "suspicious-marker"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/data/" + tt.name
			f.fs.AddFile(path, []byte(tt.content))
			v, ok := f.scan(t, path)
			if !ok {
				t.Fatal("Scan() reported the file as vanished")
			}
			if v.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", v.Kind, tt.wantKind)
			}
			if fmt.Sprint(v.MatchedRules) != fmt.Sprint(tt.wantRules) {
				t.Errorf("MatchedRules = %v, want %v", v.MatchedRules, tt.wantRules)
			}
			if v.RuleVersion != "1.0.0" {
				t.Errorf("RuleVersion = %q, want 1.0.0", v.RuleVersion)
			}
		})
	}
}

func TestEngine_ScanTooLarge(t *testing.T) {
	f := newEngineFixture(t)
	big := make([]byte, 2048)
	copy(big, testutil.EICAR)
	f.fs.AddFile("/big", big)

	v, ok := f.scan(t, "/big")
	if !ok || v.Kind != vigil.VerdictSkippedTooLarge {
		t.Errorf("Scan() = %s, %v; want skipped-too-large", v.Kind, ok)
	}
	if f.fs.Opens("/big") != 0 {
		t.Error("oversized file was opened")
	}
}

func TestEngine_ScanVanished(t *testing.T) {
	f := newEngineFixture(t)
	if _, ok := f.scan(t, "/gone"); ok {
		t.Error("Scan() of a missing file produced a verdict")
	}
	if len(f.sleeps) != 0 {
		t.Error("a vanished file was retried")
	}
}

func TestEngine_NonRegularPathsAreDropped(t *testing.T) {
	t.Run("directory", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fs.AddFile("/data/sub/a.txt", []byte("x"))

		if v, ok, err := f.engine.ScanNow("/data/sub"); err != nil || ok {
			t.Errorf("ScanNow(dir) = %s, %v, %v; want no verdict", v.Kind, ok, err)
		}
		if len(f.sleeps) != 0 {
			t.Errorf("sleeps = %v, want none", f.sleeps)
		}
		if n := f.fs.Opens("/data/sub"); n != 0 {
			t.Errorf("opens = %d, want 0", n)
		}
		verdicts, _ := f.db.ListVerdicts(10)
		if len(verdicts) != 0 {
			t.Errorf("recorded verdicts = %+v, want none", verdicts)
		}
		if got := f.sink.OfKind(vigil.EventVerdict); len(got) != 0 {
			t.Errorf("verdict events = %+v, want none", got)
		}
	})

	t.Run("symlink", func(t *testing.T) {
		f := newEngineFixture(t)
		f.engine.fs = vfs.NewOSFilesystemManager()
		dir := t.TempDir()
		target := filepath.Join(dir, "target")
		if err := os.WriteFile(target, []byte(testutil.EICAR), 0644); err != nil {
			t.Fatal(err)
		}
		link := filepath.Join(dir, "link")
		if err := os.Symlink(target, link); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}

		if _, ok := f.scan(t, link); ok {
			t.Error("Scan() of a symlink produced a verdict")
		}
		if len(f.sleeps) != 0 {
			t.Errorf("sleeps = %v, want none", f.sleeps)
		}
	})
}

func TestEngine_ScanRetriesOnce(t *testing.T) {
	locked := errors.New("resource temporarily unavailable")

	t.Run("recovers", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fs.AddFile("/locked", []byte(testutil.EICAR))
		f.fs.FailOpen("/locked", locked)

		v, ok := f.scan(t, "/locked")
		if !ok || v.Kind != vigil.VerdictMalicious {
			t.Errorf("Scan() = %s, %v; want malicious after retry", v.Kind, ok)
		}
		if len(f.sleeps) != 1 || f.sleeps[0] != 500*time.Millisecond {
			t.Errorf("sleeps = %v, want one 500ms delay", f.sleeps)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		f := newEngineFixture(t)
		f.fs.AddFile("/locked", []byte("x"))
		f.fs.FailOpen("/locked", locked, locked, locked)

		v, ok := f.scan(t, "/locked")
		if !ok || v.Kind != vigil.VerdictSkippedError {
			t.Errorf("Scan() = %s, %v; want skipped-error", v.Kind, ok)
		}
		if v.Error == "" {
			t.Error("skipped-error verdict has no error text")
		}
		if n := f.fs.Opens("/locked"); n != 2 {
			t.Errorf("opens = %d, want 2", n)
		}
	})
}

func TestEngine_MaliciousIsQuarantinedAndRecorded(t *testing.T) {
	f := newEngineFixture(t)
	f.fs.AddFile("/home/u/evil.exe", []byte(testutil.EICAR))

	v, ok, err := f.engine.ScanNow("/home/u/evil.exe")
	if err != nil || !ok {
		t.Fatalf("ScanNow() ok=%v err=%v", ok, err)
	}
	if v.Kind != vigil.VerdictMalicious {
		t.Fatalf("Kind = %s, want malicious", v.Kind)
	}
	if got := f.quar.quarantined(); len(got) != 1 || got[0] != "/home/u/evil.exe" {
		t.Errorf("quarantined = %v", got)
	}
	if _, err := f.fs.Stat("/home/u/evil.exe"); err == nil {
		t.Error("original still present after quarantine")
	}

	verdicts, _ := f.db.ListVerdicts(10)
	if len(verdicts) != 1 || verdicts[0].Kind != vigil.VerdictMalicious {
		t.Errorf("recorded verdicts = %+v", verdicts)
	}
	events := f.sink.OfKind(vigil.EventVerdict)
	if len(events) != 1 || events[0].Fields["verdict"] != "malicious" || events[0].Fields["rules"] != "eicar" {
		t.Errorf("verdict events = %+v", events)
	}
}

func TestEngine_RestoredFileIsNotRecaptured(t *testing.T) {
	f := newEngineFixture(t)
	f.quar.restored = map[string]bool{"/home/u/fp.exe": true}
	f.fs.AddFile("/home/u/fp.exe", []byte(testutil.EICAR))

	v, ok, err := f.engine.ScanNow("/home/u/fp.exe")
	if err != nil || !ok || v.Kind != vigil.VerdictMalicious {
		t.Fatalf("ScanNow() = %s, %v, %v; want malicious", v.Kind, ok, err)
	}
	if got := f.quar.quarantined(); len(got) != 0 {
		t.Errorf("quarantined = %v, want none", got)
	}
	if _, err := f.fs.Stat("/home/u/fp.exe"); err != nil {
		t.Errorf("restored file was removed: %v", err)
	}
	verdicts, _ := f.db.ListVerdicts(10)
	if len(verdicts) != 1 || verdicts[0].Kind != vigil.VerdictMalicious {
		t.Errorf("recorded verdicts = %+v, want the malicious verdict", verdicts)
	}
}

func TestEngine_QuarantineFailureIsReported(t *testing.T) {
	f := newEngineFixture(t)
	f.quar.err = fmt.Errorf("vault full: %w", vigil.ErrResource)
	f.fs.AddFile("/evil", []byte(testutil.EICAR))

	f.engine.ScanNow("/evil")

	failed := f.sink.OfKind(vigil.EventQuarantineFailed)
	if len(failed) != 1 || failed[0].Path != "/evil" {
		t.Errorf("quarantine.failed events = %+v, want one for /evil", failed)
	}
}

func TestEngine_ScanNowRespectsLicense(t *testing.T) {
	f := newEngineFixture(t)
	f.gate.set(false)
	f.fs.AddFile("/x", []byte("x"))
	if _, _, err := f.engine.ScanNow("/x"); !errors.Is(err, ErrScanningDisabled) {
		t.Errorf("ScanNow() error = %v, want ErrScanningDisabled", err)
	}
}

func TestEngine_NoRulesLoaded(t *testing.T) {
	f := newEngineFixture(t)
	empty, _ := rules.NewStore(rules.StoreConfig{Dir: t.TempDir()})
	f.engine.rules = empty
	f.fs.AddFile("/x", []byte(testutil.EICAR))

	v, ok, err := f.engine.ScanNow("/x")
	if err != nil || !ok || v.Kind != vigil.VerdictSkippedError {
		t.Errorf("ScanNow() = %s, %v, %v; want skipped-error", v.Kind, ok, err)
	}
}

func TestEngine_RunPausesWhileLicenseInvalid(t *testing.T) {
	f := newEngineFixture(t)
	f.gate.set(false)
	f.fs.AddFile("/w/evil", []byte(testutil.EICAR))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	f.queue.Enqueue(ctx, vigil.FileEvent{Path: "/w/evil", Kind: vigil.ChangeCreate})
	time.Sleep(50 * time.Millisecond)
	if len(f.sink.OfKind(vigil.EventVerdict)) != 0 {
		t.Fatal("scanned while the license disallowed it")
	}

	f.gate.set(true)
	deadline := time.Now().Add(5 * time.Second)
	for len(f.sink.OfKind(vigil.EventVerdict)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no scan after the license became valid")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if f.queue.InFlight() != 0 {
		t.Errorf("InFlight() = %d after shutdown, want 0", f.queue.InFlight())
	}
	if got := f.quar.quarantined(); len(got) != 1 {
		t.Errorf("quarantined = %v, want the malicious file", got)
	}
}

func TestEngine_ScanPath(t *testing.T) {
	f := newEngineFixture(t)
	f.fs.AddFile("/home/user/a.txt", []byte("hello"))
	f.fs.AddFile("/home/user/sub/b.exe", []byte(testutil.EICAR))
	f.fs.AddFile("/home/user/sub/deeper/c.txt", []byte("SUSPICIOUS"))

	tests := []struct {
		name      string
		path      string
		recursive bool
		want      map[string]vigil.VerdictKind
	}{
		{"single file", "/home/user/a.txt", false, map[string]vigil.VerdictKind{
			"/home/user/a.txt": vigil.VerdictClean,
		}},
		{"directory", "/home/user/sub", false, map[string]vigil.VerdictKind{
			"/home/user/sub/b.exe": vigil.VerdictMalicious,
		}},
		{"recursive", "/home/user/sub", true, map[string]vigil.VerdictKind{
			"/home/user/sub/deeper/c.txt": vigil.VerdictSuspicious,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]vigil.VerdictKind{}
			err := f.engine.ScanPath(tt.path, tt.recursive, func(v vigil.Verdict) { got[v.Path] = v.Kind })
			if err != nil {
				t.Fatalf("ScanPath() error = %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("verdicts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEngine_ScanPathErrors(t *testing.T) {
	f := newEngineFixture(t)
	if err := f.engine.ScanPath("/missing", false, nil); err == nil {
		t.Error("ScanPath() of a missing path succeeded")
	}

	f.gate.set(false)
	f.fs.AddFile("/x", []byte("x"))
	if err := f.engine.ScanPath("/x", false, nil); !errors.Is(err, ErrScanningDisabled) {
		t.Errorf("ScanPath() error = %v, want ErrScanningDisabled", err)
	}
}
