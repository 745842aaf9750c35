package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vigil-go/internal/fs"
	"vigil-go/internal/license"
	"vigil-go/internal/quarantine"
	"vigil-go/internal/queue"
	"vigil-go/internal/rules"
	"vigil-go/internal/scan"
	"vigil-go/internal/testutil"
	"vigil-go/internal/vigil"
	"vigil-go/internal/watcher"
)

type pipeline struct {
	agent   *Agent
	watcher *watcher.Watcher
	db      vigil.Database
	sink    *testutil.RecordingSink
	root    string
}

// newPipeline wires real components around a fresh watched directory.
// extraRoots are configured before it.
func newPipeline(t *testing.T, extraRoots ...string) *pipeline {
	t.Helper()

	p := &pipeline{
		db:   testutil.NewTestDatabase(t),
		sink: testutil.NewRecordingSink(),
		root: filepath.Join(t.TempDir(), "watched"),
	}
	if err := os.MkdirAll(p.root, 0o755); err != nil {
		t.Fatal(err)
	}
	roots := append(extraRoots, p.root)

	w, err := watcher.New(watcher.Config{CoalesceWindow: 10 * time.Millisecond, Events: p.sink})
	if err != nil {
		t.Fatalf("watcher.New() error = %v", err)
	}
	p.watcher = w

	srv := testutil.NewLicenseServer(t, "KEY-1", 1, time.Now().Add(365*24*time.Hour))
	lic, err := license.NewMachine(license.Config{
		Client:   license.NewHTTPClient(srv.URL, srv.Token, time.Second),
		Store:    p.db,
		DeviceID: "device-1",
		Events:   p.sink,
	})
	if err != nil {
		t.Fatalf("NewMachine() error = %v", err)
	}
	if err := lic.Activate(context.Background(), "KEY-1"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	q := queue.New(queue.Config{Debounce: 20 * time.Millisecond, MaxWait: 200 * time.Millisecond, Capacity: 100})
	qm := quarantine.NewManager(quarantine.Config{
		Vault:     testutil.NewTestVault(),
		Encryptor: testutil.NewTestEncryptor(),
		DB:        p.db,
		Events:    p.sink,
	})
	store := testutil.NewRuleStore(t, "1.0.0")
	engine := scan.NewEngine(scan.Config{
		Workers:    2,
		Threshold:  rules.SeverityHigh,
		Queue:      q,
		Rules:      store,
		License:    lic,
		Quarantine: qm,
		FS:         fs.NewOSFilesystemManager(),
		DB:         p.db,
		Events:     p.sink,
	})

	a, err := New(Config{
		Roots:         roots,
		Watcher:       w,
		Queue:         q,
		Engine:        engine,
		Rules:         store,
		License:       lic,
		Quarantine:    qm,
		ShutdownGrace: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.agent = a
	return p
}

// start runs the agent and returns a stop function that cancels it and
// waits for Run to return.
func (p *pipeline) start(t *testing.T) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.agent.Run(ctx) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancel")
		}
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAgent_MaliciousFileIsQuarantined(t *testing.T) {
	p := newPipeline(t)
	stop := p.start(t)
	waitFor(t, "root to be watched", func() bool { return p.watcher.Watching(p.root) })

	evil := filepath.Join(p.root, "evil.bin")
	clean := filepath.Join(p.root, "notes.txt")
	if err := os.WriteFile(clean, []byte("just some notes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(evil, []byte(testutil.EICAR), 0o644); err != nil {
		t.Fatal(err)
	}

	var recs []*vigil.QuarantineRecord
	waitFor(t, "quarantine record", func() bool {
		var err error
		recs, err = p.db.ListQuarantineRecords()
		return err == nil && len(recs) == 1
	})
	if recs[0].OriginalPath != evil {
		t.Errorf("OriginalPath = %q, want %q", recs[0].OriginalPath, evil)
	}
	if _, err := os.Stat(evil); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("original still present: %v", err)
	}

	waitFor(t, "clean verdict", func() bool {
		for _, ev := range p.sink.OfKind(vigil.EventVerdict) {
			if ev.Path == clean && ev.Fields["verdict"] == string(vigil.VerdictClean) {
				return true
			}
		}
		return false
	})
	if _, err := os.Stat(clean); err != nil {
		t.Errorf("clean file touched: %v", err)
	}

	malicious := 0
	for _, ev := range p.sink.OfKind(vigil.EventVerdict) {
		if ev.Path == evil && ev.Fields["verdict"] == string(vigil.VerdictMalicious) {
			malicious++
		}
	}
	if malicious == 0 {
		t.Error("no malicious verdict event for the file")
	}
	if got := len(p.sink.OfKind(vigil.EventQuarantineFailed)); got != 0 {
		t.Errorf("quarantine.failed events = %d, want 0", got)
	}

	stop()
}

func TestAgent_UnwatchableRootIsSkipped(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	p := newPipeline(t, missing)
	stop := p.start(t)

	waitFor(t, "valid root to be watched", func() bool { return p.watcher.Watching(p.root) })
	if p.watcher.Watching(missing) {
		t.Error("missing root is registered")
	}
	stop()
}

func TestNew_RequiresComponents(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with no components succeeded")
	}
}

func TestScannable(t *testing.T) {
	tests := []struct {
		kind vigil.ChangeKind
		want bool
	}{
		{vigil.ChangeCreate, true},
		{vigil.ChangeWrite, true},
		{vigil.ChangeRename, true},
		{vigil.ChangeChmod, true},
		{vigil.ChangeRemove, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := scannable(tt.kind); got != tt.want {
				t.Errorf("scannable(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}
