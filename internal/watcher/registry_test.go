package watcher

import (
	"testing"
	"time"

	"vigil-go/internal/vigil"
)

func TestRegistry_LookupPrefersInnermostRoot(t *testing.T) {
	r := NewRegistry()
	r.Put(vigil.WatchedRoot{Path: "/home/user"})
	r.Put(vigil.WatchedRoot{Path: "/home/user/Downloads/setup", Priority: vigil.PriorityHigh, Dynamic: true})

	tests := []struct {
		path     string
		wantRoot string
		wantOK   bool
	}{
		{"/home/user/notes.txt", "/home/user", true},
		{"/home/user/Downloads/setup/bin/app", "/home/user/Downloads/setup", true},
		{"/home/user/Downloads/setup-old/x", "/home/user", true},
		{"/etc/passwd", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			root, ok := r.Lookup(tt.path)
			if ok != tt.wantOK || root.Path != tt.wantRoot {
				t.Errorf("Lookup(%s) = %q, %v; want %q, %v", tt.path, root.Path, ok, tt.wantRoot, tt.wantOK)
			}
		})
	}
}

func TestRegistry_PutRemoveExpired(t *testing.T) {
	r := NewRegistry()
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	if !r.Put(vigil.WatchedRoot{Path: "/a/"}) {
		t.Error("Put() new root = false")
	}
	if r.Put(vigil.WatchedRoot{Path: "/a", Priority: vigil.PriorityHigh}) {
		t.Error("Put() existing root = true")
	}
	if got, _ := r.Get("/a"); got.Priority != vigil.PriorityHigh {
		t.Error("Put() did not replace the existing root")
	}

	r.Put(vigil.WatchedRoot{Path: "/tmp/inst", Dynamic: true, Expiry: now.Add(-time.Second)})
	r.Put(vigil.WatchedRoot{Path: "/tmp/later", Dynamic: true, Expiry: now.Add(time.Hour)})

	expired := r.Expired(now)
	if len(expired) != 1 || expired[0].Path != "/tmp/inst" {
		t.Errorf("Expired() = %v, want [/tmp/inst]", expired)
	}

	if _, ok := r.Remove("/tmp/inst"); !ok {
		t.Error("Remove() = false")
	}
	if _, ok := r.Remove("/tmp/inst"); ok {
		t.Error("second Remove() = true")
	}
	if n := len(r.Roots()); n != 2 {
		t.Errorf("Roots() has %d entries, want 2", n)
	}
}
