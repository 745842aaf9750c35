package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"vigil-go/internal/vigil"
)

func newTestStore(t *testing.T, src Source) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{Dir: filepath.Join(t.TempDir(), "rules"), Source: src})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func writeSource(t *testing.T, dir string, bundle, manifest []byte) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, BundleFile), bundle, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), manifest, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestStore_EmptyUntilLoaded(t *testing.T) {
	s := newTestStore(t, nil)

	if err := s.Load(); err != nil {
		t.Fatalf("Load() with no cache error = %v", err)
	}
	if snap := s.Acquire(); snap != nil {
		t.Errorf("Acquire() = %v, want nil", snap)
	}
	if _, ok := s.Current(); ok {
		t.Error("Current() ok = true, want false")
	}
}

func TestStore_UpdateFromFileSource(t *testing.T) {
	srcDir := t.TempDir()
	b, m := makeBundle(t, "1.0.0", testRules(), nil)
	writeSource(t, srcDir, b, m)

	s := newTestStore(t, NewFileSource(srcDir))
	info, changed, err := s.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !changed || info.Version != "1.0.0" || info.RuleCount != 3 {
		t.Errorf("Update() = %+v changed=%v, want 1.0.0/3 changed", info, changed)
	}

	// Same version again is a no-op.
	if _, changed, err := s.Update(context.Background()); err != nil || changed {
		t.Errorf("second Update() changed=%v err=%v, want unchanged nil", changed, err)
	}

	// The cache survives a restart.
	restarted, _ := NewStore(StoreConfig{Dir: s.dir})
	if err := restarted.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cur, ok := restarted.Current(); !ok || cur.Version != "1.0.0" {
		t.Errorf("Current() after Load = %+v, %v", cur, ok)
	}
}

func TestStore_TamperedUpdateKeepsPrevious(t *testing.T) {
	s := newTestStore(t, nil)
	b1, m1 := makeBundle(t, "1.0.0", testRules(), nil)
	if _, _, err := s.Install(b1, m1); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	b2, m2 := makeBundle(t, "1.1.0", testRules(), nil)
	b2[0] ^= 0xff
	info, changed, err := s.Install(b2, m2)
	if !errors.Is(err, vigil.ErrIntegrity) {
		t.Fatalf("Install() tampered error = %v, want ErrIntegrity", err)
	}
	if changed || info.Version != "1.0.0" {
		t.Errorf("Install() tampered = %+v changed=%v, want 1.0.0 unchanged", info, changed)
	}
	if cur, _ := s.Current(); cur.Version != "1.0.0" {
		t.Errorf("Current() = %q, want 1.0.0", cur.Version)
	}

	cached, _ := os.ReadFile(filepath.Join(s.dir, BundleFile))
	if string(cached) != string(b1) {
		t.Error("cache was overwritten by a rejected bundle")
	}
}

func TestStore_RejectsDowngrade(t *testing.T) {
	s := newTestStore(t, nil)
	b2, m2 := makeBundle(t, "2.0.0", testRules(), nil)
	b1, m1 := makeBundle(t, "1.9.9", testRules(), nil)

	if _, _, err := s.Install(b2, m2); err != nil {
		t.Fatalf("Install(2.0.0) error = %v", err)
	}
	_, changed, err := s.Install(b1, m1)
	if !errors.Is(err, vigil.ErrIntegrity) || changed {
		t.Errorf("Install(1.9.9) changed=%v err=%v, want integrity rejection", changed, err)
	}
}

func TestStore_SnapshotOutlivesSwap(t *testing.T) {
	s := newTestStore(t, nil)
	b1, m1 := makeBundle(t, "1.0.0", testRules(), nil)
	s.Install(b1, m1)

	old := s.Acquire()
	if old == nil {
		t.Fatal("Acquire() = nil")
	}

	b2, m2 := makeBundle(t, "1.1.0", testRules()[:1], nil)
	if _, _, err := s.Install(b2, m2); err != nil {
		t.Fatalf("Install(1.1.0) error = %v", err)
	}

	// The in-flight holder still sees the full old corpus.
	if old.Info().Version != "1.0.0" || old.Corpus().Len() != 3 {
		t.Errorf("held snapshot = %s/%d, want 1.0.0/3", old.Info().Version, old.Corpus().Len())
	}
	if old.refs.Load() != 1 {
		t.Errorf("superseded refs = %d, want 1 (held only by reader)", old.refs.Load())
	}
	old.Release()
	if old.refs.Load() != 0 {
		t.Errorf("refs after release = %d, want 0", old.refs.Load())
	}

	cur := s.Acquire()
	defer cur.Release()
	if cur.Info().Version != "1.1.0" {
		t.Errorf("Acquire() after swap = %s, want 1.1.0", cur.Info().Version)
	}
}

func TestStore_ConcurrentAcquireDuringUpdates(t *testing.T) {
	s := newTestStore(t, nil)
	b, m := makeBundle(t, "1.0.0", testRules(), nil)
	s.Install(b, m)

	versions := []string{"1.0.1", "1.0.2", "1.0.3", "1.0.4"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := s.Acquire()
				if snap == nil || snap.Corpus() == nil {
					t.Error("Acquire() returned an unusable snapshot")
					return
				}
				snap.Corpus().Match([]byte(eicar))
				snap.Release()
			}
		}()
	}
	for _, v := range versions {
		b, m := makeBundle(t, v, testRules(), nil)
		if _, _, err := s.Install(b, m); err != nil {
			t.Errorf("Install(%s) error = %v", v, err)
		}
	}
	wg.Wait()

	if cur, _ := s.Current(); cur.Version != "1.0.4" {
		t.Errorf("Current() = %s, want 1.0.4", cur.Version)
	}
}

func TestNewStore_BadPublicKey(t *testing.T) {
	if _, err := NewStore(StoreConfig{Dir: t.TempDir(), PublicKey: "not-base64!"}); err == nil {
		t.Error("NewStore() expected error for invalid public key")
	}
}
