package fs

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestOSFilesystemManager_FindFiles(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"a.txt", "sub/b.bin", "sub/deeper/c.sh"} {
		full := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link")); err != nil {
		t.Fatal(err)
	}

	m := NewOSFilesystemManager()

	t.Run("non-recursive", func(t *testing.T) {
		got, err := m.FindFiles(root, false)
		if err != nil {
			t.Fatalf("FindFiles() error = %v", err)
		}
		if len(got) != 1 || got[0] != filepath.Join(root, "a.txt") {
			t.Errorf("FindFiles() = %v, want only a.txt", got)
		}
	})

	t.Run("recursive", func(t *testing.T) {
		got, err := m.FindFiles(root, true)
		if err != nil {
			t.Fatalf("FindFiles() error = %v", err)
		}
		sort.Strings(got)
		want := []string{
			filepath.Join(root, "a.txt"),
			filepath.Join(root, "sub", "b.bin"),
			filepath.Join(root, "sub", "deeper", "c.sh"),
		}
		if len(got) != len(want) {
			t.Fatalf("FindFiles() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("FindFiles()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("file is not a directory", func(t *testing.T) {
		if _, err := m.FindFiles(filepath.Join(root, "a.txt"), true); err == nil {
			t.Error("FindFiles() on a file expected error")
		}
	})
}

func TestOSFilesystemManager_Open(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	os.WriteFile(target, []byte("hello"), 0644)
	link := filepath.Join(root, "link")
	os.Symlink(target, link)

	m := NewOSFilesystemManager()
	rc, err := m.Open(target)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rc.Close()

	if _, err := m.Open(link); err == nil {
		t.Error("Open() on symlink expected error")
	}
	if _, err := m.Open(root); err == nil {
		t.Error("Open() on directory expected error")
	}
}

func TestOSFilesystemManager_Resolve(t *testing.T) {
	root := t.TempDir()
	m := NewOSFilesystemManager()

	abs, info, err := m.Resolve(root)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if abs != root || !info.IsDir() {
		t.Errorf("Resolve() = (%q, dir=%v), want (%q, true)", abs, info.IsDir(), root)
	}

	if _, _, err := m.Resolve(filepath.Join(root, "missing")); err == nil {
		t.Error("Resolve() on missing path expected error")
	}
}
