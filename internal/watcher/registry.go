package watcher

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"vigil-go/internal/vigil"
)

// Registry is the set of watched roots. The watcher loop and the install
// detector both mutate it, so every access goes through its lock and
// readers get copies.
type Registry struct {
	mu    sync.RWMutex
	roots map[string]vigil.WatchedRoot
}

func NewRegistry() *Registry {
	return &Registry{roots: make(map[string]vigil.WatchedRoot)}
}

// Put adds or replaces a root. It reports whether the root is new.
func (r *Registry) Put(root vigil.WatchedRoot) bool {
	root.Path = filepath.Clean(root.Path)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.roots[root.Path]
	r.roots[root.Path] = root
	return !existed
}

// Remove deletes a root and returns what was removed.
func (r *Registry) Remove(path string) (vigil.WatchedRoot, bool) {
	path = filepath.Clean(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	root, ok := r.roots[path]
	delete(r.roots, path)
	return root, ok
}

// Get returns the root registered at exactly path.
func (r *Registry) Get(path string) (vigil.WatchedRoot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	root, ok := r.roots[filepath.Clean(path)]
	return root, ok
}

// Lookup returns the innermost root containing path. A dynamic install
// root nested in a static root therefore wins.
func (r *Registry) Lookup(path string) (vigil.WatchedRoot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best vigil.WatchedRoot
	found := false
	for p, root := range r.roots {
		if !vigil.Within(p, path) {
			continue
		}
		if !found || len(p) > len(best.Path) {
			best = root
			found = true
		}
	}
	return best, found
}

// Roots returns all roots sorted by path.
func (r *Registry) Roots() []vigil.WatchedRoot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]vigil.WatchedRoot, 0, len(r.roots))
	for _, root := range r.roots {
		out = append(out, root)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Expired returns dynamic roots past their expiry at now.
func (r *Registry) Expired(now time.Time) []vigil.WatchedRoot {
	var out []vigil.WatchedRoot
	for _, root := range r.Roots() {
		if root.Expired(now) {
			out = append(out, root)
		}
	}
	return out
}
