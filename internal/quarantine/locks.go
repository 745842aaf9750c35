package quarantine

import (
	"sort"
	"sync"
)

// pathLocks serializes operations per path. Entries are dropped once
// nobody holds or waits for them.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLock)}
}

// lock acquires every path in sorted order and returns the release func.
func (p *pathLocks) lock(paths ...string) func() {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	var held []string
	for i, path := range sorted {
		if i > 0 && path == sorted[i-1] {
			continue
		}
		p.acquire(path)
		held = append(held, path)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			p.release(held[i])
		}
	}
}

func (p *pathLocks) acquire(path string) {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()
	l.mu.Lock()
}

func (p *pathLocks) release(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[path]
	l.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, path)
	}
}
