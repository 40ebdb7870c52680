package panel

import "sync"

// Releaser is anything a view acquires and must give back: subscriptions,
// pollers.
type Releaser interface {
	Release()
}

// ReleaseFunc adapts a function to Releaser.
type ReleaseFunc func()

func (f ReleaseFunc) Release() { f() }

// Scope ties resources to the lifetime of one view. Close releases them in
// reverse order of acquisition, exactly once.
type Scope struct {
	mu     sync.Mutex
	items  []Releaser
	closed bool
}

// Add registers r with the scope. Adding to a closed scope releases r at once.
func (s *Scope) Add(r Releaser) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		r.Release()
		return
	}
	s.items = append(s.items, r)
	s.mu.Unlock()
}

func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	items := s.items
	s.items = nil
	s.mu.Unlock()

	for i := len(items) - 1; i >= 0; i-- {
		items[i].Release()
	}
}
