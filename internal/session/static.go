package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/product-enricher/internal/failure"
)

// Static issues plain cancelable contexts. It is used when the browser is
// disabled; pages are then fetched without rendering.
type Static struct {
	mu     sync.Mutex
	closed bool
	active atomic.Int64
}

// NewStatic returns a session that never launches a browser.
func NewStatic() *Static {
	return &Static{}
}

// Acquire returns a child of ctx.
func (s *Static) Acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.Healthy(); err != nil {
		return nil, nil, err
	}
	child, cancel := context.WithCancel(ctx)
	s.active.Add(1)
	var once sync.Once
	return child, func() {
		once.Do(func() {
			cancel()
			s.active.Add(-1)
		})
	}, nil
}

// Healthy fails only after Shutdown.
func (s *Static) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return failure.Fatal("session", ErrClosed)
	}
	return nil
}

// Active reports how many contexts are checked out.
func (s *Static) Active() int {
	return int(s.active.Load())
}

// Shutdown marks the session closed.
func (s *Static) Shutdown() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
