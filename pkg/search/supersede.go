package search

import (
	"context"
	"sync"
)

// Superseder cancels an in-flight operation when a newer one starts under
// the same key.
type Superseder struct {
	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	cancel context.CancelFunc
}

// NewSuperseder returns an empty Superseder.
func NewSuperseder() *Superseder {
	return &Superseder{inflight: make(map[string]*inflightCall)}
}

// Begin cancels any operation running under key and returns a context for
// the new one. The returned func must be called when the operation ends.
func (s *Superseder) Begin(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c := &inflightCall{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.inflight[key]; ok {
		prev.cancel()
	}
	s.inflight[key] = c
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if s.inflight[key] == c {
			delete(s.inflight, key)
		}
		s.mu.Unlock()
		cancel()
	}
}

// InFlight returns the number of keys with a running operation.
func (s *Superseder) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
