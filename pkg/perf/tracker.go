// Package perf measures named operations.
package perf

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/metrics"
)

// Tracker pairs Start and End calls by name. A name may carry a "#suffix"
// to keep concurrent measurements of one operation apart; metrics use the
// part before '#'.
type Tracker struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	starts map[string]time.Time
}

// New creates a Tracker. Nil arguments fall back to the real clock and a
// discarding logger.
func New(c clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Tracker{clock: c, logger: logger, metrics: m, starts: make(map[string]time.Time)}
}

// Start marks the beginning of name. Starting a name twice restarts it.
func (t *Tracker) Start(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts[name] = t.clock.Now()
}

// End returns the time since Start(name). Without a matching Start it logs
// a warning and returns 0.
func (t *Tracker) End(name string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	start, ok := t.starts[name]
	delete(t.starts, name)
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("perf: end without start", "name", name)
		return 0
	}
	d := t.clock.Now().Sub(start)
	op, _, _ := strings.Cut(name, "#")
	t.metrics.ObserveOperation(op, d)
	t.logger.Debug("perf", "op", op, "duration", d)
	return d
}

// Measure runs fn between Start and End.
func (t *Tracker) Measure(name string, fn func()) time.Duration {
	t.Start(name)
	fn()
	return t.End(name)
}

// Active returns the number of started, unfinished measurements.
func (t *Tracker) Active() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.starts)
}
