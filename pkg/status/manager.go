// Package status tracks embedding progress for subscribed assets. Pending
// assets are polled in batches, failed ones are retried on a timer, and
// realtime pushes feed the same change detection through Apply.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memelib/memelib/pkg/clock"
	"github.com/memelib/memelib/pkg/logging"
	"github.com/memelib/memelib/pkg/metrics"
	"github.com/memelib/memelib/pkg/models"
)

// ErrBatchFailed is returned by Flush when every chunk of a batch failed.
var ErrBatchFailed = errors.New("status batch failed")

// Fetcher looks up the current status of a set of assets. Ids unknown to
// the fetcher are omitted from the result.
type Fetcher interface {
	FetchStatuses(ctx context.Context, assetIDs []string) (map[string]models.EmbeddingStatus, error)
}

// Retrier is implemented by fetchers that can ask the backend to re-run embedding.
type Retrier interface {
	RequestRetry(ctx context.Context, assetID string) error
}

// Callback receives status changes for one asset.
type Callback func(assetID string, st models.EmbeddingStatus)

// Config controls batching and retry timing.
type Config struct {
	BatchInterval  time.Duration `yaml:"batch_interval"`
	BatchSize      int           `yaml:"batch_size"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxRetries     int           `yaml:"max_retries"`
	FailureBackoff time.Duration `yaml:"failure_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the standard polling configuration.
func DefaultConfig() Config {
	return Config{
		BatchInterval:  5 * time.Second,
		BatchSize:      50,
		RetryDelay:     10 * time.Second,
		MaxRetries:     10,
		FailureBackoff: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the default timing. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		def := DefaultConfig()
		if cfg.BatchInterval <= 0 {
			cfg.BatchInterval = def.BatchInterval
		}
		if cfg.BatchSize <= 0 {
			cfg.BatchSize = def.BatchSize
		}
		if cfg.RetryDelay <= 0 {
			cfg.RetryDelay = def.RetryDelay
		}
		if cfg.MaxRetries <= 0 {
			cfg.MaxRetries = def.MaxRetries
		}
		if cfg.FailureBackoff <= 0 {
			cfg.FailureBackoff = def.FailureBackoff
		}
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = def.RequestTimeout
		}
		m.cfg = cfg
	}
}

// WithClock sets the clock used for batch and retry timers.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records batch and retry counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

type notification struct {
	assetID string
	status  models.EmbeddingStatus
	cbs     []Callback
}

// Manager batches status lookups for subscribed assets.
type Manager struct {
	fetcher Fetcher
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	nextSub     uint64
	subs        map[string]map[uint64]Callback
	cache       map[string]models.EmbeddingStatus
	pending     map[string]struct{}
	retries     map[string]int
	retryTimers map[string]clock.Timer
	batchTimer  clock.Timer
	flushing    bool
	stopped     bool
}

// NewManager creates a running Manager polling through f.
func NewManager(f Fetcher, opts ...Option) *Manager {
	m := &Manager{
		fetcher:     f,
		cfg:         DefaultConfig(),
		clock:       clock.Real(),
		logger:      logging.Nop(),
		subs:        make(map[string]map[uint64]Callback),
		cache:       make(map[string]models.EmbeddingStatus),
		pending:     make(map[string]struct{}),
		retries:     make(map[string]int),
		retryTimers: make(map[string]clock.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers cb for status changes of assetID and queues the asset
// for polling unless its cached status is terminal. A cached failure is
// scheduled for retry again. A cached status is
// delivered to cb on a separate goroutine. The returned func unsubscribes.
func (m *Manager) Subscribe(assetID string, cb Callback) func() {
	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	if m.subs[assetID] == nil {
		m.subs[assetID] = make(map[uint64]Callback)
	}
	m.subs[assetID][id] = cb

	st, cached := m.cache[assetID]
	if !cached || !st.Status.Terminal() {
		m.pending[assetID] = struct{}{}
		m.scheduleLocked(m.cfg.BatchInterval)
	}
	if cached && st.Status == models.StatusFailed {
		m.scheduleRetryLocked(assetID)
	}
	m.mu.Unlock()

	if cached {
		go cb(assetID, st)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(assetID, id) })
	}
}

func (m *Manager) unsubscribe(assetID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[assetID]
	delete(subs, id)
	if len(subs) > 0 {
		return
	}
	delete(m.subs, assetID)
	delete(m.pending, assetID)
	delete(m.retries, assetID)
	if t, ok := m.retryTimers[assetID]; ok {
		t.Stop()
		delete(m.retryTimers, assetID)
	}
	if len(m.pending) == 0 && m.batchTimer != nil {
		m.batchTimer.Stop()
		m.batchTimer = nil
	}
}

// Status returns the last known status of assetID.
func (m *Manager) Status(assetID string) (models.EmbeddingStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cache[assetID]
	return st, ok
}

// Pending returns the number of assets waiting for the next poll.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Apply records a pushed status for assetID, notifying subscribers if it changed.
func (m *Manager) Apply(assetID string, st models.EmbeddingStatus) {
	m.mu.Lock()
	n := m.applyLocked(assetID, st)
	m.mu.Unlock()
	m.notify(n)
}

// Retry marks assetID as processing, resets its retry counter, asks the
// backend to re-run embedding and resumes polling it.
func (m *Manager) Retry(ctx context.Context, assetID string) error {
	m.mu.Lock()
	m.retries[assetID] = 0
	if t, ok := m.retryTimers[assetID]; ok {
		t.Stop()
		delete(m.retryTimers, assetID)
	}
	n := m.applyLocked(assetID, models.EmbeddingStatus{Status: models.StatusProcessing})
	m.pending[assetID] = struct{}{}
	m.scheduleLocked(m.cfg.BatchInterval)
	m.mu.Unlock()

	m.notify(n)
	m.metrics.StatusRetry()
	return m.requestRetry(ctx, assetID)
}

// Start resumes polling after Stop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = false
	m.scheduleLocked(m.cfg.BatchInterval)
}

// Stop cancels the batch timer and every retry timer. Subscriptions and
// cached statuses are kept.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.batchTimer != nil {
		m.batchTimer.Stop()
		m.batchTimer = nil
	}
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
}

// Flush polls every pending asset now. Only one flush runs at a time; a call
// made while another is in flight returns immediately.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	if m.batchTimer != nil {
		m.batchTimer.Stop()
		m.batchTimer = nil
	}
	if m.flushing || len(m.pending) == 0 {
		m.mu.Unlock()
		return nil
	}
	m.flushing = true
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	chunks := chunk(ids, m.cfg.BatchSize)
	results := make([]map[string]models.EmbeddingStatus, len(chunks))
	errs := make([]error, len(chunks))

	var g errgroup.Group
	for i, c := range chunks {
		g.Go(func() error {
			results[i], errs[i] = m.fetcher.FetchStatuses(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		m.metrics.StatusBatch(err != nil)
		if err != nil {
			failed++
			m.logger.Warn("status batch failed", "size", len(chunks[i]), "err", err)
		}
	}

	var notes []notification
	m.mu.Lock()
	m.flushing = false
	for i, res := range results {
		if errs[i] != nil {
			continue
		}
		for _, id := range chunks[i] {
			st, ok := res[id]
			if !ok {
				continue
			}
			if n := m.applyLocked(id, st); n != nil {
				notes = append(notes, *n)
			}
		}
	}
	delay := m.cfg.BatchInterval
	if failed == len(chunks) {
		delay = m.cfg.FailureBackoff
	}
	m.scheduleLocked(delay)
	m.mu.Unlock()

	for i := range notes {
		m.notify(&notes[i])
	}

	if failed == len(chunks) {
		return fmt.Errorf("%w: %w", ErrBatchFailed, errors.Join(errs...))
	}
	return nil
}

// applyLocked caches st and returns the notification to deliver, if any.
func (m *Manager) applyLocked(assetID string, st models.EmbeddingStatus) *notification {
	prev, had := m.cache[assetID]
	st.RetryCount = m.retries[assetID]
	m.cache[assetID] = st

	if st.Status.Terminal() {
		delete(m.pending, assetID)
	}
	if st.Status == models.StatusFailed {
		m.scheduleRetryLocked(assetID)
	}

	if had && !prev.Changed(st) {
		return nil
	}
	subs := m.subs[assetID]
	if len(subs) == 0 {
		return nil
	}
	n := &notification{assetID: assetID, status: st, cbs: make([]Callback, 0, len(subs))}
	for _, cb := range subs {
		n.cbs = append(n.cbs, cb)
	}
	return n
}

func (m *Manager) notify(n *notification) {
	if n == nil {
		return
	}
	for _, cb := range n.cbs {
		cb(n.assetID, n.status)
		m.metrics.StatusNotified()
	}
}

func (m *Manager) scheduleLocked(d time.Duration) {
	if m.stopped || m.batchTimer != nil || len(m.pending) == 0 {
		return
	}
	m.batchTimer = m.clock.AfterFunc(d, m.tick)
}

func (m *Manager) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()
	if err := m.Flush(ctx); err != nil {
		m.logger.Warn("status flush failed, backing off", "backoff", m.cfg.FailureBackoff, "err", err)
	}
}

func (m *Manager) scheduleRetryLocked(assetID string) {
	if m.stopped || len(m.subs[assetID]) == 0 {
		return
	}
	if _, ok := m.retryTimers[assetID]; ok {
		return
	}
	if m.retries[assetID] >= m.cfg.MaxRetries {
		m.logger.Info("retry limit reached", "asset", assetID, "retries", m.retries[assetID])
		return
	}
	m.retryTimers[assetID] = m.clock.AfterFunc(m.cfg.RetryDelay, func() { m.autoRetry(assetID) })
}

func (m *Manager) autoRetry(assetID string) {
	m.mu.Lock()
	delete(m.retryTimers, assetID)
	if m.stopped || len(m.subs[assetID]) == 0 {
		m.mu.Unlock()
		return
	}
	m.retries[assetID]++
	attempt := m.retries[assetID]
	m.pending[assetID] = struct{}{}
	m.scheduleLocked(m.cfg.BatchInterval)
	m.mu.Unlock()

	m.logger.Debug("retrying failed embedding", "asset", assetID, "attempt", attempt)
	m.metrics.StatusRetry()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()
	if err := m.requestRetry(ctx, assetID); err != nil {
		m.logger.Warn("retry request failed", "asset", assetID, "err", err)
	}
}

func (m *Manager) requestRetry(ctx context.Context, assetID string) error {
	r, ok := m.fetcher.(Retrier)
	if !ok {
		return nil
	}
	if err := r.RequestRetry(ctx, assetID); err != nil {
		return fmt.Errorf("request retry %s: %w", assetID, err)
	}
	return nil
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
