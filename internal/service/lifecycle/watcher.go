package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gpu-rental/rentalctl/internal/metrics"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// SessionSource lists the wallet's sessions, usually through the query cache
type SessionSource interface {
	Sessions(ctx context.Context) (*models.SessionList, error)
}

// EventHandler receives watcher events on the watcher goroutine
type EventHandler interface {
	OnCountdown(c Countdown)
	OnPendingExpired(session models.RentalSession)
	OnExpiryCritical(session models.RentalSession, remaining time.Duration)
}

// noopEventHandler is a default handler that does nothing
type noopEventHandler struct{}

func (n *noopEventHandler) OnCountdown(Countdown)                                {}
func (n *noopEventHandler) OnPendingExpired(models.RentalSession)                {}
func (n *noopEventHandler) OnExpiryCritical(models.RentalSession, time.Duration) {}

// Watcher keeps one tracker per pending or running session and drives them
// from a single ticker
type Watcher struct {
	source      SessionSource
	hub         PendingHub
	handler     EventHandler
	invalidator Invalidator
	logger      *slog.Logger

	// Configuration
	interval   time.Duration
	pendingTTL time.Duration
	autoCancel bool
	thresholds ExpiryThresholds

	// For time mocking in tests
	now func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	trackMu sync.Mutex
	pending map[string]*PendingTracker
	expiry  map[string]*ExpiryTracker

	stats *Metrics
}

// Metrics tracks watcher statistics
type Metrics struct {
	mu             sync.RWMutex
	Ticks          int64
	LoadFailures   int64
	PendingExpired int64
	CriticalAlerts int64
}

// Option configures the watcher
type Option func(*Watcher)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithInterval sets the tick interval
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithPendingWindow sets the pending TTL and whether expired sessions are cancelled
func WithPendingWindow(ttl time.Duration, autoCancel bool) Option {
	return func(w *Watcher) {
		w.pendingTTL = ttl
		w.autoCancel = autoCancel
	}
}

// WithThresholds sets the running-session urgency bands
func WithThresholds(th ExpiryThresholds) Option {
	return func(w *Watcher) {
		w.thresholds = th
	}
}

// WithEventHandler sets a custom event handler
func WithEventHandler(handler EventHandler) Option {
	return func(w *Watcher) {
		w.handler = handler
	}
}

// WithInvalidator sets the cache invalidated after pending actions
func WithInvalidator(inv Invalidator) Option {
	return func(w *Watcher) {
		w.invalidator = inv
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(w *Watcher) {
		w.now = fn
	}
}

// NewWatcher creates a watcher
func NewWatcher(source SessionSource, h PendingHub, opts ...Option) *Watcher {
	w := &Watcher{
		source:      source,
		hub:         h,
		handler:     &noopEventHandler{},
		invalidator: noopInvalidator{},
		logger:      slog.Default(),
		interval:    DefaultTickInterval,
		pendingTTL:  DefaultPendingTTL,
		thresholds:  DefaultExpiryThresholds(),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		pending:     make(map[string]*PendingTracker),
		expiry:      make(map[string]*ExpiryTracker),
		stats:       &Metrics{},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start begins the watch loop
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("session watcher starting",
		slog.Duration("interval", w.interval),
		slog.Duration("pending_ttl", w.pendingTTL),
		slog.Bool("auto_cancel", w.autoCancel))

	go w.run(ctx)
	return nil
}

// Stop stops the watch loop and waits for it to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("session watcher stopped")
}

// IsRunning returns whether the watcher loop is active
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			w.Tick(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick loads the sessions once and observes every tracked session
func (w *Watcher) Tick(ctx context.Context) {
	w.stats.mu.Lock()
	w.stats.Ticks++
	w.stats.mu.Unlock()

	list, err := w.source.Sessions(ctx)
	if err != nil {
		w.stats.mu.Lock()
		w.stats.LoadFailures++
		w.stats.mu.Unlock()
		w.logger.WarnContext(ctx, "failed to load sessions",
			slog.String("error", err.Error()))
		return
	}

	now := w.now()
	counts := make(map[metrics.TrackedCount]int)
	seen := make(map[string]bool, len(list.Sessions))

	for _, session := range list.Sessions {
		seen[session.ID] = true
		var c Countdown

		switch session.State {
		case models.StatePending:
			c = w.pendingTracker(session).Observe(ctx)
		case models.StateRunning:
			w.dropPending(session.ID)
			c = w.expiryTracker(session.ID).Observe(session, now)
			w.handler.OnCountdown(c)
		default:
			w.drop(session.ID)
			continue
		}
		counts[metrics.TrackedCount{State: string(c.State), Urgency: string(c.Urgency)}]++
	}

	w.trackMu.Lock()
	for id := range w.pending {
		if !seen[id] {
			delete(w.pending, id)
		}
	}
	for id := range w.expiry {
		if !seen[id] {
			delete(w.expiry, id)
		}
	}
	w.trackMu.Unlock()

	metrics.SetTrackedSessions(ctx, flatten(counts))
}

func (w *Watcher) pendingTracker(session models.RentalSession) *PendingTracker {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()

	if t, ok := w.pending[session.ID]; ok {
		t.Update(session)
		return t
	}

	t := NewPendingTracker(session, w.hub,
		WithPendingTTL(w.pendingTTL),
		WithAutoCancel(w.autoCancel),
		WithPendingInvalidator(w.invalidator),
		WithPendingLogger(w.logger),
		WithPendingTimeFunc(w.now),
		OnTick(w.handler.OnCountdown),
		OnExpired(func(s models.RentalSession) {
			w.stats.mu.Lock()
			w.stats.PendingExpired++
			w.stats.mu.Unlock()
			w.handler.OnPendingExpired(s)
		}))
	w.pending[session.ID] = t
	return t
}

func (w *Watcher) expiryTracker(sessionID string) *ExpiryTracker {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()

	if t, ok := w.expiry[sessionID]; ok {
		return t
	}
	t := NewExpiryTracker(w.thresholds, func(s models.RentalSession, remaining time.Duration) {
		w.stats.mu.Lock()
		w.stats.CriticalAlerts++
		w.stats.mu.Unlock()
		w.logger.Warn("running session entering critical window",
			slog.String("session_id", s.ID),
			slog.Duration("remaining", remaining))
		w.handler.OnExpiryCritical(s, remaining)
	})
	w.expiry[sessionID] = t
	return t
}

func (w *Watcher) dropPending(id string) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	delete(w.pending, id)
}

func (w *Watcher) drop(id string) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	delete(w.pending, id)
	delete(w.expiry, id)
}

// Pending returns the tracker of a pending session, for confirm retries and cancels
func (w *Watcher) Pending(sessionID string) (*PendingTracker, bool) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	t, ok := w.pending[sessionID]
	return t, ok
}

// GetMetrics returns current watcher metrics
func (w *Watcher) GetMetrics() Metrics {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()

	return Metrics{
		Ticks:          w.stats.Ticks,
		LoadFailures:   w.stats.LoadFailures,
		PendingExpired: w.stats.PendingExpired,
		CriticalAlerts: w.stats.CriticalAlerts,
	}
}

func flatten(counts map[metrics.TrackedCount]int) []metrics.TrackedCount {
	out := make([]metrics.TrackedCount, 0, len(counts))
	for k, n := range counts {
		k.Count = n
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].State != out[j].State {
			return out[i].State < out[j].State
		}
		return out[i].Urgency < out[j].Urgency
	})
	return out
}
