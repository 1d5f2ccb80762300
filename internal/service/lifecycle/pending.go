// Package lifecycle tracks the confirmation window of pending sessions and the
// remaining time of running ones.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/internal/metrics"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

const (
	// DefaultPendingTTL is how long a session may stay pending
	DefaultPendingTTL = 10 * time.Minute

	// DefaultTickInterval is the countdown resolution
	DefaultTickInterval = time.Second

	pendingWarningBelow  = 5 * time.Minute
	pendingCriticalBelow = 2 * time.Minute
)

// Urgency classifies the time left on a session
type Urgency string

const (
	UrgencySafe     Urgency = "safe"
	UrgencyNormal   Urgency = "normal"
	UrgencyWarning  Urgency = "warning"
	UrgencyCritical Urgency = "critical"
	UrgencyExpired  Urgency = "expired"
)

// ClassifyPending returns the time left in the confirmation window and its urgency:
// normal at 5 minutes or more, warning from 2 to 5, critical below 2, expired at zero
func ClassifyPending(createdAt, now time.Time, ttl time.Duration) (time.Duration, Urgency) {
	remaining := createdAt.Add(ttl).Sub(now)
	switch {
	case remaining <= 0:
		return 0, UrgencyExpired
	case remaining < pendingCriticalBelow:
		return remaining, UrgencyCritical
	case remaining < pendingWarningBelow:
		return remaining, UrgencyWarning
	default:
		return remaining, UrgencyNormal
	}
}

// Countdown is one observation of a tracked session
type Countdown struct {
	SessionID string
	State     models.SessionState
	Remaining time.Duration
	Urgency   Urgency
}

// PendingHub is the hub surface the pending actions need
type PendingHub interface {
	ConfirmSession(ctx context.Context, sessionID, txHash string) (*hub.ConfirmResult, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// Invalidator marks cached query results stale
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...cache.Key)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, ...cache.Key) {}

// PendingTracker follows one pending session through its confirmation window
type PendingTracker struct {
	hub         PendingHub
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
	ttl         time.Duration
	interval    time.Duration
	autoCancel  bool
	onTick      func(Countdown)
	onExpired   func(models.RentalSession)

	mu        sync.Mutex
	session   models.RentalSession
	expired   bool
	cancelled bool
}

// PendingOption configures a pending tracker
type PendingOption func(*PendingTracker)

// WithPendingTTL sets the confirmation window
func WithPendingTTL(d time.Duration) PendingOption {
	return func(t *PendingTracker) {
		t.ttl = d
	}
}

// WithTickInterval sets how often Run observes the countdown
func WithTickInterval(d time.Duration) PendingOption {
	return func(t *PendingTracker) {
		t.interval = d
	}
}

// WithAutoCancel cancels the session on the hub when the window expires
func WithAutoCancel(enabled bool) PendingOption {
	return func(t *PendingTracker) {
		t.autoCancel = enabled
	}
}

// OnTick sets the countdown callback
func OnTick(fn func(Countdown)) PendingOption {
	return func(t *PendingTracker) {
		t.onTick = fn
	}
}

// OnExpired sets the callback fired once when the window runs out
func OnExpired(fn func(models.RentalSession)) PendingOption {
	return func(t *PendingTracker) {
		t.onExpired = fn
	}
}

// WithPendingInvalidator sets the cache invalidated after actions
func WithPendingInvalidator(inv Invalidator) PendingOption {
	return func(t *PendingTracker) {
		t.invalidator = inv
	}
}

// WithPendingLogger sets a custom logger
func WithPendingLogger(logger *slog.Logger) PendingOption {
	return func(t *PendingTracker) {
		t.logger = logger
	}
}

// WithPendingTimeFunc sets a custom time function (for testing)
func WithPendingTimeFunc(fn func() time.Time) PendingOption {
	return func(t *PendingTracker) {
		t.now = fn
	}
}

// NewPendingTracker creates a tracker for session
func NewPendingTracker(session models.RentalSession, h PendingHub, opts ...PendingOption) *PendingTracker {
	t := &PendingTracker{
		hub:         h,
		invalidator: noopInvalidator{},
		logger:      slog.Default(),
		now:         time.Now,
		ttl:         DefaultPendingTTL,
		interval:    DefaultTickInterval,
		onTick:      func(Countdown) {},
		onExpired:   func(models.RentalSession) {},
		session:     session,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Session returns the tracked session snapshot
func (t *PendingTracker) Session() models.RentalSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Update replaces the session snapshot with a fresher hub view
func (t *PendingTracker) Update(session models.RentalSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = session
}

// Done reports whether the tracker has nothing left to count down
func (t *PendingTracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired || t.cancelled || t.session.State != models.StatePending
}

// Observe classifies the session at the current time, emits the countdown
// and handles expiry the first time it is seen
func (t *PendingTracker) Observe(ctx context.Context) Countdown {
	t.mu.Lock()
	session := t.session
	remaining, urgency := ClassifyPending(session.CreatedAt, t.now(), t.ttl)
	firstExpiry := urgency == UrgencyExpired && !t.expired && session.State == models.StatePending
	if firstExpiry {
		t.expired = true
	}
	t.mu.Unlock()

	c := Countdown{SessionID: session.ID, State: session.State, Remaining: remaining, Urgency: urgency}
	t.onTick(c)

	if firstExpiry {
		t.expire(ctx, session)
	}
	return c
}

func (t *PendingTracker) expire(ctx context.Context, session models.RentalSession) {
	ctx = logging.WithSessionID(ctx, session.ID)
	metrics.RecordPendingExpired()
	t.logger.WarnContext(ctx, "pending session confirmation window expired",
		slog.Time("created_at", session.CreatedAt),
		slog.Duration("ttl", t.ttl),
		slog.Bool("auto_cancel", t.autoCancel))

	t.onExpired(session)

	if !t.autoCancel {
		return
	}
	if err := t.cancel(ctx, session); err != nil {
		t.logger.ErrorContext(ctx, "auto-cancel of expired session failed",
			slog.String("error", err.Error()))
	}
}

// Run observes the countdown every tick until the session leaves the
// pending state, expires, or ctx is done
func (t *PendingTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Observe(ctx)
	for !t.Done() {
		select {
		case <-ticker.C:
			t.Observe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RetryConfirmation re-sends the idempotent confirm call with the session's
// transaction hash. It is refused once the window has expired.
func (t *PendingTracker) RetryConfirmation(ctx context.Context) (*hub.ConfirmResult, error) {
	session, err := t.actionable()
	if err != nil {
		return nil, err
	}
	ctx = logging.WithSessionID(ctx, session.ID)

	res, err := t.hub.ConfirmSession(ctx, session.ID, session.TxHash)
	if err != nil {
		return nil, err
	}
	if res.Session != nil {
		t.Update(*res.Session)
		if res.Session.State == models.StateRunning {
			t.invalidator.Invalidate(ctx, cache.KeySessions)
		}
	}

	t.logger.InfoContext(ctx, "pending confirmation retried",
		slog.Bool("indexing", res.Indexing))
	return res, nil
}

// Cancel abandons the session while it is still pending
func (t *PendingTracker) Cancel(ctx context.Context) error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()

	if session.State != models.StatePending {
		return &SessionStateError{ID: session.ID, State: session.State}
	}
	return t.cancel(logging.WithSessionID(ctx, session.ID), session)
}

func (t *PendingTracker) cancel(ctx context.Context, session models.RentalSession) error {
	if err := t.hub.CancelSession(ctx, session.ID); err != nil {
		return err
	}

	t.mu.Lock()
	t.cancelled = true
	t.session.State = models.StateCancelled
	t.mu.Unlock()

	t.invalidator.Invalidate(ctx, cache.KeySessions)
	logging.Audit(ctx, "session_cancel", slog.Time("created_at", session.CreatedAt))
	return nil
}

// actionable returns the session if confirmation may still be retried
func (t *PendingTracker) actionable() (models.RentalSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.State != models.StatePending {
		return t.session, &SessionStateError{ID: t.session.ID, State: t.session.State}
	}
	if _, urgency := ClassifyPending(t.session.CreatedAt, t.now(), t.ttl); urgency == UrgencyExpired {
		return t.session, ErrPendingExpired
	}
	return t.session, nil
}
