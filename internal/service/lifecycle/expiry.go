package lifecycle

import (
	"sync"
	"time"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

// Default running-session thresholds
const (
	DefaultSafeAbove     = 60 * time.Minute
	DefaultCriticalBelow = 15 * time.Minute
)

// ExpiryThresholds bound the urgency bands of a running session
type ExpiryThresholds struct {
	SafeAbove     time.Duration
	CriticalBelow time.Duration
}

// DefaultExpiryThresholds returns safe above 60 minutes and critical below 15
func DefaultExpiryThresholds() ExpiryThresholds {
	return ExpiryThresholds{SafeAbove: DefaultSafeAbove, CriticalBelow: DefaultCriticalBelow}
}

// Classify returns the time left before until and its urgency
func (th ExpiryThresholds) Classify(until, now time.Time) (time.Duration, Urgency) {
	remaining := until.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	switch {
	case remaining > th.SafeAbove:
		return remaining, UrgencySafe
	case remaining >= th.CriticalBelow:
		return remaining, UrgencyWarning
	default:
		return remaining, UrgencyCritical
	}
}

// ClassifyRunning classifies with the default thresholds
func ClassifyRunning(until, now time.Time) (time.Duration, Urgency) {
	return DefaultExpiryThresholds().Classify(until, now)
}

// ExpiryTracker fires a critical alert once per entry into the critical band
type ExpiryTracker struct {
	thresholds ExpiryThresholds
	onCritical func(models.RentalSession, time.Duration)

	mu       sync.Mutex
	alerted  bool
	lastSeen Urgency
}

// NewExpiryTracker creates a tracker; onCritical may be nil
func NewExpiryTracker(th ExpiryThresholds, onCritical func(models.RentalSession, time.Duration)) *ExpiryTracker {
	if onCritical == nil {
		onCritical = func(models.RentalSession, time.Duration) {}
	}
	return &ExpiryTracker{thresholds: th, onCritical: onCritical}
}

// Observe classifies session at now. Sessions without an end time are safe.
func (t *ExpiryTracker) Observe(session models.RentalSession, now time.Time) Countdown {
	c := Countdown{SessionID: session.ID, State: session.State, Urgency: UrgencySafe}
	if session.ExtendedUntil == nil {
		return c
	}
	c.Remaining, c.Urgency = t.thresholds.Classify(*session.ExtendedUntil, now)

	t.mu.Lock()
	fire := false
	switch c.Urgency {
	case UrgencyCritical:
		fire = !t.alerted
		t.alerted = true
	default:
		// extended back out of the critical band
		t.alerted = false
	}
	t.lastSeen = c.Urgency
	t.mu.Unlock()

	if fire {
		t.onCritical(session, c.Remaining)
	}
	return c
}

// Urgency returns the last observed urgency
func (t *ExpiryTracker) Urgency() Urgency {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}
