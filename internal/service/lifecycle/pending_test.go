package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

var created = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// mockPendingHub records pending actions
type mockPendingHub struct {
	mu           sync.Mutex
	confirmRes   *hub.ConfirmResult
	confirmErr   error
	cancelErr    error
	confirmCalls []string
	cancelCalls  []string
}

func (h *mockPendingHub) ConfirmSession(_ context.Context, sessionID, txHash string) (*hub.ConfirmResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmCalls = append(h.confirmCalls, sessionID+"/"+txHash)
	if h.confirmErr != nil {
		return nil, h.confirmErr
	}
	if h.confirmRes != nil {
		return h.confirmRes, nil
	}
	return &hub.ConfirmResult{Indexing: true}, nil
}

func (h *mockPendingHub) CancelSession(_ context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelCalls = append(h.cancelCalls, sessionID)
	return h.cancelErr
}

func (h *mockPendingHub) cancels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cancelCalls...)
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][]cache.Key
}

func (r *recordingInvalidator) Invalidate(_ context.Context, keys ...cache.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, keys)
}

func pendingSession(id string) models.RentalSession {
	return models.RentalSession{
		ID:        id,
		NodeID:    "node-1",
		State:     models.StatePending,
		TxHash:    "0xfeed",
		CreatedAt: created,
	}
}

func TestClassifyPending(t *testing.T) {
	tests := []struct {
		name      string
		elapsed   time.Duration
		remaining time.Duration
		urgency   Urgency
	}{
		{"just created", 0, 10 * time.Minute, UrgencyNormal},
		{"five minutes left", 5 * time.Minute, 5 * time.Minute, UrgencyNormal},
		{"just under five", 5*time.Minute + time.Second, 4*time.Minute + 59*time.Second, UrgencyWarning},
		{"two minutes left", 8 * time.Minute, 2 * time.Minute, UrgencyWarning},
		{"T+8:01", 8*time.Minute + time.Second, time.Minute + 59*time.Second, UrgencyCritical},
		{"T+9:59", 9*time.Minute + 59*time.Second, time.Second, UrgencyCritical},
		{"T+10:00", 10 * time.Minute, 0, UrgencyExpired},
		{"long past", time.Hour, 0, UrgencyExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remaining, urgency := ClassifyPending(created, created.Add(tt.elapsed), DefaultPendingTTL)
			assert.Equal(t, tt.remaining, remaining)
			assert.Equal(t, tt.urgency, urgency)
		})
	}
}

func TestPendingTracker_ExpiredFiresOnce(t *testing.T) {
	clock := &fakeClock{now: created.Add(9 * time.Minute)}
	var ticks []Countdown
	expired := 0

	tracker := NewPendingTracker(pendingSession("sess-1"), &mockPendingHub{},
		WithPendingTimeFunc(clock.Now),
		OnTick(func(c Countdown) { ticks = append(ticks, c) }),
		OnExpired(func(models.RentalSession) { expired++ }))

	c := tracker.Observe(context.Background())
	assert.Equal(t, UrgencyCritical, c.Urgency)
	assert.False(t, tracker.Done())

	clock.Set(created.Add(10 * time.Minute))
	tracker.Observe(context.Background())
	clock.Set(created.Add(11 * time.Minute))
	tracker.Observe(context.Background())

	assert.Equal(t, 1, expired)
	require.Len(t, ticks, 3)
	assert.Equal(t, UrgencyExpired, ticks[2].Urgency)
	assert.True(t, tracker.Done())
}

func TestPendingTracker_AutoCancel(t *testing.T) {
	clock := &fakeClock{now: created.Add(10 * time.Minute)}
	h := &mockPendingHub{}
	inv := &recordingInvalidator{}

	tracker := NewPendingTracker(pendingSession("sess-1"), h,
		WithPendingTimeFunc(clock.Now),
		WithAutoCancel(true),
		WithPendingInvalidator(inv))

	tracker.Observe(context.Background())
	tracker.Observe(context.Background())

	assert.Equal(t, []string{"sess-1"}, h.cancels())
	assert.Equal(t, models.StateCancelled, tracker.Session().State)
	assert.Equal(t, [][]cache.Key{{cache.KeySessions}}, inv.calls)
}

func TestPendingTracker_NoAutoCancelByDefault(t *testing.T) {
	clock := &fakeClock{now: created.Add(12 * time.Minute)}
	h := &mockPendingHub{}

	tracker := NewPendingTracker(pendingSession("sess-1"), h, WithPendingTimeFunc(clock.Now))
	tracker.Observe(context.Background())

	assert.Empty(t, h.cancels())
}

func TestPendingTracker_RetryConfirmation(t *testing.T) {
	clock := &fakeClock{now: created.Add(3 * time.Minute)}
	running := pendingSession("sess-1")
	running.State = models.StateRunning
	running.SSH = &models.SSHCredentials{Host: "10.0.0.1", Port: 22, Username: "u", Password: "p"}
	h := &mockPendingHub{confirmRes: &hub.ConfirmResult{Session: &running}}
	inv := &recordingInvalidator{}

	tracker := NewPendingTracker(pendingSession("sess-1"), h,
		WithPendingTimeFunc(clock.Now),
		WithPendingInvalidator(inv))

	res, err := tracker.RetryConfirmation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, res.Session.State)
	assert.Equal(t, []string{"sess-1/0xfeed"}, h.confirmCalls)
	assert.Equal(t, [][]cache.Key{{cache.KeySessions}}, inv.calls)
	assert.True(t, tracker.Done())

	_, err = tracker.RetryConfirmation(context.Background())
	var stateErr *SessionStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestPendingTracker_RetryRefusedAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: created.Add(10 * time.Minute)}
	h := &mockPendingHub{}

	tracker := NewPendingTracker(pendingSession("sess-1"), h, WithPendingTimeFunc(clock.Now))

	_, err := tracker.RetryConfirmation(context.Background())
	assert.ErrorIs(t, err, ErrPendingExpired)
	assert.Empty(t, h.confirmCalls)
}

func TestPendingTracker_CancelOnlyWhilePending(t *testing.T) {
	h := &mockPendingHub{}
	running := pendingSession("sess-1")
	running.State = models.StateRunning

	tracker := NewPendingTracker(running, h)
	err := tracker.Cancel(context.Background())

	var stateErr *SessionStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, models.StateRunning, stateErr.State)
	assert.Empty(t, h.cancels())

	tracker = NewPendingTracker(pendingSession("sess-2"), h)
	require.NoError(t, tracker.Cancel(context.Background()))
	assert.Equal(t, []string{"sess-2"}, h.cancels())
}

func TestPendingTracker_RunStopsWhenDone(t *testing.T) {
	clock := &fakeClock{now: created.Add(9*time.Minute + 59*time.Second)}
	var mu sync.Mutex
	ticks := 0

	tracker := NewPendingTracker(pendingSession("sess-1"), &mockPendingHub{},
		WithPendingTimeFunc(clock.Now),
		WithTickInterval(time.Millisecond),
		OnTick(func(Countdown) {
			mu.Lock()
			ticks++
			mu.Unlock()
			clock.Set(clock.Now().Add(time.Second))
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tracker.Run(ctx)

	require.NoError(t, ctx.Err(), "Run returned on expiry, not timeout")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, ticks)
}
