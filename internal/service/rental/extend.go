package rental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/internal/metrics"
	"github.com/gpu-rental/rentalctl/internal/storage"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// ExtendInput asks for more time on a running session. PricePerSecond,
// Balance and ExtensionCount are loaded when nil.
type ExtendInput struct {
	SessionID        string `validate:"required"`
	ExtensionMinutes int    `validate:"required,min=30"`
	IdempotencyKey   string `validate:"omitempty,max=128"`

	PricePerSecond *big.Int
	Balance        *big.Int
	ExtensionCount *int
}

func newIdempotencyKey() string {
	return uuid.New().String()
}

// ExtendSession extends a running session. The balance and extension count
// are checked locally first; the hub stays authoritative. Transient failures
// are retried with the same idempotency key, and a key whose outcome is
// unknown is kept so a rerun cannot bill twice.
func (s *Sequencer) ExtendSession(ctx context.Context, in ExtendInput) (*models.ExtensionResult, error) {
	if !s.hub.HasAuth() {
		return nil, ErrUnauthenticated
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	if s.minMinutes > models.MinExtensionMinutes {
		if err := s.validate.Var(in.ExtensionMinutes, fmt.Sprintf("min=%d", s.minMinutes)); err != nil {
			return nil, err
		}
	}
	ctx = logging.WithSessionID(ctx, in.SessionID)

	if err := s.fillExtendInput(ctx, &in); err != nil {
		metrics.RecordExtension("precheck_failed")
		return nil, err
	}

	cost := models.ExtensionCost(in.PricePerSecond, in.ExtensionMinutes)
	if new(big.Int).Sub(in.Balance, cost).Sign() < 0 {
		metrics.RecordExtension("insufficient_balance")
		return nil, fmt.Errorf("extension costs %s, balance is %s: %w",
			models.FormatTokens(cost), models.FormatTokens(in.Balance), ErrInsufficientBalance)
	}
	if s.maxExtensions > 0 && in.ExtensionCount != nil && *in.ExtensionCount >= s.maxExtensions {
		metrics.RecordExtension("limit_reached")
		return nil, fmt.Errorf("session has %d of %d extensions: %w",
			*in.ExtensionCount, s.maxExtensions, hub.ErrExtensionLimitReached)
	}

	key, err := s.idempotencyKey(ctx, in)
	if err != nil {
		return nil, err
	}

	req := models.ExtensionRequest{
		SessionID:        in.SessionID,
		ExtensionMinutes: in.ExtensionMinutes,
		IdempotencyKey:   key,
	}

	var result *models.ExtensionResult
	err = s.retry(ctx, "extend_session", func(ctx context.Context, _ int) (bool, error) {
		res, err := s.hub.ExtendSession(ctx, req)
		if err != nil {
			return false, err
		}
		result = res
		return true, nil
	})

	if err != nil {
		if settled(err) {
			s.forgetKey(ctx, in)
		}
		metrics.RecordExtension("failed")
		s.logger.ErrorContext(ctx, "session extension failed",
			slog.Int("minutes", in.ExtensionMinutes),
			slog.String("kind", string(KindOf(err))),
			slog.Bool("key_kept", !settled(err)),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.forgetKey(ctx, in)
	s.invalidator.Invalidate(ctx, cache.KeySessions, cache.KeyBalance)
	metrics.RecordExtension("success")
	logging.Audit(ctx, "session_extend",
		slog.Int("minutes", in.ExtensionMinutes),
		slog.String("cost", result.ExtensionCost.String()),
		slog.Int("extension_count", result.ExtensionCount),
		slog.Time("new_expiration", result.NewExpiration))

	return result, nil
}

// settled reports whether the hub definitely did not apply the extension
func settled(err error) bool {
	return !errors.Is(err, ErrRetriesExhausted) && !hub.IsTransient(err) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *Sequencer) fillExtendInput(ctx context.Context, in *ExtendInput) error {
	if in.PricePerSecond == nil || in.ExtensionCount == nil {
		session, err := s.findSession(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if session.State != models.StateRunning {
			return fmt.Errorf("session %s is %s: %w", in.SessionID, session.State, hub.ErrSessionNotRunning)
		}
		if in.PricePerSecond == nil {
			in.PricePerSecond = session.PricePerSecond.Big()
		}
		if in.ExtensionCount == nil {
			count := session.ExtensionCount
			in.ExtensionCount = &count
		}
	}

	if in.Balance == nil {
		balance, err := s.queries.Balance(ctx)
		if err != nil {
			return fmt.Errorf("failed to load balance: %w", err)
		}
		in.Balance = balance
	}
	return nil
}

// idempotencyKey returns the caller's key, an outstanding stored key, or a new stored key
func (s *Sequencer) idempotencyKey(ctx context.Context, in ExtendInput) (string, error) {
	if in.IdempotencyKey != "" {
		return in.IdempotencyKey, nil
	}

	key, err := s.keys.Get(ctx, in.SessionID, in.ExtensionMinutes)
	switch {
	case err == nil:
		s.logger.InfoContext(ctx, "reusing outstanding extension key",
			slog.Int("minutes", in.ExtensionMinutes))
		return key, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("failed to load extension key: %w", err)
	}

	key = s.newKey()
	if err := s.keys.Put(ctx, in.SessionID, in.ExtensionMinutes, key); err != nil {
		s.logger.WarnContext(ctx, "failed to persist extension key",
			slog.String("error", err.Error()))
	}
	return key, nil
}

func (s *Sequencer) forgetKey(ctx context.Context, in ExtendInput) {
	if in.IdempotencyKey != "" {
		return
	}
	if err := s.keys.Delete(ctx, in.SessionID, in.ExtensionMinutes); err != nil {
		s.logger.WarnContext(ctx, "failed to delete extension key",
			slog.String("error", err.Error()))
	}
}
