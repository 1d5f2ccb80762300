package rental

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// invalidateOnConfirmed returns an observer that invalidates keys the first
// time the transaction is seen mined
func (s *Sequencer) invalidateOnConfirmed(ctx context.Context, keys ...cache.Key) chain.Observer {
	var once sync.Once
	return func(st chain.TxState) {
		// a revert is only known after mining, so a reverted tx invalidates too
		if !st.Phase.ReachedConfirmed() {
			return
		}
		once.Do(func() {
			s.invalidator.Invalidate(ctx, keys...)
		})
	}
}

// StopRental submits stopRental for an on-chain rental id. Session, balance
// and status caches are invalidated once the transaction is mined.
func (s *Sequencer) StopRental(ctx context.Context, rentalID *big.Int, observers ...chain.Observer) (*chain.StopReceipt, error) {
	account, err := s.account()
	if err != nil {
		return nil, err
	}
	if rentalID == nil || rentalID.Sign() < 0 {
		return nil, fmt.Errorf("rental id %v: %w", rentalID, ErrInvalidInput)
	}
	ctx = logging.WithRentalID(logging.WithWallet(ctx, account.Hex()), rentalID.String())

	tracker := chain.NewTxTracker(chain.MethodStopRental,
		s.invalidateOnConfirmed(ctx, cache.KeySessions, cache.KeyBalance, cache.KeyStatus))
	for _, o := range observers {
		tracker.Observe(o)
	}

	receipt, err := s.chain.StopRental(ctx, rentalID, tracker)
	if err != nil {
		s.logger.ErrorContext(ctx, "rental stop failed",
			slog.String("kind", string(KindOf(err))),
			slog.String("error", err.Error()))
		return nil, err
	}

	settlement := "unknown"
	if receipt.SettlementAmount != nil {
		settlement = receipt.SettlementAmount.String()
	}
	logging.Audit(ctx, "rental_stop",
		slog.String("tx_hash", receipt.TxHash.Hex()),
		slog.String("settlement", settlement))

	return receipt, nil
}

// StopSession looks up the session's rental id and stops it on chain
func (s *Sequencer) StopSession(ctx context.Context, sessionID string, observers ...chain.Observer) (*chain.StopReceipt, error) {
	session, err := s.findSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != models.StateRunning {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.State, hub.ErrSessionNotRunning)
	}
	if session.RentalID == nil {
		return nil, fmt.Errorf("session %s has no rental id: %w", sessionID, hub.ErrConflict)
	}
	return s.StopRental(logging.WithSessionID(ctx, sessionID), session.RentalID.Big(), observers...)
}

// findSession looks a session up in the wallet's session list
func (s *Sequencer) findSession(ctx context.Context, sessionID string) (*models.RentalSession, error) {
	list, err := s.queries.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	session, ok := list.Find(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, hub.ErrSessionNotFound)
	}
	return session, nil
}
