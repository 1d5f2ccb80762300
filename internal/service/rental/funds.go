package rental

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// Deposit moves amount into the rental escrow
func (s *Sequencer) Deposit(ctx context.Context, amount *big.Int, observers ...chain.Observer) (common.Hash, error) {
	return s.transfer(ctx, chain.MethodDeposit, amount, s.chain.Deposit, observers)
}

// Withdraw moves amount out of the rental escrow after checking the deposited balance
func (s *Sequencer) Withdraw(ctx context.Context, amount *big.Int, observers ...chain.Observer) (common.Hash, error) {
	account, err := s.account()
	if err != nil {
		return common.Hash{}, err
	}
	if err := s.validate.Var(amount, "required,gt=0"); err != nil {
		return common.Hash{}, err
	}

	deposited, err := s.chain.Deposits(ctx, account)
	if err != nil {
		return common.Hash{}, err
	}
	if deposited.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("withdraw %s, deposited %s: %w",
			models.FormatTokens(amount), models.FormatTokens(deposited), ErrInsufficientBalance)
	}

	return s.transfer(ctx, chain.MethodWithdraw, amount, s.chain.Withdraw, observers)
}

type transferFunc func(ctx context.Context, amount *big.Int, tracker *chain.TxTracker) (common.Hash, error)

func (s *Sequencer) transfer(ctx context.Context, method string, amount *big.Int, call transferFunc, observers []chain.Observer) (common.Hash, error) {
	account, err := s.account()
	if err != nil {
		return common.Hash{}, err
	}
	if err := s.validate.Var(amount, "required,gt=0"); err != nil {
		return common.Hash{}, err
	}
	ctx = logging.WithWallet(ctx, account.Hex())

	tracker := chain.NewTxTracker(method, s.invalidateOnConfirmed(ctx, cache.KeyBalance, cache.KeyStatus))
	for _, o := range observers {
		tracker.Observe(o)
	}

	hash, err := call(ctx, amount, tracker)
	if err != nil {
		s.logger.ErrorContext(ctx, "escrow transfer failed",
			slog.String("method", method),
			slog.String("kind", string(KindOf(err))),
			slog.String("error", err.Error()))
		return common.Hash{}, err
	}

	logging.Audit(ctx, "escrow_"+method,
		slog.String("amount", amount.String()),
		slog.String("tx_hash", hash.Hex()))
	return hash, nil
}

// Balance returns the deposited escrow balance of the connected wallet
func (s *Sequencer) Balance(ctx context.Context) (*big.Int, error) {
	if _, err := s.account(); err != nil {
		return nil, err
	}
	return s.queries.Balance(ctx)
}

// Sessions returns the wallet's sessions
func (s *Sequencer) Sessions(ctx context.Context) (*models.SessionList, error) {
	if !s.hub.HasAuth() {
		return nil, ErrUnauthenticated
	}
	return s.queries.Sessions(ctx)
}

// Session returns one of the wallet's sessions
func (s *Sequencer) Session(ctx context.Context, sessionID string) (*models.RentalSession, error) {
	if !s.hub.HasAuth() {
		return nil, ErrUnauthenticated
	}
	return s.findSession(ctx, sessionID)
}

// AvailableNodes returns marketplace nodes matching filter
func (s *Sequencer) AvailableNodes(ctx context.Context, filter models.NodeFilter) ([]models.GPUNode, error) {
	if !s.hub.HasAuth() {
		return nil, ErrUnauthenticated
	}
	list, err := s.queries.GPUs(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.GPUNode
	for i := range list.Nodes {
		if list.Nodes[i].Matches(filter) {
			out = append(out, list.Nodes[i])
		}
	}
	return out, nil
}
