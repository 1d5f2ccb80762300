//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/pkg/models"
	"github.com/gpu-rental/rentalctl/test/mockhub"
)

// ledger is an in-memory rental contract. The escrow balance lives in the
// mock hub so extension charges and deposits agree, and stopRental is
// reported to the hub the way its indexer would.
type ledger struct {
	state   *mockhub.State
	account common.Address

	mu         sync.Mutex
	nextRental int64
	nonce      int64
	starts     int
	stops      int
}

func newLedger(t *testing.T, state *mockhub.State, account common.Address) *ledger {
	t.Helper()
	return &ledger{state: state, account: account, nextRental: 1}
}

func (l *ledger) Account() (common.Address, bool) {
	return l.account, true
}

// mine walks the tracker to success with a fresh hash
func (l *ledger) mine(tracker *chain.TxTracker) common.Hash {
	l.mu.Lock()
	l.nonce++
	hash := common.BigToHash(big.NewInt(0xe2e000 + l.nonce))
	l.mu.Unlock()

	_ = tracker.RequestSignature()
	_ = tracker.Broadcast(hash)
	_ = tracker.Mined(&types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful})
	_ = tracker.Succeed()
	return hash
}

func (l *ledger) StartRental(_ context.Context, provider common.Address, price *big.Int, tracker *chain.TxTracker) (*chain.StartReceipt, error) {
	hash := l.mine(tracker)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
	id := l.nextRental
	l.nextRental++
	return &chain.StartReceipt{
		TxHash:         hash,
		BlockNumber:    uint64(100 + id),
		RentalID:       big.NewInt(id),
		Provider:       provider,
		PricePerSecond: price,
	}, nil
}

func (l *ledger) StopRental(_ context.Context, rentalID *big.Int, tracker *chain.TxTracker) (*chain.StopReceipt, error) {
	hash := l.mine(tracker)
	settlement := big.NewInt(1_000_000_000_000_000)

	var sessionID string
	for _, s := range l.state.ListSessions(owner()) {
		if s.RentalID != nil && s.RentalID.Big().Cmp(rentalID) == 0 {
			sessionID = s.ID
		}
	}
	if sessionID == "" {
		return nil, fmt.Errorf("no session for rental %s", rentalID)
	}
	if err := l.state.StopSession(sessionID, settlement); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.stops++
	l.mu.Unlock()
	return &chain.StopReceipt{TxHash: hash, RentalID: rentalID, SettlementAmount: settlement}, nil
}

func (l *ledger) Deposit(_ context.Context, amount *big.Int, tracker *chain.TxTracker) (common.Hash, error) {
	hash := l.mine(tracker)
	l.state.SetBalance(owner(), new(big.Int).Add(l.state.Balance(owner()), amount))
	return hash, nil
}

func (l *ledger) Withdraw(_ context.Context, amount *big.Int, tracker *chain.TxTracker) (common.Hash, error) {
	hash := l.mine(tracker)
	l.state.SetBalance(owner(), new(big.Int).Sub(l.state.Balance(owner()), amount))
	return hash, nil
}

func (l *ledger) Deposits(context.Context, common.Address) (*big.Int, error) {
	return l.state.Balance(owner()), nil
}

func (l *ledger) counts() (starts, stops int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts, l.stops
}

func tokens(s string) *big.Int {
	v, err := models.ParseTokens(s)
	if err != nil {
		panic(err)
	}
	return v
}
