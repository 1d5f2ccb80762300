package rental

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

const (
	testProvider = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testNode     = "node-4090-a"
)

var testAccount = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

// fakeChain drives trackers through their phases without a backend.
// stopAt makes a transaction fail on entering that phase.
type fakeChain struct {
	mu         sync.Mutex
	connected  bool
	deposits   *big.Int
	rentalID   int64
	settlement *big.Int
	startErr   error
	stopAt     chain.Phase

	startCalls    int
	stopCalls     int
	depositCalls  int
	withdrawCalls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		connected:  true,
		deposits:   mustWei("10000000000000000000"),
		rentalID:   7,
		settlement: mustWei("1800000000000000000"),
	}
}

func (c *fakeChain) Account() (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return testAccount, c.connected
}

func (c *fakeChain) drive(method string, tracker *chain.TxTracker) (common.Hash, error) {
	c.mu.Lock()
	stopAt := c.stopAt
	c.mu.Unlock()

	hash := common.HexToHash("0xabc123")
	_ = tracker.RequestSignature()
	if stopAt == chain.PhaseWallet {
		err := chain.NewChainError(method, "", chain.ErrUserRejected)
		_ = tracker.Fail(err)
		return common.Hash{}, err
	}
	_ = tracker.Broadcast(hash)
	if stopAt == chain.PhasePending {
		err := chain.NewChainError(method, hash.Hex(), chain.ErrConfirmation)
		_ = tracker.Fail(err)
		return common.Hash{}, err
	}
	_ = tracker.Mined(&types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful})
	if stopAt == chain.PhaseConfirmed {
		err := chain.NewChainError(method, hash.Hex(), chain.ErrReverted)
		_ = tracker.Fail(err)
		return common.Hash{}, err
	}
	_ = tracker.Succeed()
	return hash, nil
}

func (c *fakeChain) StartRental(_ context.Context, provider common.Address, price *big.Int, tracker *chain.TxTracker) (*chain.StartReceipt, error) {
	c.mu.Lock()
	c.startCalls++
	startErr := c.startErr
	id := c.rentalID
	c.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}
	hash, err := c.drive(chain.MethodStartRental, tracker)
	if err != nil {
		return nil, err
	}
	return &chain.StartReceipt{TxHash: hash, RentalID: big.NewInt(id), Provider: provider, PricePerSecond: price}, nil
}

func (c *fakeChain) StopRental(_ context.Context, rentalID *big.Int, tracker *chain.TxTracker) (*chain.StopReceipt, error) {
	c.mu.Lock()
	c.stopCalls++
	c.mu.Unlock()

	hash, err := c.drive(chain.MethodStopRental, tracker)
	if err != nil {
		return nil, err
	}
	return &chain.StopReceipt{TxHash: hash, RentalID: rentalID, SettlementAmount: c.settlement}, nil
}

func (c *fakeChain) Deposit(_ context.Context, amount *big.Int, tracker *chain.TxTracker) (common.Hash, error) {
	c.mu.Lock()
	c.depositCalls++
	c.mu.Unlock()
	return c.drive(chain.MethodDeposit, tracker)
}

func (c *fakeChain) Withdraw(_ context.Context, amount *big.Int, tracker *chain.TxTracker) (common.Hash, error) {
	c.mu.Lock()
	c.withdrawCalls++
	c.mu.Unlock()
	return c.drive(chain.MethodWithdraw, tracker)
}

func (c *fakeChain) Deposits(context.Context, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.deposits), nil
}

type confirmReply struct {
	res *hub.ConfirmResult
	err error
}

// fakeHub replays queued replies; the last reply of a queue repeats
type fakeHub struct {
	mu       sync.Mutex
	authed   bool
	sessions []models.RentalSession

	startErrs    []error
	confirmQueue []confirmReply
	extendErrs   []error
	extendResult *models.ExtensionResult
	nodes        []models.GPUNode

	startCalls   int
	confirmCalls int
	listCalls    int
	extendKeys   []string
}

func newFakeHub() *fakeHub {
	return &fakeHub{authed: true}
}

func (h *fakeHub) HasAuth() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authed
}

func (h *fakeHub) ListSessions(context.Context) (*models.SessionList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listCalls++
	out := make([]models.RentalSession, len(h.sessions))
	copy(out, h.sessions)
	return &models.SessionList{Sessions: out}, nil
}

func (h *fakeHub) StartSession(_ context.Context, nodeID string, req hub.StartRequest) (*models.RentalSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startCalls++
	if len(h.startErrs) > 0 {
		err := h.startErrs[0]
		h.startErrs = h.startErrs[1:]
		return nil, err
	}
	return &models.RentalSession{
		ID:             "sess-1",
		RentalID:       req.RentalID,
		NodeID:         nodeID,
		Provider:       testProvider,
		State:          models.StatePending,
		TxHash:         req.TransactionHash,
		PricePerSecond: models.WeiFromInt64(1_000_000_000_000_000),
	}, nil
}

func (h *fakeHub) ConfirmSession(_ context.Context, sessionID, txHash string) (*hub.ConfirmResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmCalls++
	if len(h.confirmQueue) == 0 {
		return &hub.ConfirmResult{Session: runningSession(sessionID, txHash)}, nil
	}
	reply := h.confirmQueue[0]
	if len(h.confirmQueue) > 1 {
		h.confirmQueue = h.confirmQueue[1:]
	}
	return reply.res, reply.err
}

func (h *fakeHub) ExtendSession(_ context.Context, req models.ExtensionRequest) (*models.ExtensionResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extendKeys = append(h.extendKeys, req.IdempotencyKey)
	if len(h.extendErrs) > 0 {
		err := h.extendErrs[0]
		h.extendErrs = h.extendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if h.extendResult != nil {
		return h.extendResult, nil
	}
	return &models.ExtensionResult{
		NewExpiration:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ExtensionCost:  models.NewWei(models.ExtensionCost(big.NewInt(1_000_000_000_000_000), req.ExtensionMinutes)),
		ExtensionCount: 1,
	}, nil
}

func (h *fakeHub) AvailableNodes(context.Context) (*models.NodeList, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &models.NodeList{Nodes: h.nodes}, nil
}

func (h *fakeHub) counts() (start, confirm int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startCalls, h.confirmCalls
}

func (h *fakeHub) keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.extendKeys))
	copy(out, h.extendKeys)
	return out
}

func runningSession(id, txHash string) *models.RentalSession {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &models.RentalSession{
		ID:             id,
		RentalID:       models.WeiFromInt64(7),
		NodeID:         testNode,
		Provider:       testProvider,
		State:          models.StateRunning,
		TxHash:         txHash,
		PricePerSecond: models.WeiFromInt64(1_000_000_000_000_000),
		StartedAt:      &started,
		SSH:            &models.SSHCredentials{Host: "10.0.0.5", Port: 2222, Username: "renter", Password: "s3cret"},
	}
}

// recordingInvalidator records every Invalidate call
type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][]cache.Key
}

func (r *recordingInvalidator) Invalidate(_ context.Context, keys ...cache.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, keys)
}

func (r *recordingInvalidator) snapshot() [][]cache.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]cache.Key, len(r.calls))
	copy(out, r.calls)
	return out
}

// recordingSleeper returns immediately and records requested waits
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.sleeps))
	copy(out, r.sleeps)
	return out
}

type fixture struct {
	chain       *fakeChain
	hub         *fakeHub
	invalidator *recordingInvalidator
	sleeper     *recordingSleeper
	seq         *Sequencer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		chain:       newFakeChain(),
		hub:         newFakeHub(),
		invalidator: &recordingInvalidator{},
		sleeper:     &recordingSleeper{},
	}
	base := []Option{
		WithInvalidator(f.invalidator),
		WithSleeper(f.sleeper.sleep),
	}
	f.seq = New(f.chain, f.hub, append(base, opts...)...)
	return f
}

func mustWei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad wei literal " + s)
	}
	return v
}

func indexing() confirmReply {
	return confirmReply{res: &hub.ConfirmResult{Indexing: true}}
}

func serverError() error {
	return hub.NewHubError("confirm_session", 500, "", "internal error", hub.ErrServer)
}
