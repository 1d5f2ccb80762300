package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/gpu-rental/rentalctl/internal/logging"
)

// RentalABI is the subset of the rental contract used by this client
const RentalABI = `[
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"startRental","stateMutability":"nonpayable","inputs":[{"name":"provider","type":"address"},{"name":"pricePerSecond","type":"uint256"}],"outputs":[{"name":"rentalId","type":"uint256"}]},
	{"type":"function","name":"stopRental","stateMutability":"nonpayable","inputs":[{"name":"rentalId","type":"uint256"}],"outputs":[{"name":"settlementAmount","type":"uint256"}]},
	{"type":"function","name":"deposits","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"RentalStarted","anonymous":false,"inputs":[
		{"name":"rentalId","type":"uint256","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"provider","type":"address","indexed":true},
		{"name":"pricePerSecond","type":"uint256","indexed":false}]},
	{"type":"event","name":"RentalStopped","anonymous":false,"inputs":[
		{"name":"rentalId","type":"uint256","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"settlementAmount","type":"uint256","indexed":false}]}
]`

// Contract method and event names
const (
	MethodDeposit     = "deposit"
	MethodWithdraw    = "withdraw"
	MethodStartRental = "startRental"
	MethodStopRental  = "stopRental"
	MethodDeposits    = "deposits"

	EventRentalStarted = "RentalStarted"
	EventRentalStopped = "RentalStopped"
)

// Backend is the RPC surface the client needs; *ethclient.Client satisfies it
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dial connects to an RPC endpoint
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// StartReceipt is the outcome of a mined startRental transaction
type StartReceipt struct {
	TxHash         common.Hash
	BlockNumber    uint64
	RentalID       *big.Int
	Provider       common.Address
	PricePerSecond *big.Int
}

// StopReceipt is the outcome of a mined stopRental transaction
type StopReceipt struct {
	TxHash           common.Hash
	RentalID         *big.Int
	SettlementAmount *big.Int
}

// Client drives the rental contract
type Client struct {
	backend        Backend
	contract       common.Address
	abi            abi.ABI
	wallet         Wallet
	confirmations  uint64
	gasLimit       uint64
	pollInterval   time.Duration
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// Option configures the contract client
type Option func(*Client)

// WithWallet sets the signing wallet
func WithWallet(w Wallet) Option {
	return func(c *Client) {
		c.wallet = w
	}
}

// WithConfirmations sets how many blocks must include the transaction (1 = mined)
func WithConfirmations(n uint64) Option {
	return func(c *Client) {
		if n == 0 {
			n = 1
		}
		c.confirmations = n
	}
}

// WithGasLimit fixes the gas limit instead of estimating it
func WithGasLimit(gas uint64) Option {
	return func(c *Client) {
		c.gasLimit = gas
	}
}

// WithPollInterval sets the block polling interval for the confirmation wait
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithReceiptTimeout bounds the mining plus confirmation wait
func WithReceiptTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.receiptTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a contract client
func NewClient(backend Backend, contract common.Address, opts ...Option) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(RentalABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse rental ABI: %w", err)
	}

	c := &Client{
		backend:        backend,
		contract:       contract,
		abi:            parsed,
		confirmations:  1,
		pollInterval:   2 * time.Second,
		receiptTimeout: 3 * time.Minute,
		logger:         slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Account returns the connected wallet address
func (c *Client) Account() (common.Address, bool) {
	if c.wallet == nil {
		return common.Address{}, false
	}
	return c.wallet.Address(), true
}

// Wallet returns the signing wallet, or nil
func (c *Client) Wallet() Wallet {
	return c.wallet
}

// StartRental submits startRental and returns the rental id from the RentalStarted event
func (c *Client) StartRental(ctx context.Context, provider common.Address, pricePerSecond *big.Int, tracker *TxTracker) (*StartReceipt, error) {
	receipt, err := c.transact(ctx, tracker, MethodStartRental, provider, pricePerSecond)
	if err != nil {
		return nil, err
	}

	fields, err := c.findEvent(receipt, EventRentalStarted)
	if err != nil {
		return nil, NewChainError(MethodStartRental, receipt.TxHash.Hex(), err)
	}

	out := &StartReceipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	var ok1, ok2, ok3 bool
	out.RentalID, ok1 = fields["rentalId"].(*big.Int)
	out.Provider, ok2 = fields["provider"].(common.Address)
	out.PricePerSecond, ok3 = fields["pricePerSecond"].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return nil, NewChainError(MethodStartRental, receipt.TxHash.Hex(),
			fmt.Errorf("%w: malformed %s fields", ErrMissingEvent, EventRentalStarted))
	}

	c.logger.InfoContext(ctx, "rental started on chain",
		slog.String("tx_hash", out.TxHash.Hex()),
		slog.String("rental_id", out.RentalID.String()),
		slog.Uint64("block", out.BlockNumber))

	return out, nil
}

// StopRental submits stopRental and returns the settlement from the RentalStopped event
func (c *Client) StopRental(ctx context.Context, rentalID *big.Int, tracker *TxTracker) (*StopReceipt, error) {
	receipt, err := c.transact(ctx, tracker, MethodStopRental, rentalID)
	if err != nil {
		return nil, err
	}

	out := &StopReceipt{TxHash: receipt.TxHash, RentalID: rentalID}
	fields, err := c.findEvent(receipt, EventRentalStopped)
	if err != nil {
		// Settlement is informational; the stop itself succeeded
		c.logger.WarnContext(ctx, "stop receipt has no settlement event",
			slog.String("tx_hash", receipt.TxHash.Hex()),
			slog.String("error", err.Error()))
		return out, nil
	}
	if amount, ok := fields["settlementAmount"].(*big.Int); ok {
		out.SettlementAmount = amount
	}
	return out, nil
}

// Deposit moves tokens into the rental escrow
func (c *Client) Deposit(ctx context.Context, amount *big.Int, tracker *TxTracker) (common.Hash, error) {
	receipt, err := c.transact(ctx, tracker, MethodDeposit, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// Withdraw moves tokens out of the rental escrow
func (c *Client) Withdraw(ctx context.Context, amount *big.Int, tracker *TxTracker) (common.Hash, error) {
	receipt, err := c.transact(ctx, tracker, MethodWithdraw, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// Deposits returns the escrowed balance of account
func (c *Client) Deposits(ctx context.Context, account common.Address) (*big.Int, error) {
	data, err := c.abi.Pack(MethodDeposits, account)
	if err != nil {
		return nil, NewChainError(MethodDeposits, "", fmt.Errorf("failed to pack call: %w", err))
	}

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, NewChainError(MethodDeposits, "", err)
	}

	values, err := c.abi.Unpack(MethodDeposits, out)
	if err != nil {
		return nil, NewChainError(MethodDeposits, "", fmt.Errorf("failed to unpack result: %w", err))
	}
	if len(values) != 1 {
		return nil, NewChainError(MethodDeposits, "", fmt.Errorf("unexpected result length %d", len(values)))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, NewChainError(MethodDeposits, "", fmt.Errorf("unexpected result type %T", values[0]))
	}
	return balance, nil
}

// transact signs, broadcasts and waits for one contract call, driving tracker
// through every phase
func (c *Client) transact(ctx context.Context, tracker *TxTracker, method string, args ...interface{}) (*types.Receipt, error) {
	if tracker == nil {
		tracker = NewTxTracker(method)
	}
	if c.wallet == nil {
		return nil, NewChainError(method, "", ErrNoWallet)
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, NewChainError(method, "", fmt.Errorf("failed to pack call: %w", err))
	}

	if err := tracker.RequestSignature(); err != nil {
		return nil, NewChainError(method, "", err)
	}

	tx, chainID, err := c.buildTx(ctx, data)
	if err != nil {
		return nil, c.fail(ctx, tracker, method, "", err)
	}

	signed, err := c.wallet.SignTx(ctx, tx, chainID)
	if err != nil {
		return nil, c.fail(ctx, tracker, method, "", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, c.fail(ctx, tracker, method, "", fmt.Errorf("failed to broadcast: %w", err))
	}

	hash := signed.Hash()
	if err := tracker.Broadcast(hash); err != nil {
		return nil, NewChainError(method, hash.Hex(), err)
	}
	ctx = logging.WithTxHash(ctx, hash.Hex())
	logging.Audit(ctx, "tx_broadcast", "method", method, "contract", c.contract.Hex())

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, signed)
	if err != nil {
		return nil, c.fail(ctx, tracker, method, hash.Hex(), fmt.Errorf("%w: %v", ErrConfirmation, err))
	}
	if err := tracker.Mined(receipt); err != nil {
		return nil, NewChainError(method, hash.Hex(), err)
	}

	if err := c.waitConfirmations(waitCtx, receipt); err != nil {
		return nil, c.fail(ctx, tracker, method, hash.Hex(), fmt.Errorf("%w: %v", ErrConfirmation, err))
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, c.fail(ctx, tracker, method, hash.Hex(), ErrReverted)
	}

	if err := tracker.Succeed(); err != nil {
		return nil, NewChainError(method, hash.Hex(), err)
	}

	logging.Audit(ctx, "tx_confirmed", "method", method, "block", receipt.BlockNumber.Uint64())
	return receipt, nil
}

func (c *Client) buildTx(ctx context.Context, data []byte) (*types.Transaction, *big.Int, error) {
	from := c.wallet.Address()

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.contract, Data: data})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &c.contract,
		Value:    new(big.Int),
		Data:     data,
	})
	return tx, chainID, nil
}

// waitConfirmations blocks until the receipt's block is confirmations deep
func (c *Client) waitConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if c.confirmations <= 1 {
		return nil
	}
	target := receipt.BlockNumber.Uint64() + c.confirmations - 1

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		head, err := c.backend.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		if err != nil {
			c.logger.DebugContext(ctx, "block number poll failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) fail(ctx context.Context, tracker *TxTracker, method, hash string, err error) error {
	ce := NewChainError(method, hash, err)
	if terr := tracker.Fail(ce); terr != nil {
		c.logger.WarnContext(ctx, "transaction tracker rejected fail transition",
			slog.String("method", method),
			slog.String("error", terr.Error()))
	}
	if errors.Is(err, ErrUserRejected) {
		c.logger.InfoContext(ctx, "signature declined", slog.String("method", method))
	} else {
		c.logger.ErrorContext(ctx, "contract transaction failed",
			slog.String("method", method),
			slog.String("error", err.Error()))
	}
	return ce
}

// findEvent decodes the first log of the named event emitted by the contract
func (c *Client) findEvent(receipt *types.Receipt, name string) (map[string]interface{}, error) {
	event, ok := c.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %s", name)
	}

	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.contract || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}

		fields := make(map[string]interface{})
		if err := abi.ParseTopicsIntoMap(fields, indexedArgs(event.Inputs), lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to parse %s topics: %w", name, err)
		}
		if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, lg.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack %s data: %w", name, err)
		}
		return fields, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrMissingEvent, name)
}

func indexedArgs(args abi.Arguments) abi.Arguments {
	var out abi.Arguments
	for _, arg := range args {
		if arg.Indexed {
			out = append(out, arg)
		}
	}
	return out
}
