// Package rental sequences the on-chain and hub calls that start, stop and
// extend GPU rental sessions.
package rental

import (
	"context"
	"log/slog"
	"math/big"
	"reflect"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/storage"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// Compile-time checks that the production clients satisfy the interfaces
var (
	_ Chain        = (*chain.Client)(nil)
	_ Hub          = (*hub.Client)(nil)
	_ Invalidator  = (*cache.Store)(nil)
	_ AttemptStore = (*storage.AttemptStore)(nil)
	_ KeyStore     = (*storage.ExtensionKeyStore)(nil)
)

// Chain is the contract surface the sequencers drive
type Chain interface {
	Account() (common.Address, bool)
	StartRental(ctx context.Context, provider common.Address, pricePerSecond *big.Int, tracker *chain.TxTracker) (*chain.StartReceipt, error)
	StopRental(ctx context.Context, rentalID *big.Int, tracker *chain.TxTracker) (*chain.StopReceipt, error)
	Deposit(ctx context.Context, amount *big.Int, tracker *chain.TxTracker) (common.Hash, error)
	Withdraw(ctx context.Context, amount *big.Int, tracker *chain.TxTracker) (common.Hash, error)
	Deposits(ctx context.Context, account common.Address) (*big.Int, error)
}

// Hub is the hub API surface the sequencers drive
type Hub interface {
	HasAuth() bool
	ListSessions(ctx context.Context) (*models.SessionList, error)
	StartSession(ctx context.Context, nodeID string, req hub.StartRequest) (*models.RentalSession, error)
	ConfirmSession(ctx context.Context, sessionID, txHash string) (*hub.ConfirmResult, error)
	ExtendSession(ctx context.Context, req models.ExtensionRequest) (*models.ExtensionResult, error)
	AvailableNodes(ctx context.Context) (*models.NodeList, error)
}

// Invalidator marks cached query results stale
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...cache.Key)
}

// AttemptStore persists start attempts for resumption
type AttemptStore interface {
	Save(ctx context.Context, a *models.StartAttempt) error
	Latest(ctx context.Context, wallet, nodeID string) (*models.StartAttempt, error)
}

// KeyStore persists outstanding extension idempotency keys
type KeyStore interface {
	Get(ctx context.Context, sessionID string, minutes int) (string, error)
	Put(ctx context.Context, sessionID string, minutes int, key string) error
	Delete(ctx context.Context, sessionID string, minutes int) error
}

// DefaultPendingTTL matches the hub's confirmation window for pending sessions
const DefaultPendingTTL = 10 * time.Minute

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, ...cache.Key) {}

// Sequencer runs the rental flows for one wallet
type Sequencer struct {
	chain       Chain
	hub         Hub
	attempts    AttemptStore
	keys        KeyStore
	invalidator Invalidator
	queries     Queries
	validate    *validator.Validate
	logger      *slog.Logger
	now         func() time.Time
	sleep       Sleeper
	newKey      func() string

	retryPolicy   RetryPolicy
	pendingTTL    time.Duration // 0 = start attempts never go stale
	minMinutes    int
	maxExtensions int // 0 = unlimited
}

// Option configures the sequencer
type Option func(*Sequencer)

// WithRetryPolicy sets the hub retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Sequencer) {
		s.retryPolicy = p
	}
}

// WithSleeper replaces the retry wait (useful for testing)
func WithSleeper(fn Sleeper) Option {
	return func(s *Sequencer) {
		s.sleep = fn
	}
}

// WithAttemptStore sets where start attempts are persisted
func WithAttemptStore(store AttemptStore) Option {
	return func(s *Sequencer) {
		s.attempts = store
	}
}

// WithKeyStore sets where extension keys are persisted
func WithKeyStore(store KeyStore) Option {
	return func(s *Sequencer) {
		s.keys = store
	}
}

// WithCache routes queries and invalidations through a cache store
func WithCache(store *cache.Store) Option {
	return func(s *Sequencer) {
		s.invalidator = store
		s.queries = NewCachedQueries(store)
	}
}

// WithInvalidator sets only the invalidation target
func WithInvalidator(inv Invalidator) Option {
	return func(s *Sequencer) {
		s.invalidator = inv
	}
}

// WithQueries sets only the query source
func WithQueries(q Queries) Option {
	return func(s *Sequencer) {
		s.queries = q
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// WithTimeFunc sets a custom time function (useful for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Sequencer) {
		s.now = fn
	}
}

// WithKeyGenerator replaces the idempotency key generator (useful for testing)
func WithKeyGenerator(fn func() string) Option {
	return func(s *Sequencer) {
		s.newKey = fn
	}
}

// WithPendingTTL sets how long a mined start attempt stays resumable
func WithPendingTTL(d time.Duration) Option {
	return func(s *Sequencer) {
		s.pendingTTL = d
	}
}

// WithMinExtensionMinutes raises the local minimum extension length
func WithMinExtensionMinutes(n int) Option {
	return func(s *Sequencer) {
		s.minMinutes = n
	}
}

// WithMaxExtensions sets the local extension count limit, 0 = unlimited
func WithMaxExtensions(n int) Option {
	return func(s *Sequencer) {
		s.maxExtensions = n
	}
}

// New creates a sequencer
func New(c Chain, h Hub, opts ...Option) *Sequencer {
	s := &Sequencer{
		chain:       c,
		hub:         h,
		attempts:    storage.NewMemoryAttemptStore(),
		keys:        storage.NewMemoryKeyStore(),
		invalidator: noopInvalidator{},
		validate:    newValidator(),
		logger:      slog.Default(),
		now:         time.Now,
		sleep:       sleepContext,
		newKey:      newIdempotencyKey,
		retryPolicy: DefaultRetryPolicy(),
		pendingTTL:  DefaultPendingTTL,
		minMinutes:  models.MinExtensionMinutes,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.queries == nil {
		s.queries = NewDirectQueries(c, h)
	}

	return s
}

// Validator returns the validator so callers can register translations on it
func (s *Sequencer) Validator() *validator.Validate {
	return s.validate
}

// account returns the connected wallet or ErrUnauthenticated
func (s *Sequencer) account() (common.Address, error) {
	addr, ok := s.chain.Account()
	if !ok {
		return common.Address{}, ErrUnauthenticated
	}
	return addr, nil
}

// newValidator returns a validator that compares *big.Int fields by sign
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if b, ok := field.Interface().(big.Int); ok {
			return b.Sign()
		}
		return nil
	}, big.Int{})
	return v
}
