package rental

import (
	"context"
	"fmt"
	"math/big"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// Queries are the read paths the sequencers depend on
type Queries interface {
	Sessions(ctx context.Context) (*models.SessionList, error)
	Balance(ctx context.Context) (*big.Int, error)
	GPUs(ctx context.Context) (*models.NodeList, error)
}

// AccountStatus summarizes the connected wallet
type AccountStatus struct {
	Address  string
	Deposits *big.Int
	Pending  int
	Running  int
}

// DirectQueries reads straight from the chain and the hub
type DirectQueries struct {
	chain Chain
	hub   Hub
}

// NewDirectQueries creates uncached queries
func NewDirectQueries(c Chain, h Hub) *DirectQueries {
	return &DirectQueries{chain: c, hub: h}
}

// Sessions lists the wallet's sessions
func (q *DirectQueries) Sessions(ctx context.Context) (*models.SessionList, error) {
	return q.hub.ListSessions(ctx)
}

// Balance reads the deposited balance of the connected wallet
func (q *DirectQueries) Balance(ctx context.Context) (*big.Int, error) {
	account, ok := q.chain.Account()
	if !ok {
		return nil, ErrUnauthenticated
	}
	return q.chain.Deposits(ctx, account)
}

// GPUs lists available marketplace nodes
func (q *DirectQueries) GPUs(ctx context.Context) (*models.NodeList, error) {
	return q.hub.AvailableNodes(ctx)
}

// Status combines balance and session counts
func (q *DirectQueries) Status(ctx context.Context) (*AccountStatus, error) {
	account, ok := q.chain.Account()
	if !ok {
		return nil, ErrUnauthenticated
	}
	deposits, err := q.chain.Deposits(ctx, account)
	if err != nil {
		return nil, err
	}
	list, err := q.hub.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	return &AccountStatus{
		Address:  account.Hex(),
		Deposits: deposits,
		Pending:  len(list.Pending()),
		Running:  len(list.Running()),
	}, nil
}

// RegisterFetchers installs the sessions, balance, gpus and status fetchers on store
func RegisterFetchers(store *cache.Store, c Chain, h Hub) {
	direct := NewDirectQueries(c, h)
	store.Register(cache.KeySessions, func(ctx context.Context) (interface{}, error) {
		return direct.Sessions(ctx)
	})
	store.Register(cache.KeyBalance, func(ctx context.Context) (interface{}, error) {
		return direct.Balance(ctx)
	})
	store.Register(cache.KeyGPUs, func(ctx context.Context) (interface{}, error) {
		return direct.GPUs(ctx)
	})
	store.Register(cache.KeyStatus, func(ctx context.Context) (interface{}, error) {
		return direct.Status(ctx)
	})
}

// CachedQueries reads through a cache store populated by RegisterFetchers
type CachedQueries struct {
	store *cache.Store
}

// NewCachedQueries creates cached queries over store
func NewCachedQueries(store *cache.Store) *CachedQueries {
	return &CachedQueries{store: store}
}

// Sessions returns the cached session list
func (q *CachedQueries) Sessions(ctx context.Context) (*models.SessionList, error) {
	return cache.Load[*models.SessionList](ctx, q.store, cache.KeySessions)
}

// Balance returns the cached deposited balance
func (q *CachedQueries) Balance(ctx context.Context) (*big.Int, error) {
	return cache.Load[*big.Int](ctx, q.store, cache.KeyBalance)
}

// GPUs returns the cached node list
func (q *CachedQueries) GPUs(ctx context.Context) (*models.NodeList, error) {
	return cache.Load[*models.NodeList](ctx, q.store, cache.KeyGPUs)
}

// Status returns the cached account status
func (q *CachedQueries) Status(ctx context.Context) (*AccountStatus, error) {
	status, err := cache.Load[*AccountStatus](ctx, q.store, cache.KeyStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to load account status: %w", err)
	}
	return status, nil
}
