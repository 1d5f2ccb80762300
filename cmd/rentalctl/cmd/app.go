package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/i18n"
	"github.com/gpu-rental/rentalctl/internal/pricing"
	"github.com/gpu-rental/rentalctl/internal/service/lifecycle"
	"github.com/gpu-rental/rentalctl/internal/service/rental"
	"github.com/gpu-rental/rentalctl/internal/storage"
)

// app holds the wired dependencies of one command invocation
type app struct {
	logger *slog.Logger
	tr     *i18n.Translator
	eth    *ethclient.Client
	chain  *chain.Client
	hub    *hub.Client
	store  *cache.Store
	seq    *rental.Sequencer
	rates  *pricing.RateCache // nil when fiat pricing is disabled
	db     *storage.DB        // nil when database.path is empty
}

// newApp builds the chain client, hub client, query cache and sequencer from cfg
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{logger: slog.Default(), tr: translator()}

	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}
	a.eth = eth

	wallet, err := openWallet(cmd)
	if err != nil {
		a.Close()
		return nil, err
	}

	chainOpts := []chain.Option{
		chain.WithConfirmations(cfg.Chain.Confirmations),
		chain.WithGasLimit(cfg.Chain.GasLimit),
		chain.WithReceiptTimeout(cfg.Chain.ReceiptTimeout),
		chain.WithLogger(a.logger),
	}
	if wallet != nil {
		chainOpts = append(chainOpts, chain.WithWallet(wallet))
	}
	a.chain, err = chain.NewClient(eth, common.HexToAddress(cfg.Chain.ContractAddress), chainOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	hubOpts := []hub.ClientOption{
		hub.WithHTTPClient(&http.Client{Timeout: cfg.Hub.Timeout}),
		hub.WithRateLimit(cfg.Hub.RequestsPerSec, cfg.Hub.Burst),
		hub.WithLogger(a.logger),
	}
	switch {
	case cfg.Hub.Token != "":
		hubOpts = append(hubOpts, hub.WithStaticToken(cfg.Hub.Token))
	case wallet != nil:
		hubOpts = append(hubOpts, hub.WithWalletAuth(wallet))
	}
	a.hub = hub.NewClient(cfg.Hub.URL, hubOpts...)

	a.store = cache.New(cache.WithTTL(cfg.Cache.TTL), cache.WithLogger(a.logger))
	rental.RegisterFetchers(a.store, a.chain, a.hub)

	seqOpts := []rental.Option{
		rental.WithRetryPolicy(rental.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Delay:       cfg.Retry.Delay,
			Jitter:      cfg.Retry.Jitter,
		}),
		rental.WithCache(a.store),
		rental.WithLogger(a.logger),
		rental.WithPendingTTL(cfg.Pending.TTL),
		rental.WithMinExtensionMinutes(cfg.Extension.MinMinutes),
		rental.WithMaxExtensions(cfg.Extension.MaxExtensions),
	}
	if cfg.Database.Path != "" {
		a.db, err = storage.Open(ctx, cfg.Database.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		seqOpts = append(seqOpts,
			rental.WithAttemptStore(storage.NewAttemptStore(a.db)),
			rental.WithKeyStore(storage.NewExtensionKeyStore(a.db)))
	}
	a.seq = rental.New(a.chain, a.hub, seqOpts...)

	if err := a.tr.RegisterValidator(a.seq.Validator()); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Pricing.Enabled {
		a.rates = pricing.NewRateCache(
			pricing.NewHTTPSource(cfg.Pricing.URL, &http.Client{Timeout: cfg.Hub.Timeout}),
			pricing.WithTTL(cfg.Pricing.TTL),
			pricing.WithLogger(a.logger))
	}

	return a, nil
}

// Close releases the database and the chain connection
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
}

// openWallet unlocks the configured keystore account; no address means no wallet
func openWallet(cmd *cobra.Command) (chain.Wallet, error) {
	if cfg.Chain.WalletAddress == "" {
		return nil, nil
	}
	ks, err := chain.OpenKeystore(cfg.Chain.KeystoreDir, cfg.Chain.WalletAddress, cfg.Chain.Passphrase)
	if err != nil {
		return nil, err
	}

	var approver chain.Approver = chain.AutoApprove
	if !cfg.Chain.AutoApprove {
		approver = newTerminalApprover(cmd.InOrStdin(), cmd.ErrOrStderr())
	}
	return chain.WithApproval(ks, approver), nil
}

// fiat renders wei in the configured currency, or "" without pricing
func (a *app) fiat(ctx context.Context, wei *big.Int) string {
	if a.rates == nil || wei == nil {
		return ""
	}
	s, err := a.rates.Format(ctx, wei, cfg.Pricing.Currency, a.tr)
	if err != nil {
		a.logger.DebugContext(ctx, "fiat conversion unavailable", slog.String("error", err.Error()))
		return ""
	}
	return s
}

// pendingTracker looks a session up and wraps it for confirm/cancel
func (a *app) pendingTracker(ctx context.Context, sessionID string) (*lifecycle.PendingTracker, error) {
	session, err := a.seq.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewPendingTracker(*session, a.hub,
		lifecycle.WithPendingTTL(cfg.Pending.TTL),
		lifecycle.WithPendingInvalidator(a.store),
		lifecycle.WithPendingLogger(a.logger),
	), nil
}
