package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v4"
)

// TokenSource supplies bearer tokens
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token; empty means unauthenticated
type StaticToken string

// Token implements TokenSource
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", NewHubError("Auth", 0, "", "no token configured", ErrUnauthenticated)
	}
	return string(s), nil
}

// Signer produces EIP-191 personal signatures; chain.Wallet satisfies it
type Signer interface {
	Address() common.Address
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// authAPI is the unauthenticated part of the hub used by the handshake
type authAPI interface {
	RequestNonce(ctx context.Context, address string) (*NonceResponse, error)
	Verify(ctx context.Context, req VerifyRequest) (string, error)
}

// WalletAuth obtains tokens by signing the hub's nonce message and caches
// them until shortly before the JWT expires
type WalletAuth struct {
	api    authAPI
	signer Signer
	margin time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	token   string
	expires time.Time // zero = no exp claim
}

// WalletAuthOption configures WalletAuth
type WalletAuthOption func(*WalletAuth)

// WithRefreshMargin renews tokens this long before expiry
func WithRefreshMargin(d time.Duration) WalletAuthOption {
	return func(w *WalletAuth) {
		w.margin = d
	}
}

// WithAuthTimeFunc sets the clock (for testing)
func WithAuthTimeFunc(now func() time.Time) WalletAuthOption {
	return func(w *WalletAuth) {
		w.now = now
	}
}

// NewWalletAuth creates a handshake-backed token source
func NewWalletAuth(api authAPI, signer Signer, opts ...WalletAuthOption) *WalletAuth {
	w := &WalletAuth{
		api:    api,
		signer: signer,
		margin: 30 * time.Second,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Token implements TokenSource
func (w *WalletAuth) Token(ctx context.Context) (string, error) {
	if w.signer == nil {
		return "", NewHubError("Auth", 0, "", "no wallet connected", ErrUnauthenticated)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.token != "" && (w.expires.IsZero() || w.now().Add(w.margin).Before(w.expires)) {
		return w.token, nil
	}

	token, err := w.handshake(ctx)
	if err != nil {
		return "", err
	}

	w.token = token
	w.expires = tokenExpiry(token)
	w.logger.InfoContext(ctx, "hub token obtained",
		slog.String("wallet", w.signer.Address().Hex()),
		slog.Time("expires", w.expires))
	return token, nil
}

// Invalidate drops the cached token so the next call signs in again
func (w *WalletAuth) Invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.token = ""
	w.expires = time.Time{}
}

func (w *WalletAuth) handshake(ctx context.Context) (string, error) {
	address := w.signer.Address().Hex()

	nonce, err := w.api.RequestNonce(ctx, address)
	if err != nil {
		return "", fmt.Errorf("auth nonce: %w", err)
	}

	sig, err := w.signer.SignMessage(ctx, []byte(nonce.Message))
	if err != nil {
		return "", fmt.Errorf("auth signature: %w", err)
	}

	token, err := w.api.Verify(ctx, VerifyRequest{
		Address:   address,
		Message:   nonce.Message,
		Signature: hexutil.Encode(sig),
	})
	if err != nil {
		return "", fmt.Errorf("auth verify: %w", err)
	}
	return token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the hub
// verifies tokens, the client only needs to know when to renew
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
