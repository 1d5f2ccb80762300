// Package pricing converts token amounts into fiat for display.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gpu-rental/rentalctl/internal/i18n"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// DefaultTTL is how long a fetched rate is reused
const DefaultTTL = 5 * time.Minute

// ErrNoRate is returned when no rate could be obtained
var ErrNoRate = errors.New("no conversion rate available")

// RateSource fetches the fiat value of one whole token
type RateSource interface {
	FetchRate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// RateResponse is the body served by a rate endpoint
type RateResponse struct {
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
}

// HTTPSource reads rates from GET {url}?currency=XXX
type HTTPSource struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSource creates a rate source for endpoint
func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{url: endpoint, httpClient: client}
}

// FetchRate implements RateSource
func (s *HTTPSource) FetchRate(ctx context.Context, currency string) (decimal.Decimal, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate url: %w", err)
	}
	q := u.Query()
	q.Set("currency", strings.ToUpper(currency))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return decimal.Zero, fmt.Errorf("rate endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out RateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate: %w", err)
	}
	if out.Rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s", ErrNoRate, out.Rate)
	}
	return out.Rate, nil
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// RateCache memoizes rates per currency for a TTL. Instances are independent;
// there is no package-level cache.
type RateCache struct {
	source RateSource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	rates map[string]cachedRate
}

// Option configures the rate cache
type Option func(*RateCache)

// WithTTL sets how long a rate is reused
func WithTTL(d time.Duration) Option {
	return func(c *RateCache) {
		c.ttl = d
	}
}

// WithTimeFunc sets the clock (for testing)
func WithTimeFunc(now func() time.Time) Option {
	return func(c *RateCache) {
		c.now = now
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *RateCache) {
		c.logger = logger
	}
}

// NewRateCache creates a cache in front of source
func NewRateCache(source RateSource, opts ...Option) *RateCache {
	c := &RateCache{
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
		rates:  make(map[string]cachedRate),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rate returns the value of one token in currency. When a refresh fails a
// stale rate is served if one exists.
func (c *RateCache) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)

	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.rates[currency]
	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.rate, nil
	}

	rate, err := c.source.FetchRate(ctx, currency)
	if err != nil {
		if ok {
			c.logger.WarnContext(ctx, "serving stale conversion rate",
				slog.String("currency", currency),
				slog.Duration("age", c.now().Sub(cached.fetchedAt)),
				slog.String("error", err.Error()))
			return cached.rate, nil
		}
		return decimal.Zero, fmt.Errorf("%w for %s: %v", ErrNoRate, currency, err)
	}

	c.rates[currency] = cachedRate{rate: rate, fetchedAt: c.now()}
	return rate, nil
}

// Convert values a wei amount in currency
func (c *RateCache) Convert(ctx context.Context, wei *big.Int, currency string) (decimal.Decimal, error) {
	rate, err := c.Rate(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return models.TokensToDecimal(wei).Mul(rate), nil
}

// Format renders a wei amount as localized fiat, e.g. ₩4,800
func (c *RateCache) Format(ctx context.Context, wei *big.Int, currency string, tr *i18n.Translator) (string, error) {
	amount, err := c.Convert(ctx, wei, currency)
	if err != nil {
		return "", err
	}
	f, _ := amount.Float64()
	return tr.Currency(f, currency), nil
}

// Invalidate drops all cached rates
func (c *RateCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = make(map[string]cachedRate)
}
