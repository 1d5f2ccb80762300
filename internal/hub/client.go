package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/internal/metrics"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

const (
	defaultTimeout   = 30 * time.Second
	maxErrorBodySize = 64 << 10
)

// Client talks to the Hub REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     TokenSource
	logger     *slog.Logger
	now        func() time.Time
}

// ClientOption configures the hub client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit paces outgoing requests
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTokenSource sets where bearer tokens come from
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithStaticToken uses a fixed bearer token
func WithStaticToken(token string) ClientOption {
	return WithTokenSource(StaticToken(token))
}

// WithWalletAuth obtains tokens through the wallet-signature handshake
func WithWalletAuth(signer Signer) ClientOption {
	return func(c *Client) {
		c.tokens = NewWalletAuth(c, signer, WithAuthTimeFunc(func() time.Time { return c.now() }))
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeFunc sets the clock (for testing)
func WithTimeFunc(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new hub client
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		logger:     slog.Default(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// HasAuth reports whether a token source is configured
func (c *Client) HasAuth() bool {
	return c.tokens != nil
}

// RequestNonce asks for a message to sign
func (c *Client) RequestNonce(ctx context.Context, address string) (*NonceResponse, error) {
	var out NonceResponse
	if err := c.call(ctx, "RequestNonce", http.MethodPost, "/auth/nonce", NonceRequest{Address: address}, false, &out, http.StatusOK); err != nil {
		return nil, err
	}
	if out.Message == "" {
		return nil, NewHubError("RequestNonce", http.StatusOK, "", "empty message", ErrInvalidResponse)
	}
	return &out, nil
}

// Verify exchanges a signed message for a bearer token
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (string, error) {
	var out VerifyResponse
	if err := c.call(ctx, "Verify", http.MethodPost, "/auth/verify", req, false, &out, http.StatusOK); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", NewHubError("Verify", http.StatusOK, "", "empty token", ErrInvalidResponse)
	}
	return out.Token, nil
}

// ListSessions returns the caller's sessions
func (c *Client) ListSessions(ctx context.Context) (*models.SessionList, error) {
	var out models.SessionList
	if err := c.call(ctx, "ListSessions", http.MethodGet, "/rentals", nil, true, &out, http.StatusOK); err != nil {
		return nil, err
	}
	for i := range out.Sessions {
		if err := checkSession("ListSessions", &out.Sessions[i]); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// GetSession returns one session
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.RentalSession, error) {
	var out models.RentalSession
	path := "/rentals/" + url.PathEscape(sessionID)
	if err := c.call(ctx, "GetSession", http.MethodGet, path, nil, true, &out, http.StatusOK); err != nil {
		return nil, err
	}
	if err := checkSession("GetSession", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartSession registers a mined startRental transaction for a node
func (c *Client) StartSession(ctx context.Context, nodeID string, req StartRequest) (*models.RentalSession, error) {
	var out models.RentalSession
	path := "/rentals/" + url.PathEscape(nodeID) + "/start"
	if err := c.call(ctx, "StartSession", http.MethodPost, path, req, true, &out, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	if err := checkSession("StartSession", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfirmSession asks the hub to confirm a session by its transaction hash.
// HTTP 202 means the hub is still indexing and is not an error.
func (c *Client) ConfirmSession(ctx context.Context, sessionID, txHash string) (*ConfirmResult, error) {
	path := "/rentals/" + url.PathEscape(sessionID) + "/confirm"
	resp, err := c.do(ctx, "ConfirmSession", http.MethodPost, path, ConfirmRequest{TxHash: txHash}, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &ConfirmResult{Indexing: true}, nil
	case http.StatusOK:
		var session models.RentalSession
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			return nil, NewHubError("ConfirmSession", resp.StatusCode, "", "failed to decode response", errors.Join(ErrInvalidResponse, err))
		}
		if err := checkSession("ConfirmSession", &session); err != nil {
			return nil, err
		}
		return &ConfirmResult{Session: &session}, nil
	default:
		return nil, c.handleError(resp, "ConfirmSession")
	}
}

// CancelSession cancels a pending session
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	path := "/rentals/" + url.PathEscape(sessionID)
	return c.call(ctx, "CancelSession", http.MethodDelete, path, nil, true, nil, http.StatusOK, http.StatusNoContent)
}

// ExtendSession extends a running session; the idempotency key makes retries safe
func (c *Client) ExtendSession(ctx context.Context, req models.ExtensionRequest) (*models.ExtensionResult, error) {
	var out models.ExtensionResult
	path := "/rentals/" + url.PathEscape(req.SessionID) + "/extend"
	if err := c.call(ctx, "ExtendSession", http.MethodPost, path, req, true, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// AvailableNodes lists nodes open for rental
func (c *Client) AvailableNodes(ctx context.Context) (*models.NodeList, error) {
	var out models.NodeList
	if err := c.call(ctx, "AvailableNodes", http.MethodGet, "/nodes/available", nil, true, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs a request and decodes the body into out when the status is one of ok
// checkSession rejects decoded sessions that break the session invariants,
// such as SSH credentials on a session that is not running
func checkSession(operation string, session *models.RentalSession) error {
	if err := session.Validate(); err != nil {
		return NewHubError(operation, http.StatusOK, "", err.Error(), errors.Join(ErrInvalidResponse, err))
	}
	return nil
}

func (c *Client) call(ctx context.Context, operation, method, path string, body interface{}, auth bool, out interface{}, ok ...int) error {
	resp, err := c.do(ctx, operation, method, path, body, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	accepted := false
	for _, code := range ok {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		return c.handleError(resp, operation)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewHubError(operation, resp.StatusCode, "", "failed to decode response", errors.Join(ErrInvalidResponse, err))
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation, method, path string, body interface{}, auth bool) (*http.Response, error) {
	var token string
	if auth {
		if c.tokens == nil {
			return nil, NewHubError(operation, 0, "", "no token source configured", ErrUnauthenticated)
		}
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	metrics.RecordHubCall(operation, c.now().Sub(start), err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.DebugContext(ctx, "hub request failed",
			slog.String("operation", operation),
			slog.String("error", err.Error()))
		return nil, NewHubError(operation, 0, "", err.Error(), errors.Join(ErrNetwork, err))
	}

	return resp, nil
}

// handleError converts HTTP error responses to hub errors
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))

	var envelope ErrorBody
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		message = envelope.Error
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
			inv.Invalidate()
		}
	}

	return NewHubError(operation, resp.StatusCode, envelope.Code, message, sentinelFor(resp.StatusCode, envelope.Code))
}
