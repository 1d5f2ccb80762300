package hub_test

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/logging"
	"github.com/gpu-rental/rentalctl/pkg/models"
	"github.com/gpu-rental/rentalctl/test/mockhub"
)

// recordingHandler counts requests per path and remembers the last request ID
type recordingHandler struct {
	next http.Handler

	mu        sync.Mutex
	paths     map[string]int
	requestID string
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.paths[r.URL.Path]++
	h.requestID = r.Header.Get("X-Request-ID")
	h.mu.Unlock()
	h.next.ServeHTTP(w, r)
}

func (h *recordingHandler) count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paths[path]
}

func (h *recordingHandler) lastRequestID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requestID
}

type fixture struct {
	mock     *mockhub.Server
	recorder *recordingHandler
	wallet   *chain.KeyWallet
	client   *hub.Client
}

func (f *fixture) owner() string {
	return f.wallet.Address().Hex()
}

func newFixture(t *testing.T, opts ...hub.ClientOption) *fixture {
	t.Helper()

	mock := mockhub.NewServer(nil)
	recorder := &recordingHandler{next: mock, paths: make(map[string]int)}
	server := httptest.NewServer(recorder)
	t.Cleanup(server.Close)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := chain.NewKeyWallet(key)

	opts = append([]hub.ClientOption{hub.WithWalletAuth(wallet), hub.WithRateLimit(0, 0)}, opts...)
	return &fixture{
		mock:     mock,
		recorder: recorder,
		wallet:   wallet,
		client:   hub.NewClient(server.URL, opts...),
	}
}

func TestClient_WalletAuth_CachesToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.ListSessions(ctx)
	require.NoError(t, err)
	_, err = f.client.AvailableNodes(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.recorder.count("/auth/nonce"))
	assert.Equal(t, 1, f.recorder.count("/auth/verify"))
}

func TestClient_WalletAuth_ReauthenticatesAfter401(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.ListSessions(ctx)
	require.NoError(t, err)

	// the hub clock moves past the token lifetime
	later := time.Now().Add(2 * time.Hour)
	f.mock.State().SetTimeFunc(func() time.Time { return later })

	_, err = f.client.ListSessions(ctx)
	require.Error(t, err)
	assert.True(t, hub.IsAuthError(err))

	_, err = f.client.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.recorder.count("/auth/verify"))
}

func TestClient_NoTokenSource(t *testing.T) {
	client := hub.NewClient("http://127.0.0.1:1")

	_, err := client.ListSessions(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrUnauthenticated)
	assert.False(t, client.HasAuth())
}

func TestClient_StaticToken(t *testing.T) {
	mock := mockhub.NewServer(nil)
	server := httptest.NewServer(mock)
	defer server.Close()
	token := mock.State().IssueToken("0x00000000000000000000000000000000000000b1")

	client := hub.NewClient(server.URL, hub.WithStaticToken(token))
	nodes, err := client.AvailableNodes(context.Background())

	require.NoError(t, err)
	assert.Len(t, nodes.Nodes, 3)
}

func TestClient_PropagatesRequestID(t *testing.T) {
	f := newFixture(t)
	ctx := logging.WithRequestID(context.Background(), "req-123")

	_, err := f.client.AvailableNodes(ctx)

	require.NoError(t, err)
	assert.Equal(t, "req-123", f.recorder.lastRequestID())
}

func TestClient_StartAndConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mock.State().Configure(mockhub.Config{ConfirmIndexing: 1})

	sess, err := f.client.StartSession(ctx, "node-a100-1", hub.StartRequest{
		RentalID:        models.NewWei(big.NewInt(42)),
		TransactionHash: "0xabc",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, sess.State)
	assert.Equal(t, "42", sess.RentalID.String())

	result, err := f.client.ConfirmSession(ctx, sess.ID, "0xabc")
	require.NoError(t, err)
	assert.True(t, result.Indexing)
	assert.Nil(t, result.Session)

	result, err = f.client.ConfirmSession(ctx, sess.ID, "0xabc")
	require.NoError(t, err)
	assert.False(t, result.Indexing)
	require.NotNil(t, result.Session)
	assert.Equal(t, models.StateRunning, result.Session.State)
	assert.NotNil(t, result.Session.SSH)

	got, err := f.client.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, got.State)
}

func TestClient_StartSession_NotIndexedIsTransient(t *testing.T) {
	f := newFixture(t)
	f.mock.State().Configure(mockhub.Config{StartNotIndexed: 1})

	_, err := f.client.StartSession(context.Background(), "node-a100-1", hub.StartRequest{
		RentalID:        models.WeiFromInt64(1),
		TransactionHash: "0xabc",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrNotReady)
	assert.True(t, hub.IsTransient(err))
	assert.Equal(t, http.StatusTooEarly, hub.StatusCode(err))
}

func TestClient_ConfirmSession_ServerError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mock.State().Configure(mockhub.Config{ConfirmServerErrors: 1})
	sess, err := f.client.StartSession(ctx, "node-a100-1", hub.StartRequest{
		RentalID: models.WeiFromInt64(1), TransactionHash: "0xabc",
	})
	require.NoError(t, err)

	_, err = f.client.ConfirmSession(ctx, sess.ID, "0xabc")

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrServer)
	assert.True(t, hub.IsTransient(err))
}

func TestClient_GetSession_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.GetSession(context.Background(), "sess-missing")

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrSessionNotFound)
	assert.False(t, hub.IsTransient(err))
}

func TestClient_CancelSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.client.StartSession(ctx, "node-a100-1", hub.StartRequest{
		RentalID: models.WeiFromInt64(1), TransactionHash: "0xabc",
	})
	require.NoError(t, err)

	require.NoError(t, f.client.CancelSession(ctx, sess.ID))

	err = f.client.CancelSession(ctx, sess.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrConflict)
}

func runningSession(t *testing.T, f *fixture) *models.RentalSession {
	t.Helper()
	ctx := context.Background()
	sess, err := f.client.StartSession(ctx, "node-rtx4090-1", hub.StartRequest{
		RentalID: models.WeiFromInt64(5), TransactionHash: "0xbeef",
	})
	require.NoError(t, err)
	result, err := f.client.ConfirmSession(ctx, sess.ID, "0xbeef")
	require.NoError(t, err)
	require.NotNil(t, result.Session)
	return result.Session
}

func TestClient_ExtendSession(t *testing.T) {
	f := newFixture(t)
	sess := runningSession(t, f)
	f.mock.State().SetBalance(f.owner(), new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil))

	result, err := f.client.ExtendSession(context.Background(), models.ExtensionRequest{
		SessionID:        sess.ID,
		ExtensionMinutes: 60,
		IdempotencyKey:   "key-1",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.ExtensionCount)
	assert.True(t, result.NewExpiration.After(*sess.ExtendedUntil))
	want := models.ExtensionCost(sess.PricePerSecond.Big(), 60)
	assert.Equal(t, 0, result.ExtensionCost.Big().Cmp(want))
}

func TestClient_ExtendSession_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	sess := runningSession(t, f)

	_, err := f.client.ExtendSession(context.Background(), models.ExtensionRequest{
		SessionID:        sess.ID,
		ExtensionMinutes: 30,
		IdempotencyKey:   "key-1",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrInsufficientBalance)
	assert.Equal(t, http.StatusPaymentRequired, hub.StatusCode(err))
	assert.True(t, hub.IsValidation(err))
}

func TestClient_ExtendSession_RetryWithSameKeyAfterLostResponse(t *testing.T) {
	f := newFixture(t)
	sess := runningSession(t, f)
	f.mock.State().SetBalance(f.owner(), new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil))
	f.mock.State().Configure(mockhub.Config{ExtendServerErrors: 1})
	req := models.ExtensionRequest{SessionID: sess.ID, ExtensionMinutes: 30, IdempotencyKey: "key-1"}

	_, err := f.client.ExtendSession(context.Background(), req)
	require.Error(t, err)
	assert.True(t, hub.IsTransient(err))

	result, err := f.client.ExtendSession(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExtensionCount, "the retried key does not extend twice")
}

func TestClient_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := hub.NewClient(url, hub.WithStaticToken("t"))
	_, err := client.AvailableNodes(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrNetwork)
	assert.True(t, hub.IsTransient(err))
}

func TestClient_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := hub.NewClient("http://127.0.0.1:1", hub.WithStaticToken("t"))

	_, err := client.AvailableNodes(ctx)

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, hub.IsTransient(err))
}

func TestClient_InvalidResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{not json"))
	}))
	defer server.Close()

	client := hub.NewClient(server.URL, hub.WithStaticToken("t"))
	_, err := client.AvailableNodes(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrInvalidResponse)
}

func TestClient_PlainTextErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := hub.NewClient(server.URL, hub.WithStaticToken("t"))
	_, err := client.ListSessions(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, hub.ErrServer)
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestClient_RejectsSessionsWithMismatchedSSH(t *testing.T) {
	tests := []struct {
		name string
		body string
		call func(*hub.Client) error
	}{
		{
			name: "pending with ssh",
			body: `{"sessions":[{"id":"s1","state":"PENDING","ssh":{"host":"10.0.0.5","port":22,"username":"u","password":"p"}}]}`,
			call: func(c *hub.Client) error { _, err := c.ListSessions(context.Background()); return err },
		},
		{
			name: "running without ssh",
			body: `{"sessions":[{"id":"s2","state":"RUNNING"}]}`,
			call: func(c *hub.Client) error { _, err := c.ListSessions(context.Background()); return err },
		},
		{
			name: "get running without ssh",
			body: `{"id":"s2","state":"RUNNING"}`,
			call: func(c *hub.Client) error { _, err := c.GetSession(context.Background(), "s2"); return err },
		},
		{
			name: "confirm stopped with ssh",
			body: `{"id":"s3","state":"STOPPED","ssh":{"host":"10.0.0.5","port":22,"username":"u","password":"p"}}`,
			call: func(c *hub.Client) error { _, err := c.ConfirmSession(context.Background(), "s3", "0xabc"); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := tt.call(hub.NewClient(server.URL, hub.WithStaticToken("t")))
			require.Error(t, err)
			assert.ErrorIs(t, err, hub.ErrInvalidResponse)
			assert.ErrorIs(t, err, models.ErrSSHStateMismatch)
			assert.False(t, hub.IsTransient(err))
		})
	}
}
