package mockhub

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

const owner = "0x00000000000000000000000000000000000000b1"

func doJSON(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func startSession(t *testing.T, s *State, tx string) *models.RentalSession {
	t.Helper()
	sess, aerr := s.StartSession(owner, "node-rtx4090-1", models.WeiFromInt64(7), tx, "")
	require.Nil(t, aerr)
	return sess
}

func TestState_NewState(t *testing.T) {
	state := NewState()

	nodes := state.AvailableNodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, "node-a100-1", nodes[0].ID, "nodes are sorted by id")
}

func TestState_StartSession_SameTxSameSession(t *testing.T) {
	state := NewState()

	first := startSession(t, state, "0xaaa")
	second := startSession(t, state, "0xAAA")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.StatePending, first.State)
	assert.Len(t, state.AvailableNodes(), 2, "rented node leaves the market")
}

func TestState_StartSession_NotIndexed(t *testing.T) {
	state := NewState()
	state.Configure(Config{StartNotIndexed: 1})

	_, aerr := state.StartSession(owner, "node-rtx4090-1", models.WeiFromInt64(1), "0x1", "")
	require.NotNil(t, aerr)
	assert.Equal(t, http.StatusTooEarly, aerr.Status)
	assert.Equal(t, hub.CodeNotIndexed, aerr.Code)

	startSession(t, state, "0x1")
}

func TestState_ConfirmSession_IndexingThenRunning(t *testing.T) {
	state := NewState()
	state.Configure(Config{ConfirmIndexing: 2})
	sess := startSession(t, state, "0xabc")

	for i := 0; i < 2; i++ {
		_, indexing, aerr := state.ConfirmSession(owner, sess.ID, "0xabc")
		require.Nil(t, aerr)
		assert.True(t, indexing)
	}

	running, indexing, aerr := state.ConfirmSession(owner, sess.ID, "0xabc")
	require.Nil(t, aerr)
	assert.False(t, indexing)
	assert.Equal(t, models.StateRunning, running.State)
	require.NotNil(t, running.SSH)
	assert.NoError(t, running.Validate())

	again, _, aerr := state.ConfirmSession(owner, sess.ID, "0xabc")
	require.Nil(t, aerr)
	assert.Equal(t, running.SSH.Port, again.SSH.Port, "confirm is idempotent")
	assert.Equal(t, 4, state.Calls("ConfirmSession"))
}

func TestState_ConfirmSession_WrongTx(t *testing.T) {
	state := NewState()
	sess := startSession(t, state, "0xabc")

	_, _, aerr := state.ConfirmSession(owner, sess.ID, "0xdef")
	require.NotNil(t, aerr)
	assert.Equal(t, http.StatusBadRequest, aerr.Status)
}

func TestState_CancelSession(t *testing.T) {
	state := NewState()
	sess := startSession(t, state, "0xabc")

	require.Nil(t, state.CancelSession(owner, sess.ID))
	got, _ := state.GetSession(owner, sess.ID)
	assert.Equal(t, models.StateCancelled, got.State)
	assert.Len(t, state.AvailableNodes(), 3)

	aerr := state.CancelSession(owner, sess.ID)
	require.NotNil(t, aerr)
	assert.Equal(t, http.StatusConflict, aerr.Status)
}

func TestState_ExtendSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	state := NewState()
	state.SetTimeFunc(func() time.Time { return now })
	sess := startSession(t, state, "0xabc")
	_, _, aerr := state.ConfirmSession(owner, sess.ID, "0xabc")
	require.Nil(t, aerr)

	// 0.001 token/s for 30 minutes = 1.8 tokens
	cost := models.ExtensionCost(big.NewInt(1_000_000_000_000_000), 30)
	state.SetBalance(owner, new(big.Int).Mul(cost, big.NewInt(2)))

	result, aerr := state.ExtendSession(owner, sess.ID, 30, "key-1")
	require.Nil(t, aerr)
	assert.Equal(t, now.Add(90*time.Minute), result.NewExpiration)
	assert.Equal(t, 0, result.ExtensionCost.Big().Cmp(cost))
	assert.Equal(t, 1, result.ExtensionCount)

	replay, aerr := state.ExtendSession(owner, sess.ID, 30, "key-1")
	require.Nil(t, aerr)
	assert.Equal(t, result.NewExpiration, replay.NewExpiration)
	assert.Equal(t, 0, state.Balance(owner).Cmp(cost), "a replayed key is charged once")
}

func TestState_ExtendSession_Rejections(t *testing.T) {
	state := NewState()
	sess := startSession(t, state, "0xabc")

	_, aerr := state.ExtendSession(owner, sess.ID, 30, "k0")
	require.NotNil(t, aerr)
	assert.Equal(t, hub.CodeSessionNotRunning, aerr.Code)

	_, _, cerr := state.ConfirmSession(owner, sess.ID, "0xabc")
	require.Nil(t, cerr)

	_, aerr = state.ExtendSession(owner, sess.ID, 29, "k1")
	require.NotNil(t, aerr)
	assert.Equal(t, http.StatusBadRequest, aerr.Status)

	_, aerr = state.ExtendSession(owner, sess.ID, 30, "k2")
	require.NotNil(t, aerr)
	assert.Equal(t, http.StatusPaymentRequired, aerr.Status)
	assert.Equal(t, hub.CodeInsufficientBalance, aerr.Code)

	state.Configure(Config{MaxExtensions: 1})
	state.SetBalance(owner, new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil))
	_, aerr = state.ExtendSession(owner, sess.ID, 30, "k3")
	require.Nil(t, aerr)
	_, aerr = state.ExtendSession(owner, sess.ID, 30, "k4")
	require.NotNil(t, aerr)
	assert.Equal(t, hub.CodeExtensionLimitReached, aerr.Code)
}

func TestState_Authenticate_Expiry(t *testing.T) {
	now := time.Now()
	state := NewState()
	state.SetTimeFunc(func() time.Time { return now })

	token := state.IssueToken(owner)
	wallet, aerr := state.Authenticate(token)
	require.Nil(t, aerr)
	assert.Equal(t, owner, wallet)

	now = now.Add(2 * time.Hour)
	_, aerr = state.Authenticate(token)
	require.NotNil(t, aerr)
	assert.Equal(t, http.StatusUnauthorized, aerr.Status)
}

func TestServer_Health(t *testing.T) {
	server := NewServer(nil)

	w := doJSON(t, server, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_RequiresToken(t *testing.T) {
	server := NewServer(nil)

	w := doJSON(t, server, http.MethodGet, "/rentals", "", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body hub.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, hub.CodeUnauthorized, body.Code)
}

func TestServer_WalletHandshake(t *testing.T) {
	server := NewServer(nil)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := chain.NewKeyWallet(key)
	address := wallet.Address().Hex()

	w := doJSON(t, server, http.MethodPost, "/auth/nonce", "", hub.NonceRequest{Address: address})
	require.Equal(t, http.StatusOK, w.Code)
	var nonce hub.NonceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nonce))
	assert.Contains(t, nonce.Message, nonce.Nonce)

	sig, err := wallet.SignMessage(context.Background(), []byte(nonce.Message))
	require.NoError(t, err)

	w = doJSON(t, server, http.MethodPost, "/auth/verify", "", hub.VerifyRequest{
		Address: address, Message: nonce.Message, Signature: hexutil.Encode(sig),
	})
	require.Equal(t, http.StatusOK, w.Code)
	var verified hub.VerifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verified))

	w = doJSON(t, server, http.MethodGet, "/rentals", verified.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// nonces are single use
	w = doJSON(t, server, http.MethodPost, "/auth/verify", "", hub.VerifyRequest{
		Address: address, Message: nonce.Message, Signature: hexutil.Encode(sig),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_Verify_WrongSigner(t *testing.T) {
	server := NewServer(nil)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := chain.NewKeyWallet(key)

	w := doJSON(t, server, http.MethodPost, "/auth/nonce", "", hub.NonceRequest{Address: owner})
	var nonce hub.NonceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nonce))
	sig, err := signer.SignMessage(context.Background(), []byte(nonce.Message))
	require.NoError(t, err)

	w = doJSON(t, server, http.MethodPost, "/auth/verify", "", hub.VerifyRequest{
		Address: owner, Message: nonce.Message, Signature: hexutil.Encode(sig),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_StartConfirmFlow(t *testing.T) {
	server := NewServer(nil)
	server.State().Configure(Config{ConfirmIndexing: 1})
	token := server.State().IssueToken(owner)

	w := doJSON(t, server, http.MethodPost, "/rentals/node-a100-1/start", token, hub.StartRequest{
		RentalID: models.WeiFromInt64(3), TransactionHash: "0xfeed",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var sess models.RentalSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, "3", sess.RentalID.String())

	w = doJSON(t, server, http.MethodPost, "/rentals/"+sess.ID+"/confirm", token, hub.ConfirmRequest{TxHash: "0xfeed"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, server, http.MethodPost, "/rentals/"+sess.ID+"/confirm", token, hub.ConfirmRequest{TxHash: "0xfeed"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, models.StateRunning, sess.State)

	w = doJSON(t, server, http.MethodGet, "/rentals/"+sess.ID, server.State().IssueToken("0x00000000000000000000000000000000000000c9"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "sessions are scoped to their owner")
}

func TestServer_CancelSession(t *testing.T) {
	server := NewServer(nil)
	token := server.State().IssueToken(owner)
	sess := startSession(t, server.State(), "0x01")

	w := doJSON(t, server, http.MethodDelete, "/rentals/"+sess.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, server, http.MethodDelete, "/rentals/"+sess.ID, token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_TestEndpoints(t *testing.T) {
	server := NewServer(nil)

	w := doJSON(t, server, http.MethodPost, "/_test/balance", "", TestBalanceRequest{
		Address: owner, Balance: models.WeiFromInt64(500),
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(500), server.State().Balance(owner).Int64())

	sess := startSession(t, server.State(), "0x02")
	w = doJSON(t, server, http.MethodPost, "/_test/stop/"+sess.ID, "", TestStopRequest{Settlement: models.WeiFromInt64(9)})
	require.Equal(t, http.StatusOK, w.Code)
	got, _ := server.State().GetSession(owner, sess.ID)
	assert.Equal(t, models.StateStopped, got.State)
	assert.Equal(t, "9", got.SettlementAmount.String())

	w = doJSON(t, server, http.MethodPost, "/_test/reset", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, server.State().ListSessions(owner))
}

func TestServer_UnmatchedRoute(t *testing.T) {
	server := NewServer(nil)

	w := doJSON(t, server, http.MethodGet, "/nope", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
