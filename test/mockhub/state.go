package mockhub

import (
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

// APIError is a failure the server renders as {"error", "code"}
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func apiErr(status int, code, format string, args ...interface{}) *APIError {
	return &APIError{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Config controls scripted behavior for tests
type Config struct {
	// StartNotIndexed makes the next N start calls answer 425 NOT_INDEXED
	StartNotIndexed int `json:"start_not_indexed"`
	// ConfirmIndexing makes each new session answer 202 this many times before confirming
	ConfirmIndexing int `json:"confirm_indexing"`
	// ConfirmServerErrors makes the next N confirm calls answer 500
	ConfirmServerErrors int `json:"confirm_server_errors"`
	// ExtendServerErrors makes the next N extend calls answer 503 after applying the extension
	ExtendServerErrors int `json:"extend_server_errors"`
	// MaxExtensions limits extensions per session, 0 = unlimited
	MaxExtensions int `json:"max_extensions"`
	// RentalMinutes is the initial running window after confirmation
	RentalMinutes int `json:"rental_minutes"`
	// TokenTTLSeconds is the lifetime of issued JWTs
	TokenTTLSeconds int `json:"token_ttl_seconds"`
}

// State manages the in-memory state for the mock hub
type State struct {
	mu         sync.RWMutex
	nodes      map[string]*models.GPUNode
	sessions   map[string]*models.RentalSession
	owners     map[string]string // session id -> lowercase wallet address
	byTx       map[string]string // tx hash -> session id
	indexing   map[string]int    // session id -> remaining 202 answers
	nonces     map[string]string // lowercase address -> message
	balances   map[string]*big.Int
	extensions map[string]*models.ExtensionResult // idempotency key -> result
	calls      map[string]int
	nextPort   int
	cfg        Config
	secret     []byte
	now        func() time.Time
}

// NewState creates a new mock hub state
func NewState() *State {
	s := &State{
		secret: []byte(uuid.New().String()),
		now:    time.Now,
	}
	s.Reset()
	return s
}

// SetTimeFunc sets the clock (for testing)
func (s *State) SetTimeFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Reset clears sessions and restores the default nodes and config
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*models.RentalSession)
	s.owners = make(map[string]string)
	s.byTx = make(map[string]string)
	s.indexing = make(map[string]int)
	s.nonces = make(map[string]string)
	s.balances = make(map[string]*big.Int)
	s.extensions = make(map[string]*models.ExtensionResult)
	s.calls = make(map[string]int)
	s.nextPort = 22000
	s.cfg = Config{RentalMinutes: 60, TokenTTLSeconds: 3600}
	s.initDefaultNodes()
}

func (s *State) initDefaultNodes() {
	perSecond := func(milli int64) *models.Wei {
		// milli-tokens per second
		return models.NewWei(new(big.Int).Mul(big.NewInt(milli), big.NewInt(1_000_000_000_000_000)))
	}
	s.nodes = map[string]*models.GPUNode{
		"node-rtx4090-1": {
			ID: "node-rtx4090-1", Provider: "0x00000000000000000000000000000000000000a1",
			GPUModel: "RTX 4090", GPUCount: 1, VRAM: 24, Location: "Seoul",
			PricePerSecond: perSecond(1), Available: true,
		},
		"node-a100-1": {
			ID: "node-a100-1", Provider: "0x00000000000000000000000000000000000000a2",
			GPUModel: "A100", GPUCount: 1, VRAM: 80, Location: "Busan",
			PricePerSecond: perSecond(3), Available: true,
		},
		"node-h100-8": {
			ID: "node-h100-8", Provider: "0x00000000000000000000000000000000000000a3",
			GPUModel: "H100", GPUCount: 8, VRAM: 80, Location: "Tokyo",
			PricePerSecond: perSecond(20), Available: true,
		},
	}
}

// Configure replaces the scripted behavior
func (s *State) Configure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RentalMinutes <= 0 {
		cfg.RentalMinutes = 60
	}
	if cfg.TokenTTLSeconds <= 0 {
		cfg.TokenTTLSeconds = 3600
	}
	s.cfg = cfg
}

// AddNode adds or replaces a node
func (s *State) AddNode(node models.GPUNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := node
	s.nodes[n.ID] = &n
}

// SetBalance sets the escrow balance used for extension checks
func (s *State) SetBalance(address string, wei *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[strings.ToLower(address)] = new(big.Int).Set(wei)
}

// Balance returns the escrow balance of address
func (s *State) Balance(address string) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[strings.ToLower(address)]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Calls returns how many times an operation was invoked
func (s *State) Calls(operation string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[operation]
}

func (s *State) count(operation string) {
	s.calls[operation]++
}

// IssueNonce returns the message address must sign
func (s *State) IssueNonce(address string) (nonce, message string, err *APIError) {
	if !common.IsHexAddress(address) {
		return "", "", apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "invalid address %q", address)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce = uuid.New().String()
	message = fmt.Sprintf("Sign in to the GPU rental hub\naddress: %s\nnonce: %s", common.HexToAddress(address).Hex(), nonce)
	s.nonces[strings.ToLower(address)] = message
	return nonce, message, nil
}

// Verify checks a signed nonce message and issues a JWT
func (s *State) Verify(address, message, signature string) (string, *APIError) {
	s.mu.Lock()
	expected, ok := s.nonces[strings.ToLower(address)]
	if ok && expected == message {
		delete(s.nonces, strings.ToLower(address))
	}
	s.mu.Unlock()

	if !ok || expected != message {
		return "", apiErr(http.StatusUnauthorized, hub.CodeUnauthorized, "unknown or reused nonce")
	}

	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "malformed signature")
	}
	signer, err := chain.RecoverAddress([]byte(message), sig)
	if err != nil || !strings.EqualFold(signer.Hex(), address) {
		return "", apiErr(http.StatusUnauthorized, hub.CodeUnauthorized, "signature does not match address")
	}

	return s.IssueToken(address), nil
}

// IssueToken mints a JWT for address without a handshake
func (s *State) IssueToken(address string) string {
	s.mu.RLock()
	ttl := time.Duration(s.cfg.TokenTTLSeconds) * time.Second
	now := s.now()
	s.mu.RUnlock()

	claims := jwt.RegisteredClaims{
		Subject:   strings.ToLower(address),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("failed to sign token: %v", err))
	}
	return token
}

// Authenticate returns the wallet address a token was issued to
func (s *State) Authenticate(token string) (string, *APIError) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", apiErr(http.StatusUnauthorized, hub.CodeUnauthorized, "invalid token")
	}

	// expiry is checked against the state clock so tests can move time
	s.mu.RLock()
	now := s.now()
	s.mu.RUnlock()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return "", apiErr(http.StatusUnauthorized, hub.CodeUnauthorized, "token expired")
	}
	return claims.Subject, nil
}

// AvailableNodes returns nodes open for rental, sorted by id
func (s *State) AvailableNodes() []models.GPUNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("AvailableNodes")

	out := make([]models.GPUNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Available {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListSessions returns the owner's sessions, newest first
func (s *State) ListSessions(owner string) []models.RentalSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ListSessions")

	out := make([]models.RentalSession, 0)
	for id, sess := range s.sessions {
		if s.owners[id] == owner {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetSession returns one of the owner's sessions
func (s *State) GetSession(owner, id string) (*models.RentalSession, *APIError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("GetSession")

	sess, aerr := s.ownedSession(owner, id)
	if aerr != nil {
		return nil, aerr
	}
	cp := *sess
	return &cp, nil
}

func (s *State) ownedSession(owner, id string) (*models.RentalSession, *APIError) {
	sess, ok := s.sessions[id]
	if !ok || s.owners[id] != owner {
		return nil, apiErr(http.StatusNotFound, hub.CodeSessionNotFound, "session %s not found", id)
	}
	return sess, nil
}

// StartSession creates a PENDING session for a mined startRental transaction.
// The same transaction hash always maps to the same session.
func (s *State) StartSession(owner, nodeID string, rentalID *models.Wei, txHash, image string) (*models.RentalSession, *APIError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("StartSession")

	if rentalID == nil || txHash == "" {
		return nil, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "rentalId and transactionHash are required")
	}
	if s.cfg.StartNotIndexed > 0 {
		s.cfg.StartNotIndexed--
		return nil, apiErr(http.StatusTooEarly, hub.CodeNotIndexed, "transaction %s not indexed yet", txHash)
	}

	if id, ok := s.byTx[strings.ToLower(txHash)]; ok {
		if s.owners[id] != owner {
			return nil, apiErr(http.StatusConflict, hub.CodeConflict, "transaction belongs to another wallet")
		}
		cp := *s.sessions[id]
		return &cp, nil
	}

	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "unknown node %s", nodeID)
	}
	if !node.Available {
		return nil, apiErr(http.StatusConflict, hub.CodeConflict, "node %s is already rented", nodeID)
	}
	node.Available = false

	sess := &models.RentalSession{
		ID:             "sess-" + uuid.New().String()[:8],
		RentalID:       models.NewWei(rentalID.Big()),
		NodeID:         node.ID,
		Provider:       node.Provider,
		State:          models.StatePending,
		TxHash:         txHash,
		PricePerSecond: node.PricePerSecond,
		CreatedAt:      s.now().UTC(),
	}
	s.sessions[sess.ID] = sess
	s.owners[sess.ID] = owner
	s.byTx[strings.ToLower(txHash)] = sess.ID
	s.indexing[sess.ID] = s.cfg.ConfirmIndexing

	cp := *sess
	return &cp, nil
}

// ConfirmSession confirms a PENDING session; repeated calls with the same
// transaction hash return the running session
func (s *State) ConfirmSession(owner, id, txHash string) (*models.RentalSession, bool, *APIError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ConfirmSession")

	sess, aerr := s.ownedSession(owner, id)
	if aerr != nil {
		return nil, false, aerr
	}
	if !strings.EqualFold(sess.TxHash, txHash) {
		return nil, false, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "transaction hash does not match session")
	}

	switch sess.State {
	case models.StateRunning:
		cp := *sess
		return &cp, false, nil
	case models.StatePending:
	default:
		return nil, false, apiErr(http.StatusConflict, hub.CodeConflict, "session is %s", sess.State)
	}

	if s.cfg.ConfirmServerErrors > 0 {
		s.cfg.ConfirmServerErrors--
		return nil, false, apiErr(http.StatusInternalServerError, "", "indexer unavailable")
	}
	if s.indexing[id] > 0 {
		s.indexing[id]--
		return nil, true, nil
	}

	now := s.now().UTC()
	until := now.Add(time.Duration(s.cfg.RentalMinutes) * time.Minute)
	s.nextPort++
	sess.State = models.StateRunning
	sess.StartedAt = &now
	sess.ExtendedUntil = &until
	sess.SSH = &models.SSHCredentials{
		Host:     "127.0.0.1",
		Port:     s.nextPort,
		Username: "ubuntu",
		Password: strings.ReplaceAll(uuid.New().String(), "-", "")[:16],
	}

	cp := *sess
	return &cp, false, nil
}

// CancelSession cancels a PENDING session and frees its node
func (s *State) CancelSession(owner, id string) *APIError {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("CancelSession")

	sess, aerr := s.ownedSession(owner, id)
	if aerr != nil {
		return aerr
	}
	if !sess.CanTransition(models.StateCancelled) {
		return apiErr(http.StatusConflict, hub.CodeConflict, "only pending sessions can be cancelled, session is %s", sess.State)
	}

	now := s.now().UTC()
	sess.State = models.StateCancelled
	sess.StoppedAt = &now
	if node, ok := s.nodes[sess.NodeID]; ok {
		node.Available = true
	}
	return nil
}

// StopSession marks a session stopped, as the indexer does after a stopRental event
func (s *State) StopSession(id string, settlement *big.Int) *APIError {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return apiErr(http.StatusNotFound, hub.CodeSessionNotFound, "session %s not found", id)
	}
	if !sess.CanTransition(models.StateStopped) {
		return apiErr(http.StatusConflict, hub.CodeConflict, "session is %s", sess.State)
	}

	now := s.now().UTC()
	sess.State = models.StateStopped
	sess.StoppedAt = &now
	sess.SSH = nil
	if settlement != nil {
		sess.SettlementAmount = models.NewWei(settlement)
	}
	if node, ok := s.nodes[sess.NodeID]; ok {
		node.Available = true
	}
	return nil
}

// ExtendSession extends a RUNNING session; a repeated idempotency key
// returns the first result without charging again
func (s *State) ExtendSession(owner, id string, minutes int, key string) (*models.ExtensionResult, *APIError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count("ExtendSession")

	if key == "" {
		return nil, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "idempotencyKey is required")
	}
	if prior, ok := s.extensions[key]; ok {
		cp := *prior
		return &cp, nil
	}

	sess, aerr := s.ownedSession(owner, id)
	if aerr != nil {
		return nil, aerr
	}
	if sess.State != models.StateRunning {
		return nil, apiErr(http.StatusConflict, hub.CodeSessionNotRunning, "session is %s", sess.State)
	}
	if minutes < models.MinExtensionMinutes {
		return nil, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "extension must be at least %d minutes", models.MinExtensionMinutes)
	}
	if s.cfg.MaxExtensions > 0 && sess.ExtensionCount >= s.cfg.MaxExtensions {
		return nil, apiErr(http.StatusConflict, hub.CodeExtensionLimitReached, "session already extended %d times", sess.ExtensionCount)
	}

	cost := models.ExtensionCost(sess.PricePerSecond.Big(), minutes)
	balance, ok := s.balances[owner]
	if !ok || balance.Cmp(cost) < 0 {
		return nil, apiErr(http.StatusPaymentRequired, hub.CodeInsufficientBalance, "balance below extension cost %s", cost)
	}
	balance.Sub(balance, cost)

	base := s.now().UTC()
	if sess.ExtendedUntil != nil && sess.ExtendedUntil.After(base) {
		base = *sess.ExtendedUntil
	}
	until := base.Add(time.Duration(minutes) * time.Minute)
	sess.ExtendedUntil = &until
	sess.ExtensionCount++

	result := &models.ExtensionResult{
		NewExpiration:    until,
		ExtensionCost:    models.NewWei(cost),
		RemainingBalance: models.NewWei(balance),
		ExtensionCount:   sess.ExtensionCount,
	}
	s.extensions[key] = result

	if s.cfg.ExtendServerErrors > 0 {
		// applied, but the response is lost
		s.cfg.ExtendServerErrors--
		return nil, apiErr(http.StatusServiceUnavailable, "", "gateway timeout")
	}

	cp := *result
	return &cp, nil
}
