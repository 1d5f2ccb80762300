package mockhub

import (
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/metrics"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

const walletKey = "wallet"

// Server is the mock Hub API server
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock hub server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}

	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())

	s.setupRoutes()
	return s
}

// WithLogger replaces the server logger
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/auth/nonce", s.handleNonce)
	s.router.POST("/auth/verify", s.handleVerify)

	authed := s.router.Group("/", s.authMiddleware())
	{
		authed.GET("/rentals", s.handleListSessions)
		authed.GET("/rentals/:id", s.handleGetSession)
		authed.POST("/rentals/:id/start", s.handleStartSession)
		authed.POST("/rentals/:id/confirm", s.handleConfirmSession)
		authed.POST("/rentals/:id/extend", s.handleExtendSession)
		authed.DELETE("/rentals/:id", s.handleCancelSession)
		authed.GET("/nodes/available", s.handleAvailableNodes)
	}

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.POST("/_test/balance", s.handleTestBalance)
	s.router.POST("/_test/stop/:id", s.handleTestStop)
	s.router.POST("/_test/token", s.handleTestToken)
}

// Middleware

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			s.abort(c, apiErr(http.StatusUnauthorized, hub.CodeUnauthorized, "missing bearer token"))
			return
		}

		wallet, aerr := s.state.Authenticate(token)
		if aerr != nil {
			s.abort(c, aerr)
			return
		}
		c.Set(walletKey, wallet)
		c.Next()
	}
}

func (s *Server) abort(c *gin.Context, err *APIError) {
	if err.Status >= 500 {
		s.logger.Warn("injected failure",
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", err.Status))
	}
	c.AbortWithStatusJSON(err.Status, hub.ErrorBody{Error: err.Message, Code: err.Code})
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "mock-hub",
	})
}

func (s *Server) handleNonce(c *gin.Context) {
	var req hub.NonceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "%s", err.Error()))
		return
	}

	nonce, message, aerr := s.state.IssueNonce(req.Address)
	if aerr != nil {
		s.abort(c, aerr)
		return
	}
	c.JSON(http.StatusOK, hub.NonceResponse{Nonce: nonce, Message: message})
}

func (s *Server) handleVerify(c *gin.Context) {
	var req hub.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "%s", err.Error()))
		return
	}

	token, aerr := s.state.Verify(req.Address, req.Message, req.Signature)
	if aerr != nil {
		s.abort(c, aerr)
		return
	}
	c.JSON(http.StatusOK, hub.VerifyResponse{Token: token})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.state.ListSessions(c.GetString(walletKey))
	c.JSON(http.StatusOK, models.SessionList{Sessions: sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, aerr := s.state.GetSession(c.GetString(walletKey), c.Param("id"))
	if aerr != nil {
		s.abort(c, aerr)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req hub.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "%s", err.Error()))
		return
	}

	sess, aerr := s.state.StartSession(c.GetString(walletKey), c.Param("id"), req.RentalID, req.TransactionHash, req.Image)
	if aerr != nil {
		s.abort(c, aerr)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleConfirmSession(c *gin.Context) {
	var req hub.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "%s", err.Error()))
		return
	}

	sess, indexing, aerr := s.state.ConfirmSession(c.GetString(walletKey), c.Param("id"), req.TxHash)
	if aerr != nil {
		s.abort(c, aerr)
		return
	}
	if indexing {
		c.JSON(http.StatusAccepted, gin.H{"status": "indexing"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleExtendSession(c *gin.Context) {
	var req models.ExtensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, apiErr(http.StatusBadRequest, hub.CodeInvalidRequest, "%s", err.Error()))
		return
	}

	result, aerr := s.state.ExtendSession(c.GetString(walletKey), c.Param("id"), req.ExtensionMinutes, req.IdempotencyKey)
	if aerr != nil {
		s.abort(c, aerr)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCancelSession(c *gin.Context) {
	if aerr := s.state.CancelSession(c.GetString(walletKey), c.Param("id")); aerr != nil {
		s.abort(c, aerr)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAvailableNodes(c *gin.Context) {
	c.JSON(http.StatusOK, models.NodeList{Nodes: s.state.AvailableNodes()})
}

// Test control handlers

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var cfg Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.state.Configure(cfg)
	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

// TestBalanceRequest sets a wallet's escrow balance
type TestBalanceRequest struct {
	Address string      `json:"address"`
	Balance *models.Wei `json:"balance"`
}

func (s *Server) handleTestBalance(c *gin.Context) {
	var req TestBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.state.SetBalance(req.Address, req.Balance.Big())
	c.JSON(http.StatusOK, gin.H{"status": "set"})
}

// TestStopRequest simulates the indexer observing a stopRental event
type TestStopRequest struct {
	Settlement *models.Wei `json:"settlement"`
}

func (s *Server) handleTestStop(c *gin.Context) {
	var req TestStopRequest
	_ = c.ShouldBindJSON(&req)

	var settlement *big.Int
	if req.Settlement != nil {
		settlement = req.Settlement.Big()
	}
	if aerr := s.state.StopSession(c.Param("id"), settlement); aerr != nil {
		s.abort(c, aerr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// TestTokenRequest mints a token without the signature handshake
type TestTokenRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleTestToken(c *gin.Context) {
	var req TestTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address is required"})
		return
	}
	c.JSON(http.StatusOK, hub.VerifyResponse{Token: s.state.IssueToken(req.Address)})
}

// Run starts the server on the specified address
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock hub server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
