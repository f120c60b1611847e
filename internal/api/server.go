// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/timelock-gifts/internal/adapter"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/models"
	"github.com/timelock-gifts/internal/service"
	"github.com/timelock-gifts/internal/worker"
)

// Service interfaces for dependency injection and testing

// GiftServiceInterface defines the buyer-facing gift operations
type GiftServiceInterface interface {
	CreateGift(ctx context.Context, input *service.CreateGiftInput) (*service.CreateGiftResult, error)
	GetGift(ctx context.Context, code string) (*models.Gift, error)
	ReserveWallet(ctx context.Context) (*models.Wallet, error)
	CancelGift(ctx context.Context, code string, actor string) (*models.Gift, error)
}

// ClaimServiceInterface defines the recipient-facing operations
type ClaimServiceInterface interface {
	Verify(ctx context.Context, code string) (*models.GiftSummary, error)
	Preclaim(ctx context.Context, code string, claimant string) (*models.Disclosure, error)
	Claim(ctx context.Context, code string, claimant string) (*models.Disclosure, error)
	ClaimedHistory(ctx context.Context, email string, page, limit int) (*service.ClaimedPage, error)
}

// LockRetrier re-arms a failed lock
type LockRetrier interface {
	RetryLock(ctx context.Context, code string, operator string) (*models.Gift, error)
}

// TransferResetter re-arms a capped auto-transfer
type TransferResetter interface {
	ResetAutoTransfer(ctx context.Context, code string, operator string) (*models.Gift, error)
}

// WorkerStatuses reports background workers for the health endpoint
type WorkerStatuses interface {
	Statuses() []worker.Status
}

// ChainHealth reports the RPC endpoint state for the health endpoint
type ChainHealth interface {
	Health() *adapter.EndpointHealth
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	gifts      GiftServiceInterface
	claims     ClaimServiceInterface
	locks      LockRetrier
	transfers  TransferResetter
	workers    WorkerStatuses
	chain      ChainHealth
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond float64
	Burst             int
	// AdminToken guards the /admin routes; they reject every call when empty
	AdminToken string
}

// NewServer creates a new API server instance. workers may be nil when the
// background jobs run in a separate process; chain may be nil in tests.
func NewServer(
	config *ServerConfig,
	gifts GiftServiceInterface,
	claims ClaimServiceInterface,
	locks LockRetrier,
	transfers TransferResetter,
	workers WorkerStatuses,
	chain ChainHealth,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		gifts:     gifts,
		claims:    claims,
		locks:     locks,
		transfers: transfers,
		workers:   workers,
		chain:     chain,
		config:    config,
		logger:    logging.Component("api"),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters: recovery must wrap everything below it
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	// CORS wraps the router so preflight requests answer even though no
	// route is registered for OPTIONS
	s.handler = CORSMiddleware(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	gift := s.router.PathPrefix("/gift").Subrouter()

	// fixed paths first so they are not captured by {code}
	gift.HandleFunc("", s.handleCreateGift).Methods("POST")
	gift.HandleFunc("/wallet", s.handleReserveWallet).Methods("GET")
	gift.HandleFunc("/verify", s.handleVerify).Methods("POST")
	gift.HandleFunc("/preclaim", s.handlePreclaim).Methods("POST")
	gift.HandleFunc("/claim", s.handleClaim).Methods("POST")
	gift.HandleFunc("/claimed", s.handleClaimedHistory).Methods("GET")
	gift.HandleFunc("/{code}", s.handleGetGift).Methods("GET")
	gift.HandleFunc("/{code}/cancel", s.handleCancelGift).Methods("POST")

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(AdminAuthMiddleware(s.config.AdminToken))
	admin.HandleFunc("/gift/{code}/lock", s.handleRetryLock).Methods("POST")
	admin.HandleFunc("/gift/{code}/reset-transfer", s.handleResetTransfer).Methods("POST")
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
