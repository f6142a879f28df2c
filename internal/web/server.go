package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/crypto_level_bot/internal/domain"
	"github.com/vitos/crypto_level_bot/internal/usecase"
	"go.uber.org/zap"
)

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	ranker    *usecase.OpportunityRanker
	manager   *usecase.PositionLifecycleManager
	tradeRepo domain.TradeRepository
	mode      string
	startedAt time.Time
	logger    *zap.Logger
}

func NewServer(
	port int,
	ranker *usecase.OpportunityRanker,
	manager *usecase.PositionLifecycleManager,
	tradeRepo domain.TradeRepository,
	mode string,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		ranker:    ranker,
		manager:   manager,
		tradeRepo: tradeRepo,
		mode:      mode,
		startedAt: time.Now(),
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Opportunities
	s.router.HandleFunc("GET /api/opportunities", s.handleOpportunities)

	// Positions
	s.router.HandleFunc("GET /api/positions", s.handlePositions)
	s.router.HandleFunc("POST /api/positions", s.handleOpenPosition)
	s.router.HandleFunc("DELETE /api/positions/{id}", s.handleClosePosition)

	// Trades
	s.router.HandleFunc("GET /api/trades", s.handleTrades)

	// Status
	s.router.HandleFunc("GET /api/status", s.handleStatus)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
