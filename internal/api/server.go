package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"cometwatch/internal/alerting"
	"cometwatch/internal/market"
)

// Engine is the read side of service.Engine used by the handlers.
type Engine interface {
	LatestSnapshot() (market.Aggregate, bool)
	ActiveAlerts() []alerting.Alert
	DismissAlert(id string) bool
	Summary() (alerting.RiskSummary, bool)
}

// NewHandler builds the API mux. metrics may be nil.
func NewHandler(engine Engine, metrics http.Handler, logger zerolog.Logger) http.Handler {
	h := &handler{
		engine: engine,
		logger: logger.With().Str("component", "api").Logger(),
	}
	mux := http.NewServeMux()
	addRoutes(mux, h, metrics)
	return h.logRequests(mux)
}

// Server wraps http.Server with context-driven shutdown.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer binds handler to addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
