// Package server assembles the HTTP surface: routes, the middleware chain
// and graceful shutdown.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/auth"
	"github.com/legivellum/receiptgate/pkg/config"
	"github.com/legivellum/receiptgate/pkg/mcp"
	"github.com/legivellum/receiptgate/pkg/ratelimit"
)

// Server is the HTTP front of the service.
type Server struct {
	cfg     *config.Config
	gateway *mcp.Gateway
	logger  *slog.Logger
	httpSrv *http.Server
}

// New builds the route table and the middleware chain. Order matters:
// request IDs first so every later rejection carries one, auth last so
// rate limiting also shields the key check.
func New(cfg *config.Config, gateway *mcp.Gateway, limiter ratelimit.LimiterStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		res := gateway.Health(r.Context())
		status := http.StatusOK
		if res.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		api.WriteJSON(w, status, res)
	})

	policy := ratelimit.Policy{
		RequestsPerMinute: cfg.RateLimitRPM,
		Burst:             cfg.RateLimitBurst,
	}
	var handler http.Handler = mux
	if !cfg.AllowInsecureDev {
		handler = auth.APIKeyMiddleware(cfg.APIKey)(handler)
	}
	if cfg.RateLimitRPM > 0 {
		handler = auth.RateLimitMiddleware(limiter, policy)(handler)
	}
	handler = auth.BodyLimitMiddleware(cfg.RequestMaxBytes)(handler)
	handler = auth.CORSMiddleware(cfg.CORSOrigins)(handler)
	handler = auth.SecurityHeadersMiddleware(handler)
	handler = auth.RequestIDMiddleware(handler)

	return &Server{
		cfg:     cfg,
		gateway: gateway,
		logger:  logger,
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Run serves until ctx is canceled, then drains within the configured
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http server draining")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
