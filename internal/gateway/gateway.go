// ABOUTME: Wires the gateway's components together and runs the HTTP server.
// ABOUTME: One listener serves both the agent channel and the observability API.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stallmart/edge-bridge/internal/auth"
	"github.com/stallmart/edge-bridge/internal/command"
	"github.com/stallmart/edge-bridge/internal/config"
	"github.com/stallmart/edge-bridge/internal/dispatch"
	"github.com/stallmart/edge-bridge/internal/hub"
	"github.com/stallmart/edge-bridge/internal/registry"
)

const shutdownTimeout = 10 * time.Second

// Gateway is the assembled cloud side: registry, processor, hub,
// dispatcher, and the HTTP server they hang off.
type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *registry.Registry
	processor  *command.Processor
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	httpServer *http.Server
}

// New assembles a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.ValidateGateway(); err != nil {
		return nil, err
	}

	reg := registry.New(cfg.Registry.LivenessWindow, logger)
	proc := command.NewProcessor(cfg.Dispatch.MaxRetries, logger)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	h := hub.New(reg, proc, verifier, logger)

	disp := dispatch.New(dispatch.Config{
		CommandTimeout:   cfg.Dispatch.CommandTimeout,
		MaxRetries:       cfg.Dispatch.MaxRetries,
		RetryDelay:       cfg.Dispatch.RetryDelay,
		BreakerThreshold: cfg.Dispatch.BreakerThreshold,
		BreakerReset:     cfg.Dispatch.BreakerReset,
	}, proc, h, reg, logger)
	h.SetResultResolver(disp)

	api := hub.NewAPI(reg, proc, disp, h.ServerID(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/channel", h.HandleAgent)
	api.Routes(mux)

	g := &Gateway{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		registry:   reg,
		processor:  proc,
		hub:        h,
		dispatcher: disp,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return g, nil
}

// Dispatcher exposes the device operations for cloud-side callers.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher { return g.dispatcher }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go g.processor.RunSweeper(sweepCtx,
		g.cfg.Cleanup.SweepInterval,
		g.cfg.Cleanup.Retention,
		g.cfg.Dispatch.RetryDelay,
	)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
