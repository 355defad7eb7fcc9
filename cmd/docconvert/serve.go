package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/docconvert/internal/api"
	"github.com/JakeFAU/docconvert/internal/clock"
	"github.com/JakeFAU/docconvert/internal/id/uuid"
	"github.com/JakeFAU/docconvert/internal/policy/ratelimit"
	"github.com/JakeFAU/docconvert/internal/workspace"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP conversion gateway",
		Long: `Starts the HTTP gateway on server.port (or $PORT) and serves until
SIGINT or SIGTERM, then drains in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, err := buildHandler(ctx, appInstance)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", appInstance.Config.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return runServer(ctx, ln, handler, appInstance)
}

// buildHandler wires the workspace, converter, limiter and ID source into the
// API router.
func buildHandler(ctx context.Context, appInstance *App) (http.Handler, error) {
	cfg := appInstance.Config
	logger := appInstance.Logger

	ws, err := workspace.New(cfg.Workspace.Dir, logger.Named("workspace"))
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}

	conv := newConverter(cfg, logger)
	if err := conv.Available(); err != nil {
		logger.Warn("converter not found; conversions will fail until it is installed", zap.Error(err))
	} else if version, err := conv.Version(ctx); err != nil {
		logger.Warn("converter version lookup failed", zap.Error(err))
	} else {
		logger.Info("converter detected", zap.String("version", version))
	}

	clk := clock.New()
	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimitWindow(),
		}, clk)
	}

	server := api.NewServer(ws, conv, limiter, uuid.New(), clk, cfg, logger.Named("api"))
	return server.Handler(), nil
}

// runServer serves on ln until ctx is done, then shuts down gracefully.
func runServer(ctx context.Context, ln net.Listener, handler http.Handler, appInstance *App) error {
	logger := appInstance.Logger
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: appInstance.Config.ReadHeaderTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), appInstance.Config.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	<-errCh
	logger.Info("shutdown complete")
	return nil
}
