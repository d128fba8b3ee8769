package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/fyrsmithlabs/ragorch/internal/http"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API with the orchestration, search, vector and history
endpoints plus /health and /metrics.

Examples:
  # Use the configured address (default localhost:9191)
  ragorch serve

  # Listen on all interfaces
  ragorch serve --host 0.0.0.0 --port 8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if serveHost != "" {
		a.cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		a.cfg.Server.Port = servePort
	}

	if err := a.initPipeline(ctx); err != nil {
		return err
	}

	srv, err := httpapi.NewServer(httpapi.Deps{
		Orchestrator: a.orch,
		Searcher:     a.engine,
		Indexer:      a.indexer,
		Store:        a.store,
		Sanitizer:    a.sanitizer,
	}, a.logger.Named("http"), &httpapi.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	a.logger.Info("server shutdown complete")
	return nil
}
