package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/likeaw/ai-web-agent-industrial/internal/bus"
	"github.com/likeaw/ai-web-agent-industrial/internal/observability"
	"github.com/likeaw/ai-web-agent-industrial/internal/registry"
	"github.com/likeaw/ai-web-agent-industrial/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket server for task submission and monitoring.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		events := bus.New(logger)
		defer events.Close()

		reg := registry.New(cfg, events, logger)
		srv := server.New(cfg.Server, reg, events, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("Shutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown error", zap.Error(err))
			}
			reg.Shutdown()
			return nil
		})

		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
