package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wirelay/wirelay/internal/config"
	"github.com/wirelay/wirelay/internal/observability"
	"github.com/wirelay/wirelay/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RPC server",
	Long: `Start the RPC server with graceful shutdown support.

Ctrl+C (SIGINT) or SIGTERM drains open connections and stops the HTTP
listener before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err := observability.NewLogger(level, cfg.Development)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck // stderr sync failures are benign

		srv, err := server.New(cfg, server.Hooks{}, logger)
		if err != nil {
			return err
		}

		logger.Info("starting server",
			zap.String("version", versionInfo.Version),
			zap.String("addr", cfg.Addr()),
			zap.Int("rate_capacity", cfg.RateLimit.Capacity),
			zap.Duration("token_validity", cfg.Token.Validity))

		srv.Start()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
