package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/tabrelay/config"
	"github.com/jpalmerr/tabrelay/dashboard"
	"github.com/jpalmerr/tabrelay/internal/logging"
	"github.com/jpalmerr/tabrelay/internal/pushserver"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd starts the push server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the push server",
	Long: `Start the tabrelay push server.

The server will:
  - Load configuration from the specified YAML file
  - Accept WebSocket clients on /ws (subscribe, unsubscribe, publish)
  - Accept HTTP publishes on POST /channels/{channel}
  - Serve a console page on /

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  tabrelay serve -c config.yaml
  tabrelay serve --config /etc/tabrelay/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := pushserver.NewServer(cfg.Server.Port, cfg.Server.PublishRate, dashboard.Assets, cfg.Server.Title, logger)
	if err := srv.Start(ctx); err != nil {
		err = logging.WrapError(err, "server error")
		logger.Error("push server failed to start", "error", err)
		return err
	}

	logger.Info("serving",
		"port", cfg.Server.Port,
		"publish_rate", cfg.Server.PublishRate,
	)

	<-ctx.Done()

	// signal received, wait for graceful shutdown with timeout
	select {
	case <-srv.Done():
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out",
			"timeout", shutdownTimeout.String(),
			"action", "forcing exit",
		)
	}
	return nil
}
