package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/server"
)

var port int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the splitgoat HTTP server.

The server provides:
  - Variant endpoint for assigning users
  - Beacon endpoint for tracking conversions and events
  - Admin API for managing tests (token protected)
  - Prometheus metrics and a health check

Example:
  splitgoat serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on, overrides server.port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer s.Close()

	srv := server.New(newRegistry(s, prometheus.DefaultRegisterer), server.Options{
		Port:            cfg.Server.Port,
		Token:           cfg.Server.Token,
		TokenFile:       tokenFilePath(),
		BeaconRate:      cfg.Server.BeaconRate,
		BeaconBurst:     cfg.Server.BeaconBurst,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		Gatherer:        prometheus.DefaultGatherer,
		Logger:          logger,
		StoreDriver:     cfg.Store.Driver,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "splitgoat listening on :%d (store: %s)\n", cfg.Server.Port, cfg.Store.Driver)
	fmt.Fprintf(cmd.OutOrStdout(), "Admin API: http://localhost:%d/api/admin/tests?token=%s\n", cfg.Server.Port, srv.Token())

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}
