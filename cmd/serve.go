package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/segin/efgrabber/internal/api"
)

// newServeCmd creates the 'serve' subcommand: the control API for GUI and
// browser-driven shells.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Long: `Exposes the engine over HTTP so an embedding shell (GUI, browser-driven
scraper, or script) can start runs, feed keys, adjust concurrency, and
observe progress. The engine itself stays idle until a run is started.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "override server.port")
	return cmd
}

func runServe(ctx context.Context, port int) error {
	cfg := rootConfig
	if port > 0 {
		cfg.Server.Port = port
	}

	ctrl, _, cleanup, err := buildController(ctx, cfg, rootLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(ctrl, cfg, rootLogger)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	rootLogger.Info("control API listening", zap.String("addr", addr))

	if err := server.ListenAndServe(sigCtx, addr); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
