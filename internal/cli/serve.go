package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-dev/steward/internal/engine"
	"github.com/steward-dev/steward/internal/telemetry"
)

// newServeCmd creates the serve command that runs the engine.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration engine",
		Long: `Run the steward engine: the dispatcher, guardian loops, and sweeps,
plus a Prometheus metrics endpoint.

Example:
  steward serve                  # Default config discovery
  steward serve --metrics :9100  # Custom metrics listen address`,
		RunE: func(cmd *cobra.Command, args []string) error {
			metricsAddr, _ := cmd.Flags().GetString("metrics")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger()

			eng, err := engine.New(cfg, log, engine.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()

			collector := telemetry.NewCollector()
			collector.Attach(eng.Bus())
			defer collector.Detach()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, "shutting down...")
				cancel()
			}()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", collector.Handler())
				srv := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			log.Info("engine starting", "dialect", cfg.Database.Dialect, "metrics", metricsAddr)
			err = eng.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("metrics", ":9090", "metrics listen address (empty to disable)")
	return cmd
}
