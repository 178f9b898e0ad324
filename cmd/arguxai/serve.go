package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/techiepookie/arguxai/internal/api"
	"github.com/techiepookie/arguxai/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the ArguxAI API on http.addr (default 127.0.0.1:8000).

Endpoints:
  POST /api/v1/events                 ingest an event batch
  GET  /api/v1/metrics/{step}         funnel metrics (?period=)
  GET  /api/v1/metrics/{step}/compare current vs baseline (or explicit
                                      ?current_start=&current_end=&baseline_start=&baseline_end=)
  POST /api/v1/scan                   scan steps, optionally opening issues
  GET  /api/v1/funnels                list funnels
  POST /api/v1/funnels                create a funnel
  GET|PUT|DELETE /api/v1/funnels/{name}
  GET  /api/v1/issues                 list issues (?status=&severity=&limit=)
  POST /api/v1/issues                 open an issue for an anomaly
  GET  /health, GET /metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// One server per SQLite file: each keeps its own issue cache
		if !settings.UsesPostgres() {
			lockPath, err := storage.AcquireServerLock(settings.Storage.Path, version)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := storage.ReleaseServerLock(lockPath); err != nil {
					logger.Warn().Err(err).Msg("Failed to release server lock")
				}
			}()
		}

		svc := openService(ctx)
		defer svc.Close()

		srv, err := api.NewServer(svc, &api.Config{
			Addr:            settings.HTTP.Addr,
			ReadTimeout:     settings.HTTP.ReadTimeout,
			WriteTimeout:    settings.HTTP.WriteTimeout,
			IdleTimeout:     api.DefaultConfig().IdleTimeout,
			ShutdownTimeout: settings.HTTP.ShutdownTimeout,
			Metrics:         metrics,
			Logger:          &logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "%s ArguxAI listening on http://%s\n", green("✓"), settings.HTTP.Addr)

		if err := srv.ListenAndServe(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
