package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/zvol/pkg/events"
	"github.com/cuemby/zvol/pkg/log"
	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Register all volumes and serve metrics",
	Long: `Open the pool, replay intent logs and register every volume, then
serve Prometheus metrics and health endpoints until interrupted.

Endpoints:
  /metrics  Prometheus metrics
  /health   component health
  /ready    readiness (storage, registry, dispatch)
  /live     liveness`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("metrics-addr")

		metrics.SetVersion(Version)

		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		logger := log.WithComponent("serve")

		sub := e.broker.Subscribe()
		go logEvents(sub)

		if err := e.minors(); err != nil {
			e.broker.Unsubscribe(sub)
			if cerr := e.close(); cerr != nil {
				logger.Error().Err(cerr).Msg("shutdown failed")
			}
			return err
		}
		fmt.Printf("✓ %d volumes registered\n", e.reg.Minors())

		collector := metrics.NewCollector(e.pool, e.reg)
		collector.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())

		server := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()

		fmt.Printf("✓ Metrics listening on %s\n", addr)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case runErr = <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
		collector.Stop()
		e.broker.Unsubscribe(sub)

		if err := e.close(); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}

		fmt.Println("✓ Shutdown complete")
		return runErr
	},
}

// logEvents writes volume events to the log until sub is closed
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		ev := logger.Info().
			Str("type", string(event.Type)).
			Str("volume", event.Volume)
		for k, v := range event.Metadata {
			ev = ev.Str(k, v)
		}
		ev.Msg(event.Message)
	}
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9100", "Address for metrics and health endpoints")

	rootCmd.AddCommand(serveCmd)
}
