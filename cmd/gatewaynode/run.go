package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/chaz8081/gatewaynode/internal/ble"
	"github.com/chaz8081/gatewaynode/internal/config"
	"github.com/chaz8081/gatewaynode/internal/console"
	"github.com/chaz8081/gatewaynode/internal/gateway"
	"github.com/chaz8081/gatewaynode/internal/logutil"
	"github.com/chaz8081/gatewaynode/internal/metrics"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}

			logger, err := logutil.New(os.Stderr, config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			printBanner(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var m *metrics.Metrics
			if cfg.Metrics.Listen != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)
				m = metrics.New(reg)
				shutdown := serveMetrics(cfg.Metrics.Listen, reg)
				defer shutdown()
			}

			g, err := gateway.New(cfg, ble.NewTinyGoAdapter(), m)
			if err != nil {
				return err
			}

			if console.IsInteractive(os.Stdin) {
				slog.Info("[MAIN] console ready: q quit, i <id>;<index>;<value> send, k key, s state")
				go func() {
					if err := console.Read(ctx, os.Stdin, g.Events()); err != nil {
						slog.Warn("[MAIN] console stopped", "error", err)
					}
				}()
			}

			if err := g.Run(ctx); err != nil {
				return err
			}
			slog.Info("[MAIN] goodbye")
			return nil
		},
	}
}

// serveMetrics starts the Prometheus endpoint and returns a shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("[MAIN] metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[MAIN] metrics server", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== gatewaynode ===")
	fmt.Printf("  Peripherals: %d\n", len(cfg.Peripherals))
	for _, p := range cfg.Peripherals {
		fmt.Printf("    %s  %-8s %s\n", p.ID, p.Kind, p.Address)
	}
	fmt.Printf("  Key service: %s\n", cfg.KeyService.Listen)
	fmt.Printf("  Relay:       %s\n", cfg.Relay.Listen)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("  Metrics:     %s\n", cfg.Metrics.Listen)
	}
	fmt.Printf("  Log:         %s (%s)\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Println("===================")
}
