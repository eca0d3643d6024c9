// Command healthsense runs the vital-sign ingestion service and its
// device simulator.
//
// Usage:
//
//	healthsense serve --config healthsense.yaml
//	healthsense simulate --devices 5 --scenario hypoxia --interval 2
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"healthsense/internal/config"
	"healthsense/internal/logger"
	"healthsense/internal/server"
	"healthsense/internal/simulator"
)

func main() {
	root := &cobra.Command{
		Use:          "healthsense",
		Short:        "Vital-sign ingestion, risk scoring and alerting service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(simulateCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket broadcast and ingest sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Init(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg)
			if err != nil {
				logger.WithError(err).Error().Msg("failed to start")
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Optional YAML config file")
	return cmd
}

func simulateCmd() *cobra.Command {
	var (
		deviceID string
		devices  int
		server   string
		interval float64
		scenario string
		duration int
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send simulated wearable readings to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Init(logLevel)

			sc, err := simulator.ParseScenario(scenario)
			if err != nil {
				return err
			}
			sim, err := simulator.New(simulator.Config{
				Server:   server,
				DeviceID: deviceID,
				Devices:  devices,
				Interval: time.Duration(interval * float64(time.Second)),
				Scenario: sc,
				Duration: time.Duration(duration) * time.Second,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res := sim.Run(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d readings, %d failed\n", res.Sent, res.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "HEALTH01", "Device ID")
	cmd.Flags().IntVar(&devices, "devices", 1, "Number of concurrent devices")
	cmd.Flags().StringVar(&server, "server", "http://localhost:5000", "Server URL")
	cmd.Flags().Float64Var(&interval, "interval", 5.0, "Data sending interval in seconds")
	cmd.Flags().StringVar(&scenario, "scenario", "random", "Health scenario: random, healthy, diabetes, heart_issue, hypoxia")
	cmd.Flags().IntVar(&duration, "duration", 0, "Seconds to run (0 until interrupted)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}
