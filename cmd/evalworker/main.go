package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/evalworker/internal/infrastructure/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "evalworker",
		Short:         "Isolated script evaluation worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve eval and addon requests from a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().String("config", "", "Path to a YAML or TOML config file")
	cmd.Flags().String("mode", config.TransportStdio, "Transport: stdio, websocket or grpc")
	cmd.Flags().String("address", "", "Listen address for websocket and grpc transports")
	cmd.Flags().String("diagnostics", "", "Listen address for /healthz and /metrics")
	return cmd
}

// loadConfig reads the config file and the environment, then applies the
// command line flags on top and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	// Flags win over the file and the environment.
	if cmd.Flags().Changed("mode") {
		cfg.Transport.Mode, _ = cmd.Flags().GetString("mode")
	}
	if cmd.Flags().Changed("address") {
		cfg.Transport.Address, _ = cmd.Flags().GetString("address")
	}
	if cmd.Flags().Changed("diagnostics") {
		cfg.Diagnostics.Address, _ = cmd.Flags().GetString("diagnostics")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	// Wait for shutdown signal or the host hanging up
	select {
	case <-sigChan:
		log.Println("Shutting down gracefully...")
		cancel()
		return <-errChan
	case err := <-errChan:
		return err
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
