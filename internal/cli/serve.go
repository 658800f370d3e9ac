package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/attanik/gatehouse/internal/config"
	"github.com/attanik/gatehouse/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gatehouse server",
		Long: `Start the gatehouse HTTP server.

Configuration precedence (highest to lowest):
  1. Command-line flags
  2. Environment variables (GATEHOUSE_*)
  3. Configuration file`,
		RunE: runServe,
	}

	config.RegisterFlags(cmd.Flags())

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("GATEHOUSE_CONFIG")
	}
	if configPath == "" {
		configPath = "./configs/gatehouse.yaml"
	}

	loader, err := config.NewLoader(configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := loader.Get()
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	provider := config.NewProvider(cfg)
	if err := provider.ConfigureLogging(); err != nil {
		return err
	}

	handler, err := provider.Handler(ctx)
	if err != nil {
		return fmt.Errorf("failed to build issuer: %w", err)
	}

	serverCfg, err := provider.ServerConfig()
	if err != nil {
		return err
	}
	serverCfg.Handler = server.RequestLogger(handler)

	srv := server.New(serverCfg)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Println("gatehouse is running")
	fmt.Printf("  Listen:  %s\n", srv.Addr())
	fmt.Printf("  Issuer:  %s\n", cfg.Issuer.URL)
	fmt.Printf("  Config:  %s\n", configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")

	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	fmt.Println("Shutdown complete")
	return nil
}
