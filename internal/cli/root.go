// Package cli wires the command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// NewRootCmd creates the root command for gatehouse.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatehouse",
		Short: "gatehouse - self-hosted OAuth 2.1 identity issuer",
		Long: `gatehouse is a self-hosted authorization server. It mounts pluggable
authentication providers (password, emailed codes, upstream OAuth2/OIDC,
sign-in with Ethereum) behind standard OAuth endpoints and issues signed
access tokens with rotating refresh tokens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: ./configs/gatehouse.yaml)")

	rootCmd.AddCommand(NewServeCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
