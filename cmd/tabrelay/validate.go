package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/tabrelay/config"
	"github.com/jpalmerr/tabrelay/internal/keyspace"
)

// validateCmd validates a config file without starting anything.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a tabrelay configuration file without starting a server or tab.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  tabrelay validate -c config.yaml
  tabrelay validate --config /etc/tabrelay/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	store := cfg.Store.Type
	if cfg.Store.Type == config.StoreRedis {
		store = fmt.Sprintf("redis %s db %d", cfg.Store.Addr, cfg.Store.DB)
	}
	transport := cfg.Transport.URL
	if transport == "" {
		transport = "(none, tab command unavailable)"
	}
	channels := strings.Join(cfg.Channels, ", ")
	if channels == "" {
		channels = "(none)"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Namespace:       %s\n", keyspace.New(cfg.Namespace).Prefix())
	fmt.Fprintf(out, "  Timeout:         %s (heartbeat every %s)\n",
		cfg.Timeout.Duration(), cfg.Timeout.Duration()/2)
	fmt.Fprintf(out, "  Store:           %s\n", store)
	fmt.Fprintf(out, "  Transport:       %s\n", transport)
	fmt.Fprintf(out, "  Channels:        %s\n", channels)
	fmt.Fprintf(out, "  Server:          port %d, %g publishes/s per client\n",
		cfg.Server.Port, cfg.Server.PublishRate)

	return nil
}
