package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rtcguard/internal/config"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration OK")
			if path != "" {
				fmt.Fprintf(out, "  config file:    %s\n", path)
			} else {
				fmt.Fprintln(out, "  config file:    (none, built-in defaults)")
			}
			fmt.Fprintf(out, "  listen:         %s\n", orNone(cfg.Listen))
			fmt.Fprintf(out, "  data dir:       %s\n", dataDirLabel(cfg))
			fmt.Fprintf(out, "  providers:      %s\n", providerList(cfg))
			fmt.Fprintf(out, "  fallback chain: %s\n", chainLabel(cfg.FallbackChain))
			fmt.Fprintf(out, "  reconnection:   %d attempts, base %s, max %s\n",
				cfg.Reconnection.MaxAttempts,
				cfg.Reconnection.BaseDelay.Duration(),
				cfg.Reconnection.MaxDelay.Duration())
			fmt.Fprintf(out, "  renewal:        %s ahead of expiry, %d retries\n",
				cfg.Renewal.AdvanceWindow.Duration(), cfg.Renewal.MaxRetryAttempts)
			fmt.Fprintf(out, "  journal:        %s\n", enabledLabel(cfg.Journal.Enabled))
			fmt.Fprintf(out, "  metrics:        %s\n", enabledLabel(cfg.Metrics.Enabled))
			fmt.Fprintf(out, "  log level:      %s\n", cfg.Logging.Level)
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func dataDirLabel(cfg *config.Config) string {
	if cfg.DataDir == "" {
		return "~/.rtcguard (default)"
	}
	return cfg.DataDir
}

func providerList(cfg *config.Config) string {
	if len(cfg.Providers) == 0 {
		return "(none configured)"
	}
	names := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func chainLabel(chain []string) string {
	if len(chain) == 0 {
		return "(empty)"
	}
	return strings.Join(chain, " -> ")
}
