package main

import (
	"github.com/spf13/cobra"
)

// Populated through -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootOptions holds the persistent flag values shared by every subcommand.
// Flags that feed the configuration (--listen, --data-dir, --log-level,
// --log-to-file) are bound into viper instead, so only the config file path
// is carried here.
type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rtcguard",
		Short: "rtcguard supervises RTC sessions across interchangeable providers",
		Long: `rtcguard is a resilience layer for realtime communication sessions.
It keeps a session alive across network loss, renews credentials before they
expire, and fails over between providers when one becomes unusable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "configuration file (default <data-dir>/rtcguard.json)")
	pf.String("data-dir", "", "directory for journal, logs and runtime state (default ~/.rtcguard)")
	pf.String("listen", "", "diagnostics listen address (empty disables the HTTP surface)")
	pf.String("log-level", "", "log level: trace, debug, info, warn or error")
	pf.Bool("log-to-file", false, "also write logs to the rotating file under <data-dir>/logs")

	cmd.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newVersionCommand(),
		newUpdateCommand(),
	)

	return cmd
}
