// Package cli implements the notify-console command line: a push listener and
// a few inbox commands against the notification API.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// Version is printed by --version.
const Version = "1.0.0"

// NewRootCmd builds the command tree. Configuration is loaded on first use
// from --config when given, otherwise from the environment.
func NewRootCmd() *cobra.Command {
	d := &deps{}

	rootCmd := &cobra.Command{
		Use:           "notify-console",
		Short:         "Real-time school console notifications from the terminal",
		Long:          `Connects to the school console push channel and manages the notification inbox.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&d.configPath, "config", "", "YAML config file (environment variables still apply)")

	api := &lazyAPI{deps: d}
	rootCmd.AddCommand(
		NewListenCmd(d.newSession),
		NewInboxCmd(api),
		NewMarkReadCmd(api),
		NewMarkAllReadCmd(api),
		NewValidateCmd(d.config),
	)
	return rootCmd
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
