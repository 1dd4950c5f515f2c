package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <manifest.yaml>",
		Short: "Run a guest module",
		Long: `Load the manifest, compile the guest module it names and run the guest's
_start export. If the guest starts HTTP servers the host keeps serving until
it receives SIGINT or SIGTERM.`,
		Example: `  # Run a guest from a local manifest
  caphost run caphost.yaml

  # Emit JSON logs with debug detail
  caphost run caphost.yaml --log-format json -v`,
		Args: cobra.ExactArgs(1),
		RunE: withContainer(func(ctx *CommandContext, _ *cobra.Command, _ []string) error {
			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return ctx.Container.Run(sigCtx)
		}),
	}
}
