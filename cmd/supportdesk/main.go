// supportdesk - telecom customer support portal server
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "supportdesk",
		Short:        "Telecom customer support portal",
		Long:         "supportdesk serves the guided support conversation, the feedback gate and the agent handoff desk.",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newTaxonomyCmd(),
	)
	return rootCmd
}
