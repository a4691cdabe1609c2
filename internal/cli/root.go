// Package cli holds the peerdrop commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "peerdrop",
		Short:         "send files and text straight to a nearby device",
		Long:          `peerdrop pairs two devices through a small relay and moves files and text directly between them over a peer connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(NewRelayCommand())
	root.AddCommand(newSendCommand())
	root.AddCommand(newReceiveCommand())
	root.AddCommand(newCodeCommand())
	root.AddCommand(newPairCommand())
	root.AddCommand(newNameCommand())
	return root
}

// Execute runs cmd until it finishes or the process is interrupted.
func Execute(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
