package cli

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-drop/internal/rendezvous"
	"github.com/spf13/cobra"
)

func newCodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code [name name]",
		Short: "print a fresh room code, or the code two display names share",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no names or two names, got %d", len(args))
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 2 {
				fmt.Fprintln(cmd.OutOrStdout(), rendezvous.Derive(args[0], args[1]))
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), rendezvous.Random())
		},
	}
	return cmd
}
