package cli

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/spf13/cobra"
)

func newNameCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "name [new name]",
		Short: "show or change this device's display name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.EndpointFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := node.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				if err := store.SetDisplayName(args[0]); err != nil {
					return err
				}
			}
			name, err := store.DisplayName()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	config.RegisterEndpointFlags(cmd.Flags())
	return cmd
}
