package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/spf13/cobra"
)

func newPairCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "manage remembered devices",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list remembered devices, most recent first",
		Args:  cobra.NoArgs,
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

			records, err := store.Pairings()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No remembered devices")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tROOM\tLAST SEEN\tCONNECTIONS")
			for _, r := range records {
				seen := time.UnixMilli(r.LastConnectedAt).Format(time.DateTime)
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.RemoteName, r.RendezvousID, seen, r.ConnectCount)
			}
			return w.Flush()
		},
	}
	config.RegisterEndpointFlags(list.Flags())

	forget := &cobra.Command{
		Use:   "forget name",
		Short: "stop remembering a device",
		Args:  cobra.ExactArgs(1),
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

			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
			return nil
		},
	}
	config.RegisterEndpointFlags(forget.Flags())

	cmd.AddCommand(list, forget)
	return cmd
}
