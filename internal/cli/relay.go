package cli

import (
	"context"
	"errors"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/discovery"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/relay"
	"github.com/spf13/cobra"
)

func NewRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "run the relay that introduces peers to each other",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.RelayFromFlags(cmd.Flags())
			if err != nil {
				return err
			}
			log := logger.NewLogger(cfg.LogLevel)

			srv, err := relay.NewServer(relay.Config{
				Addr:      cfg.Addr,
				Logger:    log,
				QueueSize: cfg.QueueSize,
			})
			if err != nil {
				return err
			}

			if cfg.Advertise {
				adv, err := discovery.Advertise(discovery.Config{Port: srv.Port()})
				if err != nil {
					_ = srv.Shutdown()
					return err
				}
				defer adv.Stop()
				log.Info("Advertising relay over mDNS", "service", discovery.DefaultService, "port", srv.Port())
			}

			if err := srv.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	config.RegisterRelayFlags(cmd.Flags())
	return cmd
}
