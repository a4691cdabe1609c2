package node

import (
	"context"
	"fmt"
	"io"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/discovery"
	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/pairing"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
	"github.com/rudransh-shrivastava/peer-drop/internal/relay"
	"github.com/rudransh-shrivastava/peer-drop/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
)

// OpenStore opens the pairing database under cfg's data dir.
func OpenStore(cfg config.Endpoint) (*pairing.Store, error) {
	if err := config.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	return pairing.Open(cfg.DatabasePath())
}

// ResolveRelay returns cfg's relay URL, browsing the LAN when it is set to
// config.RelayMDNS.
func ResolveRelay(ctx context.Context, cfg config.Endpoint) (string, error) {
	if cfg.RelayURL != config.RelayMDNS {
		return cfg.RelayURL, nil
	}
	url, err := discovery.Lookup(ctx, discovery.Config{})
	if err != nil {
		return "", err
	}
	return url, nil
}

// Connect opens the store, dials the relay and builds a WebRTC node from
// cfg. The node owns everything it opened.
func Connect(ctx context.Context, cfg config.Endpoint, log *logrus.Logger, events Events) (*Node, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening pairing store: %w", err)
	}
	closers := []io.Closer{store}
	fail := func(err error) (*Node, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	url, err := ResolveRelay(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("locating relay: %w", err))
	}
	log.Infof("Connecting to relay at %s", url)

	client, err := relay.Dial(ctx, url, codec, logger.NewLogger(cfg.LogLevel))
	if err != nil {
		return fail(fmt.Errorf("connecting to relay %s: %w", url, err))
	}
	closers = append(closers, client)
	log.Debugf("Relay assigned connection id %s", client.ID())

	n, err := New(Options{
		Relay:          client,
		Transport:      webrtc.New(cfg.STUNServers, log),
		Store:          store,
		Name:           cfg.DeviceName,
		Logger:         log,
		SettleDelay:    cfg.SettleDelay,
		SalvageTimeout: cfg.SalvageTimeout,
		Events:         events,
		closers:        closers,
	})
	if err != nil {
		return fail(err)
	}
	return n, nil
}
