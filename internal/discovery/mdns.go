// Package discovery advertises and finds relays on the local network over
// mDNS, so endpoints on one LAN can meet without a configured relay URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_peerdrop._tcp"
	DefaultDomain  = "local."
	DefaultTimeout = 3 * time.Second
	DefaultPath    = "/ws"
	DefaultVersion = 1
)

var ErrNoRelay = errors.New("no relay found on the local network")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

type Config struct {
	Service  string
	Domain   string
	Instance string
	Port     int
	Path     string
	Timeout  time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.Instance == "" {
		out.Instance = "peerdrop-relay"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser keeps a relay's mDNS record alive until Stop.
type Advertiser struct {
	server *zeroconf.Server
}

func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if cfg.Port <= 0 {
		return nil, errors.New("advertised port must be > 0")
	}

	txt := []string{
		"version=" + strconv.Itoa(DefaultVersion),
		"path=" + cfg.Path,
	}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Lookup browses for a relay and returns the websocket URL of the first
// one that answers within the timeout.
func Lookup(ctx context.Context, config Config) (string, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return "", fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return "", fmt.Errorf("browse mDNS: %w", err)
	}

	for {
		select {
		case <-scanCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrNoRelay
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoRelay
			}
			if url, ok := entryURL(entry, cfg.Path); ok {
				return url, nil
			}
		}
	}
}

func entryURL(entry *zeroconf.ServiceEntry, fallbackPath string) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}

	path := fallbackPath
	for _, kv := range entry.Text {
		if v, ok := strings.CutPrefix(kv, "path="); ok && v != "" {
			path = v
		}
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return "", false
	}

	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path, true
}
