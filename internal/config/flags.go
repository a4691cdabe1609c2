package config

import (
	"github.com/spf13/pflag"
)

// Flag names shared by the endpoint commands.
const (
	FlagConfig         = "config"
	FlagRelay          = "relay"
	FlagDataDir        = "data-dir"
	FlagName           = "name"
	FlagCodec          = "codec"
	FlagDownloadDir    = "out"
	FlagMaxFileSize    = "max-size"
	FlagLogLevel       = "log-level"
	FlagSTUN           = "stun"
	FlagSettleDelay    = "settle-delay"
	FlagSalvageTimeout = "salvage-timeout"

	FlagAddr      = "addr"
	FlagAdvertise = "advertise"
	FlagQueueSize = "queue-size"
)

func RegisterEndpointFlags(fs *pflag.FlagSet) {
	d := DefaultEndpoint()
	fs.String(FlagConfig, "", "path to a YAML config file")
	fs.String(FlagRelay, d.RelayURL, `relay websocket URL, or "mdns" to find one on the LAN`)
	fs.String(FlagDataDir, "", "directory for local state")
	fs.String(FlagName, "", "display name for this session")
	fs.String(FlagCodec, d.Codec, "relay wire codec (json|proto)")
	fs.String(FlagDownloadDir, d.DownloadDir, "directory received files are written to")
	fs.Int64(FlagMaxFileSize, d.MaxFileSize, "largest file accepted for sending, in bytes")
	fs.String(FlagLogLevel, d.LogLevel, "log level (debug|info|warn|error)")
	fs.StringSlice(FlagSTUN, d.STUNServers, "STUN server URLs")
	fs.Duration(FlagSettleDelay, d.SettleDelay, "pause between file metadata and the first chunk")
	fs.Duration(FlagSalvageTimeout, d.SalvageTimeout, "inactivity before an incomplete transfer is judged")
}

// EndpointFromFlags loads the file named by --config and applies every
// flag the user set explicitly.
func EndpointFromFlags(fs *pflag.FlagSet) (Endpoint, error) {
	path, _ := fs.GetString(FlagConfig)
	cfg, err := LoadEndpoint(path)
	if err != nil {
		return Endpoint{}, err
	}

	if fs.Changed(FlagRelay) {
		cfg.RelayURL, _ = fs.GetString(FlagRelay)
	}
	if fs.Changed(FlagDataDir) {
		cfg.DataDir, _ = fs.GetString(FlagDataDir)
	}
	if fs.Changed(FlagName) {
		cfg.DeviceName, _ = fs.GetString(FlagName)
	}
	if fs.Changed(FlagCodec) {
		cfg.Codec, _ = fs.GetString(FlagCodec)
	}
	if fs.Changed(FlagDownloadDir) {
		cfg.DownloadDir, _ = fs.GetString(FlagDownloadDir)
	}
	if fs.Changed(FlagMaxFileSize) {
		cfg.MaxFileSize, _ = fs.GetInt64(FlagMaxFileSize)
	}
	if fs.Changed(FlagLogLevel) {
		cfg.LogLevel, _ = fs.GetString(FlagLogLevel)
	}
	if fs.Changed(FlagSTUN) {
		cfg.STUNServers, _ = fs.GetStringSlice(FlagSTUN)
	}
	if fs.Changed(FlagSettleDelay) {
		cfg.SettleDelay, _ = fs.GetDuration(FlagSettleDelay)
	}
	if fs.Changed(FlagSalvageTimeout) {
		cfg.SalvageTimeout, _ = fs.GetDuration(FlagSalvageTimeout)
	}

	return cfg, cfg.Validate()
}

func RegisterRelayFlags(fs *pflag.FlagSet) {
	d := DefaultRelay()
	fs.String(FlagConfig, "", "path to a YAML config file")
	fs.String(FlagAddr, d.Addr, "listen address")
	fs.Bool(FlagAdvertise, d.Advertise, "advertise the relay over mDNS")
	fs.String(FlagLogLevel, d.LogLevel, "log level (debug|info|warn|error)")
	fs.Int(FlagQueueSize, d.QueueSize, "per-connection outbound queue length")
}

func RelayFromFlags(fs *pflag.FlagSet) (Relay, error) {
	path, _ := fs.GetString(FlagConfig)
	cfg, err := LoadRelay(path)
	if err != nil {
		return Relay{}, err
	}

	if fs.Changed(FlagAddr) {
		cfg.Addr, _ = fs.GetString(FlagAddr)
	}
	if fs.Changed(FlagAdvertise) {
		cfg.Advertise, _ = fs.GetBool(FlagAdvertise)
	}
	if fs.Changed(FlagLogLevel) {
		cfg.LogLevel, _ = fs.GetString(FlagLogLevel)
	}
	if fs.Changed(FlagQueueSize) {
		cfg.QueueSize, _ = fs.GetInt(FlagQueueSize)
	}
	return cfg, nil
}
