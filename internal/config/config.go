// Package config loads endpoint and relay settings.
//
// Settings come from an optional YAML file, then command-line flags that
// were explicitly set override the file. PEERDROP_DATA_DIR overrides the
// data directory regardless of either.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	AppDirectoryName = "peerdrop"
	DataDirEnv       = "PEERDROP_DATA_DIR"
	DatabaseFileName = "peerdrop.sqlite3"

	// RelayMDNS as the relay URL means "find a relay on the LAN".
	RelayMDNS = "mdns"

	DefaultRelayURL    = "ws://localhost:8080/ws"
	DefaultRelayAddr   = ":8080"
	DefaultMaxFileSize = 100 << 20
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

// Endpoint configures a peerdrop endpoint.
type Endpoint struct {
	RelayURL    string   `yaml:"relay_url"`
	DataDir     string   `yaml:"data_dir"`
	DeviceName  string   `yaml:"device_name"`
	STUNServers []string `yaml:"stun_servers"`
	// Codec is the relay wire encoding, "json" or "proto".
	Codec       string `yaml:"codec"`
	DownloadDir string `yaml:"download_dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
	LogLevel    string `yaml:"log_level"`

	SettleDelay    time.Duration `yaml:"settle_delay"`
	SalvageTimeout time.Duration `yaml:"salvage_timeout"`
}

// Relay configures the coordination service.
type Relay struct {
	Addr      string `yaml:"addr"`
	Advertise bool   `yaml:"advertise"`
	LogLevel  string `yaml:"log_level"`
	QueueSize int    `yaml:"queue_size"`
}

func DefaultEndpoint() Endpoint {
	return Endpoint{
		RelayURL:       DefaultRelayURL,
		STUNServers:    append([]string(nil), DefaultSTUNServers...),
		Codec:          "json",
		DownloadDir:    ".",
		MaxFileSize:    DefaultMaxFileSize,
		LogLevel:       "info",
		SettleDelay:    100 * time.Millisecond,
		SalvageTimeout: 5 * time.Second,
	}
}

func DefaultRelay() Relay {
	return Relay{
		Addr:      DefaultRelayAddr,
		LogLevel:  "info",
		QueueSize: 64,
	}
}

// LoadEndpoint reads path over the defaults. An empty path skips the file.
func LoadEndpoint(path string) (Endpoint, error) {
	cfg := DefaultEndpoint()
	if err := loadYAML(path, &cfg); err != nil {
		return Endpoint{}, err
	}
	if override := os.Getenv(DataDirEnv); override != "" {
		cfg.DataDir = override
	}
	if cfg.DataDir == "" {
		dir, err := ResolveDataDir()
		if err != nil {
			return Endpoint{}, err
		}
		cfg.DataDir = dir
	}
	return cfg, nil
}

func LoadRelay(path string) (Relay, error) {
	cfg := DefaultRelay()
	if err := loadYAML(path, &cfg); err != nil {
		return Relay{}, err
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c Endpoint) Validate() error {
	if c.RelayURL == "" {
		return errors.New("relay_url is required")
	}
	if c.Codec != "json" && c.Codec != "proto" {
		return fmt.Errorf("codec must be json or proto, got %q", c.Codec)
	}
	if c.MaxFileSize <= 0 {
		return errors.New("max_file_size must be > 0")
	}
	if c.SalvageTimeout <= 0 {
		return errors.New("salvage_timeout must be > 0")
	}
	if c.SettleDelay < 0 {
		return errors.New("settle_delay must not be negative")
	}
	return nil
}

// DatabasePath is the sqlite file inside the data directory.
func (c Endpoint) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFileName)
}

// ResolveDataDir returns the OS-specific per-user data directory.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

func EnsureDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return nil
}
