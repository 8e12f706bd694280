package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultTopic is the GossipSub topic shared by daemon and clients.
const DefaultTopic = "emergency-git-commits"

// Config holds all configuration for a daemon or client installation
type Config struct {
	Node   NodeConfig   `toml:"node"`
	P2P    P2PConfig    `toml:"p2p"`
	Daemon DaemonConfig `toml:"daemon"`
	Client ClientConfig `toml:"client"`
	Git    GitConfig    `toml:"git"`
	API    APIConfig    `toml:"api"`
	Log    LogConfig    `toml:"log"`
}

// NodeConfig holds node identity and settings
type NodeConfig struct {
	Name    string `toml:"name"`
	DataDir string `toml:"data_dir"`
}

// P2PConfig holds libp2p configuration
type P2PConfig struct {
	ListenAddresses []string `toml:"listen_addresses"`
	BootstrapPeers  []string `toml:"bootstrap_peers"`
	Topic           string   `toml:"topic"`
	EnableMDNS      *bool    `toml:"enable_mdns"`
	MDNSService     string   `toml:"mdns_service"`
	EnableDHT       *bool    `toml:"enable_dht"`
}

// DaemonConfig holds protocol engine settings for the daemon side
type DaemonConfig struct {
	PairingTimeoutSeconds int `toml:"pairing_timeout_seconds"`
	DedupWindowSeconds    int `toml:"dedup_window_seconds"`
	Workers               int `toml:"workers"`
	MaxQueued             int `toml:"max_queued"`
}

// ClientConfig holds timeouts for the client side
type ClientConfig struct {
	CommitTimeoutSeconds int `toml:"commit_timeout_seconds"`
	PairTimeoutSeconds   int `toml:"pair_timeout_seconds"`
	DialTimeoutSeconds   int `toml:"dial_timeout_seconds"`
}

// GitConfig holds the signature used for commits made on behalf of peers
type GitConfig struct {
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
}

// APIConfig holds admin API settings
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Load loads configuration from TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Save saves configuration to TOML file
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EnsureDirs creates necessary directories
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.Node.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Node.DataDir, err)
	}
	return nil
}

// Validate rejects values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Daemon.Workers < 0 {
		return fmt.Errorf("daemon.workers must not be negative")
	}
	if c.Daemon.MaxQueued < 0 {
		return fmt.Errorf("daemon.max_queued must not be negative")
	}
	if c.API.Enabled && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when the admin API is enabled")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	return nil
}

// IdentityPath is where the node's private key lives.
func (c *Config) IdentityPath() string { return filepath.Join(c.Node.DataDir, "identity.key") }

// TrustDBPath is where the trust store lives.
func (c *Config) TrustDBPath() string { return filepath.Join(c.Node.DataDir, "trust.db") }

// AddrCacheDBPath is where the address cache lives.
func (c *Config) AddrCacheDBPath() string { return filepath.Join(c.Node.DataDir, "addrcache.db") }

// MDNSEnabled reports whether local-subnet discovery should run.
func (c *P2PConfig) MDNSEnabled() bool { return c.EnableMDNS == nil || *c.EnableMDNS }

// DHTEnabled reports whether the Kademlia DHT should run.
func (c *P2PConfig) DHTEnabled() bool { return c.EnableDHT == nil || *c.EnableDHT }

func (c *DaemonConfig) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSeconds) * time.Second
}

func (c *DaemonConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

func (c *ClientConfig) CommitTimeout() time.Duration {
	return time.Duration(c.CommitTimeoutSeconds) * time.Second
}

func (c *ClientConfig) PairTimeout() time.Duration {
	return time.Duration(c.PairTimeoutSeconds) * time.Second
}

func (c *ClientConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

func (c *Config) setDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}
	if len(c.P2P.ListenAddresses) == 0 {
		c.P2P.ListenAddresses = []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		}
	}
	if c.P2P.Topic == "" {
		c.P2P.Topic = DefaultTopic
	}
	if c.P2P.MDNSService == "" {
		c.P2P.MDNSService = "emergency-git"
	}
	if c.Daemon.PairingTimeoutSeconds == 0 {
		c.Daemon.PairingTimeoutSeconds = 120
	}
	if c.Daemon.DedupWindowSeconds == 0 {
		c.Daemon.DedupWindowSeconds = 600
	}
	if c.Daemon.Workers == 0 {
		c.Daemon.Workers = 4
	}
	if c.Daemon.MaxQueued == 0 {
		c.Daemon.MaxQueued = 256
	}
	if c.Client.CommitTimeoutSeconds == 0 {
		c.Client.CommitTimeoutSeconds = 30
	}
	if c.Client.PairTimeoutSeconds == 0 {
		c.Client.PairTimeoutSeconds = 150
	}
	if c.Client.DialTimeoutSeconds == 0 {
		c.Client.DialTimeoutSeconds = 20
	}
	if c.Git.AuthorName == "" {
		c.Git.AuthorName = "Emergency Committer"
	}
	if c.Git.AuthorEmail == "" {
		c.Git.AuthorEmail = "emergency@example.com"
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "color"
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// ForDataDir returns the default configuration rooted at dataDir. Used by
// callers that have no config file, such as the mobile binding.
func ForDataDir(dataDir string) *Config {
	cfg := &Config{Node: NodeConfig{DataDir: dataDir}}
	cfg.setDefaults()
	return cfg
}
