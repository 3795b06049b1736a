// Package config handles nestd configuration.
//
// Settings are resolved from built-in defaults, then the nestd.conf file in
// the data directory, then command-line flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds node runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Nest record storage
	Storage StorageConfig

	// P2P event gossip
	P2P P2PConfig

	// RPC server
	RPC RPCConfig

	// Encrypted-balance oracle
	Oracle OracleConfig

	// Logging
	Log LogConfig
}

// StorageConfig selects the database backend.
type StorageConfig struct {
	Backend string `conf:"storage.backend"` // badger, pebble or memory
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// OracleConfig selects the encrypted-balance source.
type OracleConfig struct {
	Mode     string        `conf:"oracle.mode"` // none, static or rpc
	Endpoint string        `conf:"oracle.endpoint"`
	Timeout  time.Duration `conf:"oracle.timeout"`
	// Balances seeds the static source, one "<owner>:<token>" per entry.
	Balances []string `conf:"oracle.balances"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.timelocknest
//	macOS:   ~/Library/Application Support/TimeLockNest
//	Windows: %APPDATA%\TimeLockNest
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".timelocknest"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "TimeLockNest")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "TimeLockNest")
		}
		return filepath.Join(home, "AppData", "Roaming", "TimeLockNest")
	default:
		return filepath.Join(home, ".timelocknest")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// NestsDir returns the nest database directory.
func (c *Config) NestsDir() string {
	return filepath.Join(c.NetworkDataDir(), "nests")
}

// PeersDir returns the peer store database directory.
func (c *Config) PeersDir() string {
	return filepath.Join(c.NetworkDataDir(), "peers")
}

// KeystoreDir returns the owner keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "nestd.conf")
}
