package config

import (
	"fmt"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	for i, s := range cfg.P2P.Seeds {
		if _, err := multiaddr.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.seeds[%d] is not a multiaddr: %w", i, err)
		}
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = "badger"
	case "badger", "pebble", "memory":
	default:
		return fmt.Errorf("storage.backend must be badger, pebble or memory")
	}

	switch cfg.Oracle.Mode {
	case "":
		cfg.Oracle.Mode = "none"
	case "none", "static":
	case "rpc":
		if cfg.Oracle.Endpoint == "" {
			return fmt.Errorf("oracle.mode=rpc requires oracle.endpoint")
		}
	default:
		return fmt.Errorf("oracle.mode must be none, static or rpc")
	}
	if len(cfg.Oracle.Balances) > 0 && cfg.Oracle.Mode != "static" {
		return fmt.Errorf("oracle.balances requires oracle.mode=static")
	}
	for _, e := range cfg.Oracle.Balances {
		if !strings.Contains(e, ":") {
			return fmt.Errorf("oracle.balances entry %q must be <owner>:<token>", e)
		}
	}
	if cfg.Oracle.Timeout < 0 {
		return fmt.Errorf("oracle.timeout must not be negative")
	}

	return nil
}
