// Package config loads the coordination plane's configuration from a YAML
// file over built-in defaults, following the pattern in
// reference-runtime-v1/cmd/runtime/main.go (yaml.v3 + flag-selected path).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config mirrors every key enumerated in the coordination plane's external
// interface contract: P2P, Registry, Escrow, and Scheduler tunables, plus
// the store path and the closed set of supported currencies.
type Config struct {
	Node struct {
		Capabilities []string `yaml:"capabilities"`
		Hardware     struct {
			CPUCores  int  `yaml:"cpu_cores"`
			MemoryGB  int  `yaml:"memory_gb"`
			StorageGB int  `yaml:"storage_gb"`
			GPU       bool `yaml:"gpu"`
		} `yaml:"hardware"`
	} `yaml:"node"`

	P2P struct {
		ListenPort        int `yaml:"listen_port"`
		BroadcastPort     int `yaml:"broadcast_port"`
		PresenceIntervalS int `yaml:"presence_interval_s"`
		PeerExpiryS       int `yaml:"peer_expiry_s"`
	} `yaml:"p2p"`

	Registry struct {
		OfflineThresholdS int  `yaml:"offline_threshold_s"`
		AutoRegisterP2P   bool `yaml:"auto_register_p2p"`
		RequireAuth       bool `yaml:"require_auth"`
	} `yaml:"registry"`

	Escrow struct {
		CommunityShare            float64 `yaml:"community_share"`
		CommunityFundDestination  string  `yaml:"community_fund_destination"`
	} `yaml:"escrow"`

	Scheduler struct {
		WatchdogPeriodS int `yaml:"watchdog_period_s"`
		WatchdogGraceS  int `yaml:"watchdog_grace_s"`
		Workers         int `yaml:"workers"`
	} `yaml:"scheduler"`

	Chain struct {
		AllowStubAdapters bool          `yaml:"allow_stub_adapters"`
		RPCTimeout        time.Duration `yaml:"rpc_timeout"`
	} `yaml:"chain"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Queue struct {
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"queue"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	SupportedCurrencies []string `yaml:"supported_currencies"`
}

// DefaultCurrencies is the closed set from spec.md §6. Escrow contracts
// naming a currency outside this set (or outside whatever
// SupportedCurrencies narrows it to) are rejected with
// coreerrors.Validation; task submission does not check the reward
// currency.
var DefaultCurrencies = []string{
	"FLOP", "BTC", "ETH", "USDT", "BNB", "XRP", "SOL", "ADA", "DOGE", "TON", "TRX",
}

// Default returns the configuration defaults enumerated in spec.md §6.
func Default() *Config {
	c := &Config{}
	c.P2P.ListenPort = 9334
	c.P2P.BroadcastPort = 9335
	c.P2P.PresenceIntervalS = 30
	c.P2P.PeerExpiryS = 300
	c.Registry.OfflineThresholdS = 3600
	c.Registry.AutoRegisterP2P = true
	c.Registry.RequireAuth = false
	c.Escrow.CommunityShare = 0.05
	c.Escrow.CommunityFundDestination = "community_fund"
	c.Scheduler.WatchdogPeriodS = 10
	c.Scheduler.WatchdogGraceS = 5
	c.Scheduler.Workers = 4
	c.Chain.AllowStubAdapters = true
	c.Chain.RPCTimeout = 10 * time.Second
	c.Store.Path = "./zerostate-core.db"
	c.Logging.Level = "info"
	c.SupportedCurrencies = append([]string(nil), DefaultCurrencies...)
	return c
}

// Load loads a .env file into the process environment if present (ignoring
// a missing file, matching godotenv.Load's common usage), then overlays the
// YAML file at path onto the defaults. No Config field is read from the
// environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(cfg.SupportedCurrencies) == 0 {
		cfg.SupportedCurrencies = append([]string(nil), DefaultCurrencies...)
	}

	return cfg, nil
}

// IsSupportedCurrency reports whether symbol is in the configured set.
func (c *Config) IsSupportedCurrency(symbol string) bool {
	for _, s := range c.SupportedCurrencies {
		if s == symbol {
			return true
		}
	}
	return false
}
