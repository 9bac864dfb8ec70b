// Package config loads fleet node configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Redis    RedisConfig    `yaml:"redis"`
	Registry RegistryConfig `yaml:"registry"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Bus      BusConfig      `yaml:"bus"`
	API      APIConfig      `yaml:"api"`
	Game     GameConfig     `yaml:"game"`
}

type NodeConfig struct {
	// ID is the bus identity for coordinator nodes; game and proxy nodes
	// receive their id from the registry and leave this empty.
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	Role        string `yaml:"role"`
	Version     string `yaml:"version"`
	MaxCapacity int    `yaml:"max_capacity"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RegistryConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	UnavailableTimeout time.Duration `yaml:"unavailable_timeout"`
	DeadTimeout        time.Duration `yaml:"dead_timeout"`
	SnapshotTTL        time.Duration `yaml:"snapshot_ttl"`
	WatchdogTimeout    time.Duration `yaml:"watchdog_timeout"`
}

type DispatchConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
}

type BusConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

// GameConfig describes what a backend node hosts: its reservable slots and
// the minigame families it advertises for them.
type GameConfig struct {
	Slots    []SlotConfig   `yaml:"slots"`
	Families []FamilyConfig `yaml:"families"`
}

type SlotConfig struct {
	Suffix     string `yaml:"suffix"`
	MaxPlayers int    `yaml:"max_players"`
	// Metadata pins a slot, e.g. to one family or variant; the dispatcher
	// skips pinned slots for non-matching requests.
	Metadata map[string]string `yaml:"metadata"`
}

type FamilyConfig struct {
	FamilyID   string `yaml:"family_id"`
	VariantID  string `yaml:"variant_id"`
	MinPlayers int    `yaml:"min_players"`
	MaxPlayers int    `yaml:"max_players"`
	// Factor is the x10-scaled player equivalent load factor; 10 == 1.0x.
	Factor int `yaml:"factor"`
}

// Default returns a config carrying the fleet's standard timings.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "registry",
			Address: "127.0.0.1",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Registry: RegistryConfig{
			HeartbeatInterval:  time.Second,
			UnavailableTimeout: 5 * time.Second,
			DeadTimeout:        30 * time.Second,
			SnapshotTTL:        60 * time.Second,
			WatchdogTimeout:    30 * time.Second,
		},
		Dispatch: DispatchConfig{
			Cooldown: 5 * time.Second,
		},
		Bus: BusConfig{
			RequestTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Listen: ":8080",
		},
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. A missing file is not an error; defaults plus environment win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config %s: %w", path, err)
			}
		} else {
			defer f.Close()
			decoder := yaml.NewDecoder(f)
			if err := decoder.Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment tooling override wiring without editing YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("FULCRUM_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FULCRUM_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("FULCRUM_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("FULCRUM_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("FULCRUM_API_LISTEN"); v != "" {
		c.API.Listen = v
	}
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Registry.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: registry.heartbeat_interval must be positive")
	}
	if c.Registry.UnavailableTimeout >= c.Registry.DeadTimeout {
		return fmt.Errorf("config: registry.unavailable_timeout must be below dead_timeout")
	}
	return nil
}
