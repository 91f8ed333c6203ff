package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of a CDN node. Values come from config.yaml,
// CDN_* environment variables, or the defaults below, in that priority order.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// Chunking
	ChunkSize int `mapstructure:"chunk_size"`

	// Storage
	StorageCapacityBytes int64  `mapstructure:"storage_capacity_bytes"`
	StorageBackend       string `mapstructure:"storage_backend"` // "memory" or "disk"
	StorageRoot          string `mapstructure:"storage_root"`

	// Mesh
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PeerTimeout       time.Duration `mapstructure:"peer_timeout"`
	AnnounceRate      int           `mapstructure:"announce_rate"` // broadcasts per second
	AnnounceBurst     int           `mapstructure:"announce_burst"`

	// Scheduler
	MaxConcurrentChunks int           `mapstructure:"max_concurrent_chunks"`
	BlacklistCooldown   time.Duration `mapstructure:"blacklist_cooldown"`
	DiscoveryWait       time.Duration `mapstructure:"discovery_wait"`

	// Streamer
	BufferSize    int64 `mapstructure:"buffer_size"`
	LowWatermark  int64 `mapstructure:"low_watermark"`
	HighWatermark int64 `mapstructure:"high_watermark"`
}

// Load reads configuration with viper. A missing config file is not an
// error; defaults and environment take over.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	setDefaults(v)

	v.SetEnvPrefix("CDN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// High watermark defaults to the full buffer budget, low to a quarter.
	if cfg.HighWatermark == 0 {
		cfg.HighWatermark = cfg.BufferSize
	}
	if cfg.LowWatermark == 0 {
		cfg.LowWatermark = cfg.BufferSize / 4
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:9000")
	v.SetDefault("chunk_size", 1024*1024)
	v.SetDefault("storage_capacity_bytes", int64(512*1024*1024))
	v.SetDefault("storage_backend", "memory")
	v.SetDefault("storage_root", "chunks")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("peer_timeout", 15*time.Second)
	v.SetDefault("announce_rate", 10)
	v.SetDefault("announce_burst", 20)
	v.SetDefault("max_concurrent_chunks", 5)
	v.SetDefault("blacklist_cooldown", 10*time.Second)
	v.SetDefault("discovery_wait", 20*time.Second)
	v.SetDefault("buffer_size", int64(16*1024*1024))
}

// Default returns the built-in configuration without touching disk or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.HighWatermark = cfg.BufferSize
	cfg.LowWatermark = cfg.BufferSize / 4
	return &cfg
}
