package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"relay"`

	Client struct {
		// RelayURL is the websocket endpoint of the signaling relay,
		// e.g. ws://relay.local:3001/ws. There is no guessable default:
		// the device cannot discover anything without it.
		RelayURL         string        `yaml:"relay_url"`
		AnnounceInterval time.Duration `yaml:"announce_interval"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		STUNServers      []string      `yaml:"stun_servers"`
	} `yaml:"client"`

	API struct {
		Address         string        `yaml:"address"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"api"`

	Store struct {
		// Path is the directory holding the local sqlite database.
		// Empty means no durable backing: saves become no-ops and
		// conversation queries return nothing.
		Path string `yaml:"path"`
	} `yaml:"store"`

	Identity struct {
		PeerID      string `yaml:"peer_id"`
		DisplayName string `yaml:"display_name"`
		AvatarRef   string `yaml:"avatar_ref"`
	} `yaml:"identity"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// ValidateRelay checks the fields the relay binary needs.
func (c *Config) ValidateRelay() error {
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= 0 {
		return fmt.Errorf("relay.pong_timeout must be > 0")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}
	if c.Relay.RateLimit.Enabled {
		if c.Relay.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("relay.rate_limit.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.Relay.RateLimit.Burst <= 0 {
			return fmt.Errorf("relay.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

// ValidateClient checks the fields the device daemon needs. The relay URL is
// required configuration, not a guessable default.
func (c *Config) ValidateClient() error {
	if c.Client.RelayURL == "" {
		return fmt.Errorf("client.relay_url must not be empty")
	}
	if c.Client.AnnounceInterval <= 0 {
		return fmt.Errorf("client.announce_interval must be > 0")
	}
	if c.Client.DialTimeout <= 0 {
		return fmt.Errorf("client.dial_timeout must be > 0")
	}
	if c.Client.WriteTimeout <= 0 {
		return fmt.Errorf("client.write_timeout must be > 0")
	}
	if c.API.Address == "" {
		return fmt.Errorf("api.address must not be empty")
	}
	if c.Identity.PeerID == "" {
		return fmt.Errorf("identity.peer_id must not be empty")
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields defaults plus env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults. client.relay_url
// and identity.peer_id deliberately have none.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Relay.Address = ":3001"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second
	cfg.Relay.RateLimit.Enabled = false
	cfg.Relay.RateLimit.MessagesPerSecond = 50
	cfg.Relay.RateLimit.Burst = 100

	cfg.Client.AnnounceInterval = 5 * time.Second
	cfg.Client.DialTimeout = 5 * time.Second
	cfg.Client.WriteTimeout = 10 * time.Second
	cfg.Client.STUNServers = []string{"stun:stun.l.google.com:19302"}

	cfg.API.Address = "127.0.0.1:8080"
	cfg.API.ShutdownTimeout = 10 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "meshchat-relay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHCHAT_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if url := os.Getenv("MESHCHAT_RELAY_URL"); url != "" {
		c.Client.RelayURL = url
	}
	if id := os.Getenv("MESHCHAT_PEER_ID"); id != "" {
		c.Identity.PeerID = id
	}
	if path := os.Getenv("MESHCHAT_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if level := os.Getenv("MESHCHAT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
