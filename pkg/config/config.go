package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Gateway struct {
		Path                string        `yaml:"path"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		DedupeSize          int           `yaml:"dedupe_size"`
		MaxConnections      int           `yaml:"max_connections"`
	} `yaml:"gateway"`

	Worldchat struct {
		Address      string        `yaml:"address"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"worldchat"`

	Realtime struct {
		PlaintextChannels []string `yaml:"plaintext_channels"`
		HistoryDepth      int      `yaml:"history_depth"`
		// CipherKey is the base64 encoded 32 byte master key shared by
		// clients of encrypted channels.
		CipherKey string `yaml:"cipher_key"`
	} `yaml:"realtime"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		KeyframeInterval time.Duration `yaml:"keyframe_interval"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
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

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		// IdentitySecret verifies credentials minted by the identity provider.
		IdentitySecret string `yaml:"identity_secret"`
		// TokenSecret signs transport tokens issued by the token endpoint.
		TokenSecret         string              `yaml:"token_secret"`
		TokenTTL            time.Duration       `yaml:"token_ttl"`
		AllowedOrigins      []string            `yaml:"allowed_origins"`
		Capability          map[string][]string `yaml:"capability"`
		AnonymousCapability map[string][]string `yaml:"anonymous_capability"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Client struct {
		TokenURL       string        `yaml:"token_url"`
		GatewayURL     string        `yaml:"gateway_url"`
		Credential     string        `yaml:"credential"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		Reconnect      struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"client"`
}

var validOperations = map[string]bool{"publish": true, "subscribe": true, "presence": true, "history": true}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if !strings.HasPrefix(c.Gateway.Path, "/") {
		return fmt.Errorf("gateway.path must start with /")
	}
	if c.Gateway.PingInterval <= 0 {
		return fmt.Errorf("gateway.ping_interval must be > 0")
	}
	if c.Gateway.PongTimeout <= c.Gateway.PingInterval {
		return fmt.Errorf("gateway.pong_timeout must be > gateway.ping_interval")
	}
	if c.Gateway.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("gateway.max_message_size_bytes must be > 0")
	}
	if c.Gateway.DedupeSize <= 0 {
		return fmt.Errorf("gateway.dedupe_size must be > 0")
	}

	if c.Worldchat.Address == "" {
		return fmt.Errorf("worldchat.address must not be empty")
	}
	if c.Worldchat.PongTimeout <= c.Worldchat.PingInterval {
		return fmt.Errorf("worldchat.pong_timeout must be > worldchat.ping_interval")
	}

	if c.Realtime.HistoryDepth <= 0 {
		return fmt.Errorf("realtime.history_depth must be > 0")
	}
	if c.Realtime.CipherKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Realtime.CipherKey)
		if err != nil {
			return fmt.Errorf("realtime.cipher_key must be base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("realtime.cipher_key must decode to 32 bytes, got %d", len(key))
		}
	}

	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0,1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.IdentitySecret == "" {
		return fmt.Errorf("auth.identity_secret must not be empty")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}
	for name, capability := range map[string]map[string][]string{
		"auth.capability":           c.Auth.Capability,
		"auth.anonymous_capability": c.Auth.AnonymousCapability,
	} {
		for pattern, ops := range capability {
			for _, op := range ops {
				if !validOperations[op] {
					return fmt.Errorf("%s[%s]: unknown operation %q", name, pattern, op)
				}
			}
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
	}

	if c.Client.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("client.reconnect.max_attempts must be >= 0")
	}
	if c.Client.Reconnect.InitialDelay > c.Client.Reconnect.MaxDelay {
		return fmt.Errorf("client.reconnect.initial_delay must be <= max_delay")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Gateway.Path = "/realtime"
	cfg.Gateway.PingInterval = 25 * time.Second
	cfg.Gateway.PongTimeout = 60 * time.Second
	cfg.Gateway.WriteTimeout = 10 * time.Second
	cfg.Gateway.MaxMessageSizeBytes = 64 * 1024
	cfg.Gateway.DedupeSize = 4096
	cfg.Gateway.MaxConnections = 10000

	cfg.Worldchat.Address = ":8082"
	cfg.Worldchat.PingInterval = 30 * time.Second
	cfg.Worldchat.PongTimeout = 60 * time.Second
	cfg.Worldchat.WriteTimeout = 10 * time.Second

	cfg.Realtime.PlaintextChannels = []string{"world-presence", "whiteboard"}
	cfg.Realtime.HistoryDepth = 50

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "studio-realtime"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.IdentitySecret = "change-me-identity"
	cfg.Auth.TokenSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}
	cfg.Auth.Capability = map[string][]string{"*": {"publish", "subscribe", "presence", "history"}}
	cfg.Auth.AnonymousCapability = map[string][]string{
		"world-presence": {"publish", "subscribe", "presence", "history"},
		"whiteboard":     {"publish", "subscribe", "history"},
	}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	cfg.Client.TokenURL = "http://localhost:8080/api/v1/realtime/token"
	cfg.Client.GatewayURL = "ws://localhost:8080/realtime"
	cfg.Client.RequestTimeout = 10 * time.Second
	cfg.Client.Reconnect.MaxAttempts = 8
	cfg.Client.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Client.Reconnect.MaxDelay = 15 * time.Second

	return cfg
}

// CipherKeyBytes decodes Realtime.CipherKey. It returns nil when no key is
// configured.
func (c *Config) CipherKeyBytes() ([]byte, error) {
	if c.Realtime.CipherKey == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(c.Realtime.CipherKey)
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("STUDIO_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("STUDIO_WORLDCHAT_ADDRESS"); addr != "" {
		c.Worldchat.Address = addr
	}
	if level := os.Getenv("STUDIO_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("STUDIO_IDENTITY_SECRET"); secret != "" {
		c.Auth.IdentitySecret = secret
	}
	if secret := os.Getenv("STUDIO_TOKEN_SECRET"); secret != "" {
		c.Auth.TokenSecret = secret
	}
	if key := os.Getenv("STUDIO_CIPHER_KEY"); key != "" {
		c.Realtime.CipherKey = key
	}
	if addr := os.Getenv("STUDIO_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if credential := os.Getenv("STUDIO_CREDENTIAL"); credential != "" {
		c.Client.Credential = credential
	}
}
