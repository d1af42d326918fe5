package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. MARKETCHAT_API_BASE_URL
const EnvPrefix = "MARKETCHAT"

// Config holds all configuration
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// APIConfig holds REST collaborator configuration
type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	Prefix       string        `mapstructure:"prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GatewayConfig holds real-time channel configuration
type GatewayConfig struct {
	URL               string        `mapstructure:"url"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	WriteChannelSize  int           `mapstructure:"write_channel_size"`
}

// ChatConfig holds chat behaviour switches
type ChatConfig struct {
	// ServerEcho is true when the backend broadcasts a sender's own message back over the channel
	ServerEcho bool   `mapstructure:"server_echo"`
	MachineID  uint16 `mapstructure:"machine_id"`
}

// AuthConfig holds credential storage configuration
type AuthConfig struct {
	TokenFile string `mapstructure:"token_file"`
	Token     string `mapstructure:"token"`
}

// MetricsConfig holds metrics exposure configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load loads configuration from file, .env and environment.
// An empty configPath skips the file and relies on defaults and environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:5000")
	v.SetDefault("api.prefix", "/api")
	v.SetDefault("api.dial_timeout", 10*time.Second)
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.connect_timeout", 20*time.Second)
	v.SetDefault("gateway.reconnect_min_delay", time.Second)
	v.SetDefault("gateway.reconnect_max_delay", 30*time.Second)
	v.SetDefault("gateway.max_message_size", 51200)
	v.SetDefault("gateway.write_wait", 10*time.Second)
	v.SetDefault("gateway.pong_wait", 60*time.Second)
	v.SetDefault("gateway.ping_period", 54*time.Second)
	v.SetDefault("gateway.write_channel_size", 256)
	v.SetDefault("chat.server_echo", true)
	v.SetDefault("chat.machine_id", 1)
	v.SetDefault("auth.token_file", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// fillDefaults covers values that were explicitly set to zero
func (c *Config) fillDefaults() {
	if c.Gateway.URL == "" {
		c.Gateway.URL = DeriveGatewayURL(c.API.BaseURL)
	}
	if c.Gateway.ConnectTimeout == 0 {
		c.Gateway.ConnectTimeout = 20 * time.Second
	}
	if c.Gateway.ReconnectMinDelay == 0 {
		c.Gateway.ReconnectMinDelay = time.Second
	}
	if c.Gateway.ReconnectMaxDelay < c.Gateway.ReconnectMinDelay {
		c.Gateway.ReconnectMaxDelay = c.Gateway.ReconnectMinDelay
	}
	if c.Gateway.PongWait == 0 {
		c.Gateway.PongWait = 60 * time.Second
	}
	if c.Gateway.PingPeriod == 0 || c.Gateway.PingPeriod >= c.Gateway.PongWait {
		c.Gateway.PingPeriod = (c.Gateway.PongWait * 9) / 10
	}
	if c.Gateway.WriteWait == 0 {
		c.Gateway.WriteWait = 10 * time.Second
	}
	if c.Gateway.MaxMessageSize == 0 {
		c.Gateway.MaxMessageSize = 51200
	}
	if c.Gateway.WriteChannelSize == 0 {
		c.Gateway.WriteChannelSize = 256
	}
	if c.Chat.MachineID == 0 {
		c.Chat.MachineID = 1
	}
}

// Validate checks the settings the chat core cannot run without
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if !strings.HasPrefix(c.Gateway.URL, "ws://") && !strings.HasPrefix(c.Gateway.URL, "wss://") {
		return fmt.Errorf("gateway.url must be a ws:// or wss:// url, got %q", c.Gateway.URL)
	}
	return nil
}

// DeriveGatewayURL maps the REST base url onto the channel endpoint served by the same host
func DeriveGatewayURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base
	}
}
