// Package config loads server settings: built-in defaults, then an optional
// YAML file, then RTC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Auth   AuthConfig   `mapstructure:"auth"`
	WS     WSConfig     `mapstructure:"ws"`
	Call   CallConfig   `mapstructure:"call"`
	ICE    ICEConfig    `mapstructure:"ice"`
	Events EventsConfig `mapstructure:"events"`
	Log    LogConfig    `mapstructure:"log"`
}

type ServerConfig struct {
	BindAddr       string `mapstructure:"bind_addr"       env:"RTC_BIND_ADDR"`
	WSPath         string `mapstructure:"ws_path"         env:"RTC_WS_PATH"`
	MaxConnections int    `mapstructure:"max_connections" env:"RTC_MAX_CONNECTIONS"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"  env:"RTC_JWT_SECRET"`
	Issuer     string        `mapstructure:"issuer"      env:"RTC_JWT_ISSUER"`
	Audience   string        `mapstructure:"audience"    env:"RTC_JWT_AUDIENCE"`
	Leeway     time.Duration `mapstructure:"leeway"      env:"RTC_JWT_LEEWAY"`
	TokenParam string        `mapstructure:"token_param" env:"RTC_TOKEN_PARAM"`
}

type WSConfig struct {
	ReadLimitBytes int64         `mapstructure:"read_limit_bytes" env:"RTC_WS_READ_LIMIT_BYTES"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"    env:"RTC_WS_WRITE_TIMEOUT"`
	PongWait       time.Duration `mapstructure:"pong_wait"        env:"RTC_WS_PONG_WAIT"`
	PingInterval   time.Duration `mapstructure:"ping_interval"    env:"RTC_WS_PING_INTERVAL"`
	SendBuffer     int           `mapstructure:"send_buffer"      env:"RTC_WS_SEND_BUFFER"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"  env:"RTC_WS_ALLOWED_ORIGINS" envSeparator:","`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout" env:"RTC_CALL_RING_TIMEOUT"`
	LogPath     string        `mapstructure:"log_path"     env:"RTC_CALL_LOG_PATH"`
}

type ICEConfig struct {
	Servers    []string `mapstructure:"servers"    env:"RTC_ICE_SERVERS" envSeparator:","`
	Username   string   `mapstructure:"username"   env:"RTC_ICE_USERNAME"`
	Credential string   `mapstructure:"credential" env:"RTC_ICE_CREDENTIAL"`
}

type EventsConfig struct {
	Workers        int           `mapstructure:"workers"         env:"RTC_EVENTS_WORKERS"`
	QueueSize      int           `mapstructure:"queue_size"      env:"RTC_EVENTS_QUEUE_SIZE"`
	WebhookURL     string        `mapstructure:"webhook_url"     env:"RTC_EVENTS_WEBHOOK_URL"`
	WebhookSecret  string        `mapstructure:"webhook_secret"  env:"RTC_EVENTS_WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout" env:"RTC_EVENTS_WEBHOOK_TIMEOUT"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  env:"RTC_LOG_LEVEL"`
	Format string `mapstructure:"format" env:"RTC_LOG_FORMAT"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:       ":8787",
			WSPath:         "/ws",
			MaxConnections: 2000,
		},
		Auth: AuthConfig{
			Leeway:     30 * time.Second,
			TokenParam: "token",
		},
		WS: WSConfig{
			ReadLimitBytes: 1024 * 1024,
			WriteTimeout:   4 * time.Second,
			PongWait:       45 * time.Second,
			PingInterval:   20 * time.Second,
			SendBuffer:     256,
		},
		Call: CallConfig{
			RingTimeout: 60 * time.Second,
		},
		Events: EventsConfig{
			Workers:        4,
			QueueSize:      4096,
			WebhookTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Auth.JWTSecret = strings.TrimSpace(c.Auth.JWTSecret)
	if c.WS.PingInterval >= c.WS.PongWait {
		c.WS.PingInterval = c.WS.PongWait / 2
	}
	if c.Events.Workers < 1 {
		c.Events.Workers = 1
	}
	if c.Events.QueueSize < 32 {
		c.Events.QueueSize = 32
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		c.Server.WSPath = "/" + c.Server.WSPath
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("RTC_JWT_SECRET is required"))
	}
	if c.Auth.TokenParam == "" {
		errs = append(errs, errors.New("token param must not be empty"))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("max connections must be >= 0"))
	}
	if c.WS.PongWait <= 0 {
		errs = append(errs, errors.New("pong wait must be positive"))
	}
	if c.WS.SendBuffer < 1 {
		errs = append(errs, errors.New("send buffer must be positive"))
	}
	if c.Call.RingTimeout < 0 {
		errs = append(errs, errors.New("ring timeout must be >= 0"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ICEServers expands the configured URLs into WebRTC ICE server entries,
// sharing one username and credential.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICE.Servers))
	for _, entry := range c.ICE.Servers {
		url := strings.TrimSpace(entry)
		if url == "" {
			continue
		}

		server := webrtc.ICEServer{URLs: []string{url}}
		if c.ICE.Username != "" {
			server.Username = c.ICE.Username
		}
		if c.ICE.Credential != "" {
			server.Credential = c.ICE.Credential
		}
		servers = append(servers, server)
	}
	return servers
}
