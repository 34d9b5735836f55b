package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds server configuration loaded from environment variables
type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	RedisURL string `envconfig:"REDIS_URL"` // Memory stores when empty
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Device flow
	ClientID        string        `envconfig:"GITHUB_CLIENT_ID" default:"Iv1.b507a08c87ecfe98"`
	Scope           string        `envconfig:"GITHUB_SCOPE" default:"read:user"`
	DeviceCodeURL   string        `envconfig:"DEVICE_CODE_URL" default:"https://github.com/login/device/code"`
	TokenURL        string        `envconfig:"TOKEN_URL" default:"https://github.com/login/oauth/access_token"`
	HTTPTimeout     time.Duration `envconfig:"HTTP_TIMEOUT" default:"10s"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"5s"` // When the server sends none
	MaxPollAttempts int           `envconfig:"MAX_POLL_ATTEMPTS" default:"180"`
	FlowLifetime    time.Duration `envconfig:"FLOW_LIFETIME" default:"20m"`

	// Session token exchange
	ExchangeURL        string            `envconfig:"EXCHANGE_URL" default:"https://api.github.com/copilot_internal/v2/token"`
	ExchangeHeaders    map[string]string `envconfig:"EXCHANGE_HEADERS"`
	RefreshBuffer      time.Duration     `envconfig:"REFRESH_BUFFER" default:"2m"`
	CredentialPrefixes []string          `envconfig:"CREDENTIAL_PREFIXES" default:"gho_,ghu_,ghp_,github_pat_"`

	// Downstream API behind /upstream
	UpstreamURL     string            `envconfig:"UPSTREAM_URL" default:"https://api.githubcopilot.com"`
	UpstreamHeaders map[string]string `envconfig:"UPSTREAM_HEADERS"`

	// CSRF protection for the browser front end
	CSRFSecret      string        `envconfig:"CSRF_SECRET"` // Random per process when empty
	CSRFTokenExpiry time.Duration `envconfig:"CSRF_TOKEN_EXPIRY" default:"15m"`

	// HTTP server timeouts
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// loadConfig reads an optional .env file and then the environment
func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.MaxPollAttempts <= 0 {
		return Config{}, fmt.Errorf("MAX_POLL_ATTEMPTS must be positive")
	}
	if cfg.RefreshBuffer < 0 {
		return Config{}, fmt.Errorf("REFRESH_BUFFER must not be negative")
	}
	if cfg.CSRFSecret != "" && len(cfg.CSRFSecret) < 16 {
		return Config{}, fmt.Errorf("CSRF_SECRET must be at least 16 bytes")
	}
	return cfg, nil
}

// level maps LOG_LEVEL to a charm log level, defaulting to info
func (c Config) level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
