package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	Proxy     ProxyConfig
	Snapshot  SnapshotConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// SandboxConfig holds sandbox lifecycle configuration.
type SandboxConfig struct {
	// Runtime selects the isolation backend: "process" or "docker".
	Runtime      string `envconfig:"SANDBOX_RUNTIME" default:"process"`
	TemplateRoot string `envconfig:"SANDBOX_TEMPLATE_ROOT" default:"./templates"`
	WorkRoot     string `envconfig:"SANDBOX_WORK_ROOT" default:"/tmp/framewright-sandboxes"`

	// Loopback port range handed to embedded dev servers.
	PortMin int `envconfig:"SANDBOX_PORT_MIN" default:"3100"`
	PortMax int `envconfig:"SANDBOX_PORT_MAX" default:"3199"`

	ReadyTimeout   time.Duration `envconfig:"SANDBOX_READY_TIMEOUT" default:"60s"`
	CommandTimeout time.Duration `envconfig:"SANDBOX_COMMAND_TIMEOUT" default:"120s"`

	IdleTimeout    time.Duration `envconfig:"SANDBOX_IDLE_TIMEOUT" default:"15m"`
	MaxLifetime    time.Duration `envconfig:"SANDBOX_MAX_LIFETIME" default:"2h"`
	ReaperInterval time.Duration `envconfig:"SANDBOX_REAPER_INTERVAL" default:"1m"`

	DockerImage string `envconfig:"SANDBOX_DOCKER_IMAGE" default:"node:20-slim"`
}

// ProxyConfig holds reverse-proxy configuration.
type ProxyConfig struct {
	UpstreamTimeout time.Duration `envconfig:"PROXY_UPSTREAM_TIMEOUT" default:"10s"`
	RetryMax        int           `envconfig:"PROXY_RETRY_MAX" default:"3"`
	RetryBackoff    time.Duration `envconfig:"PROXY_RETRY_BACKOFF" default:"500ms"`

	// RewritePrefixes is the closed set of absolute-path prefixes the content
	// rewriter redirects through the proxy. Tied to the embedded dev server's
	// module-loader conventions, hence configuration rather than code.
	RewritePrefixes []string `envconfig:"PROXY_REWRITE_PREFIXES" default:"/@fs,/@id,/@vite,/@react-refresh,/node_modules,/src,/public,/assets"`

	// SelectParam and DefaultComposition pick the artifact an otherwise bare
	// root request should display.
	SelectParam        string `envconfig:"PROXY_SELECT_PARAM" default:"selected"`
	DefaultComposition string `envconfig:"PROXY_DEFAULT_COMPOSITION" default:"Main"`
}

// SnapshotConfig holds durable snapshot storage configuration.
type SnapshotConfig struct {
	Root string `envconfig:"SNAPSHOT_ROOT" default:"/var/lib/framewright/snapshots"`

	// CheckpointInterval drives the periodic working-tree archiver; zero
	// disables it. CheckpointKeep bounds retained checkpoints per entity.
	CheckpointInterval time.Duration `envconfig:"SNAPSHOT_CHECKPOINT_INTERVAL" default:"10m"`
	CheckpointKeep     int           `envconfig:"SNAPSHOT_CHECKPOINT_KEEP" default:"5"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Sandbox.PortMin <= 0 || c.Sandbox.PortMax < c.Sandbox.PortMin {
		return fmt.Errorf("invalid sandbox port range %d-%d", c.Sandbox.PortMin, c.Sandbox.PortMax)
	}
	if c.Sandbox.Runtime != "process" && c.Sandbox.Runtime != "docker" {
		return fmt.Errorf("unknown sandbox runtime %q", c.Sandbox.Runtime)
	}
	if c.Proxy.RetryMax < 0 {
		return fmt.Errorf("proxy retry max cannot be negative")
	}
	if c.Proxy.SelectParam == "" {
		return fmt.Errorf("proxy select param cannot be empty")
	}
	return nil
}
