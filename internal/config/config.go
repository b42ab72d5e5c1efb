// ABOUTME: Configuration loading and parsing for relaygate
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Backend types
const (
	BackendHTTP  = "http"
	BackendNATS  = "nats"
	BackendKafka = "kafka"
	BackendGRPC  = "grpc"
)

// Plugin types
const (
	PluginAuth      = "auth"
	PluginRateLimit = "ratelimit"
	PluginCache     = "cache"
	PluginLatency   = "latency"
	PluginGuard     = "guard"
)

// Config represents the complete relaygate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Frontends FrontendsConfig `yaml:"frontends" toml:"frontends"`
	Backend   BackendConfig   `yaml:"backend" toml:"backend"`
	Plugins   []PluginConfig  `yaml:"plugins" toml:"plugins"`
	Pipeline  PipelineConfig  `yaml:"pipeline" toml:"pipeline"`
}

// ServerConfig holds process-level settings
type ServerConfig struct {
	// AdminAddr serves /health and /metrics. Empty disables the admin server.
	AdminAddr string `yaml:"admin_addr" toml:"admin_addr"`
	// InstanceID is stamped on messages to asynchronous backends. Generated
	// at startup when empty.
	InstanceID string `yaml:"instance_id" toml:"instance_id"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// FrontendsConfig holds configuration for the client-facing transports
type FrontendsConfig struct {
	HTTP      HTTPFrontendConfig      `yaml:"http" toml:"http"`
	WebSocket WebSocketFrontendConfig `yaml:"websocket" toml:"websocket"`
}

// HTTPFrontendConfig configures the HTTP frontend
type HTTPFrontendConfig struct {
	Enabled           bool   `yaml:"enabled" toml:"enabled"`
	Addr              string `yaml:"addr" toml:"addr"`
	AllowForwardedFor bool   `yaml:"allow_forwarded_for" toml:"allow_forwarded_for"`

	ResponseTimeout    time.Duration `yaml:"-" toml:"-"`
	ResponseTimeoutRaw string        `yaml:"response_timeout" toml:"response_timeout"`
}

// WebSocketFrontendConfig configures the WebSocket frontend
type WebSocketFrontendConfig struct {
	Enabled           bool   `yaml:"enabled" toml:"enabled"`
	Addr              string `yaml:"addr" toml:"addr"`
	Path              string `yaml:"path" toml:"path"`
	AllowForwardedFor bool   `yaml:"allow_forwarded_for" toml:"allow_forwarded_for"`
	ReadLimit         int64  `yaml:"read_limit" toml:"read_limit"`

	WriteTimeout    time.Duration `yaml:"-" toml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout" toml:"write_timeout"`
}

// BackendConfig selects and configures the single active backend
type BackendConfig struct {
	Type  string             `yaml:"type" toml:"type"`
	HTTP  HTTPBackendConfig  `yaml:"http" toml:"http"`
	NATS  NATSBackendConfig  `yaml:"nats" toml:"nats"`
	Kafka KafkaBackendConfig `yaml:"kafka" toml:"kafka"`
	GRPC  GRPCBackendConfig  `yaml:"grpc" toml:"grpc"`
}

// HTTPBackendConfig configures the HTTP backend
type HTTPBackendConfig struct {
	URL string `yaml:"url" toml:"url"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// NATSBackendConfig configures the NATS backend
type NATSBackendConfig struct {
	URL            string `yaml:"url" toml:"url"`
	RequestSubject string `yaml:"request_subject" toml:"request_subject"`
	ReplyPrefix    string `yaml:"reply_prefix" toml:"reply_prefix"`
}

// KafkaBackendConfig configures the Kafka backend
type KafkaBackendConfig struct {
	Brokers      []string `yaml:"brokers" toml:"brokers"`
	ClientID     string   `yaml:"client_id" toml:"client_id"`
	RequestTopic string   `yaml:"request_topic" toml:"request_topic"`
	ReplyTopic   string   `yaml:"reply_topic" toml:"reply_topic"`
}

// GRPCBackendConfig configures the gRPC backend
type GRPCBackendConfig struct {
	Target string `yaml:"target" toml:"target"`
	Method string `yaml:"method" toml:"method"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// PluginConfig declares one named plugin instance. Only the sub-section
// matching Type is read.
type PluginConfig struct {
	Name      string                `yaml:"name" toml:"name"`
	Type      string                `yaml:"type" toml:"type"`
	Auth      AuthPluginConfig      `yaml:"auth" toml:"auth"`
	RateLimit RateLimitPluginConfig `yaml:"ratelimit" toml:"ratelimit"`
	Cache     CachePluginConfig     `yaml:"cache" toml:"cache"`
	Latency   LatencyPluginConfig   `yaml:"latency" toml:"latency"`
	Guard     GuardPluginConfig     `yaml:"guard" toml:"guard"`
}

// AuthPluginConfig configures the authenticator
type AuthPluginConfig struct {
	// Verifier is "signed" (HMAC signed tokens, default) or "jwt".
	Verifier string `yaml:"verifier" toml:"verifier"`
	Secret   string `yaml:"secret" toml:"secret"`
	// Source is "query" (default), "header" or "cookie".
	Source string `yaml:"source" toml:"source"`
	// Param names the query parameter, header or cookie. Defaults to
	// "token", or "Authorization" for headers.
	Param  string `yaml:"param" toml:"param"`
	Strict bool   `yaml:"strict" toml:"strict"`
}

// RateLimitPluginConfig configures the token-bucket limiter
type RateLimitPluginConfig struct {
	Requests int `yaml:"requests" toml:"requests"`
	// Key is "ip" (default) or "user".
	Key string `yaml:"key" toml:"key"`
	// Requests whose ExemptField equals one of ExemptValues are not counted.
	ExemptField  string   `yaml:"exempt_field" toml:"exempt_field"`
	ExemptValues []string `yaml:"exempt_values" toml:"exempt_values"`

	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// CachePluginConfig configures the response cache
type CachePluginConfig struct {
	// Store is "memory" (default) or "redis".
	Store      string      `yaml:"store" toml:"store"`
	KeyField   string      `yaml:"key_field" toml:"key_field"`
	MaxEntries int         `yaml:"max_entries" toml:"max_entries"`
	Redis      RedisConfig `yaml:"redis" toml:"redis"`

	TTL           time.Duration `yaml:"-" toml:"-"`
	TTLRaw        string        `yaml:"ttl" toml:"ttl"`
	PendingTTL    time.Duration `yaml:"-" toml:"-"`
	PendingTTLRaw string        `yaml:"pending_ttl" toml:"pending_ttl"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// LatencyPluginConfig configures the latency tracker
type LatencyPluginConfig struct {
	MethodField string `yaml:"method_field" toml:"method_field"`
	MaxInflight int    `yaml:"max_inflight" toml:"max_inflight"`

	MaxAge    time.Duration `yaml:"-" toml:"-"`
	MaxAgeRaw string        `yaml:"max_age" toml:"max_age"`
}

// GuardPluginConfig configures a login-required rule
type GuardPluginConfig struct {
	Field   string `yaml:"field" toml:"field"`
	Value   string `yaml:"value" toml:"value"`
	Message string `yaml:"message" toml:"message"`
}

// PipelineConfig lists plugin names per chain, in execution order
type PipelineConfig struct {
	Connection []string `yaml:"connection" toml:"connection"`
	Request    []string `yaml:"request" toml:"request"`
	Response   []string `yaml:"response" toml:"response"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Frontends.HTTP.ResponseTimeout == 0 {
		c.Frontends.HTTP.ResponseTimeout = 30 * time.Second
	}
	if c.Frontends.WebSocket.Path == "" {
		c.Frontends.WebSocket.Path = "/"
	}
	if c.Backend.HTTP.Timeout == 0 {
		c.Backend.HTTP.Timeout = 30 * time.Second
	}
	if c.Backend.GRPC.Timeout == 0 {
		c.Backend.GRPC.Timeout = 30 * time.Second
	}
	if c.Backend.Kafka.ClientID == "" {
		c.Backend.Kafka.ClientID = "relaygate"
	}

	for i := range c.Plugins {
		p := &c.Plugins[i]
		switch p.Type {
		case PluginAuth:
			if p.Auth.Verifier == "" {
				p.Auth.Verifier = "signed"
			}
			if p.Auth.Source == "" {
				p.Auth.Source = "query"
			}
			if p.Auth.Param == "" {
				p.Auth.Param = "token"
				if p.Auth.Source == "header" {
					p.Auth.Param = "Authorization"
				}
			}
		case PluginRateLimit:
			if p.RateLimit.Key == "" {
				p.RateLimit.Key = "ip"
			}
		case PluginCache:
			if p.Cache.Store == "" {
				p.Cache.Store = "memory"
			}
			if p.Cache.MaxEntries == 0 {
				p.Cache.MaxEntries = 5000
			}
			if p.Cache.PendingTTL == 0 {
				p.Cache.PendingTTL = 5 * time.Minute
			}
			if p.Cache.Redis.PoolSize == 0 {
				p.Cache.Redis.PoolSize = 10
			}
		case PluginLatency:
			if p.Latency.MethodField == "" {
				p.Latency.MethodField = "method"
			}
			if p.Latency.MaxInflight == 0 {
				p.Latency.MaxInflight = 500
			}
			if p.Latency.MaxAge == 0 {
				p.Latency.MaxAge = time.Minute
			}
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Frontends.HTTP.Enabled && !c.Frontends.WebSocket.Enabled {
		return fmt.Errorf("at least one frontend must be enabled")
	}
	if c.Frontends.HTTP.Enabled && c.Frontends.HTTP.Addr == "" {
		return fmt.Errorf("frontends.http.addr is required when the http frontend is enabled")
	}
	if c.Frontends.WebSocket.Enabled && c.Frontends.WebSocket.Addr == "" {
		return fmt.Errorf("frontends.websocket.addr is required when the websocket frontend is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}

	if err := c.Backend.validate(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.Plugins))
	for i, p := range c.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugins[%d].name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("plugin name %q is used more than once", p.Name)
		}
		names[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("plugin %q: %w", p.Name, err)
		}
	}

	chains := []struct {
		class string
		names []string
	}{
		{"connection", c.Pipeline.Connection},
		{"request", c.Pipeline.Request},
		{"response", c.Pipeline.Response},
	}
	for _, chain := range chains {
		for _, name := range chain.names {
			if !names[name] {
				return fmt.Errorf("pipeline.%s references unknown plugin %q", chain.class, name)
			}
		}
	}

	return nil
}

func (b *BackendConfig) validate() error {
	switch b.Type {
	case BackendHTTP:
		if b.HTTP.URL == "" {
			return fmt.Errorf("backend.http.url is required")
		}
	case BackendNATS:
		if b.NATS.URL == "" {
			return fmt.Errorf("backend.nats.url is required")
		}
		if b.NATS.RequestSubject == "" || b.NATS.ReplyPrefix == "" {
			return fmt.Errorf("backend.nats.request_subject and backend.nats.reply_prefix are required")
		}
	case BackendKafka:
		if len(b.Kafka.Brokers) == 0 {
			return fmt.Errorf("backend.kafka.brokers is required")
		}
		if b.Kafka.RequestTopic == "" || b.Kafka.ReplyTopic == "" {
			return fmt.Errorf("backend.kafka.request_topic and backend.kafka.reply_topic are required")
		}
	case BackendGRPC:
		if b.GRPC.Target == "" {
			return fmt.Errorf("backend.grpc.target is required")
		}
	case "":
		return fmt.Errorf("backend.type is required")
	default:
		return fmt.Errorf("backend.type %q must be one of http, nats, kafka, grpc", b.Type)
	}
	return nil
}

func (p *PluginConfig) validate() error {
	switch p.Type {
	case PluginAuth:
		if p.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is required")
		}
		if p.Auth.Verifier != "signed" && p.Auth.Verifier != "jwt" {
			return fmt.Errorf("auth.verifier %q must be signed or jwt", p.Auth.Verifier)
		}
		switch p.Auth.Source {
		case "query", "header", "cookie":
		default:
			return fmt.Errorf("auth.source %q must be query, header or cookie", p.Auth.Source)
		}
	case PluginRateLimit:
		if p.RateLimit.Requests <= 0 {
			return fmt.Errorf("ratelimit.requests must be positive")
		}
		if p.RateLimit.Interval <= 0 {
			return fmt.Errorf("ratelimit.interval must be positive")
		}
		if p.RateLimit.Key != "ip" && p.RateLimit.Key != "user" {
			return fmt.Errorf("ratelimit.key %q must be ip or user", p.RateLimit.Key)
		}
	case PluginCache:
		if p.Cache.KeyField == "" {
			return fmt.Errorf("cache.key_field is required")
		}
		switch p.Cache.Store {
		case "memory":
		case "redis":
			if p.Cache.Redis.Addr == "" {
				return fmt.Errorf("cache.redis.addr is required for the redis store")
			}
		default:
			return fmt.Errorf("cache.store %q must be memory or redis", p.Cache.Store)
		}
	case PluginLatency:
	case PluginGuard:
		if p.Guard.Field == "" || p.Guard.Value == "" {
			return fmt.Errorf("guard.field and guard.value are required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown plugin type %q", p.Type)
	}
	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"frontends.http.response_timeout", cfg.Frontends.HTTP.ResponseTimeoutRaw, &cfg.Frontends.HTTP.ResponseTimeout},
		{"frontends.websocket.write_timeout", cfg.Frontends.WebSocket.WriteTimeoutRaw, &cfg.Frontends.WebSocket.WriteTimeout},
		{"backend.http.timeout", cfg.Backend.HTTP.TimeoutRaw, &cfg.Backend.HTTP.Timeout},
		{"backend.grpc.timeout", cfg.Backend.GRPC.TimeoutRaw, &cfg.Backend.GRPC.Timeout},
	}
	for i := range cfg.Plugins {
		p := &cfg.Plugins[i]
		prefix := fmt.Sprintf("plugins[%d].", i)
		fields = append(fields,
			durationField{prefix + "ratelimit.interval", p.RateLimit.IntervalRaw, &p.RateLimit.Interval},
			durationField{prefix + "cache.ttl", p.Cache.TTLRaw, &p.Cache.TTL},
			durationField{prefix + "cache.pending_ttl", p.Cache.PendingTTLRaw, &p.Cache.PendingTTL},
			durationField{prefix + "latency.max_age", p.Latency.MaxAgeRaw, &p.Latency.MaxAge},
		)
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
