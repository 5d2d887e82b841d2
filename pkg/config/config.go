// Package config defines the admission layer's configuration surface and
// the pipeline that loads it: provider → parse → env expansion → decode →
// defaults → validation.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the gatekeeper server.
type Config struct {
	Server        ServerConfig               `yaml:"server" json:"server"`
	Logging       LoggingConfig              `yaml:"logging" json:"logging"`
	Store         StoreConfig                `yaml:"store" json:"store"`
	Databases     map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty"`
	RateLimit     RateLimitConfig            `yaml:"rate_limit" json:"rate_limit"`
	Connections   ConnectionsConfig          `yaml:"connections" json:"connections"`
	Origins       OriginsConfig              `yaml:"origins" json:"origins"`
	WebSocket     WebSocketConfig            `yaml:"websocket" json:"websocket"`
	Audit         AuditConfig                `yaml:"audit" json:"audit"`
	Auth          AuthConfig                 `yaml:"auth" json:"auth"`
	Observability ObservabilityConfig        `yaml:"observability" json:"observability"`
}

// SetDefaults applies defaults to all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Store.SetDefaults()
	for _, db := range c.Databases {
		db.SetDefaults()
	}
	c.RateLimit.SetDefaults()
	c.Connections.SetDefaults()
	c.Origins.SetDefaults()
	c.WebSocket.SetDefaults()
	c.Audit.SetDefaults()
	c.Auth.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks all sections.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	for name, db := range c.Databases {
		if err := db.Validate(); err != nil {
			return fmt.Errorf("databases.%s: %w", name, err)
		}
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Connections.Validate(); err != nil {
		return fmt.Errorf("connections: %w", err)
	}
	if err := c.WebSocket.Validate(); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}
	if err := c.Audit.Validate(c.Databases); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// DefaultConfig returns a fully defaulted configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host" jsonschema:"default=0.0.0.0"`
	Port            int           `yaml:"port" json:"port" jsonschema:"default=8080,minimum=1,maximum=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Address returns the listen address as host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format" json:"format" jsonschema:"enum=text,enum=json,default=text"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// StoreConfig selects the shared counter store backend.
type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend" json:"backend" jsonschema:"enum=memory,enum=redis,default=memory"`
	Redis   RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig configures the redis counter backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" jsonschema:"default=localhost:6379"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "redis" && c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "memory", "redis":
		return nil
	default:
		return fmt.Errorf("invalid backend %q (valid: memory, redis)", c.Backend)
	}
}

// RateLimitConfig configures the request rate limiter.
type RateLimitConfig struct {
	Enabled          *bool            `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Window           time.Duration    `yaml:"window" json:"window"`
	Tiers            map[string]int64 `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	ExcludedPrefixes []string         `yaml:"excluded_prefixes,omitempty" json:"excluded_prefixes,omitempty"`
	KeyPrefix        string           `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

// DefaultExcludedPrefixes bypass rate limiting: operational endpoints plus
// asset paths that would burn quota pointlessly.
var DefaultExcludedPrefixes = []string{"/v1", "/metrics", "/healthz", "/static/", "/media/", "/admin/"}

func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Window == 0 {
		c.Window = time.Hour
	}
	if c.Tiers == nil {
		c.Tiers = map[string]int64{
			"anonymous":     100,
			"authenticated": 1000,
			"premium":       5000,
		}
	}
	if c.ExcludedPrefixes == nil {
		c.ExcludedPrefixes = append([]string(nil), DefaultExcludedPrefixes...)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "rl:"
	}
}

func (c *RateLimitConfig) Validate() error {
	if c.Window < 0 {
		return fmt.Errorf("window must be non-negative")
	}
	for tier, limit := range c.Tiers {
		if limit <= 0 {
			return fmt.Errorf("tier %q quota must be positive, got %d", tier, limit)
		}
	}
	return nil
}

// IsEnabled reports whether rate limiting is on.
func (c *RateLimitConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// ConnectionsConfig configures websocket connection caps.
type ConnectionsConfig struct {
	Enabled    *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MaxPerUser int64         `yaml:"max_per_user" json:"max_per_user" jsonschema:"default=5"`
	MaxPerIP   int64         `yaml:"max_per_ip" json:"max_per_ip" jsonschema:"default=10"`
	CounterTTL time.Duration `yaml:"counter_ttl" json:"counter_ttl"`
}

func (c *ConnectionsConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxPerUser == 0 {
		c.MaxPerUser = 5
	}
	if c.MaxPerIP == 0 {
		c.MaxPerIP = 10
	}
	if c.CounterTTL == 0 {
		c.CounterTTL = time.Hour
	}
}

func (c *ConnectionsConfig) Validate() error {
	if c.MaxPerUser < 0 || c.MaxPerIP < 0 {
		return fmt.Errorf("connection caps must be non-negative")
	}
	return nil
}

// IsEnabled reports whether connection caps are enforced.
func (c *ConnectionsConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// OriginsConfig configures websocket origin validation.
// An empty allow-list rejects every origin; origin checks never fail open.
type OriginsConfig struct {
	Enforce *bool    `yaml:"enforce,omitempty" json:"enforce,omitempty"`
	Allowed []string `yaml:"allowed,omitempty" json:"allowed,omitempty"`
}

func (c *OriginsConfig) SetDefaults() {
	if c.Enforce == nil {
		c.Enforce = BoolPtr(true)
	}
}

// IsEnforced reports whether origin validation is on.
func (c *OriginsConfig) IsEnforced() bool {
	return BoolValue(c.Enforce, true)
}

// WebSocketConfig configures the websocket endpoint.
type WebSocketConfig struct {
	Path             string        `yaml:"path" json:"path" jsonschema:"default=/ws"`
	MaxFrameBytes    int64         `yaml:"max_frame_bytes" json:"max_frame_bytes" jsonschema:"default=65536"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size,omitempty" json:"read_buffer_size,omitempty"`
	WriteBufferSize  int           `yaml:"write_buffer_size,omitempty" json:"write_buffer_size,omitempty"`
}

func (c *WebSocketConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 65536
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

func (c *WebSocketConfig) Validate() error {
	if c.MaxFrameBytes < 0 {
		return fmt.Errorf("max_frame_bytes must be non-negative")
	}
	return nil
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled       *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Database      string        `yaml:"database,omitempty" json:"database,omitempty"`
	RetentionDays int           `yaml:"retention_days" json:"retention_days" jsonschema:"default=7"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	QueueSize     int           `yaml:"queue_size" json:"queue_size" jsonschema:"default=1024"`
}

func (c *AuditConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 7
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
}

func (c *AuditConfig) Validate(databases map[string]*DatabaseConfig) error {
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be non-negative")
	}
	if c.Database != "" {
		if _, ok := databases[c.Database]; !ok {
			return fmt.Errorf("database %q is not defined in databases", c.Database)
		}
	}
	return nil
}

// IsEnabled reports whether audit recording is on.
func (c *AuditConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, true)
}

// Retention returns the retention period as a duration.
func (c *AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// AuthConfig configures optional JWT authentication.
type AuthConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	JWKSURL  string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`
	Issuer   string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`
}

func (c *AuthConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
}

func (c *AuthConfig) Validate() error {
	if c.IsEnabled() && c.JWKSURL == "" {
		return fmt.Errorf("jwks_url is required when auth is enabled")
	}
	return nil
}

// IsEnabled reports whether JWT validation is on.
func (c *AuthConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// MetricsConfig configures the prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Path    string `yaml:"path" json:"path" jsonschema:"default=/metrics"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      *bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" jsonschema:"default=1.0,minimum=0,maximum=1"`
	ServiceName  string  `yaml:"service_name" json:"service_name" jsonschema:"default=gatekeeper"`
	Exporter     string  `yaml:"exporter" json:"exporter" jsonschema:"enum=otlp,enum=stdout,default=otlp"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = BoolPtr(true)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.Enabled == nil {
		c.Tracing.Enabled = BoolPtr(false)
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "gatekeeper"
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
}

func (c *ObservabilityConfig) Validate() error {
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling_rate must be between 0 and 1")
	}
	switch c.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("invalid tracing exporter %q (valid: otlp, stdout)", c.Tracing.Exporter)
	}
	return nil
}

// BoolPtr returns a pointer to the given bool value.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue returns the value of the bool pointer, or the default if nil.
func BoolValue(b *bool, defaultValue bool) bool {
	if b == nil {
		return defaultValue
	}
	return *b
}
