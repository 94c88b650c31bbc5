// Package config loads and validates the scanwatch process configuration.
// The validated Config is passed explicitly into constructors.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// SCANWATCH_LIFECYCLE_RECOVERY_MAX_RETRIES.
const EnvPrefix = "SCANWATCH"

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendPostgREST = "postgrest"
)

// Config represents the top-level configuration.
type Config struct {
	Service string `mapstructure:"service" yaml:"service" validate:"required"`
	// Backend selects the scan store.
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory postgres postgrest"`

	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Gateway     GatewayConfig     `mapstructure:"gateway" yaml:"gateway"`
	Lifecycle   LifecycleConfig   `mapstructure:"lifecycle" yaml:"lifecycle"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" yaml:"maintenance"`
	Kafka       KafkaConfig       `mapstructure:"kafka" yaml:"kafka"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Debug       DebugConfig       `mapstructure:"debug" yaml:"debug"`
}

// DatabaseConfig configures the direct Postgres connection.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=1"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// GatewayConfig configures the PostgREST gateway and its schema reload.
type GatewayConfig struct {
	URL        string        `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	ServiceKey string        `mapstructure:"service_key" yaml:"service_key"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	// SchemaReloadURL is the admin endpoint that reloads the schema cache.
	SchemaReloadURL string `mapstructure:"schema_reload_url" yaml:"schema_reload_url" validate:"omitempty,url"`
	// NotifyFallback also tries NOTIFY pgrst when a database URL is set.
	NotifyFallback bool `mapstructure:"notify_fallback" yaml:"notify_fallback"`
}

// RecoveryConfig controls schema cache recovery on writes.
type RecoveryConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" yaml:"max_delay" validate:"gtefield=BaseDelay"`
	Jitter     float64       `mapstructure:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
}

// LifecycleConfig configures the lifecycle manager.
type LifecycleConfig struct {
	Recovery        RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`
	EnableAnalytics bool           `mapstructure:"enable_analytics" yaml:"enable_analytics"`
}

// MaintenanceConfig configures the stuck-scan sweep and health metrics.
type MaintenanceConfig struct {
	Recovery             RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`
	MaxRuntime           time.Duration  `mapstructure:"max_runtime" yaml:"max_runtime" validate:"gt=0"`
	HeartbeatStale       time.Duration  `mapstructure:"heartbeat_stale" yaml:"heartbeat_stale" validate:"gt=0"`
	UsePerScanThresholds bool           `mapstructure:"use_per_scan_thresholds" yaml:"use_per_scan_thresholds"`
	HealthWindow         time.Duration  `mapstructure:"health_window" yaml:"health_window" validate:"gt=0"`
	StaleMultiplier      float64        `mapstructure:"stale_multiplier" yaml:"stale_multiplier" validate:"gt=0"`
	// Interval is the period of the scheduled sweep run by serve.
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	// CleanupRPS throttles cleanup writes; zero disables throttling.
	CleanupRPS      float64 `mapstructure:"cleanup_rps" yaml:"cleanup_rps" validate:"gte=0"`
	CleanupBurst    int     `mapstructure:"cleanup_burst" yaml:"cleanup_burst" validate:"gte=1"`
	EnableAnalytics bool    `mapstructure:"enable_analytics" yaml:"enable_analytics"`
}

// KafkaConfig configures the analytics event publisher.
type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers        []string      `mapstructure:"brokers" yaml:"brokers" validate:"required_if=Enabled true,dive,hostname_port"`
	Topic          string        `mapstructure:"topic" yaml:"topic" validate:"required_if=Enabled true"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
}

// RedisConfig configures the sweep lease.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr     string        `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
	Password string        `mapstructure:"password" yaml:"password"`
	DB       int           `mapstructure:"db" yaml:"db" validate:"gte=0"`
	LeaseKey string        `mapstructure:"lease_key" yaml:"lease_key"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl" validate:"gt=0"`
}

// TelemetryConfig configures tracing, metrics and the log bridge.
type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector; empty disables export.
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio" validate:"gte=0,lte=1"`
	// LogBridge tees log records into the OpenTelemetry log pipeline.
	LogBridge bool `mapstructure:"log_bridge" yaml:"log_bridge"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
}

// DebugConfig configures the debug server started by serve.
type DebugConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `mapstructure:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
	// CORSOrigins lists the origins allowed to read the JSON endpoints.
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	recovery := RecoveryConfig{
		Enabled:    true,
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0.2,
	}
	return Config{
		Service: "scanwatch",
		Backend: BackendMemory,
		Database: DatabaseConfig{
			MaxConns:       10,
			ConnectTimeout: 10 * time.Second,
		},
		Gateway: GatewayConfig{
			Timeout: 10 * time.Second,
		},
		Lifecycle: LifecycleConfig{Recovery: recovery},
		Maintenance: MaintenanceConfig{
			Recovery:        recovery,
			MaxRuntime:      15 * time.Minute,
			HeartbeatStale:  5 * time.Minute,
			HealthWindow:    24 * time.Hour,
			StaleMultiplier: 2,
			Interval:        time.Minute,
			CleanupRPS:      10,
			CleanupBurst:    5,
		},
		Kafka: KafkaConfig{
			Topic:          "scan-analytics",
			ClientID:       "scanwatch",
			ConnectTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			LeaseKey: "scanwatch:maintenance:sweep",
			LeaseTTL: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{SampleRatio: 1},
		Log:       LogConfig{Level: "info"},
		Debug:     DebugConfig{Addr: "localhost:6060"},
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file at path (optional), .env files, and SCANWATCH_ environment
// variables. The result is validated.
func Load(path string, envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadEnvFiles loads the given .env files, or ./.env when none are given.
// A missing default file is not an error.
func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("service", d.Service)
	v.SetDefault("backend", d.Backend)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.connect_timeout", d.Database.ConnectTimeout)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("gateway.url", d.Gateway.URL)
	v.SetDefault("gateway.service_key", d.Gateway.ServiceKey)
	v.SetDefault("gateway.timeout", d.Gateway.Timeout)
	v.SetDefault("gateway.schema_reload_url", d.Gateway.SchemaReloadURL)
	v.SetDefault("gateway.notify_fallback", d.Gateway.NotifyFallback)

	setRecoveryDefaults(v, "lifecycle.recovery", d.Lifecycle.Recovery)
	v.SetDefault("lifecycle.enable_analytics", d.Lifecycle.EnableAnalytics)

	m := d.Maintenance
	setRecoveryDefaults(v, "maintenance.recovery", m.Recovery)
	v.SetDefault("maintenance.max_runtime", m.MaxRuntime)
	v.SetDefault("maintenance.heartbeat_stale", m.HeartbeatStale)
	v.SetDefault("maintenance.use_per_scan_thresholds", m.UsePerScanThresholds)
	v.SetDefault("maintenance.health_window", m.HealthWindow)
	v.SetDefault("maintenance.stale_multiplier", m.StaleMultiplier)
	v.SetDefault("maintenance.interval", m.Interval)
	v.SetDefault("maintenance.cleanup_rps", m.CleanupRPS)
	v.SetDefault("maintenance.cleanup_burst", m.CleanupBurst)
	v.SetDefault("maintenance.enable_analytics", m.EnableAnalytics)

	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)
	v.SetDefault("kafka.connect_timeout", d.Kafka.ConnectTimeout)

	v.SetDefault("redis.enabled", d.Redis.Enabled)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.lease_key", d.Redis.LeaseKey)
	v.SetDefault("redis.lease_ttl", d.Redis.LeaseTTL)

	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.sample_ratio", d.Telemetry.SampleRatio)
	v.SetDefault("telemetry.log_bridge", d.Telemetry.LogBridge)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("debug.addr", d.Debug.Addr)
	v.SetDefault("debug.cors_origins", d.Debug.CORSOrigins)
}

func setRecoveryDefaults(v *viper.Viper, prefix string, r RecoveryConfig) {
	v.SetDefault(prefix+".enabled", r.Enabled)
	v.SetDefault(prefix+".max_retries", r.MaxRetries)
	v.SetDefault(prefix+".base_delay", r.BaseDelay)
	v.SetDefault(prefix+".max_delay", r.MaxDelay)
	v.SetDefault(prefix+".jitter", r.Jitter)
}

// Validate checks field constraints and the requirements of the selected
// backend.
func (c Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required when redis is enabled")
	}

	switch c.Backend {
	case BackendPostgres:
		if c.Database.URL == "" {
			return errors.New("invalid config: database.url is required for the postgres backend")
		}
	case BackendPostgREST:
		if c.Gateway.URL == "" {
			return errors.New("invalid config: gateway.url is required for the postgrest backend")
		}
	}
	return nil
}
