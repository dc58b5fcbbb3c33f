// Package config loads the CSE's configuration from a YAML file and
// environment variables using Viper, with validation applied after load.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CSE instance types (spec.md §6.5).
const (
	CSETypeIN  = "IN"  // Infrastructure Node
	CSETypeMN  = "MN"  // Middle Node
	CSETypeASN = "ASN" // Application Service Node
)

// Config is the complete configuration for a CSE instance.
//
// Configuration can be loaded from:
//   - YAML file (config/config.yaml)
//   - environment variables (prefixed with ACME_CSE_)
//
// Example:
//
//	cfg, err := config.Load("config/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Redis         RedisConfig         `mapstructure:"redis"`
	CSE           CSEConfig           `mapstructure:"cse"`
	Security      SecurityConfig      `mapstructure:"security"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// ServerConfig contains HTTP binding adapter configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes"`
	GinMode         string        `mapstructure:"gin_mode"`
	OpenAPISpecPath string        `mapstructure:"openapi_spec_path"`
}

// RedisConfig contains the storage/event-bus backend configuration.
type RedisConfig struct {
	Mode         string        `mapstructure:"mode"` // standalone|sentinel
	Addresses    []string      `mapstructure:"addresses"`
	MasterName   string        `mapstructure:"master_name"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RegistrarConfig describes the parent CSE a MN/ASN registers against
// (spec.md §4.5).
type RegistrarConfig struct {
	Address       string        `mapstructure:"address"`
	CSEID         string        `mapstructure:"cse_id"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Serialization string        `mapstructure:"serialization"`
}

// AnnouncementConfig controls the announcement manager (spec.md §4.8).
type AnnouncementConfig struct {
	AllowAnnouncementsToHostingCSE bool          `mapstructure:"allow_announcements_to_hosting_cse"`
	DelayAfterRegistration         time.Duration `mapstructure:"delay_after_registration"`
	CheckInterval                  time.Duration `mapstructure:"check_interval"`
}

// CSEConfig carries the oneM2M contract options from spec.md §6.5.
type CSEConfig struct {
	CSEID                    string             `mapstructure:"cse_id"`
	ServiceProviderID        string             `mapstructure:"service_provider_id"`
	CSEType                  string             `mapstructure:"cse_type"`
	IDLength                 int                `mapstructure:"id_length"`
	MaxExpirationDelta       time.Duration      `mapstructure:"max_expiration_delta"`
	CheckExpirationsInterval time.Duration      `mapstructure:"check_expirations_interval"`
	RequestExpirationDelta   time.Duration      `mapstructure:"request_expiration_delta"`
	FlexBlockingPreference   string             `mapstructure:"flex_blocking_preference"` // blocking|nonBlocking
	SupportedReleaseVersions []string           `mapstructure:"supported_release_versions"`
	ReleaseVersion           string             `mapstructure:"release_version"`
	DefaultSerialization     string             `mapstructure:"default_serialization"` // json|cbor
	EnableRemoteCSE          bool               `mapstructure:"enable_remote_cse"`
	SortDiscoveredResources  bool               `mapstructure:"sort_discovered_resources"`
	AsyncSubscriptionNotify  bool               `mapstructure:"async_subscription_notifications"`
	EnableVerificationReqs   bool               `mapstructure:"enable_subscription_verification_requests"`
	AllowPatchForDelete      bool               `mapstructure:"allow_patch_for_delete"`
	Registrar                RegistrarConfig    `mapstructure:"registrar"`
	Announcements            AnnouncementConfig `mapstructure:"announcements"`
}

// SecurityConfig controls ACP enforcement and rate limiting.
type SecurityConfig struct {
	EnableACPChecks   bool          `mapstructure:"enable_acp_checks"`
	FullAccessAdmin   bool          `mapstructure:"full_access_admin"`
	AdminOriginator   string        `mapstructure:"admin_originator"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// ObservabilityConfig groups logging and metrics configuration.
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Environment string `mapstructure:"environment"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// Load reads configuration from configPath (or the default search path if
// empty), merges in environment variable overrides prefixed ACME_CSE_, and
// unmarshals into a Config. The config file is optional: an instance
// configured entirely from environment variables and defaults is valid.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/acme-cse")
	}

	v.SetEnvPrefix("ACME_CSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_header_bytes", 1048576)
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.openapi_spec_path", "")

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("cse.cse_id", "/id-in")
	v.SetDefault("cse.service_provider_id", "/acme")
	v.SetDefault("cse.cse_type", CSETypeIN)
	v.SetDefault("cse.id_length", 10)
	v.SetDefault("cse.max_expiration_delta", "8760h") // 1 year
	v.SetDefault("cse.check_expirations_interval", "60s")
	v.SetDefault("cse.request_expiration_delta", "10s")
	v.SetDefault("cse.flex_blocking_preference", "blocking")
	v.SetDefault("cse.supported_release_versions", []string{"2a", "3", "4", "5"})
	v.SetDefault("cse.release_version", "4")
	v.SetDefault("cse.default_serialization", "json")
	v.SetDefault("cse.enable_remote_cse", true)
	v.SetDefault("cse.sort_discovered_resources", true)
	v.SetDefault("cse.async_subscription_notifications", true)
	v.SetDefault("cse.enable_subscription_verification_requests", true)
	v.SetDefault("cse.allow_patch_for_delete", false)
	v.SetDefault("cse.registrar.check_interval", "30s")
	v.SetDefault("cse.registrar.serialization", "json")
	v.SetDefault("cse.announcements.delay_after_registration", "5s")
	v.SetDefault("cse.announcements.check_interval", "60s")

	v.SetDefault("security.enable_acp_checks", true)
	v.SetDefault("security.full_access_admin", true)
	v.SetDefault("security.admin_originator", "CAdmin")
	v.SetDefault("security.rate_limit_enabled", false)
	v.SetDefault("security.rate_limit_requests", 100)
	v.SetDefault("security.rate_limit_window", "1m")

	v.SetDefault("observability.logging.environment", "production")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.path", "/metrics")
	v.SetDefault("observability.metrics.namespace", "acme_cse")
}

// Validate checks the configuration for internal consistency and returns
// an error describing the first problem found.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateRedis(); err != nil {
		return err
	}
	if err := c.validateCSE(); err != nil {
		return err
	}
	return c.validateSecurity()
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis.Mode != "standalone" && c.Redis.Mode != "sentinel" {
		return fmt.Errorf("redis.mode must be 'standalone' or 'sentinel', got %q", c.Redis.Mode)
	}
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis.addresses must not be empty")
	}
	if c.Redis.Mode == "sentinel" && c.Redis.MasterName == "" {
		return fmt.Errorf("redis.master_name is required in sentinel mode")
	}
	return nil
}

func (c *Config) validateCSE() error {
	if c.CSE.CSEID == "" || c.CSE.CSEID[0] != '/' {
		return fmt.Errorf("cse.cse_id must be non-empty and begin with '/', got %q", c.CSE.CSEID)
	}
	switch c.CSE.CSEType {
	case CSETypeIN, CSETypeMN, CSETypeASN:
	default:
		return fmt.Errorf("cse.cse_type must be one of IN, MN, ASN, got %q", c.CSE.CSEType)
	}
	if len(c.CSE.SupportedReleaseVersions) == 0 {
		return fmt.Errorf("cse.supported_release_versions must not be empty")
	}
	if c.CSE.IDLength <= 0 {
		return fmt.Errorf("cse.id_length must be positive, got %d", c.CSE.IDLength)
	}
	if c.CSE.CSEType != CSETypeIN && c.CSE.Registrar.Address == "" {
		return fmt.Errorf("cse.registrar.address is required for cse_type %s", c.CSE.CSEType)
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.FullAccessAdmin && c.Security.AdminOriginator == "" {
		return fmt.Errorf("security.admin_originator is required when full_access_admin is enabled")
	}
	return nil
}
