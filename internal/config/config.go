// Package config loads and validates the TOML configuration that drives
// routing, endpoint catalogs and observability.
package config

import (
	"fmt"
	"time"

	"github.com/user/octoroute/internal/models"
)

// Routing strategy names accepted in the config file. "tool" parses but is
// rejected during validation until tool-calling routing ships.
const (
	StrategyNameRule   = "rule"
	StrategyNameLLM    = "llm"
	StrategyNameHybrid = "hybrid"
	StrategyNameTool   = "tool"
)

// Config is the root of the TOML configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Models        ModelsConfig        `toml:"models"`
	Routing       RoutingConfig       `toml:"routing"`
	Timeouts      TimeoutsConfig      `toml:"timeouts"`
	Observability ObservabilityConfig `toml:"observability"`
	Storage       StorageConfig       `toml:"storage"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// ModelsConfig holds the per-tier endpoint catalogs.
type ModelsConfig struct {
	Fast     []models.ModelEndpoint `toml:"fast"`
	Balanced []models.ModelEndpoint `toml:"balanced"`
	Deep     []models.ModelEndpoint `toml:"deep"`
}

// Tier returns the endpoint list for a tier.
func (m *ModelsConfig) Tier(t models.Tier) []models.ModelEndpoint {
	switch t {
	case models.TierFast:
		return m.Fast
	case models.TierBalanced:
		return m.Balanced
	case models.TierDeep:
		return m.Deep
	}
	return nil
}

// RoutingConfig selects the routing strategy and the router model tier.
type RoutingConfig struct {
	Strategy          string               `toml:"strategy"`
	DefaultImportance string               `toml:"default_importance"`
	RouterTier        string               `toml:"router_tier"`
	RouterTimeouts    RouterTimeoutsConfig `toml:"router_timeouts"`
}

// RouterTimeoutsConfig bounds the routing-decision call per router tier,
// in seconds.
type RouterTimeoutsConfig struct {
	Fast     int `toml:"fast"`
	Balanced int `toml:"balanced"`
	Deep     int `toml:"deep"`
}

// ForTier returns the configured router timeout for a tier.
func (r *RouterTimeoutsConfig) ForTier(t models.Tier) time.Duration {
	switch t {
	case models.TierFast:
		return time.Duration(r.Fast) * time.Second
	case models.TierDeep:
		return time.Duration(r.Deep) * time.Second
	default:
		return time.Duration(r.Balanced) * time.Second
	}
}

// TimeoutsConfig holds optional per-tier dispatch timeouts, in seconds.
// Zero means fall back to server.request_timeout_seconds.
type TimeoutsConfig struct {
	Fast     int `toml:"fast"`
	Balanced int `toml:"balanced"`
	Deep     int `toml:"deep"`
}

// ObservabilityConfig controls logging and the metrics listener.
type ObservabilityConfig struct {
	LogLevel       string            `toml:"log_level"`
	MetricsEnabled bool              `toml:"metrics_enabled"`
	MetricsPort    int               `toml:"metrics_port"`
	LogRotation    LogRotationConfig `toml:"log_rotation"`
}

// LogRotationConfig bounds the on-disk log file.
type LogRotationConfig struct {
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// StorageConfig enables the optional sqlite request audit log.
type StorageConfig struct {
	RequestLogPath string `toml:"request_log_path"`
}

// Defaults applied after decoding, before validation.
const (
	defaultRequestTimeoutSeconds = 30
	defaultRouterTimeoutSeconds  = 10
	maxTimeoutSeconds            = 300
)

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.RequestTimeoutSeconds == 0 {
		c.Server.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = StrategyNameHybrid
	}
	if c.Routing.DefaultImportance == "" {
		c.Routing.DefaultImportance = string(models.ImportanceNormal)
	}
	if c.Routing.RouterTier == "" {
		c.Routing.RouterTier = string(models.TierBalanced)
	}
	if c.Routing.RouterTimeouts.Fast == 0 {
		c.Routing.RouterTimeouts.Fast = defaultRouterTimeoutSeconds
	}
	if c.Routing.RouterTimeouts.Balanced == 0 {
		c.Routing.RouterTimeouts.Balanced = defaultRouterTimeoutSeconds
	}
	if c.Routing.RouterTimeouts.Deep == 0 {
		c.Routing.RouterTimeouts.Deep = defaultRouterTimeoutSeconds
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsPort == 0 {
		c.Observability.MetricsPort = 9090
	}
	if c.Observability.LogRotation.MaxSizeMB == 0 {
		c.Observability.LogRotation.MaxSizeMB = 100
	}
	if c.Observability.LogRotation.MaxBackups == 0 {
		c.Observability.LogRotation.MaxBackups = 5
	}
	if c.Observability.LogRotation.MaxAgeDays == 0 {
		c.Observability.LogRotation.MaxAgeDays = 30
	}
}

// Validate checks the whole configuration. Errors name the offending field.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.RequestTimeoutSeconds <= 0 || c.Server.RequestTimeoutSeconds > maxTimeoutSeconds {
		return &ConfigError{
			Field:   "server.request_timeout_seconds",
			Message: fmt.Sprintf("must be in (0, %d], got %d", maxTimeoutSeconds, c.Server.RequestTimeoutSeconds),
		}
	}

	seen := make(map[string]models.Tier)
	for _, tier := range models.AllTiers() {
		endpoints := c.Models.Tier(tier)
		// Every tier must be servable: an empty tier would only surface as a
		// dispatch failure at request time.
		if len(endpoints) == 0 {
			return &ConfigError{
				Field:   fmt.Sprintf("models.%s", tier),
				Message: "at least one endpoint must be configured",
			}
		}
		for i := range endpoints {
			ep := &endpoints[i]
			if err := ep.Validate(); err != nil {
				return &ConfigError{
					Field:   fmt.Sprintf("models.%s[%d]", tier, i),
					Message: err.Error(),
				}
			}
			// Duplicate names within a tier are allowed (same model, several
			// replicas); the same name spanning tiers would make specific
			// model selection ambiguous.
			if prev, ok := seen[ep.Name]; ok && prev != tier {
				return &ConfigError{
					Field:   fmt.Sprintf("models.%s[%d].name", tier, i),
					Message: fmt.Sprintf("endpoint name %q already used in tier %q", ep.Name, prev),
				}
			}
			seen[ep.Name] = tier
		}
	}

	switch c.Routing.Strategy {
	case StrategyNameRule, StrategyNameLLM, StrategyNameHybrid:
	case StrategyNameTool:
		return &ConfigError{
			Field:   "routing.strategy",
			Message: `"tool" is recognized but not yet supported; use rule, llm or hybrid`,
		}
	default:
		return &ConfigError{
			Field:   "routing.strategy",
			Message: fmt.Sprintf("unknown strategy %q (expected rule, llm or hybrid)", c.Routing.Strategy),
		}
	}

	switch models.Importance(c.Routing.DefaultImportance) {
	case models.ImportanceLow, models.ImportanceNormal, models.ImportanceHigh:
	default:
		return &ConfigError{
			Field:   "routing.default_importance",
			Message: fmt.Sprintf("unknown importance %q (expected low, normal or high)", c.Routing.DefaultImportance),
		}
	}

	if _, err := models.ParseTier(c.Routing.RouterTier); err != nil {
		return &ConfigError{Field: "routing.router_tier", Message: err.Error()}
	}

	for _, rt := range []struct {
		field string
		value int
	}{
		{"routing.router_timeouts.fast", c.Routing.RouterTimeouts.Fast},
		{"routing.router_timeouts.balanced", c.Routing.RouterTimeouts.Balanced},
		{"routing.router_timeouts.deep", c.Routing.RouterTimeouts.Deep},
	} {
		if rt.value <= 0 || rt.value > maxTimeoutSeconds {
			return &ConfigError{
				Field:   rt.field,
				Message: fmt.Sprintf("must be in (0, %d], got %d", maxTimeoutSeconds, rt.value),
			}
		}
	}

	for _, t := range []struct {
		field string
		value int
	}{
		{"timeouts.fast", c.Timeouts.Fast},
		{"timeouts.balanced", c.Timeouts.Balanced},
		{"timeouts.deep", c.Timeouts.Deep},
	} {
		if t.value < 0 || t.value > maxTimeoutSeconds {
			return &ConfigError{
				Field:   t.field,
				Message: fmt.Sprintf("must be in [0, %d], got %d", maxTimeoutSeconds, t.value),
			}
		}
	}

	if c.Observability.MetricsPort < 1 || c.Observability.MetricsPort > 65535 {
		return &ConfigError{Field: "observability.metrics_port", Message: "must be between 1 and 65535"}
	}
	if c.Observability.MetricsEnabled && c.Observability.MetricsPort == c.Server.Port {
		return &ConfigError{
			Field:   "observability.metrics_port",
			Message: fmt.Sprintf("must differ from server.port (%d)", c.Server.Port),
		}
	}

	return nil
}

// RequestTimeout returns the server-wide request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// TimeoutForTier returns the per-tier dispatch timeout, falling back to the
// server request timeout when the tier has no override.
func (c *Config) TimeoutForTier(t models.Tier) time.Duration {
	var secs int
	switch t {
	case models.TierFast:
		secs = c.Timeouts.Fast
	case models.TierBalanced:
		secs = c.Timeouts.Balanced
	case models.TierDeep:
		secs = c.Timeouts.Deep
	}
	if secs <= 0 {
		return c.RequestTimeout()
	}
	return time.Duration(secs) * time.Second
}

// RouterTier returns the tier the LLM router queries for decisions.
func (c *Config) RouterTier() models.Tier {
	t, err := models.ParseTier(c.Routing.RouterTier)
	if err != nil {
		return models.TierBalanced
	}
	return t
}

// DefaultImportance returns the importance applied when a request omits it.
func (c *Config) DefaultImportance() models.Importance {
	return models.Importance(c.Routing.DefaultImportance)
}

// FindEndpoint looks up an endpoint by name across all tiers, fast first.
func (c *Config) FindEndpoint(name string) (models.Tier, *models.ModelEndpoint, bool) {
	for _, tier := range models.AllTiers() {
		endpoints := c.Models.Tier(tier)
		for i := range endpoints {
			if endpoints[i].Name == name {
				return tier, &endpoints[i], true
			}
		}
	}
	return "", nil, false
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}
